package node

// Class classifies a failed search relative to the node's key range.
type Class int

const (
	// LO means the probe key sorts before every key in the node.
	LO Class = iota
	// MID means the probe key sorts strictly between two existing keys.
	MID
	// HI means the probe key sorts after every key in the node.
	HI
)

// CompareFn follows the inverted convention used throughout this module:
// it returns -1 if entryKey > probe, 0 if equal, +1 if entryKey < probe.
type CompareFn func(entryKey, probe []byte) int

// SearchResult is the outcome of SearchForKey: either an exact match at
// Index, or a classification plus the position an insert would occupy.
type SearchResult struct {
	Found     bool
	Index     uint32
	InsertPos uint32
	Class     Class
}

// SearchForKey performs a binary search over the node's logical key
// sequence via the directory indirection. cmp is a plain key comparator
// for index nodes and BPT leaves, or a key-versus-extent comparator for
// XT leaves — the choice belongs to the caller, since only bpt/xt know
// which comparator applies.
func (n *Node) SearchForKey(key []byte, cmp CompareFn) SearchResult {
	used := n.Used()
	lo, hi := uint32(0), used
	for lo < hi {
		mid := lo + (hi-lo)/2
		c := cmp(n.KthKey(mid), key)
		switch {
		case c == 0:
			return SearchResult{Found: true, Index: mid}
		case c < 0: // entry > key: key sorts before mid
			hi = mid
		default: // entry < key: key sorts after mid
			lo = mid + 1
		}
	}
	class := MID
	switch {
	case used == 0 || lo == 0:
		class = LO
	case lo == used:
		class = HI
	}
	return SearchResult{Found: false, InsertPos: lo, Class: class}
}

// LookupGE returns the smallest logical index whose key is >= key, or
// used if no such key exists.
func (n *Node) LookupGE(key []byte, cmp CompareFn) uint32 {
	r := n.SearchForKey(key, cmp)
	if r.Found {
		return r.Index
	}
	return r.InsertPos
}

// LookupLE returns the largest logical index whose key is <= key, or -1
// (reported via ok=false) if no such key exists.
func (n *Node) LookupLE(key []byte, cmp CompareFn) (idx uint32, ok bool) {
	r := n.SearchForKey(key, cmp)
	if r.Found {
		return r.Index, true
	}
	if r.InsertPos == 0 {
		return 0, false
	}
	return r.InsertPos - 1, true
}

// LookupGT returns the smallest logical index whose key is > key, or
// used if no such key exists.
func (n *Node) LookupGT(key []byte, cmp CompareFn) uint32 {
	r := n.SearchForKey(key, cmp)
	if r.Found {
		return r.Index + 1
	}
	return r.InsertPos
}
