package node

import (
	"fmt"

	"github.com/coldleaf/cowbpt/config"
	"github.com/coldleaf/cowbpt/pagecache"
)

// InitFresh resets a freshly allocated page to an empty, non-root,
// non-leaf node with the identity directory (dir[i] = i for every slot).
// Every newly allocated page that is not produced by a raw memcopy (as
// Split's sibling is) must be initialized this way before use.
func InitFresh(h *pagecache.Handle) {
	for i := 0; i < 5; i++ {
		h.Data[i] = 0
	}
	for i := 0; i < dirSlots; i++ {
		h.Data[dirOff+i] = byte(i)
	}
}

// NewLeafRoot allocates-in-place the canonical empty leaf-root header:
// used = 0, dir[i] = i, root and leaf flags set.
func NewLeafRoot(h *pagecache.Handle) {
	InitFresh(h)
	h.Data[0] = flagRoot | flagLeaf
}

func (n *Node) kthEntryRaw(k uint32) []byte {
	return n.entryBytes(uint32(n.dirByte(k)))
}

func (n *Node) allocEntryRaw(e []byte) {
	used := n.Used()
	slot := n.dirByte(used)
	off := n.headerSize() + uint32(slot)*n.entrySize()
	dst := n.h.Data[off : off+n.entrySize()]
	copy(dst, e)
	n.SetUsed(used + 1)
}

// SetChildAt overwrites the child address at logical position k without
// touching the key (used by get_for_write after a COW relocation).
func (n *Node) SetChildAt(k uint32, addr pagecache.Addr) {
	key, _ := n.KthIndexEntry(k)
	n.SetKthIndexEntry(k, key, addr)
}

// GetForWrite is the COW entry point. It exclusively
// latches addr, bumps children's refcounts if this node is shared
// (refcount > 1), and asks the cache to mark it dirty (possibly
// relocating it). If relocation happened, the old page's refcount drops
// by one and the new page's is set to 1; if parent is also non-nil, the
// parent's child slot at idx is rewritten to the new address.
func GetForWrite(cfg *config.Config, wu pagecache.WorkUnit, addr pagecache.Addr, parent *Node, idx uint32) (*Node, error) {
	h, err := cfg.Cache.GetExclusive(wu, addr)
	if err != nil {
		return nil, err
	}
	n := Wrap(cfg, h)
	rc := cfg.Refcount.Get(wu, addr)
	mustCOW := rc > 1

	if mustCOW && !n.IsLeaf() {
		for k := uint32(0); k < n.Used(); k++ {
			_, childAddr := n.KthIndexEntry(k)
			cfg.Refcount.Inc(wu, childAddr)
		}
	}

	newAddr, err := cfg.Cache.MarkDirty(wu, h, mustCOW)
	if err != nil {
		return nil, err
	}
	if newAddr != addr {
		cfg.Refcount.Dec(wu, addr)
		cfg.Refcount.Init(wu, newAddr)
	}
	if newAddr != addr && parent != nil {
		if parent.ChildAt(idx) != addr {
			return nil, fmt.Errorf("node: get_for_write: parent slot %d does not reference %d", idx, addr)
		}
		parent.SetChildAt(idx, newAddr)
	}
	return n, nil
}

// Split allocates a fresh sibling R by memcopying N's entire page, then
// truncates N to its lower half and R to its upper half.
// N must not be a root; callers split the root via SplitRoot instead.
func Split(cfg *config.Config, wu pagecache.WorkUnit, n *Node) (*Node, error) {
	rh, err := cfg.Cache.Alloc(wu)
	if err != nil {
		return nil, err
	}
	copy(rh.Data, n.h.Data)
	r := Wrap(cfg, rh)
	cfg.Refcount.Init(wu, rh.Addr)

	used := n.Used()
	half := used / 2
	n.ShuffleRemoveAbove(half)
	if half > 0 {
		r.ShuffleRemoveBelow(half - 1)
	}
	return r, nil
}

// SplitRoot splits a full root in two steps: a non-root copy L of the
// root's current contents is built (since the root's header is larger
// than a non-root header, this cannot be a raw memcopy), then Split(L)
// produces R. The root is erased and becomes an index node with two
// entries, (min(L) -> L) and (min(R) -> R).
func SplitRoot(cfg *config.Config, wu pagecache.WorkUnit, root *Node) (l, r *Node, err error) {
	lh, err := cfg.Cache.Alloc(wu)
	if err != nil {
		return nil, nil, err
	}
	InitFresh(lh)
	l = Wrap(cfg, lh)
	l.SetLeaf(root.IsLeaf())
	cfg.Refcount.Init(wu, lh.Addr)

	used := root.Used()
	if root.IsLeaf() {
		for k := uint32(0); k < used; k++ {
			key, val := root.KthLeafEntry(k)
			l.AllocNewEntryLeaf(key, val)
		}
	} else {
		for k := uint32(0); k < used; k++ {
			key, addr := root.KthIndexEntry(k)
			l.AllocNewEntryIndex(key, addr)
		}
	}

	r, err = Split(cfg, wu, l)
	if err != nil {
		return nil, nil, err
	}

	root.SetUsed(0)
	root.SetLeaf(false)
	root.AllocNewEntryIndex(l.MinKey(), l.Addr())
	root.AllocNewEntryIndex(r.MinKey(), r.Addr())
	return l, r, nil
}

// Rebalance moves entries between an underflowing node and a sibling
// with spare capacity so both end up with at least b entries (or, when
// skewed is set, so under ends up with at least b+2 — the remove-range
// variant). cmp must be the same comparator used to keep this level
// ordered.
func Rebalance(cfg *config.Config, under, sibling *Node, skewed bool, cmp CompareFn) {
	b := cfg.B
	target := b
	if skewed {
		target = b + 2
	}
	moved := (1 + sibling.Used() - b) / 2
	for under.Used()+moved < target {
		moved++
	}
	if moved == 0 {
		return
	}

	// cmp follows the inverted convention (-1 if a>b, +1 if a<b), so
	// cmp(under.max, sibling.max) > 0 means under.max < sibling.max: the
	// sibling holds the larger keys and sits to the right of under.
	siblingIsHigher := cmp(under.MaxKey(), sibling.MaxKey()) > 0

	if siblingIsHigher {
		// sibling sits to the right of under: move sibling's smallest
		// `moved` entries to the end of under.
		for i := uint32(0); i < moved; i++ {
			under.allocEntryRaw(sibling.kthEntryRaw(i))
		}
		sibling.ShuffleRemoveBelow(moved - 1)
	} else {
		// sibling sits to the left of under: move sibling's largest
		// `moved` entries to the front of under.
		start := sibling.Used() - moved
		for j := uint32(0); j < moved; j++ {
			under.allocEntryRaw(sibling.kthEntryRaw(start + j))
			under.ShuffleInsert(j)
		}
		sibling.ShuffleRemoveAbove(start)
	}
}

// RebalanceSkewed is Rebalance with the remove-range (b+2) target, named
// separately so call sites that implement phase-3 restore can say what
// they mean.
func RebalanceSkewed(cfg *config.Config, under, sibling *Node, cmp CompareFn) {
	Rebalance(cfg, under, sibling, true, cmp)
}

// MoveMinKey moves sibling's single smallest entry onto the end of under,
// for use when sibling sits to the right of under and only one entry is
// needed to clear an in-danger threshold.
func MoveMinKey(cfg *config.Config, under, sibling *Node) {
	under.allocEntryRaw(sibling.kthEntryRaw(0))
	sibling.ShuffleRemoveBelow(0)
}

// MoveMaxKey moves sibling's single largest entry onto the front of
// under, for use when sibling sits to the left of under.
func MoveMaxKey(cfg *config.Config, under, sibling *Node) {
	last := sibling.Used() - 1
	under.allocEntryRaw(sibling.kthEntryRaw(last))
	under.ShuffleInsert(0)
	sibling.ShuffleRemoveAbove(last)
}

// MoveAndDealloc concatenates every entry of src onto the end of trg,
// preserving order, then deallocates src. The caller must already know
// the combined count fits.
func MoveAndDealloc(cfg *config.Config, wu pagecache.WorkUnit, trg, src *Node) error {
	for i := uint32(0); i < src.Used(); i++ {
		trg.allocEntryRaw(src.kthEntryRaw(i))
	}
	return cfg.Cache.Dealloc(wu, src.Addr())
}

// CopyIntoRootAndDealloc erases root, copies child's entries in, adopts
// child's leaf flag, and deallocates child. Used when a remove collapses
// the root to a single child that fits in the root's larger capacity.
func CopyIntoRootAndDealloc(cfg *config.Config, wu pagecache.WorkUnit, root, child *Node) error {
	root.SetUsed(0)
	root.SetLeaf(child.IsLeaf())
	for i := uint32(0); i < child.Used(); i++ {
		root.allocEntryRaw(child.kthEntryRaw(i))
	}
	return cfg.Cache.Dealloc(wu, child.Addr())
}

// IndexReplaceW2 overwrites parent's entry at logical position k with
// (min(l) -> l) and inserts a new entry (min(r) -> r) at k+1, used after
// a split to install both halves in the parent.
func IndexReplaceW2(parent *Node, k uint32, l, r *Node) {
	parent.SetKthIndexEntry(k, l.MinKey(), l.Addr())
	parent.AllocNewEntryIndex(r.MinKey(), r.Addr())
	parent.ShuffleInsert(k + 1)
}

// IndexReplaceMinKey overwrites the key at logical position 0. Called
// on each index node of an insert's descent, the root included, whose
// current minimum is larger than the new key; on a leaf it rewrites
// entry 0's key.
func IndexReplaceMinKey(n *Node, key []byte) {
	if n.IsLeaf() {
		_, val := n.KthLeafEntry(0)
		n.SetKthLeafEntry(0, key, val)
		return
	}
	_, addr := n.KthIndexEntry(0)
	n.SetKthIndexEntry(0, key, addr)
}
