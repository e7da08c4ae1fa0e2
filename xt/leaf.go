package xt

import (
	"github.com/coldleaf/cowbpt/node"
	"github.com/coldleaf/cowbpt/pagecache"
)

// rangeExtent builds a synthetic Extent spanning the inclusive [min, max]
// range, used only as an Overlaps/BoundSplit operand — never written to a
// node.
func rangeExtent(min, max []byte) Extent {
	rcrd := make([]byte, RcrdHeaderSize)
	SetLength(rcrd, uint32(keyUint(max)-keyUint(min)+1))
	return Extent{Key: min, Rcrd: rcrd}
}

// insertExtentSorted places e at the end of n's directory and rotates it
// into ascending order by start key, mirroring bpt's insertIntoLeaf
// helper (node.AllocNewEntryLeaf + node.ShuffleInsert).
func insertExtentSorted(n *node.Node, e Extent, cmp node.CompareFn) {
	n.AllocNewEntryLeaf(e.Key, e.Rcrd)
	loc := n.Used() - 1
	for loc > 0 {
		prevKey, _ := n.KthLeafEntry(loc - 1)
		if cmp(prevKey, e.Key) >= 0 {
			break
		}
		loc--
	}
	n.ShuffleInsert(loc)
}

// leafRemoveOverlap clears every extent in n intersecting the inclusive
// [min, max] range, trimmed via BoundSplit; the removed middle portion
// is released through t.releaser, and any non-empty before/after
// fragments are reinserted. It returns how many original entries were
// touched and, if reinserting every fragment would overflow n's
// capacity, the single fragment left over as a spill. A spill is only
// possible when reinsertion runs a full leaf over capacity; this
// generalizes to "the last fragment that doesn't fit" since a call here
// can touch more than one entry in the same leaf.
func (t *Tree) leafRemoveOverlap(wu pagecache.WorkUnit, n *node.Node, min, max []byte) (touched int, spill *Extent, err error) {
	rng := rangeExtent(min, max)

	var hits []uint32
	for k := uint32(0); k < n.Used(); k++ {
		key, rcrd := n.KthLeafEntry(k)
		e := Extent{Key: key, Rcrd: rcrd}
		if Overlaps(e, rng) {
			hits = append(hits, k)
		}
	}
	if len(hits) == 0 {
		return 0, nil, nil
	}

	var fragments []Extent
	for _, k := range hits {
		key, rcrd := n.KthLeafEntry(k)
		e := Extent{Key: append([]byte(nil), key...), Rcrd: append([]byte(nil), rcrd...)}
		before, in, after := BoundSplit(t.cfg, e, min, max)
		if in != nil {
			t.release(wu, in.Key, in.Rcrd)
		}
		if before != nil {
			fragments = append(fragments, *before)
		}
		if after != nil {
			fragments = append(fragments, *after)
		}
	}

	for i := len(hits) - 1; i >= 0; i-- {
		n.ShuffleRemove(hits[i])
	}

	cmp := t.cmp()
	for i := range fragments {
		if n.Used() >= n.Capacity() {
			f := fragments[i]
			spill = &f
			continue
		}
		insertExtentSorted(n, fragments[i], cmp)
	}
	return len(hits), spill, nil
}

// leafFullForInsert reports whether n has too little headroom to accept
// an insert that might fragment an overlapping extent into two pieces: a
// leaf is considered full for insert once used exceeds max-2.
func leafFullForInsert(maxLeaf, used uint32) bool {
	if maxLeaf < 2 {
		return used >= maxLeaf
	}
	return used > maxLeaf-2
}

// insertIntoLeaf removes every existing extent overlapping e, then
// inserts e — subdividing it via SplitIntoSub first if the overlap
// removal left a non-root leaf below b entries.
func (t *Tree) insertIntoLeaf(wu pagecache.WorkUnit, n *node.Node, e Extent, isRoot bool) error {
	cmp := t.cmp()
	maxKey := uintKey(End(e)-1, t.cfg.KeySize)

	_, spill, err := t.leafRemoveOverlap(wu, n, e.Key, maxKey)
	if err != nil {
		return err
	}
	if spill != nil {
		// The leaf was pro-actively split before this call whenever
		// leafFullForInsert held, so a spill here means overlap removal
		// fragmented more entries than that headroom accounted for.
		return ErrCorrupt
	}

	if !isRoot && n.Used() < t.cfg.B {
		need := t.cfg.B - n.Used() + 1
		for _, sub := range SplitIntoSub(t.cfg, e, int(need)) {
			insertExtentSorted(n, sub, cmp)
		}
		return nil
	}
	insertExtentSorted(n, e, cmp)
	return nil
}
