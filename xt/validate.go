package xt

import (
	"fmt"

	"github.com/coldleaf/cowbpt/node"
	"github.com/coldleaf/cowbpt/pagecache"
)

// Validate walks the whole tree checking balance, ordering, range
// containment, and — XT-only — disjointness: within any leaf, no extent
// may reach past the next extent's start (adjacent extents may touch).
func (t *Tree) Validate(wu pagecache.WorkUnit) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cmp := t.cmp()

	root, err := t.cfg.Cache.GetShared(wu, t.root)
	if err != nil {
		return err
	}
	defer t.cfg.Cache.Release(wu, root)
	return t.validateSubtree(wu, node.Wrap(t.cfg, root), cmp, nil, nil)
}

func (t *Tree) validateSubtree(wu pagecache.WorkUnit, n *node.Node, cmp node.CompareFn, lo, hi []byte) error {
	used := n.Used()
	if !n.IsRoot() && used < t.cfg.B {
		return fmt.Errorf("%w: node %d under-full: used=%d b=%d", ErrCorrupt, n.Addr(), used, t.cfg.B)
	}
	if n.IsRoot() && !n.IsLeaf() && used == 1 {
		return fmt.Errorf("%w: non-leaf root has a single child", ErrCorrupt)
	}
	if used > n.Capacity() {
		return fmt.Errorf("%w: node %d over capacity: used=%d cap=%d", ErrCorrupt, n.Addr(), used, n.Capacity())
	}

	if n.IsLeaf() {
		var prev *Extent
		for k := uint32(0); k < used; k++ {
			key, rcrd := n.KthLeafEntry(k)
			e := Extent{Key: key, Rcrd: rcrd}
			if prev != nil && End(*prev) > Start(e) {
				return fmt.Errorf("%w: leaf %d extents overlap at %d", ErrCorrupt, n.Addr(), k)
			}
			if lo != nil && t.cfg.Callbacks.Less(key, lo) {
				return fmt.Errorf("%w: leaf %d extent below parent lower bound", ErrCorrupt, n.Addr())
			}
			if hi != nil && !t.cfg.Callbacks.Less(key, hi) {
				return fmt.Errorf("%w: leaf %d extent not below parent upper bound", ErrCorrupt, n.Addr())
			}
			ce := e
			prev = &ce
		}
		return nil
	}

	var prevKey []byte
	for k := uint32(0); k < used; k++ {
		key := n.KthKey(k)
		if prevKey != nil && !t.cfg.Callbacks.Less(prevKey, key) {
			return fmt.Errorf("%w: index node %d keys not strictly ascending at %d", ErrCorrupt, n.Addr(), k)
		}
		prevKey = key
	}

	for k := uint32(0); k < used; k++ {
		key, addr := n.KthIndexEntry(k)
		var childHi []byte
		if k+1 < used {
			childHi, _ = n.KthIndexEntry(k + 1)
		} else {
			childHi = hi
		}
		ch, err := t.cfg.Cache.GetShared(wu, addr)
		if err != nil {
			return err
		}
		child := node.Wrap(t.cfg, ch)
		err = t.validateSubtree(wu, child, cmp, key, childHi)
		t.cfg.Cache.Release(wu, ch)
		if err != nil {
			return err
		}
	}
	return nil
}

// ValidateClones checks the refcount-consistency invariant across a set
// of trees sharing pages via Clone, using a Go map keyed by page address
// rather than a fixed-size label hash, the same resolution
// bpt.ValidateClones uses.
func ValidateClones(wu pagecache.WorkUnit, trees []*Tree) error {
	seen := make(map[pagecache.Addr]uint32)
	for _, t := range trees {
		reachable := make(map[pagecache.Addr]struct{})
		if err := t.collectReachable(wu, t.root, reachable); err != nil {
			return err
		}
		for addr := range reachable {
			seen[addr]++
		}
	}
	for _, t := range trees {
		if err := t.checkRefcounts(wu, t.root, seen); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) collectReachable(wu pagecache.WorkUnit, addr pagecache.Addr, out map[pagecache.Addr]struct{}) error {
	if _, ok := out[addr]; ok {
		return nil
	}
	out[addr] = struct{}{}
	h, err := t.cfg.Cache.GetShared(wu, addr)
	if err != nil {
		return err
	}
	n := node.Wrap(t.cfg, h)
	if n.IsLeaf() {
		t.cfg.Cache.Release(wu, h)
		return nil
	}
	used := n.Used()
	children := make([]pagecache.Addr, used)
	for k := uint32(0); k < used; k++ {
		_, children[k] = n.KthIndexEntry(k)
	}
	t.cfg.Cache.Release(wu, h)
	for _, c := range children {
		if err := t.collectReachable(wu, c, out); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) checkRefcounts(wu pagecache.WorkUnit, addr pagecache.Addr, seen map[pagecache.Addr]uint32) error {
	want := seen[addr]
	got := t.cfg.Refcount.Get(wu, addr)
	if got != want {
		return fmt.Errorf("%w: page %d refcount=%d want=%d", ErrCorrupt, addr, got, want)
	}
	h, err := t.cfg.Cache.GetShared(wu, addr)
	if err != nil {
		return err
	}
	n := node.Wrap(t.cfg, h)
	if n.IsLeaf() {
		t.cfg.Cache.Release(wu, h)
		return nil
	}
	used := n.Used()
	children := make([]pagecache.Addr, used)
	for k := uint32(0); k < used; k++ {
		_, children[k] = n.KthIndexEntry(k)
	}
	t.cfg.Cache.Release(wu, h)
	for _, c := range children {
		if err := t.checkRefcounts(wu, c, seen); err != nil {
			return err
		}
	}
	return nil
}
