package bpt

import (
	"fmt"

	"github.com/coldleaf/cowbpt/node"
	"github.com/coldleaf/cowbpt/pagecache"
)

// Validate walks the whole tree under shared locks and checks balance,
// key ordering and range containment: every non-root node holds between
// b and the node's capacity entries, every leaf's keys are strictly
// ascending, and every index entry's key is a lower bound for everything
// reachable beneath it.
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

// validateSubtree checks n and recurses into its children. lo/hi, when
// non-nil, bound the keys n is allowed to contain (nil means unbounded).
func (t *Tree) validateSubtree(wu pagecache.WorkUnit, n *node.Node, cmp node.CompareFn, lo, hi []byte) error {
	used := n.Used()
	if !n.IsRoot() {
		if n.IsLeaf() && used < t.cfg.B {
			return fmt.Errorf("%w: leaf %d under-full: used=%d b=%d", ErrCorrupt, n.Addr(), used, t.cfg.B)
		}
		if !n.IsLeaf() && used < t.cfg.B {
			return fmt.Errorf("%w: index %d under-full: used=%d b=%d", ErrCorrupt, n.Addr(), used, t.cfg.B)
		}
	} else if !n.IsLeaf() && used == 1 {
		return fmt.Errorf("%w: non-leaf root has a single child", ErrCorrupt)
	}
	if used > n.Capacity() {
		return fmt.Errorf("%w: node %d over capacity: used=%d cap=%d", ErrCorrupt, n.Addr(), used, n.Capacity())
	}

	var prev []byte
	for k := uint32(0); k < used; k++ {
		key := n.KthKey(k)
		if prev != nil && !t.cfg.Callbacks.Less(prev, key) {
			return fmt.Errorf("%w: node %d keys not strictly ascending at %d", ErrCorrupt, n.Addr(), k)
		}
		prev = key
		if lo != nil && t.cfg.Callbacks.Less(key, lo) {
			return fmt.Errorf("%w: node %d key below parent lower bound", ErrCorrupt, n.Addr())
		}
		if hi != nil && !t.cfg.Callbacks.Less(key, hi) {
			return fmt.Errorf("%w: node %d key not below parent upper bound", ErrCorrupt, n.Addr())
		}
	}

	if n.IsLeaf() {
		return nil
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
// of trees that share pages via Clone: every page reachable from more
// than one tree's root must have a refcount equal to the number of
// reachable trees, and every page reachable from exactly one must have
// refcount 1. Counting uses a Go map keyed by page address rather than a
// fixed-size label hash, giving exact, unbounded-size counting with no
// collision handling required.
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
