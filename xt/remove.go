package xt

import (
	"github.com/coldleaf/cowbpt/config"
	"github.com/coldleaf/cowbpt/node"
	"github.com/coldleaf/cowbpt/pagecache"
)

// RemoveExtent deletes the extent whose start key exactly matches key,
// pro-actively merging or rebalancing any about-to-be-descended-into
// child with exactly b entries, mirroring RemoveKey's descent.
// Returns ErrNotFound if no extent starts at key.
func (t *Tree) RemoveExtent(wu pagecache.WorkUnit, key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cmp := t.cmp()
	b := t.cfg.B

	root, err := t.getRootWrite(wu)
	if err != nil {
		return err
	}

	for !root.IsLeaf() && root.Used() == 1 {
		changed, err := t.collapseSingleChildRoot(wu, root)
		if err != nil {
			t.cfg.Cache.Release(wu, root.Handle())
			return err
		}
		if !changed {
			break
		}
	}

	if root.IsLeaf() {
		defer t.cfg.Cache.Release(wu, root.Handle())
		return removeExactFromLeaf(t, wu, root, key)
	}

	f := root
	for {
		i, ok := f.LookupLE(key, cmp)
		if !ok {
			t.cfg.Cache.Release(wu, f.Handle())
			return ErrNotFound
		}
		c, err := node.GetForWrite(t.cfg, wu, f.ChildAt(i), f, i)
		if err != nil {
			t.cfg.Cache.Release(wu, f.Handle())
			return err
		}

		if c.Used() == b {
			c, i, err = t.fix(wu, f, c, i, b, cmp)
			if err != nil {
				t.cfg.Cache.Release(wu, f.Handle())
				return err
			}
			if f.IsRoot() && !f.IsLeaf() && f.Used() == 1 {
				t.cfg.Cache.Release(wu, c.Handle())
				changed, err := t.collapseSingleChildRoot(wu, f)
				if err != nil {
					t.cfg.Cache.Release(wu, f.Handle())
					return err
				}
				if changed {
					if f.IsLeaf() {
						err := removeExactFromLeaf(t, wu, f, key)
						t.cfg.Cache.Release(wu, f.Handle())
						return err
					}
					continue
				}
			}
		}

		if c.IsLeaf() {
			err := removeExactFromLeaf(t, wu, c, key)
			t.cfg.Cache.Release(wu, f.Handle())
			t.cfg.Cache.Release(wu, c.Handle())
			return err
		}

		t.cfg.Cache.Release(wu, f.Handle())
		f = c
	}
}

func removeExactFromLeaf(t *Tree, wu pagecache.WorkUnit, n *node.Node, key []byte) error {
	r := n.SearchForKey(key, t.cmp())
	if !r.Found {
		return ErrNotFound
	}
	_, rcrd := n.KthLeafEntry(r.Index)
	t.release(wu, key, rcrd)
	n.ShuffleRemove(r.Index)
	return nil
}

// collapseSingleChildRoot mirrors bpt.Tree.collapseSingleChildRoot.
func (t *Tree) collapseSingleChildRoot(wu pagecache.WorkUnit, root *node.Node) (bool, error) {
	childAddr := root.ChildAt(0)
	child, err := node.GetForWrite(t.cfg, wu, childAddr, root, 0)
	if err != nil {
		return false, err
	}

	if child.Used() <= t.cfg.MaxRoot {
		if err := node.CopyIntoRootAndDealloc(t.cfg, wu, root, child); err != nil {
			return false, err
		}
		return true, nil
	}

	r, err := node.Split(t.cfg, wu, child)
	if err != nil {
		t.cfg.Cache.Release(wu, child.Handle())
		return false, err
	}
	node.IndexReplaceW2(root, 0, child, r)
	t.cfg.Cache.Release(wu, child.Handle())
	t.cfg.Cache.Release(wu, r.Handle())
	return true, nil
}

// fix mirrors bpt.Tree.fix.
func (t *Tree) fix(wu pagecache.WorkUnit, f, c *node.Node, i, b uint32, cmp node.CompareFn) (*node.Node, uint32, error) {
	if i+1 < f.Used() {
		rs, err := node.GetForWrite(t.cfg, wu, f.ChildAt(i+1), f, i+1)
		if err != nil {
			return nil, 0, err
		}
		if rs.Used() > b+1 {
			node.Rebalance(t.cfg, c, rs, false, cmp)
			f.SetKthIndexEntry(i+1, rs.MinKey(), rs.Addr())
			t.cfg.Cache.Release(wu, rs.Handle())
			return c, i, nil
		}
		if err := node.MoveAndDealloc(t.cfg, wu, c, rs); err != nil {
			return nil, 0, err
		}
		f.ShuffleRemove(i + 1)
		return c, i, nil
	}

	ls, err := node.GetForWrite(t.cfg, wu, f.ChildAt(i-1), f, i-1)
	if err != nil {
		return nil, 0, err
	}
	if ls.Used() > b+1 {
		node.Rebalance(t.cfg, c, ls, false, cmp)
		f.SetKthIndexEntry(i, c.MinKey(), c.Addr())
		t.cfg.Cache.Release(wu, ls.Handle())
		return c, i, nil
	}
	if err := node.MoveAndDealloc(t.cfg, wu, ls, c); err != nil {
		return nil, 0, err
	}
	f.ShuffleRemove(i)
	return ls, i - 1, nil
}

// inDanger mirrors bpt's inDanger: a non-root node below the remove-range
// restore threshold b+2.
func inDanger(cfg *config.Config, n *node.Node) bool {
	return n.Used() < cfg.B+2
}

// combineProblematicChildren mirrors bpt.Tree.combineProblematicChildren:
// phase 3's single-step repair of an in-danger child against a sibling,
// merging when the two fit together and otherwise donating via
// rebalance_skewed. Reports whether a merge happened.
func (t *Tree) combineProblematicChildren(wu pagecache.WorkUnit, parent, child *node.Node, idx uint32, cmp node.CompareFn) (*node.Node, uint32, bool, error) {
	if !inDanger(t.cfg, child) {
		return child, idx, false, nil
	}
	if idx+1 < parent.Used() {
		rs, err := node.GetForWrite(t.cfg, wu, parent.ChildAt(idx+1), parent, idx+1)
		if err != nil {
			return nil, 0, false, err
		}
		if child.Used()+rs.Used() <= child.Capacity() {
			if err := node.MoveAndDealloc(t.cfg, wu, child, rs); err != nil {
				return nil, 0, false, err
			}
			parent.ShuffleRemove(idx + 1)
			return child, idx, true, nil
		}
		node.RebalanceSkewed(t.cfg, child, rs, cmp)
		parent.SetKthIndexEntry(idx+1, rs.MinKey(), rs.Addr())
		t.cfg.Cache.Release(wu, rs.Handle())
		return child, idx, false, nil
	}
	if idx > 0 {
		ls, err := node.GetForWrite(t.cfg, wu, parent.ChildAt(idx-1), parent, idx-1)
		if err != nil {
			return nil, 0, false, err
		}
		if child.Used()+ls.Used() <= child.Capacity() {
			if err := node.MoveAndDealloc(t.cfg, wu, ls, child); err != nil {
				return nil, 0, false, err
			}
			parent.ShuffleRemove(idx)
			return ls, idx - 1, true, nil
		}
		node.RebalanceSkewed(t.cfg, child, ls, cmp)
		parent.SetKthIndexEntry(idx, child.MinKey(), child.Addr())
		t.cfg.Cache.Release(wu, ls.Handle())
		return child, idx, false, nil
	}
	return child, idx, false, nil
}

// moveSingleEntry mirrors bpt.Tree.moveSingleEntry: wrap_fix's second,
// more conservative try using move_min_key/move_max_key.
func (t *Tree) moveSingleEntry(wu pagecache.WorkUnit, parent, child *node.Node, idx uint32) error {
	if idx+1 < parent.Used() {
		rs, err := node.GetForWrite(t.cfg, wu, parent.ChildAt(idx+1), parent, idx+1)
		if err != nil {
			return err
		}
		if rs.Used() > t.cfg.B {
			node.MoveMinKey(t.cfg, child, rs)
			parent.SetKthIndexEntry(idx+1, rs.MinKey(), rs.Addr())
		}
		t.cfg.Cache.Release(wu, rs.Handle())
		return nil
	}
	if idx > 0 {
		ls, err := node.GetForWrite(t.cfg, wu, parent.ChildAt(idx-1), parent, idx-1)
		if err != nil {
			return err
		}
		if ls.Used() > t.cfg.B {
			node.MoveMaxKey(t.cfg, child, ls)
			parent.SetKthIndexEntry(idx, child.MinKey(), child.Addr())
		}
		t.cfg.Cache.Release(wu, ls.Handle())
		return nil
	}
	return nil
}

// wrapFix mirrors bpt.Tree.wrapFix.
func (t *Tree) wrapFix(wu pagecache.WorkUnit, parent, child *node.Node, idx uint32, cmp node.CompareFn) (*node.Node, uint32, error) {
	c, i, merged, err := t.combineProblematicChildren(wu, parent, child, idx, cmp)
	if err != nil || merged {
		return c, i, err
	}
	if inDanger(t.cfg, c) {
		if err := t.moveSingleEntry(wu, parent, c, i); err != nil {
			return nil, 0, err
		}
	}
	return c, i, nil
}

// repairChild mirrors bpt.Tree.repairChild.
func (t *Tree) repairChild(wu pagecache.WorkUnit, parent, child *node.Node, idx uint32, cmp node.CompareFn) (*node.Node, uint32, error) {
	if child.Used() == 0 {
		addr := child.Addr()
		t.cfg.Cache.Release(wu, child.Handle())
		parent.ShuffleRemove(idx)
		if err := deleteSubtree(t.cfg, wu, addr); err != nil {
			return nil, idx, err
		}
		return nil, idx, nil
	}
	return t.wrapFix(wu, parent, child, idx, cmp)
}

// deleteSubtree mirrors bpt.DeleteSubtree: decrements addr's refcount,
// recursively deallocating the page (and, for an index node, every child
// subtree) once it drops to zero.
func deleteSubtree(cfg *config.Config, wu pagecache.WorkUnit, addr pagecache.Addr) error {
	if rc := cfg.Refcount.Dec(wu, addr); rc > 0 {
		return nil
	}
	h, err := cfg.Cache.GetExclusive(wu, addr)
	if err != nil {
		return err
	}
	n := node.Wrap(cfg, h)

	var children []pagecache.Addr
	if !n.IsLeaf() {
		for k := uint32(0); k < n.Used(); k++ {
			_, child := n.KthIndexEntry(k)
			children = append(children, child)
		}
	}
	cfg.Cache.Release(wu, h)

	for _, child := range children {
		if err := deleteSubtree(cfg, wu, child); err != nil {
			return err
		}
	}
	return cfg.Cache.Dealloc(wu, addr)
}

// RemoveRange deletes every extent unit in [minKey, maxKey] with the same
// three-phase algorithm as bpt.Tree.RemoveRange: a post-order delete pass
// sweeps fully-covered subtrees whole via deleteSubtree and trims the two
// boundary subtrees' leaves via leafRemoveOverlap (which already handles
// partial-overlap trimming at the extent level), then a restore pass
// interleaved into the unwind repairs every touched child back up to the
// b+2 in-danger threshold, merging the two boundary children with each
// other (the TWO case) when both remain in danger.
func (t *Tree) RemoveRange(wu pagecache.WorkUnit, minKey, maxKey []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cmp := t.cmp()

	root, err := t.getRootWrite(wu)
	if err != nil {
		return 0, err
	}
	defer t.cfg.Cache.Release(wu, root.Handle())

	for !root.IsLeaf() && root.Used() == 1 {
		changed, err := t.collapseSingleChildRoot(wu, root)
		if err != nil {
			return 0, err
		}
		if !changed {
			break
		}
	}

	if root.IsLeaf() {
		n, spill, err := t.leafRemoveOverlap(wu, root, minKey, maxKey)
		if err != nil {
			return n, err
		}
		if spill != nil {
			return n, ErrCorrupt
		}
		return n, nil
	}

	removed, err := t.deleteRangeIndex(wu, root, minKey, maxKey, cmp)
	if err != nil {
		return removed, err
	}

	if !root.IsLeaf() && root.Used() == 0 {
		root.SetLeaf(true)
		return removed, nil
	}

	for !root.IsLeaf() && root.Used() == 1 {
		changed, err := t.collapseSingleChildRoot(wu, root)
		if err != nil {
			return removed, err
		}
		if !changed {
			break
		}
	}
	return removed, nil
}

// deleteRangeLeafOrIndex dispatches phase 1's delete step to the leaf or
// index form depending on child's kind.
func (t *Tree) deleteRangeLeafOrIndex(wu pagecache.WorkUnit, child *node.Node, minKey, maxKey []byte, cmp node.CompareFn) (int, error) {
	if child.IsLeaf() {
		n, spill, err := t.leafRemoveOverlap(wu, child, minKey, maxKey)
		if err != nil {
			return n, err
		}
		if spill != nil {
			return n, ErrCorrupt
		}
		return n, nil
	}
	return t.deleteRangeIndex(wu, child, minKey, maxKey, cmp)
}

// deleteRangeIndex mirrors bpt.Tree.deleteRangeIndex: fully-covered
// middle children are swept by deleteSubtree and dropped in a single
// ShuffleRemoveRange, the two boundary children are recursed into and
// then repaired via repairChild, with the TWO-case merge applied when
// both boundary children remain in danger afterward.
func (t *Tree) deleteRangeIndex(wu pagecache.WorkUnit, n *node.Node, minKey, maxKey []byte, cmp node.CompareFn) (int, error) {
	removed := 0

	imin, ok := n.LookupLE(minKey, cmp)
	if !ok {
		imin = 0
	}
	imax, ok := n.LookupLE(maxKey, cmp)
	if !ok {
		return 0, nil
	}
	if imax < imin {
		return 0, nil
	}

	if imax > imin+1 {
		for k := imin + 1; k < imax; k++ {
			if err := deleteSubtree(t.cfg, wu, n.ChildAt(k)); err != nil {
				return removed, err
			}
		}
		n.ShuffleRemoveRange(imin+1, imax)
		imax = imin + 1
	}

	minChild, err := node.GetForWrite(t.cfg, wu, n.ChildAt(imin), n, imin)
	if err != nil {
		return removed, err
	}
	cnt, err := t.deleteRangeLeafOrIndex(wu, minChild, minKey, maxKey, cmp)
	removed += cnt
	if err != nil {
		t.cfg.Cache.Release(wu, minChild.Handle())
		return removed, err
	}

	if imax == imin {
		sc, _, err := t.repairChild(wu, n, minChild, imin, cmp)
		if err != nil {
			return removed, err
		}
		if sc != nil {
			t.cfg.Cache.Release(wu, sc.Handle())
		}
		return removed, nil
	}

	maxChild, err := node.GetForWrite(t.cfg, wu, n.ChildAt(imax), n, imax)
	if err != nil {
		t.cfg.Cache.Release(wu, minChild.Handle())
		return removed, err
	}
	cnt, err = t.deleteRangeLeafOrIndex(wu, maxChild, minKey, maxKey, cmp)
	removed += cnt
	if err != nil {
		t.cfg.Cache.Release(wu, maxChild.Handle())
		return removed, err
	}

	mc, mi, err := t.repairChild(wu, n, minChild, imin, cmp)
	if err != nil {
		return removed, err
	}
	xc, xi, err := t.repairChild(wu, n, maxChild, imax, cmp)
	if err != nil {
		return removed, err
	}

	if mc != nil && xc != nil && xi == mi+1 && inDanger(t.cfg, mc) && inDanger(t.cfg, xc) {
		if mc.Used()+xc.Used() <= mc.Capacity() {
			if err := node.MoveAndDealloc(t.cfg, wu, mc, xc); err != nil {
				return removed, err
			}
			n.ShuffleRemove(xi)
		} else {
			node.RebalanceSkewed(t.cfg, mc, xc, cmp)
			n.SetKthIndexEntry(xi, xc.MinKey(), xc.Addr())
		}
	}
	return removed, nil
}
