package bpt

import (
	"github.com/coldleaf/cowbpt/config"
	"github.com/coldleaf/cowbpt/node"
	"github.com/coldleaf/cowbpt/pagecache"
)

// RemoveKey deletes key, pro-actively merging or rebalancing any
// about-to-be-descended-into child that has exactly b entries so a leaf
// removal never ripples above its direct parent. Returns ErrNotFound if
// key is absent.
func (t *Tree) RemoveKey(wu pagecache.WorkUnit, key []byte) error {
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
		return removeFromLeaf(root, key, cmp)
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

			// fix() may have merged two of f's children, and only the
			// root is allowed to drop to a single child (invariant 2);
			// if f is the root and that just happened, collapse it
			// before this operation completes rather than leaving a
			// transient violation for the next operation to trip over.
			// c (about to be descended into) was produced by the merge
			// inside f, so it is re-derived from the collapsed f; c is
			// released first because collapsing latches f's only child,
			// which is c.
			if f.IsRoot() && !f.IsLeaf() && f.Used() == 1 {
				t.cfg.Cache.Release(wu, c.Handle())
				changed, err := t.collapseSingleChildRoot(wu, f)
				if err != nil {
					t.cfg.Cache.Release(wu, f.Handle())
					return err
				}
				if changed {
					if f.IsLeaf() {
						err := removeFromLeaf(f, key, cmp)
						t.cfg.Cache.Release(wu, f.Handle())
						return err
					}
					continue
				}
			}
		}

		if c.IsLeaf() {
			err := removeFromLeaf(c, key, cmp)
			t.cfg.Cache.Release(wu, f.Handle())
			t.cfg.Cache.Release(wu, c.Handle())
			return err
		}

		t.cfg.Cache.Release(wu, f.Handle())
		f = c
	}
}

// collapseSingleChildRoot implements the root-restoration step shared by
// remove-key and remove-range: when the root has exactly one child,
// either copy the child into the root, or — if it doesn't fit in the
// root's (possibly smaller) capacity — split the child and install both
// halves. Reports whether it changed anything.
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

// fix rebalances or merges child c (parent f, logical position i, exactly
// b entries) against a sibling before the descent enters c, so c is never
// modified while underflowing. It returns the node to continue descending
// into and its (possibly shifted) logical position.
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

func removeFromLeaf(n *node.Node, key []byte, cmp node.CompareFn) error {
	r := n.SearchForKey(key, cmp)
	if !r.Found {
		return ErrNotFound
	}
	n.ShuffleRemove(r.Index)
	return nil
}

// inDanger reports whether a non-root node has fallen below the
// remove-range restore threshold b+2 — two higher than the plain
// remove-key underflow at b, chosen so repairing one level can never
// recreate an in-danger node at the level above.
func inDanger(cfg *config.Config, n *node.Node) bool {
	return n.Used() < cfg.B+2
}

// combineProblematicChildren is phase 3's single-step repair of an
// in-danger child: it tries the right sibling first, then the left,
// merging the two into one node when they fit together and falling back
// to a skewed donation (rebalance_skewed) when they don't. It reports
// whether a merge happened, since a merged node never needs a second
// attempt from wrapFix.
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

// moveSingleEntry is wrap_fix's second, more conservative try: when one
// combine/rebalance_skewed pass against a neighbor wasn't enough to clear
// the in-danger threshold (that neighbor had little to spare), pull
// exactly one more entry — move_min_key from the right sibling, or
// move_max_key from the left — from whichever side still has headroom.
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

// wrapFix repairs child (held for write, logical position idx in parent)
// via combineProblematicChildren, then — if it is still in danger and
// wasn't merged away — tries once more with the minimal single-entry
// donation. Returns the surviving node (which may be the left sibling, if
// a merge happened) and its logical position.
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

// repairChild is phase 3's per-child step after phase 1's delete has run
// on child: an emptied child is dropped from parent and its subtree freed
// via DeleteSubtree; otherwise it is handed to wrapFix. Returns the
// surviving node (nil if dropped) and its logical position.
func (t *Tree) repairChild(wu pagecache.WorkUnit, parent, child *node.Node, idx uint32, cmp node.CompareFn) (*node.Node, uint32, error) {
	if child.Used() == 0 {
		addr := child.Addr()
		t.cfg.Cache.Release(wu, child.Handle())
		parent.ShuffleRemove(idx)
		if err := DeleteSubtree(t.cfg, wu, addr); err != nil {
			return nil, idx, err
		}
		return nil, idx, nil
	}
	return t.wrapFix(wu, parent, child, idx, cmp)
}
