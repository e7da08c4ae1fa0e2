package bpt

import (
	"github.com/coldleaf/cowbpt/node"
	"github.com/coldleaf/cowbpt/pagecache"
)

// Insert places (key, val) into the tree, pro-actively splitting any full
// node on the way down so a leaf split never ripples above its direct
// parent. It reports whether an existing entry for key was replaced.
func (t *Tree) Insert(wu pagecache.WorkUnit, key, val []byte) (replaced bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cmp := t.cmp()

	root, err := t.getRootWrite(wu)
	if err != nil {
		return false, err
	}

	if root.IsFull() {
		if _, _, err := node.SplitRoot(t.cfg, wu, root); err != nil {
			t.cfg.Cache.Release(wu, root.Handle())
			return false, err
		}
	}

	if root.IsLeaf() {
		defer t.cfg.Cache.Release(wu, root.Handle())
		replaced = insertIntoLeaf(root, key, val, cmp)
		return replaced, nil
	}

	t.correctMinKey(root, key, cmp)

	f := root
	for {
		i, ok := f.LookupLE(key, cmp)
		if !ok {
			t.cfg.Cache.Release(wu, f.Handle())
			return false, ErrCorrupt
		}
		childAddr := f.ChildAt(i)

		c, err := node.GetForWrite(t.cfg, wu, childAddr, f, i)
		if err != nil {
			t.cfg.Cache.Release(wu, f.Handle())
			return false, err
		}

		if c.IsLeaf() {
			if c.IsFull() {
				r, err := node.Split(t.cfg, wu, c)
				if err != nil {
					t.cfg.Cache.Release(wu, f.Handle())
					t.cfg.Cache.Release(wu, c.Handle())
					return false, err
				}
				target := c
				if t.cfg.Callbacks.Less(c.MaxKey(), key) {
					target = r
				}
				replaced = insertIntoLeaf(target, key, val, cmp)
				node.IndexReplaceW2(f, i, c, r)
				t.cfg.Cache.Release(wu, r.Handle())
			} else {
				replaced = insertIntoLeaf(c, key, val, cmp)
			}
			t.cfg.Cache.Release(wu, f.Handle())
			t.cfg.Cache.Release(wu, c.Handle())
			return replaced, nil
		}

		t.correctMinKey(c, key, cmp)

		if c.IsFull() {
			r, err := node.Split(t.cfg, wu, c)
			if err != nil {
				t.cfg.Cache.Release(wu, f.Handle())
				t.cfg.Cache.Release(wu, c.Handle())
				return false, err
			}
			node.IndexReplaceW2(f, i, c, r)
			if t.cfg.Callbacks.LessOrEqual(r.MinKey(), key) {
				t.cfg.Cache.Release(wu, c.Handle())
				c = r
			} else {
				t.cfg.Cache.Release(wu, r.Handle())
			}
		}

		t.cfg.Cache.Release(wu, f.Handle())
		f = c
	}
}

// correctMinKey widens an index node's position-0 key down to key if key
// sorts before it, so the entry's lower bound stays valid for the
// about-to-be-widened subtree. Applies to the root too: range containment
// binds every index node including the root.
func (t *Tree) correctMinKey(n *node.Node, key []byte, cmp node.CompareFn) {
	if n.Used() == 0 {
		return
	}
	if t.cfg.Callbacks.Less(key, n.MinKey()) {
		node.IndexReplaceMinKey(n, key)
	}
}

func insertIntoLeaf(n *node.Node, key, val []byte, cmp node.CompareFn) (replaced bool) {
	r := n.SearchForKey(key, cmp)
	if r.Found {
		n.SetKthLeafEntry(r.Index, key, val)
		return true
	}
	n.AllocNewEntryLeaf(key, val)
	n.ShuffleInsert(r.InsertPos)
	return false
}
