package xt

import (
	"github.com/coldleaf/cowbpt/node"
	"github.com/coldleaf/cowbpt/pagecache"
)

// InsertExtent inserts a single extent (key, rcrd), first trimming away
// the part of every existing extent it overlaps in the leaf that the
// descent for key reaches. Extents stored in other leaves are not
// trimmed, even where e overlaps them. rcrd must be at least
// RcrdHeaderSize bytes.
func (t *Tree) InsertExtent(wu pagecache.WorkUnit, key, rcrd []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cmp := t.cmp()
	e := Extent{Key: append([]byte(nil), key...), Rcrd: append([]byte(nil), rcrd...)}

	root, err := t.getRootWrite(wu)
	if err != nil {
		return err
	}

	if root.IsFull() || (root.IsLeaf() && leafFullForInsert(root.Capacity(), root.Used())) {
		if _, _, err := node.SplitRoot(t.cfg, wu, root); err != nil {
			t.cfg.Cache.Release(wu, root.Handle())
			return err
		}
	}

	if root.IsLeaf() {
		defer t.cfg.Cache.Release(wu, root.Handle())
		return t.insertIntoLeaf(wu, root, e, true)
	}

	t.correctMinKey(root, e.Key, cmp)

	f := root
	for {
		i, ok := f.LookupLE(e.Key, cmp)
		if !ok {
			t.cfg.Cache.Release(wu, f.Handle())
			return ErrCorrupt
		}
		c, err := node.GetForWrite(t.cfg, wu, f.ChildAt(i), f, i)
		if err != nil {
			t.cfg.Cache.Release(wu, f.Handle())
			return err
		}

		if c.IsLeaf() {
			if leafFullForInsert(t.cfg.MaxLeaf, c.Used()) {
				r, err := node.Split(t.cfg, wu, c)
				if err != nil {
					t.cfg.Cache.Release(wu, f.Handle())
					t.cfg.Cache.Release(wu, c.Handle())
					return err
				}
				target := c
				if t.cfg.Callbacks.Less(c.MaxKey(), e.Key) {
					target = r
				}
				err = t.insertIntoLeaf(wu, target, e, false)
				node.IndexReplaceW2(f, i, c, r)
				t.cfg.Cache.Release(wu, r.Handle())
				t.cfg.Cache.Release(wu, f.Handle())
				t.cfg.Cache.Release(wu, c.Handle())
				return err
			}
			err := t.insertIntoLeaf(wu, c, e, false)
			t.cfg.Cache.Release(wu, f.Handle())
			t.cfg.Cache.Release(wu, c.Handle())
			return err
		}

		t.correctMinKey(c, e.Key, cmp)
		if c.IsFull() {
			r, err := node.Split(t.cfg, wu, c)
			if err != nil {
				t.cfg.Cache.Release(wu, f.Handle())
				t.cfg.Cache.Release(wu, c.Handle())
				return err
			}
			node.IndexReplaceW2(f, i, c, r)
			if t.cfg.Callbacks.LessOrEqual(r.MinKey(), e.Key) {
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

// correctMinKey mirrors bpt.Tree.correctMinKey: widen an index node's
// position-0 key down to key if key sorts before it. Applies to the root
// too (range containment binds every index node including the root).
func (t *Tree) correctMinKey(n *node.Node, key []byte, cmp node.CompareFn) {
	if n.Used() == 0 {
		return
	}
	if t.cfg.Callbacks.Less(key, n.MinKey()) {
		node.IndexReplaceMinKey(n, key)
	}
}
