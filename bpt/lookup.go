package bpt

import (
	"github.com/coldleaf/cowbpt/node"
	"github.com/coldleaf/cowbpt/pagecache"
)

// Lookup performs a pure recursive descent with shared (read) locks,
// lock-coupled so a parent is released only after its child is acquired.
// Returns ErrNotFound if key is absent.
func (t *Tree) Lookup(wu pagecache.WorkUnit, key []byte) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cmp := t.cmp()

	f, err := t.getRootRead(wu)
	if err != nil {
		return nil, err
	}

	for {
		if f.IsLeaf() {
			defer t.cfg.Cache.Release(wu, f.Handle())
			r := f.SearchForKey(key, cmp)
			if !r.Found {
				return nil, ErrNotFound
			}
			_, val := f.KthLeafEntry(r.Index)
			return append([]byte(nil), val...), nil
		}

		i, ok := f.LookupLE(key, cmp)
		if !ok {
			t.cfg.Cache.Release(wu, f.Handle())
			return nil, ErrNotFound
		}
		childAddr := f.ChildAt(i)

		ch, err := t.cfg.Cache.GetShared(wu, childAddr)
		if err != nil {
			t.cfg.Cache.Release(wu, f.Handle())
			return nil, err
		}
		t.cfg.Cache.Release(wu, f.Handle())
		f = node.Wrap(t.cfg, ch)
	}
}
