package xt

import (
	"github.com/coldleaf/cowbpt/node"
	"github.com/coldleaf/cowbpt/pagecache"
)

// LookupExtent returns the extent whose range contains key, if any.
func (t *Tree) LookupExtent(wu pagecache.WorkUnit, key []byte) (Extent, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cmp := t.cmp()

	f, err := t.getRootRead(wu)
	if err != nil {
		return Extent{}, err
	}
	for {
		if f.IsLeaf() {
			defer t.cfg.Cache.Release(wu, f.Handle())
			idx, ok := f.LookupLE(key, cmp)
			if !ok {
				return Extent{}, ErrNotFound
			}
			k, v := f.KthLeafEntry(idx)
			e := Extent{Key: append([]byte(nil), k...), Rcrd: append([]byte(nil), v...)}
			if keyUint(key) >= End(e) {
				return Extent{}, ErrNotFound
			}
			return e, nil
		}
		i, ok := f.LookupLE(key, cmp)
		if !ok {
			t.cfg.Cache.Release(wu, f.Handle())
			return Extent{}, ErrNotFound
		}
		ch, err := t.cfg.Cache.GetShared(wu, f.ChildAt(i))
		if err != nil {
			t.cfg.Cache.Release(wu, f.Handle())
			return Extent{}, err
		}
		t.cfg.Cache.Release(wu, f.Handle())
		f = node.Wrap(t.cfg, ch)
	}
}

// LookupRange returns, in ascending order, the portions of every extent
// intersecting [minKey, maxKey], bounded by maxResults. The first and
// last extents touched may be only partially within range; BoundSplit
// copies just the intersection.
func (t *Tree) LookupRange(wu pagecache.WorkUnit, minKey, maxKey []byte, maxResults int) ([]Extent, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cmp := t.cmp()

	var out []Extent
	cur := append([]byte(nil), minKey...)

	for len(out) < maxResults && t.cfg.Callbacks.LessOrEqual(cur, maxKey) {
		f, err := t.getRootRead(wu)
		if err != nil {
			return out, err
		}
		var next []byte // lower bound of the subtree after cur's; nil if none
		for !f.IsLeaf() {
			i, ok := f.LookupLE(cur, cmp)
			if !ok {
				i = 0
			}
			if i+1 < f.Used() {
				next = append([]byte(nil), f.KthKey(i+1)...)
			}
			ch, err := t.cfg.Cache.GetShared(wu, f.ChildAt(i))
			t.cfg.Cache.Release(wu, f.Handle())
			if err != nil {
				return out, err
			}
			f = node.Wrap(t.cfg, ch)
		}

		lo := f.LookupGE(cur, cmp)
		if lo > 0 {
			pk, pv := f.KthLeafEntry(lo - 1)
			prev := Extent{Key: pk, Rcrd: pv}
			if keyUint(cur) < End(prev) {
				lo--
			}
		}

		var advanced bool
		for k := lo; k < f.Used() && len(out) < maxResults; k++ {
			key, rcrd := f.KthLeafEntry(k)
			e := Extent{Key: append([]byte(nil), key...), Rcrd: append([]byte(nil), rcrd...)}
			if Start(e) > keyUint(maxKey) {
				break
			}
			_, in, _ := BoundSplit(t.cfg, e, cur, maxKey)
			if in == nil {
				continue
			}
			out = append(out, *in)
			cur = uintKey(End(*in), t.cfg.KeySize)
			advanced = true
		}
		t.cfg.Cache.Release(wu, f.Handle())

		if !advanced {
			// Nothing at or above cur in this leaf: resume at the next
			// subtree's lower bound, if there is one.
			if next == nil {
				break
			}
			cur = next
		}
	}
	return out, nil
}
