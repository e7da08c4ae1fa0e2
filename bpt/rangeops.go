package bpt

import (
	"github.com/coldleaf/cowbpt/node"
	"github.com/coldleaf/cowbpt/pagecache"
)

// KV is a single key/value pair returned by LookupRange.
type KV struct {
	Key []byte
	Val []byte
}

// LookupRange returns, in ascending order, the (key, value) pairs whose
// keys lie in [minKey, maxKey], bounded by maxResults, as a plain bounded
// slice rather than an iterator. Cursor stability only: a concurrent
// writer may change the tree between internal leaf visits.
func (t *Tree) LookupRange(wu pagecache.WorkUnit, minKey, maxKey []byte, maxResults int) ([]KV, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cmp := t.cmp()

	var out []KV
	cur := append([]byte(nil), minKey...)

	for len(out) < maxResults && t.cfg.Callbacks.LessOrEqual(cur, maxKey) {
		f, err := t.getRootRead(wu)
		if err != nil {
			return out, err
		}

		var next []byte // lower bound of the subtree after cur's; nil if none
		for !f.IsLeaf() {
			le, ok := f.LookupLE(cur, cmp)
			if !ok {
				le = 0
			}
			ge := f.LookupGE(cur, cmp)
			if le+1 < f.Used() {
				next = append([]byte(nil), f.KthKey(le+1)...)
			}

			// cur can straddle the boundary between le and its right
			// sibling when it falls strictly between le's key and ge's
			// key; pre-acquire a read lock on the ge child so a
			// concurrent split or merge can't shift that boundary out
			// from under this descent. In a tree this package produced,
			// le's own subtree always already covers cur (the min-key
			// correction invariant Insert maintains guarantees it), so
			// the held lock drops again as soon as the le child is
			// latched, before leaf processing even begins.
			var straddle *pagecache.Handle
			if ge != le && ge < f.Used() {
				straddle, err = t.cfg.Cache.GetShared(wu, f.ChildAt(ge))
				if err != nil {
					t.cfg.Cache.Release(wu, f.Handle())
					return out, err
				}
			}

			ch, err := t.cfg.Cache.GetShared(wu, f.ChildAt(le))
			t.cfg.Cache.Release(wu, f.Handle())
			if straddle != nil {
				t.cfg.Cache.Release(wu, straddle)
			}
			if err != nil {
				return out, err
			}
			f = node.Wrap(t.cfg, ch)
		}

		lo := f.LookupGE(cur, cmp)
		var advanced bool
		for k := lo; k < f.Used() && len(out) < maxResults; k++ {
			key, val := f.KthLeafEntry(k)
			if t.cfg.Callbacks.Less(maxKey, key) {
				break
			}
			out = append(out, KV{Key: append([]byte(nil), key...), Val: append([]byte(nil), val...)})
			cur = t.cfg.Callbacks.Inc(key)
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

// InsertRange inserts len(keys) == len(vals) consecutive, pre-sorted
// pairs using the fill-single-leaf strategy: each descent proactively
// splits full nodes exactly like Insert, narrowing a running high-bound
// key as it goes (clamped whenever a split introduces a nearer sibling
// key), then packs as many of the pending pairs as fit below that bound
// into the target leaf in one pass, before returning to the top for
// whatever pairs remain.
func (t *Tree) InsertRange(wu pagecache.WorkUnit, keys, vals [][]byte) error {
	if len(keys) != len(vals) {
		return ErrCorrupt
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cmp := t.cmp()

	pos := 0
	for pos < len(keys) {
		n, err := t.fillSingleLeaf(wu, keys[pos:], vals[pos:], cmp)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrCorrupt
		}
		pos += n
	}
	return nil
}

// fillSingleLeaf descends once to a single leaf, proactively splitting
// full nodes on the way down, and packs as many of the given pairs as fit
// into that leaf. It returns how many pairs it consumed.
func (t *Tree) fillSingleLeaf(wu pagecache.WorkUnit, keys, vals [][]byte, cmp node.CompareFn) (int, error) {
	root, err := t.getRootWrite(wu)
	if err != nil {
		return 0, err
	}
	if root.IsFull() {
		if _, _, err := node.SplitRoot(t.cfg, wu, root); err != nil {
			t.cfg.Cache.Release(wu, root.Handle())
			return 0, err
		}
	}

	key := keys[0]
	if root.IsLeaf() {
		defer t.cfg.Cache.Release(wu, root.Handle())
		return t.packLeaf(root, keys, vals, nil, cmp), nil
	}
	t.correctMinKey(root, key, cmp)

	f := root
	var hi []byte // nil means unbounded (rightmost leaf so far)
	for {
		i, ok := f.LookupLE(key, cmp)
		if !ok {
			t.cfg.Cache.Release(wu, f.Handle())
			return 0, ErrCorrupt
		}
		if i+1 < f.Used() {
			nextKey, _ := f.KthIndexEntry(i + 1)
			hi = t.narrowHigh(hi, nextKey)
		}

		c, err := node.GetForWrite(t.cfg, wu, f.ChildAt(i), f, i)
		if err != nil {
			t.cfg.Cache.Release(wu, f.Handle())
			return 0, err
		}

		if c.IsLeaf() {
			if c.IsFull() {
				r, err := node.Split(t.cfg, wu, c)
				if err != nil {
					t.cfg.Cache.Release(wu, f.Handle())
					t.cfg.Cache.Release(wu, c.Handle())
					return 0, err
				}
				target := c
				if t.cfg.Callbacks.Less(c.MaxKey(), key) {
					target = r
				} else {
					hi = t.narrowHigh(hi, r.MinKey())
				}
				n := t.packLeaf(target, keys, vals, hi, cmp)
				node.IndexReplaceW2(f, i, c, r)
				t.cfg.Cache.Release(wu, f.Handle())
				t.cfg.Cache.Release(wu, c.Handle())
				t.cfg.Cache.Release(wu, r.Handle())
				return n, nil
			}
			n := t.packLeaf(c, keys, vals, hi, cmp)
			t.cfg.Cache.Release(wu, f.Handle())
			t.cfg.Cache.Release(wu, c.Handle())
			return n, nil
		}

		t.correctMinKey(c, key, cmp)
		if c.IsFull() {
			r, err := node.Split(t.cfg, wu, c)
			if err != nil {
				t.cfg.Cache.Release(wu, f.Handle())
				t.cfg.Cache.Release(wu, c.Handle())
				return 0, err
			}
			node.IndexReplaceW2(f, i, c, r)
			if t.cfg.Callbacks.LessOrEqual(r.MinKey(), key) {
				t.cfg.Cache.Release(wu, c.Handle())
				c = r
			} else {
				hi = t.narrowHigh(hi, r.MinKey())
				t.cfg.Cache.Release(wu, r.Handle())
			}
		}

		t.cfg.Cache.Release(wu, f.Handle())
		f = c
	}
}

// narrowHigh tightens the running high-bound key: hi stays the smaller of
// its current value (nil meaning unbounded) and candidate.
func (t *Tree) narrowHigh(hi, candidate []byte) []byte {
	if hi == nil || t.cfg.Callbacks.Less(candidate, hi) {
		return append([]byte(nil), candidate...)
	}
	return hi
}

// packLeaf appends as many of the given pre-sorted pairs as fit in the
// leaf's remaining capacity while the key sorts below hi (nil hi means
// unbounded), maintaining order, and returns how many were consumed.
func (t *Tree) packLeaf(n *node.Node, keys, vals [][]byte, hi []byte, cmp node.CompareFn) int {
	count := 0
	for count < len(keys) && !n.IsFull() {
		key := keys[count]
		if hi != nil && !t.cfg.Callbacks.Less(key, hi) {
			break
		}
		n.AllocNewEntryLeaf(key, vals[count])
		loc := n.Used() - 1
		for loc > 0 {
			prev, _ := n.KthLeafEntry(loc - 1)
			if cmp(prev, key) >= 0 {
				break
			}
			loc--
		}
		n.ShuffleInsert(loc)
		count++
	}
	return count
}

// RemoveRange deletes every key in [minKey, maxKey] with the three-phase
// algorithm: a post-order delete pass sweeps fully-covered subtrees whole
// via DeleteSubtree and trims the two boundary subtrees that only
// partially overlap the range, then a restore pass — interleaved into
// delete's post-order unwind rather than run as a separate top-down
// descent — repairs every child it touched back up to the in-danger
// threshold b+2 via combineProblematicChildren/wrapFix, merging the two
// boundary children directly with each other (the TWO case) when both
// remain in danger after trying their outer neighbors.
func (t *Tree) RemoveRange(wu pagecache.WorkUnit, minKey, maxKey []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cmp := t.cmp()

	root, err := t.getRootWrite(wu)
	if err != nil {
		return 0, err
	}
	defer t.cfg.Cache.Release(wu, root.Handle())

	removed := 0
	for !root.IsLeaf() && root.Used() == 1 {
		changed, err := t.collapseSingleChildRoot(wu, root)
		if err != nil {
			return removed, err
		}
		if !changed {
			break
		}
	}

	if root.IsLeaf() {
		return leafRemoveRange(root, minKey, maxKey, t.cfg.Callbacks.Less, cmp), nil
	}

	n, err := t.deleteRangeIndex(wu, root, minKey, maxKey, cmp)
	removed += n
	if err != nil {
		return removed, err
	}

	if !root.IsLeaf() && root.Used() == 0 {
		// The range covered every child: the root becomes an empty leaf,
		// same as a freshly created tree.
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

// leafRemoveRange deletes every entry in [minKey, maxKey] from a leaf in
// a single ShuffleRemoveRange call, returning the count removed.
func leafRemoveRange(n *node.Node, minKey, maxKey []byte, less func(a, b []byte) bool, cmp node.CompareFn) int {
	lo := n.LookupGE(minKey, cmp)
	hi := lo
	for hi < n.Used() {
		key, _ := n.KthLeafEntry(hi)
		if less(maxKey, key) {
			break
		}
		hi++
	}
	if hi <= lo {
		return 0
	}
	n.ShuffleRemoveRange(lo, hi)
	return int(hi - lo)
}

// deleteRangeLeafOrIndex dispatches phase 1's delete step to the leaf or
// index form depending on child's kind.
func (t *Tree) deleteRangeLeafOrIndex(wu pagecache.WorkUnit, child *node.Node, minKey, maxKey []byte, cmp node.CompareFn) (int, error) {
	if child.IsLeaf() {
		return leafRemoveRange(child, minKey, maxKey, t.cfg.Callbacks.Less, cmp), nil
	}
	return t.deleteRangeIndex(wu, child, minKey, maxKey, cmp)
}

// deleteRangeIndex implements phase 1 (delete) for an index node already
// held for write: the children strictly between the min-path and
// max-path children are fully covered by [minKey, maxKey], so they are
// swept by DeleteSubtree and dropped from the directory in a single
// ShuffleRemoveRange; the two boundary children (possibly the same one)
// are recursed into, then repaired via repairChild — phase 3's restore,
// interleaved into this post-order unwind.
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
			cnt, err := t.countSubtree(wu, n.ChildAt(k))
			if err != nil {
				return removed, err
			}
			removed += cnt
			if err := DeleteSubtree(t.cfg, wu, n.ChildAt(k)); err != nil {
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

	// Path divergence (the TWO case): the min-path and max-path children
	// are repaired independently first.
	mc, mi, err := t.repairChild(wu, n, minChild, imin, cmp)
	if err != nil {
		return removed, err
	}
	xc, xi, err := t.repairChild(wu, n, maxChild, imax, cmp)
	if err != nil {
		return removed, err
	}

	// The fully-covered sweep above made them adjacent siblings; if both
	// are still in danger after trying their outer neighbors, neither can
	// donate further outward, so merge or skew-rebalance them against
	// each other directly.
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
