package bpt

import (
	"github.com/coldleaf/cowbpt/node"
	"github.com/coldleaf/cowbpt/pagecache"
)

// Depth returns the number of levels from the root to a leaf, inclusive
// (a tree with only a root leaf has depth 1).
func (t *Tree) Depth(wu pagecache.WorkUnit) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	depth := 0
	addr := t.root
	for {
		h, err := t.cfg.Cache.GetShared(wu, addr)
		if err != nil {
			return 0, err
		}
		n := node.Wrap(t.cfg, h)
		depth++
		if n.IsLeaf() {
			t.cfg.Cache.Release(wu, h)
			return depth, nil
		}
		addr = n.ChildAt(0)
		t.cfg.Cache.Release(wu, h)
	}
}

// CountEntries returns the total number of leaf entries across the whole
// tree.
func (t *Tree) CountEntries(wu pagecache.WorkUnit) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.countSubtree(wu, t.root)
}

func (t *Tree) countSubtree(wu pagecache.WorkUnit, addr pagecache.Addr) (int, error) {
	h, err := t.cfg.Cache.GetShared(wu, addr)
	if err != nil {
		return 0, err
	}
	n := node.Wrap(t.cfg, h)
	used := n.Used()
	if n.IsLeaf() {
		t.cfg.Cache.Release(wu, h)
		return int(used), nil
	}
	children := make([]pagecache.Addr, used)
	for k := uint32(0); k < used; k++ {
		_, children[k] = n.KthIndexEntry(k)
	}
	t.cfg.Cache.Release(wu, h)

	total := 0
	for _, c := range children {
		n, err := t.countSubtree(wu, c)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}
