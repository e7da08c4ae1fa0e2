package bpt

import (
	"github.com/coldleaf/cowbpt/config"
	"github.com/coldleaf/cowbpt/node"
	"github.com/coldleaf/cowbpt/pagecache"
)

// DeleteSubtree decrements addr's refcount; if it drops to zero the page
// (and, if it is an index node, every child subtree) is recursively
// deallocated. If the refcount stays above zero, addr is still reachable
// from another tree or clone and is left untouched.
func DeleteSubtree(cfg *config.Config, wu pagecache.WorkUnit, addr pagecache.Addr) error {
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
		if err := DeleteSubtree(cfg, wu, child); err != nil {
			return err
		}
	}
	return cfg.Cache.Dealloc(wu, addr)
}

// ForEachLeaf performs a full left-to-right iteration over every leaf
// entry, read-locking one node at a time: an index node's child
// addresses are copied and its latch dropped before any child is
// visited, so no two latches are held together. visit may return false
// to stop early.
func ForEachLeaf(cfg *config.Config, wu pagecache.WorkUnit, root pagecache.Addr, visit func(key, val []byte) bool) error {
	h, err := cfg.Cache.GetShared(wu, root)
	if err != nil {
		return err
	}
	n := node.Wrap(cfg, h)

	if n.IsLeaf() {
		defer cfg.Cache.Release(wu, h)
		for k := uint32(0); k < n.Used(); k++ {
			key, val := n.KthLeafEntry(k)
			if !visit(key, val) {
				return nil
			}
		}
		return nil
	}

	children := make([]pagecache.Addr, n.Used())
	for k := range children {
		_, children[k] = n.KthIndexEntry(uint32(k))
	}
	cfg.Cache.Release(wu, h)

	for _, child := range children {
		if err := ForEachLeaf(cfg, wu, child, visit); err != nil {
			return err
		}
	}
	return nil
}
