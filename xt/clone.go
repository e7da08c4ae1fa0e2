package xt

import (
	"github.com/coldleaf/cowbpt/extentio"
	"github.com/coldleaf/cowbpt/node"
	"github.com/coldleaf/cowbpt/pagecache"
)

// Clone duplicates src into a new tree, identical in structure to
// bpt.Tree.Clone: allocate a fresh root,
// memcopy src's root contents into it (root/leaf flags preserved),
// and — if the root is an index node — bump every child's refcount so
// src and the clone share every non-root page until a write COWs the
// touched path.
func (t *Tree) Clone(wu pagecache.WorkUnit, newID uint64, releaser extentio.Releaser) (*Tree, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	srcH, err := t.cfg.Cache.GetExclusive(wu, t.root)
	if err != nil {
		return nil, err
	}
	defer t.cfg.Cache.Release(wu, srcH)
	src := node.Wrap(t.cfg, srcH)

	trgH, err := t.cfg.Cache.Alloc(wu)
	if err != nil {
		return nil, err
	}
	node.InitFresh(trgH)
	trg := node.Wrap(t.cfg, trgH)
	trg.SetRoot(true)
	trg.SetLeaf(src.IsLeaf())
	t.cfg.Refcount.Init(wu, trgH.Addr)

	if src.IsLeaf() {
		for k := uint32(0); k < src.Used(); k++ {
			key, val := src.KthLeafEntry(k)
			trg.AllocNewEntryLeaf(key, val)
		}
	} else {
		for k := uint32(0); k < src.Used(); k++ {
			key, addr := src.KthIndexEntry(k)
			trg.AllocNewEntryIndex(key, addr)
			t.cfg.Refcount.Inc(wu, addr)
		}
	}

	t.cfg.Cache.Release(wu, trgH)
	return Open(t.cfg, newID, trgH.Addr, releaser), nil
}
