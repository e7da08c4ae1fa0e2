package xt

import (
	"errors"
	"sync"

	"github.com/coldleaf/cowbpt/config"
	"github.com/coldleaf/cowbpt/extentio"
	"github.com/coldleaf/cowbpt/node"
	"github.com/coldleaf/cowbpt/pagecache"
)

// ErrNotFound mirrors bpt.ErrNotFound for the extent flavor.
var ErrNotFound = errors.New("cowbpt/xt: key not found")

// ErrCorrupt mirrors bpt.ErrCorrupt for the extent flavor.
var ErrCorrupt = errors.New("cowbpt/xt: invariant violation")

// Tree is the extent-tree state, identical in shape to bpt.Tree but
// additionally holding a Releaser invoked whenever an extent stops being
// referenced.
type Tree struct {
	cfg      *config.Config
	id       uint64
	mu       sync.RWMutex
	root     pagecache.Addr
	releaser extentio.Releaser
}

// Create allocates a fresh leaf-root and returns a new Tree rooted at it.
// A nil releaser defaults to extentio.NopReleaser.
func Create(cfg *config.Config, wu pagecache.WorkUnit, id uint64, releaser extentio.Releaser) (*Tree, error) {
	if !cfg.Initialized() {
		return nil, errors.New("cowbpt/xt: config not initialized")
	}
	if releaser == nil {
		releaser = extentio.NopReleaser{}
	}
	h, err := cfg.Cache.Alloc(wu)
	if err != nil {
		return nil, err
	}
	node.NewLeafRoot(h)
	cfg.Refcount.Init(wu, h.Addr)
	cfg.Cache.Release(wu, h)
	return &Tree{cfg: cfg, id: id, root: h.Addr, releaser: releaser}, nil
}

// Open wraps an existing root address (e.g. produced by Clone) in a Tree
// handle without reinitializing its contents.
func Open(cfg *config.Config, id uint64, root pagecache.Addr, releaser extentio.Releaser) *Tree {
	if releaser == nil {
		releaser = extentio.NopReleaser{}
	}
	return &Tree{cfg: cfg, id: id, root: root, releaser: releaser}
}

func (t *Tree) ID() uint64                  { return t.id }
func (t *Tree) Root() pagecache.Addr        { return t.root }
func (t *Tree) Config() *config.Config      { return t.cfg }

func (t *Tree) release(wu pagecache.WorkUnit, key, rcrd []byte) {
	t.releaser.Release(wu, key, rcrd)
}

func (t *Tree) getRootWrite(wu pagecache.WorkUnit) (*node.Node, error) {
	return node.GetForWrite(t.cfg, wu, t.root, nil, 0)
}

func (t *Tree) getRootRead(wu pagecache.WorkUnit) (*node.Node, error) {
	h, err := t.cfg.Cache.GetShared(wu, t.root)
	if err != nil {
		return nil, err
	}
	return node.Wrap(t.cfg, h), nil
}

// cmp wraps the configured key comparator as a node.CompareFn — used for
// child-pointer lookups in index nodes and for start-key searches in
// leaves alike, where entries are compared as plain keys.
func (t *Tree) cmp() node.CompareFn {
	return node.CompareFn(t.cfg.Callbacks.Compare)
}

// extentCmp compares a leaf entry's record against a probe key using a
// key-versus-extent convention: the probe is treated as a zero-length
// extent positioned at key, so the ordinary node.CompareFn contract
// (entry vs probe, inverted convention) reduces to comparing start keys,
// which t.cmp() already does correctly. Overlap classification for a
// genuine two-extent comparison is Compare, not this function.
func (t *Tree) extentCmp() node.CompareFn {
	return t.cmp()
}
