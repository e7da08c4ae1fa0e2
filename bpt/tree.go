// Package bpt implements the fixed-value flavor of the core: a tree state
// holding a configuration, a pinned root, and a tree-level reader/writer
// lock, plus the descent algorithms (insert, lookup, remove-key), the
// range operations, clone, and validation.
//
// The tree struct wraps a page cache the way a buffer-manager-backed tree
// does, with InsertKey/FindKey/DeleteKey-style descent loops; the descent
// protocol itself is crabbing with pro-active split-on-insert and
// merge-on-remove rather than a B-link right-sibling-pointer scheme, so a
// leaf operation never needs to climb back above its direct parent.
package bpt

import (
	"errors"
	"sync"

	"github.com/coldleaf/cowbpt/config"
	"github.com/coldleaf/cowbpt/node"
	"github.com/coldleaf/cowbpt/pagecache"
)

// ErrNotFound is returned by Lookup and RemoveKey when the key does not
// exist.
var ErrNotFound = errors.New("cowbpt/bpt: key not found")

// ErrCorrupt mirrors pagecache.ErrCorrupt for invariant violations
// detected inside the tree layer: fatal, the structure is assumed
// corrupt.
var ErrCorrupt = errors.New("cowbpt/bpt: invariant violation")

// Tree is a tree state: a configuration handle, a reader/writer lock, a
// tree-id for diagnostics, and the root page's address. The root is
// latched (exclusively or shared, depending on the in-flight operation)
// through getRootWrite/getRootRead and released with Cache.Release
// within one public operation, never across independent public
// operations.
type Tree struct {
	cfg    *config.Config
	id     uint64
	mu     sync.RWMutex
	root   pagecache.Addr
}

// Create allocates a fresh leaf-root and returns a new Tree rooted at it.
func Create(cfg *config.Config, wu pagecache.WorkUnit, id uint64) (*Tree, error) {
	if !cfg.Initialized() {
		return nil, errors.New("cowbpt/bpt: config not initialized")
	}
	h, err := cfg.Cache.Alloc(wu)
	if err != nil {
		return nil, err
	}
	node.NewLeafRoot(h)
	cfg.Refcount.Init(wu, h.Addr)
	cfg.Cache.Release(wu, h)
	return &Tree{cfg: cfg, id: id, root: h.Addr}, nil
}

// InitMap initializes a caller-provided page address as a leaf-root and
// returns a Tree rooted there.
func InitMap(cfg *config.Config, wu pagecache.WorkUnit, id uint64, addr pagecache.Addr) (*Tree, error) {
	if !cfg.Initialized() {
		return nil, errors.New("cowbpt/bpt: config not initialized")
	}
	h, err := cfg.Cache.AllocAt(wu, addr)
	if err != nil {
		return nil, err
	}
	node.NewLeafRoot(h)
	cfg.Refcount.Init(wu, h.Addr)
	cfg.Cache.Release(wu, h)
	return &Tree{cfg: cfg, id: id, root: addr}, nil
}

// Open wraps an existing root address (e.g. one produced by Clone) in a
// Tree handle without reinitializing its contents.
func Open(cfg *config.Config, id uint64, root pagecache.Addr) *Tree {
	return &Tree{cfg: cfg, id: id, root: root}
}

// ID returns the tree's diagnostic identifier.
func (t *Tree) ID() uint64 { return t.id }

// Root returns the tree's current root page address.
func (t *Tree) Root() pagecache.Addr { return t.root }

// Config returns the tree's configuration handle.
func (t *Tree) Config() *config.Config { return t.cfg }

func (t *Tree) cmp() node.CompareFn {
	return node.CompareFn(t.cfg.Callbacks.Compare)
}

// getRootWrite acquires an exclusive latch on the root with no COW
// rewrite target (a root's parent slot lives nowhere but the Tree
// itself, rewritten explicitly by callers that split or collapse it).
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
