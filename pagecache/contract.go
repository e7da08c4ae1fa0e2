// Package pagecache defines the page cache contract that the core tree
// components (config, node, bpt, xt) consume, and ships two
// implementations of it: the in-process MemCache and the file-backed
// FileCache.
//
// The contract is deliberately narrow: alloc/dealloc a page, take a shared
// or exclusive latch on it, release the latch, and mark a held page dirty
// — the last of which is the only operation allowed to relocate a page,
// which is how copy-on-write is implemented underneath the tree.
package pagecache

import "fmt"

// Addr identifies a page. The zero value means "no such page".
type Addr uint64

// NoAddr is the distinguished "no child" / "no page" address.
const NoAddr Addr = 0

// Handle is the core's view of a pinned, latched page. Addr and Data are
// the only fields the tree layers touch; everything else is cache-private
// bookkeeping reachable only through the Cache interface.
type Handle struct {
	Addr Addr
	Data []byte
}

// WorkUnit is the opaque caller token threaded through every cache call for
// resource accounting and tracing. The core never inspects it.
type WorkUnit interface{}

// Cache is the page cache contract consumed by the tree core. All methods
// may block the calling goroutine while a latch is contended.
type Cache interface {
	// Alloc returns a fresh, zeroed, exclusively-latched page with a
	// stable address.
	Alloc(wu WorkUnit) (*Handle, error)

	// AllocAt is like Alloc but places the page at a caller-chosen
	// address (used by bpt.InitMap to seed a tree at a specific
	// location).
	AllocAt(wu WorkUnit, addr Addr) (*Handle, error)

	// Dealloc returns a page to the allocator. It neither reads nor
	// changes the refcount store (refcounting lives in the refcount
	// package); callers deallocate only pages no tree references any
	// more, e.g. bpt.DeleteSubtree after the refcount drops to zero.
	Dealloc(wu WorkUnit, addr Addr) error

	// GetShared acquires a shared (read) latch on addr.
	GetShared(wu WorkUnit, addr Addr) (*Handle, error)

	// GetExclusive acquires an exclusive (write) latch on addr.
	GetExclusive(wu WorkUnit, addr Addr) (*Handle, error)

	// Release drops whichever latch mode h was acquired with and
	// unpins the page.
	Release(wu WorkUnit, h *Handle)

	// MarkDirty marks an exclusively-latched page dirty. If mustCOW is
	// true (the page is shared, i.e. its refcount is > 1) the cache MAY
	// relocate the page to a new address to avoid mutating a page other
	// clones still see; the returned Addr is the (possibly unchanged)
	// address the caller must use from this point on. h.Addr and h.Data
	// are updated in place to match.
	MarkDirty(wu WorkUnit, h *Handle, mustCOW bool) (Addr, error)
}

// ErrCorrupt reports an internal invariant violation inside the cache
// (e.g. a lock-mode mismatch, a page requested at a dead address). Callers
// treat this as fatal: the structure is assumed corrupt.
type ErrCorrupt struct {
	Reason string
}

func (e *ErrCorrupt) Error() string {
	return fmt.Sprintf("pagecache: corrupt: %s", e.Reason)
}
