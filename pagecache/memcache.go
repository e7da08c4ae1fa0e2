package pagecache

import (
	"sync"
)

// handleState is the cache-private bookkeeping behind a *Handle: which
// mode it was latched in, so Release/MarkDirty know what to undo.
type handleState struct {
	mode  latchMode
	dirty bool
}

// MemCache is the default in-process Page Cache: every page lives in a Go
// map protected by a per-page phase-fair latch (latch.go). It has no
// backing file; pages vanish with the process. It is adapted from the
// teacher's BufMgr (bufmgr.go) with the buffer-pool eviction machinery
// dropped — an in-memory map does not need a bounded pool or a clock
// algorithm — and COW relocation support added via MarkDirty, which the
// teacher's buffer manager never needed because it has no notion of
// shared pages.
type MemCache struct {
	mu       sync.Mutex
	pageSize uint32
	nextAddr Addr
	pages    map[Addr][]byte
	latches  map[Addr]*pageLatch
	freeList []Addr

	handles map[*Handle]*handleState
}

// NewMemCache creates an empty cache whose pages are all pageSize bytes.
func NewMemCache(pageSize uint32) *MemCache {
	return &MemCache{
		pageSize: pageSize,
		nextAddr: 1,
		pages:    make(map[Addr][]byte),
		latches:  make(map[Addr]*pageLatch),
		handles:  make(map[*Handle]*handleState),
	}
}

func (c *MemCache) latchFor(addr Addr) *pageLatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	pl, ok := c.latches[addr]
	if !ok {
		pl = &pageLatch{}
		c.latches[addr] = pl
	}
	return pl
}

func (c *MemCache) Alloc(wu WorkUnit) (*Handle, error) {
	c.mu.Lock()
	var addr Addr
	if n := len(c.freeList); n > 0 {
		addr = c.freeList[n-1]
		c.freeList = c.freeList[:n-1]
	} else {
		addr = c.nextAddr
		c.nextAddr++
	}
	c.pages[addr] = make([]byte, c.pageSize)
	c.mu.Unlock()

	return c.AllocAt(wu, addr)
}

func (c *MemCache) AllocAt(wu WorkUnit, addr Addr) (*Handle, error) {
	c.mu.Lock()
	if _, ok := c.pages[addr]; !ok {
		c.pages[addr] = make([]byte, c.pageSize)
	}
	if addr >= c.nextAddr {
		c.nextAddr = addr + 1
	}
	c.mu.Unlock()

	pl := c.latchFor(addr)
	pl.lock(lockWrite)
	pl.pin++

	h := &Handle{Addr: addr, Data: c.pages[addr]}
	c.mu.Lock()
	c.handles[h] = &handleState{mode: lockWrite, dirty: true}
	c.mu.Unlock()
	return h, nil
}

func (c *MemCache) Dealloc(wu WorkUnit, addr Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pages, addr)
	delete(c.latches, addr)
	c.freeList = append(c.freeList, addr)
	return nil
}

func (c *MemCache) get(addr Addr, mode latchMode) (*Handle, error) {
	pl := c.latchFor(addr)
	pl.lock(mode)
	pl.pin++

	c.mu.Lock()
	data, ok := c.pages[addr]
	if !ok {
		c.mu.Unlock()
		pl.pin--
		pl.unlock(mode)
		return nil, &ErrCorrupt{Reason: "get on unallocated page"}
	}
	h := &Handle{Addr: addr, Data: data}
	c.handles[h] = &handleState{mode: mode}
	c.mu.Unlock()
	return h, nil
}

func (c *MemCache) GetShared(wu WorkUnit, addr Addr) (*Handle, error) {
	return c.get(addr, lockRead)
}

func (c *MemCache) GetExclusive(wu WorkUnit, addr Addr) (*Handle, error) {
	return c.get(addr, lockWrite)
}

func (c *MemCache) Release(wu WorkUnit, h *Handle) {
	c.mu.Lock()
	st, ok := c.handles[h]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.handles, h)
	if st.dirty {
		// copy the (possibly mutated) handle data back into the page
		// table; MemCache's "disk" is just this map.
		dst := c.pages[h.Addr]
		copy(dst, h.Data)
	}
	c.mu.Unlock()

	pl := c.latchFor(h.Addr)
	pl.pin--
	pl.unlock(st.mode)
}

// MarkDirty marks h dirty. When mustCOW is set, MemCache allocates a fresh
// address, copies h's current contents into it, and rewrites h in place to
// point at the new address — this is the entire COW relocation mechanism
// the node package's GetForWrite depends on.
func (c *MemCache) MarkDirty(wu WorkUnit, h *Handle, mustCOW bool) (Addr, error) {
	c.mu.Lock()
	st, ok := c.handles[h]
	if !ok {
		c.mu.Unlock()
		return 0, &ErrCorrupt{Reason: "mark-dirty on unheld handle"}
	}
	if st.mode != lockWrite {
		c.mu.Unlock()
		return 0, &ErrCorrupt{Reason: "mark-dirty without write latch"}
	}
	st.dirty = true

	if !mustCOW {
		addr := h.Addr
		c.mu.Unlock()
		return addr, nil
	}

	var newAddr Addr
	if n := len(c.freeList); n > 0 {
		newAddr = c.freeList[n-1]
		c.freeList = c.freeList[:n-1]
	} else {
		newAddr = c.nextAddr
		c.nextAddr++
	}
	fresh := make([]byte, c.pageSize)
	copy(fresh, h.Data)
	c.pages[newAddr] = fresh
	c.mu.Unlock()

	oldAddr := h.Addr
	oldLatch := c.latchFor(oldAddr)

	h.Addr = newAddr
	h.Data = fresh

	newLatch := c.latchFor(newAddr)
	newLatch.pin++
	newLatch.rw.Lock()

	oldLatch.pin--
	oldLatch.rw.Unlock()

	return newAddr, nil
}
