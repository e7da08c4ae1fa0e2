package pagecache

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// FileCache is a disk-backed Page Cache: pages live in a memory-mapped
// file, grown with os.File.Truncate and remapped with unix.Mmap as new
// pages are allocated,
// using golang.org/x/sys/unix rather than the raw syscall package for
// portability. Latching and COW relocation are identical to MemCache;
// only page durability differs.
type FileCache struct {
	mu       sync.Mutex
	file     *os.File
	pageSize uint32
	capacity Addr // number of pages currently mapped
	mapping  []byte
	latches  map[Addr]*pageLatch
	freeList []Addr
	nextAddr Addr

	handles map[*Handle]*handleState
}

// OpenFileCache opens (creating if necessary) a file-backed page cache
// with the given fixed page size and an initial capacity of minPages.
func OpenFileCache(path string, pageSize uint32, minPages int) (*FileCache, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("pagecache: open %s: %w", path, err)
	}

	c := &FileCache{
		file:     f,
		pageSize: pageSize,
		nextAddr: 1,
		latches:  make(map[Addr]*pageLatch),
		handles:  make(map[*Handle]*handleState),
	}
	if err := c.ensureCapacity(Addr(minPages)); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

func (c *FileCache) ensureCapacity(pages Addr) error {
	if pages <= c.capacity {
		return nil
	}
	if c.mapping != nil {
		if err := unix.Munmap(c.mapping); err != nil {
			return fmt.Errorf("pagecache: munmap: %w", err)
		}
	}
	size := int64(pages) * int64(c.pageSize)
	if err := c.file.Truncate(size); err != nil {
		return fmt.Errorf("pagecache: truncate: %w", err)
	}
	m, err := unix.Mmap(int(c.file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("pagecache: mmap: %w", err)
	}
	c.mapping = m
	c.capacity = pages
	return nil
}

func (c *FileCache) slot(addr Addr) []byte {
	off := int64(addr) * int64(c.pageSize)
	return c.mapping[off : off+int64(c.pageSize)]
}

func (c *FileCache) latchFor(addr Addr) *pageLatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	pl, ok := c.latches[addr]
	if !ok {
		pl = &pageLatch{}
		c.latches[addr] = pl
	}
	return pl
}

func (c *FileCache) allocAddr() (Addr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var addr Addr
	if n := len(c.freeList); n > 0 {
		addr = c.freeList[n-1]
		c.freeList = c.freeList[:n-1]
	} else {
		addr = c.nextAddr
		c.nextAddr++
	}
	if err := c.ensureCapacity(addr + 1); err != nil {
		return 0, err
	}
	return addr, nil
}

func (c *FileCache) Alloc(wu WorkUnit) (*Handle, error) {
	addr, err := c.allocAddr()
	if err != nil {
		return nil, err
	}
	return c.AllocAt(wu, addr)
}

func (c *FileCache) AllocAt(wu WorkUnit, addr Addr) (*Handle, error) {
	c.mu.Lock()
	if err := c.ensureCapacity(addr + 1); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if addr >= c.nextAddr {
		c.nextAddr = addr + 1
	}
	c.mu.Unlock()

	pl := c.latchFor(addr)
	pl.lock(lockWrite)
	pl.pin++

	c.mu.Lock()
	data := c.slot(addr)
	for i := range data {
		data[i] = 0
	}
	h := &Handle{Addr: addr, Data: data}
	c.handles[h] = &handleState{mode: lockWrite, dirty: true}
	c.mu.Unlock()
	return h, nil
}

func (c *FileCache) Dealloc(wu WorkUnit, addr Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.latches, addr)
	c.freeList = append(c.freeList, addr)
	return nil
}

func (c *FileCache) get(addr Addr, mode latchMode) (*Handle, error) {
	pl := c.latchFor(addr)
	pl.lock(mode)
	pl.pin++

	c.mu.Lock()
	if addr >= c.capacity {
		c.mu.Unlock()
		pl.pin--
		pl.unlock(mode)
		return nil, &ErrCorrupt{Reason: "get on unmapped page"}
	}
	h := &Handle{Addr: addr, Data: c.slot(addr)}
	c.handles[h] = &handleState{mode: mode}
	c.mu.Unlock()
	return h, nil
}

func (c *FileCache) GetShared(wu WorkUnit, addr Addr) (*Handle, error) {
	return c.get(addr, lockRead)
}

func (c *FileCache) GetExclusive(wu WorkUnit, addr Addr) (*Handle, error) {
	return c.get(addr, lockWrite)
}

func (c *FileCache) Release(wu WorkUnit, h *Handle) {
	c.mu.Lock()
	st, ok := c.handles[h]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.handles, h)
	c.mu.Unlock()

	pl := c.latchFor(h.Addr)
	pl.pin--
	pl.unlock(st.mode)
}

func (c *FileCache) MarkDirty(wu WorkUnit, h *Handle, mustCOW bool) (Addr, error) {
	c.mu.Lock()
	st, ok := c.handles[h]
	if !ok {
		c.mu.Unlock()
		return 0, &ErrCorrupt{Reason: "mark-dirty on unheld handle"}
	}
	st.dirty = true
	if !mustCOW {
		addr := h.Addr
		c.mu.Unlock()
		return addr, nil
	}
	c.mu.Unlock()

	newAddr, err := c.allocAddr()
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	fresh := c.slot(newAddr)
	copy(fresh, h.Data)
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

// Close unmaps and closes the backing file.
func (c *FileCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.mapping != nil {
		err = unix.Munmap(c.mapping)
		c.mapping = nil
	}
	if cerr := c.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
