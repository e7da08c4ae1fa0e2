// Package node implements the on-disk node layout with its
// slot-indirection directory, the node-level operations that split/
// merge/rebalance nodes and perform copy-on-write, and the binary-search
// primitives used to locate keys within a node. It is shared, byte-for-
// byte, between the BPT and XT flavors — everything about how a single
// page is laid out and mutated lives here.
//
// The directory indirection follows a classic slot-table design:
// reordering only ever swaps small directory indices, never the entry
// payloads themselves. A design handling variable-length keys needs an
// offset table into a shrinking free area, with librarian slots and
// periodic compaction; this layout is simpler because every entry in a
// given node is the same fixed size, so entries live at a direct
// `header + slot*entrySize` offset and no compaction is ever needed.
package node

import (
	"encoding/binary"

	"github.com/coldleaf/cowbpt/config"
	"github.com/coldleaf/cowbpt/pagecache"
)

const (
	flagRoot = 1 << 0
	flagLeaf = 1 << 1

	dirSlots = 256
	dirOff   = 1 + 4 // right after flags + used
)

// Node is a live view over a latched page: cfg for sizing, h for the
// backing bytes. All accessors read/write directly through h.Data; there
// is no separate in-memory representation to keep in sync.
type Node struct {
	cfg *config.Config
	h   *pagecache.Handle
}

// Wrap adapts a latched page handle into a Node view.
func Wrap(cfg *config.Config, h *pagecache.Handle) *Node {
	return &Node{cfg: cfg, h: h}
}

// Handle returns the backing page handle (used by callers that need to
// Release or re-latch it).
func (n *Node) Handle() *pagecache.Handle { return n.h }

// Addr is this node's current page address.
func (n *Node) Addr() pagecache.Addr { return n.h.Addr }

func (n *Node) flags() byte  { return n.h.Data[0] }
func (n *Node) setFlags(f byte) { n.h.Data[0] = f }

// IsRoot reports whether this page is a tree root.
func (n *Node) IsRoot() bool { return n.flags()&flagRoot != 0 }

// IsLeaf reports whether this page is a leaf.
func (n *Node) IsLeaf() bool { return n.flags()&flagLeaf != 0 }

// SetRoot sets or clears the root flag.
func (n *Node) SetRoot(v bool) { n.setFlag(flagRoot, v) }

// SetLeaf sets or clears the leaf flag.
func (n *Node) SetLeaf(v bool) { n.setFlag(flagLeaf, v) }

func (n *Node) setFlag(mask byte, v bool) {
	f := n.flags()
	if v {
		f |= mask
	} else {
		f &^= mask
	}
	n.setFlags(f)
}

// Used returns the logical entry count (the number of valid directory
// slots, dir[0..used)).
func (n *Node) Used() uint32 {
	return binary.LittleEndian.Uint32(n.h.Data[1:5])
}

// SetUsed overwrites the logical entry count.
func (n *Node) SetUsed(u uint32) {
	binary.LittleEndian.PutUint32(n.h.Data[1:5], u)
}

func (n *Node) dirByte(i uint32) byte {
	return n.h.Data[dirOff+i]
}

func (n *Node) setDirByte(i uint32, v byte) {
	n.h.Data[dirOff+i] = v
}

// entrySize returns the fixed size of an entry in this node, which
// depends only on whether the node is currently a leaf or an index node.
func (n *Node) entrySize() uint32 {
	if n.IsLeaf() {
		return n.cfg.LeafEntrySize
	}
	return n.cfg.IndexEntrySize
}

func (n *Node) headerSize() uint32 {
	h := uint32(config.PageHeaderSize)
	if n.IsRoot() {
		h += n.cfg.AttributesSizeOrDefault()
	}
	return h
}

func (n *Node) entryBytes(slot uint32) []byte {
	off := n.headerSize() + slot*n.entrySize()
	return n.h.Data[off : off+n.entrySize()]
}

// Attributes returns a mutable borrow of the root attribute buffer.
// Accessors only: the schema is opaque to this package.
func (n *Node) Attributes() []byte {
	if !n.IsRoot() {
		return nil
	}
	off := config.PageHeaderSize
	return n.h.Data[off : off+int(n.cfg.AttributesSizeOrDefault())]
}

// Capacity returns the maximum number of entries this node (in its
// current leaf/index mode and root/non-root mode) may hold.
func (n *Node) Capacity() uint32 {
	switch {
	case n.IsRoot():
		return n.cfg.MaxRoot
	case n.IsLeaf():
		return n.cfg.MaxLeaf
	default:
		return n.cfg.MaxIndex
	}
}

// IsFull reports whether Used has reached Capacity.
func (n *Node) IsFull() bool { return n.Used() >= n.Capacity() }

// --- entry codec -----------------------------------------------------------

// KthKey returns a borrow of the key bytes at logical position k.
func (n *Node) KthKey(k uint32) []byte {
	slot := n.dirByte(k)
	return n.entryBytes(uint32(slot))[:n.cfg.KeySize]
}

// KthLeafEntry returns borrows of the key and value at logical position k.
func (n *Node) KthLeafEntry(k uint32) (key, val []byte) {
	e := n.entryBytes(uint32(n.dirByte(k)))
	return e[:n.cfg.KeySize], e[n.cfg.KeySize:]
}

// KthIndexEntry returns the key and child address at logical position k.
func (n *Node) KthIndexEntry(k uint32) (key []byte, addr pagecache.Addr) {
	e := n.entryBytes(uint32(n.dirByte(k)))
	key = e[:n.cfg.KeySize]
	addr = pagecache.Addr(binary.LittleEndian.Uint64(e[n.cfg.KeySize:]))
	return key, addr
}

// SetKthLeafEntry overwrites the entry at logical position k in place.
func (n *Node) SetKthLeafEntry(k uint32, key, val []byte) {
	e := n.entryBytes(uint32(n.dirByte(k)))
	copy(e[:n.cfg.KeySize], key)
	copy(e[n.cfg.KeySize:], val)
}

// SetKthIndexEntry overwrites the index entry at logical position k.
func (n *Node) SetKthIndexEntry(k uint32, key []byte, addr pagecache.Addr) {
	e := n.entryBytes(uint32(n.dirByte(k)))
	copy(e[:n.cfg.KeySize], key)
	binary.LittleEndian.PutUint64(e[n.cfg.KeySize:], uint64(addr))
}

// MinKey returns the smallest key in the node (logical position 0).
func (n *Node) MinKey() []byte { return n.KthKey(0) }

// MaxKey returns the largest key in the node.
func (n *Node) MaxKey() []byte { return n.KthKey(n.Used() - 1) }

// ChildAt returns the child address at logical position k (index nodes
// only).
func (n *Node) ChildAt(k uint32) pagecache.Addr {
	_, addr := n.KthIndexEntry(k)
	return addr
}

// AllocNewEntry places (key,val) in the slot dir[used] (a free slot, since
// dir[used..256) are unused) and increments used. The entry is now
// logically the last entry; ShuffleInsert repositions it.
func (n *Node) AllocNewEntryLeaf(key, val []byte) {
	used := n.Used()
	slot := n.dirByte(used)
	off := n.headerSize() + uint32(slot)*n.entrySize()
	e := n.h.Data[off : off+n.entrySize()]
	copy(e[:n.cfg.KeySize], key)
	copy(e[n.cfg.KeySize:], val)
	n.SetUsed(used + 1)
}

// AllocNewEntryIndex is AllocNewEntryLeaf's index-node counterpart.
func (n *Node) AllocNewEntryIndex(key []byte, addr pagecache.Addr) {
	used := n.Used()
	slot := n.dirByte(used)
	off := n.headerSize() + uint32(slot)*n.entrySize()
	e := n.h.Data[off : off+n.entrySize()]
	copy(e[:n.cfg.KeySize], key)
	binary.LittleEndian.PutUint64(e[n.cfg.KeySize:], uint64(addr))
	n.SetUsed(used + 1)
}

// ShuffleInsert cyclically rotates directory slots between loc and
// used-1 so the entry most recently placed at used-1 (by AllocNewEntry*)
// moves to logical position loc, preserving the relative order of
// everything else.
func (n *Node) ShuffleInsert(loc uint32) {
	used := n.Used()
	if used == 0 {
		return
	}
	last := used - 1
	moving := n.dirByte(last)
	for i := last; i > loc; i-- {
		n.setDirByte(i, n.dirByte(i-1))
	}
	n.setDirByte(loc, moving)
}

// ShuffleRemove rotates the slot at logical position i to the end
// (position used-1) and decrements used; the freed payload slot becomes
// available for reuse by a future AllocNewEntry.
func (n *Node) ShuffleRemove(i uint32) {
	used := n.Used()
	if used == 0 {
		return
	}
	freed := n.dirByte(i)
	for j := i; j+1 < used; j++ {
		n.setDirByte(j, n.dirByte(j+1))
	}
	n.setDirByte(used-1, freed)
	n.SetUsed(used - 1)
}

// ShuffleRemoveAbove truncates the node to its first i logical entries.
func (n *Node) ShuffleRemoveAbove(i uint32) {
	n.SetUsed(i)
}

// ShuffleRemoveBelow drops the first i+1 logical entries (0..i inclusive)
// by rotating the remainder down with swap-based reversals, so the dropped
// slots land at the new used boundary instead of being overwritten.
func (n *Node) ShuffleRemoveBelow(i uint32) {
	used := n.Used()
	count := i + 1
	if count > used {
		count = used
	}
	if count == 0 {
		return
	}
	n.reverseDir(0, count-1)
	if count < used {
		n.reverseDir(count, used-1)
	}
	n.reverseDir(0, used-1)
	n.SetUsed(used - count)
}

func (n *Node) swapDirByte(i, j uint32) {
	vi, vj := n.dirByte(i), n.dirByte(j)
	n.setDirByte(i, vj)
	n.setDirByte(j, vi)
}

func (n *Node) reverseDir(lo, hi uint32) {
	for lo < hi {
		n.swapDirByte(lo, hi)
		lo++
		hi--
	}
}

// ShuffleRemoveRange removes the half-open logical range [s, e) by
// rotating it to the tail of the used region with three swap-based
// reversals (reverse [s,e), reverse [e,used), reverse [s,used)): the
// surviving suffix slides down into the hole and the deleted slots land,
// as a contiguous block, at the new used boundary, migrating to the free
// list exactly as a single ShuffleRemove does. Every directory byte moves
// by swap, so it is preserved exactly once — no slot is ever duplicated
// or lost, unlike a plain copy-down.
func (n *Node) ShuffleRemoveRange(s, e uint32) {
	used := n.Used()
	if e <= s || s >= used {
		return
	}
	if e > used {
		e = used
	}
	if e > s {
		n.reverseDir(s, e-1)
	}
	if used > 0 && e <= used-1 {
		n.reverseDir(e, used-1)
	}
	if used > 0 {
		n.reverseDir(s, used-1)
	}
	n.SetUsed(used - (e - s))
}
