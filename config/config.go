// Package config derives per-node capacities from caller-supplied sizes
// and validates that the derived occupancy constraints are satisfiable,
// the way a page-size exponent gets clamped into a valid range before a
// buffer manager trusts it.
package config

import (
	"errors"
	"fmt"

	"github.com/coldleaf/cowbpt/pagecache"
	"github.com/coldleaf/cowbpt/refcount"
)

// PageHeaderSize is the fixed non-root node header: 1 flags byte, a 4-byte
// used count, and the 256-byte slot directory.
const PageHeaderSize = 1 + 4 + 256

// DefaultAttributesSize is the size of the root-only attribute buffer used
// when Config.AttributesSize is left unset.
const DefaultAttributesSize = 64

const (
	minMaxEntries = 5   // every derived capacity must hold at least this many entries
	maxSlots      = 256 // directory has exactly 256 slots
)

// Callbacks bundles the caller-supplied key operations: a three-way
// comparator with an inverted convention (-1 means a > b, +1 means a < b),
// an immediate-successor function, and a debug formatter. The inverted
// convention is preserved rather than normalized so every caller-supplied
// Compare implementation means the same thing across BPT and XT.
type Callbacks struct {
	// Compare returns -1 if a > b, 0 if a == b, +1 if a < b.
	Compare func(a, b []byte) int
	// Inc returns the immediate successor of a under Compare's order.
	Inc func(a []byte) []byte
	// ToString renders a key for diagnostics.
	ToString func(a []byte) string
}

// Less reports whether a sorts strictly before b under Compare's inverted
// convention.
func (cb Callbacks) Less(a, b []byte) bool { return cb.Compare(a, b) > 0 }

// LessOrEqual reports a <= b under Compare's inverted convention.
func (cb Callbacks) LessOrEqual(a, b []byte) bool { return cb.Compare(a, b) >= 0 }

// Equal reports a == b.
func (cb Callbacks) Equal(a, b []byte) bool { return cb.Compare(a, b) == 0 }

// Config is the validated, capacity-derived configuration for one tree.
// Fill in the caller-supplied fields, then call Init; do not mutate after
// Init succeeds.
type Config struct {
	// --- caller-supplied ---
	KeySize         uint32 // multiple of 4
	ValSize         uint32 // multiple of 4 (data_size for BPT, rcrd_size for XT)
	NodeSize        uint32 // page size, multiple of 4
	RootFanout      uint32 // 0 = no cap
	NonRootFanout   uint32 // 0 = no cap
	MinNumEnt       uint32 // 0 = auto-pick
	AttributesSize  uint32 // root attribute buffer size; 0 -> DefaultAttributesSize
	Callbacks       Callbacks
	Cache           pagecache.Cache
	Refcount        refcount.Store

	// --- derived by Init ---
	LeafEntrySize  uint32
	IndexEntrySize uint32
	MaxLeaf        uint32
	MaxIndex       uint32
	MaxRoot        uint32
	B              uint32 // min_num_ent

	initialized bool
}

// ErrConfig is returned for any detected configuration error. A detected
// error means Init returns non-nil rather than leaving cfg half-built.
var ErrConfig = errors.New("cowbpt/config: invalid configuration")

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// Init validates cfg and fills in the derived fields. It must be called
// exactly once before cfg is used to create or open a tree.
func (cfg *Config) Init() error {
	if cfg.initialized {
		return configErrorf("already initialized")
	}
	if cfg.KeySize == 0 || cfg.KeySize%4 != 0 {
		return configErrorf("key size %d must be a positive multiple of 4", cfg.KeySize)
	}
	if cfg.ValSize == 0 || cfg.ValSize%4 != 0 {
		return configErrorf("value/record size %d must be a positive multiple of 4", cfg.ValSize)
	}
	if cfg.NodeSize == 0 || cfg.NodeSize%4 != 0 {
		return configErrorf("node size %d must be a positive multiple of 4", cfg.NodeSize)
	}
	if cfg.NodeSize < PageHeaderSize+cfg.AttributesSizeOrDefault() {
		return configErrorf("node size %d smaller than root header", cfg.NodeSize)
	}
	if cfg.Callbacks.Compare == nil || cfg.Callbacks.Inc == nil || cfg.Callbacks.ToString == nil {
		return configErrorf("missing required key callback")
	}
	if cfg.Cache == nil {
		return configErrorf("missing page cache")
	}
	if cfg.Refcount == nil {
		return configErrorf("missing refcount store")
	}
	if cfg.RootFanout != 0 && cfg.NonRootFanout != 0 && cfg.RootFanout > cfg.NonRootFanout {
		return configErrorf("root_fanout %d > non_root_fanout %d", cfg.RootFanout, cfg.NonRootFanout)
	}

	cfg.LeafEntrySize = cfg.KeySize + cfg.ValSize
	cfg.IndexEntrySize = cfg.KeySize + 8 // key || child addr (u64)

	attrSize := cfg.AttributesSizeOrDefault()
	hReg := uint32(PageHeaderSize)
	hRoot := hReg + attrSize

	maxLeaf := clamp(divFloor(cfg.NodeSize-hReg, cfg.LeafEntrySize))
	maxIndex := clamp(divFloor(cfg.NodeSize-hReg, cfg.IndexEntrySize))
	maxLeafRoot := clamp(divFloor(cfg.NodeSize-hRoot, cfg.LeafEntrySize))
	maxIndexRoot := clamp(divFloor(cfg.NodeSize-hRoot, cfg.IndexEntrySize))
	maxRoot := maxLeafRoot
	if maxIndexRoot < maxRoot {
		maxRoot = maxIndexRoot
	}

	if cfg.NonRootFanout != 0 {
		if cfg.NonRootFanout < maxLeaf {
			maxLeaf = cfg.NonRootFanout
		}
		if cfg.NonRootFanout < maxIndex {
			maxIndex = cfg.NonRootFanout
		}
	}
	if cfg.RootFanout != 0 && cfg.RootFanout < maxRoot {
		maxRoot = cfg.RootFanout
	}

	for _, m := range []uint32{maxLeaf, maxIndex, maxRoot} {
		if m < minMaxEntries {
			return configErrorf("derived capacity %d below minimum %d", m, minMaxEntries)
		}
	}

	b := cfg.MinNumEnt
	if b == 0 {
		b = minUint32(maxLeaf, maxIndex, maxRoot) / 3
		if !satisfiesOccupancy(b, maxLeaf, maxIndex, maxRoot) {
			b = (minUint32(maxLeaf, maxIndex, maxRoot) - 1) / 2
		}
	}
	if b < 2 {
		return configErrorf("min_num_ent %d must be >= 2", b)
	}
	if !satisfiesOccupancy(b, maxLeaf, maxIndex, maxRoot) {
		return configErrorf("min_num_ent %d: 2b+1 must be <= every max (leaf=%d index=%d root=%d)", b, maxLeaf, maxIndex, maxRoot)
	}

	cfg.MaxLeaf = maxLeaf
	cfg.MaxIndex = maxIndex
	cfg.MaxRoot = maxRoot
	cfg.B = b
	cfg.initialized = true
	return nil
}

// AttributesSizeOrDefault returns cfg.AttributesSize, or
// DefaultAttributesSize if unset.
func (cfg *Config) AttributesSizeOrDefault() uint32 {
	if cfg.AttributesSize == 0 {
		return DefaultAttributesSize
	}
	return cfg.AttributesSize
}

// Initialized reports whether Init has been called successfully.
func (cfg *Config) Initialized() bool { return cfg.initialized }

func divFloor(a, b uint32) uint32 { return a / b }

func clamp(v uint32) uint32 {
	if v > maxSlots {
		return maxSlots
	}
	return v
}

func minUint32(vs ...uint32) uint32 {
	m := vs[0]
	for _, v := range vs[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func satisfiesOccupancy(b, maxLeaf, maxIndex, maxRoot uint32) bool {
	need := 2*b + 1
	return need <= maxLeaf && need <= maxIndex && need <= maxRoot
}
