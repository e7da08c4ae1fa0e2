// Package xt implements the extent-tree flavor of the core: keys are
// interval start points and values are variable-length extents
// `[k .. k+length(r)-1]` describing on-disk regions. It is layered
// directly on `node` and `config`, the same way `bpt` is — the node
// codec, search primitives and COW machinery are shared verbatim across
// both flavors, with only the leaf-entry interpretation differing.
//
// The record-slot mechanics generalize the fixed-size-payload shape
// `bpt` uses to variable-length coverage, and the sentinel-error style
// carries over from `bpt` unchanged.
package xt

import (
	"encoding/binary"

	"github.com/coldleaf/cowbpt/config"
)

// RcrdHeaderSize is the fixed prefix of every record: a 4-byte length (in
// key units) followed by an 8-byte data offset. Record arithmetic derives
// new offsets from this field instead of reallocating storage. cfg.ValSize
// ("rcrd_size" for XT) must be at least this large; any remaining bytes
// are an opaque payload copied verbatim by every split/chop operation.
const RcrdHeaderSize = 4 + 8

// Extent is an in-memory extent: a start key and its record. Key and
// Rcrd are always owned copies, never borrows into node storage — callers
// that want to mutate a leaf entry in place write through
// node.SetKthLeafEntry instead.
type Extent struct {
	Key  []byte
	Rcrd []byte
}

// Length returns rcrd's length in key units.
func Length(rcrd []byte) uint32 { return binary.BigEndian.Uint32(rcrd[0:4]) }

// SetLength overwrites rcrd's length in place.
func SetLength(rcrd []byte, n uint32) { binary.BigEndian.PutUint32(rcrd[0:4], n) }

// DataOffset returns the on-disk region offset rcrd's data starts at.
func DataOffset(rcrd []byte) uint64 { return binary.BigEndian.Uint64(rcrd[4:12]) }

// SetDataOffset overwrites rcrd's data offset in place.
func SetDataOffset(rcrd []byte, off uint64) { binary.BigEndian.PutUint64(rcrd[4:12], off) }

// keyUint and uintKey interpret a tree key as a big-endian unsigned
// integer. An extent E = (k, r) covers the logical range
// [k .. k+length(r)-1], a sub-range of a linear address space, so —
// unlike a BPT key, which stays fully opaque behind compare/inc — an XT
// key must support direct arithmetic to compute ends, overlaps and chop
// points. The generic Callbacks contract (compare/inc/to_string) has no
// subtraction or "advance by n" primitive, so this interpretation is the
// concrete choice this implementation makes wherever extent arithmetic
// needs a distance or an offset rather than just an ordering (recorded
// in DESIGN.md).
func keyUint(key []byte) uint64 {
	var buf [8]byte
	copy(buf[8-len(key):], key)
	return binary.BigEndian.Uint64(buf[:])
}

func uintKey(v uint64, size uint32) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append([]byte(nil), buf[8-size:]...)
}

// Start returns e's start key as an integer.
func Start(e Extent) uint64 { return keyUint(e.Key) }

// End returns e's exclusive end: the first key unit past its coverage.
func End(e Extent) uint64 { return keyUint(e.Key) + uint64(Length(e.Rcrd)) }

func newExtent(cfg *config.Config, start uint64, length uint32, dataOffset uint64, payload []byte) Extent {
	rcrd := make([]byte, cfg.ValSize)
	SetLength(rcrd, length)
	SetDataOffset(rcrd, dataOffset)
	copy(rcrd[RcrdHeaderSize:], payload)
	return Extent{Key: uintKey(start, cfg.KeySize), Rcrd: rcrd}
}

// sliceFrom returns the sub-extent of e covering [lo, hi) (both absolute
// key-unit offsets, lo <= hi <= End(e), lo >= Start(e)), with its data
// offset advanced by (lo - Start(e)) units and its opaque payload tail
// carried over unchanged.
func sliceFrom(cfg *config.Config, e Extent, lo, hi uint64) Extent {
	advance := lo - Start(e)
	return newExtent(cfg, lo, uint32(hi-lo), DataOffset(e.Rcrd)+advance, e.Rcrd[RcrdHeaderSize:])
}

// CompareClass is a seven-way classification of how two extents relate,
// an exhaustive sum type rather than a pair of overlap/contains booleans.
type CompareClass int

const (
	SML CompareClass = iota
	GRT
	EQUAL
	COVERED
	FULLY_COVERS
	PartOverlapSml
	PartOverlapGrt
)

// Compare classifies A against B. EQUAL excludes COVERED even when every
// bound happens to match in one dimension: the classification requires
// both start and end to match exactly for EQUAL, strict containment for
// COVERED/FULLY_COVERS, and a genuine one-sided overlap for the two
// PART_OVERLAP cases.
func Compare(a, b Extent) CompareClass {
	aS, aE := Start(a), End(a)
	bS, bE := Start(b), End(b)

	switch {
	case aE <= bS:
		return SML
	case bE <= aS:
		return GRT
	case aS == bS && aE == bE:
		return EQUAL
	case bS <= aS && aE <= bE:
		return COVERED
	case aS <= bS && bE <= aE:
		return FULLY_COVERS
	case aS < bS:
		return PartOverlapSml
	default:
		return PartOverlapGrt
	}
}

// Overlaps reports whether a and b share any key unit.
func Overlaps(a, b Extent) bool {
	return Start(a) < End(b) && Start(b) < End(a)
}

// BoundSplit splits e into up to three sub-extents relative to the
// inclusive bounds [min, max]: the part before min, the part within
// [min, max], and the part after max. A nil entry means that part is
// empty. Reassembling the three non-nil parts in order reproduces e
// exactly.
func BoundSplit(cfg *config.Config, e Extent, min, max []byte) (before, in, after *Extent) {
	eS, eE := Start(e), End(e)
	loBound := keyUint(min)
	hiBound := keyUint(max) + 1 // max is inclusive; hiBound is exclusive

	lo := loBound
	if eS > lo {
		lo = eS
	}
	hi := hiBound
	if eE < hi {
		hi = eE
	}

	if eS < loBound {
		b := sliceFrom(cfg, e, eS, min64(loBound, eE))
		before = &b
	}
	if lo < hi {
		i := sliceFrom(cfg, e, lo, hi)
		in = &i
	}
	if eE > hiBound {
		a := sliceFrom(cfg, e, max64(hiBound, eS), eE)
		after = &a
	}
	return before, in, after
}

// SplitIntoSub divides e into n equal-or-near-equal sub-extents, each
// sub-extent's data offset derived arithmetically from e's rather than
// looked up.
func SplitIntoSub(cfg *config.Config, e Extent, n int) []Extent {
	total := Length(e.Rcrd)
	if n <= 0 || uint32(n) > total {
		n = int(total)
	}
	out := make([]Extent, 0, n)
	base := total / uint32(n)
	extra := total % uint32(n)
	cur := Start(e)
	for i := 0; i < n; i++ {
		length := base
		if uint32(i) < extra {
			length++
		}
		out = append(out, sliceFrom(cfg, e, cur, cur+uint64(length)))
		cur += uint64(length)
	}
	return out
}

// ChopTop truncates e so its end-key is strictly less than hi.
func ChopTop(cfg *config.Config, e Extent, hi []byte) Extent {
	hiBound := keyUint(hi)
	eS, eE := Start(e), End(e)
	if eE <= hiBound {
		return e
	}
	return sliceFrom(cfg, e, eS, hiBound)
}

// ChopLength removes the first n units of e, advancing both key and data
// offset and shrinking length by n.
func ChopLength(cfg *config.Config, e Extent, n uint32) Extent {
	eS, eE := Start(e), End(e)
	lo := eS + uint64(n)
	if lo > eE {
		lo = eE
	}
	return sliceFrom(cfg, e, lo, eE)
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
