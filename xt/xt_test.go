package xt_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldleaf/cowbpt/config"
	"github.com/coldleaf/cowbpt/extentio"
	"github.com/coldleaf/cowbpt/pagecache"
	"github.com/coldleaf/cowbpt/refcount"
	"github.com/coldleaf/cowbpt/xt"
)

func invertedCompare(a, b []byte) int { return -bytes.Compare(a, b) }

func incKey(a []byte) []byte {
	out := append([]byte(nil), a...)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			break
		}
	}
	return out
}

func keyOf(n int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

// newTestConfig sizes the node just large enough that the root (which
// carries the extra attribute buffer on top of the fixed 256-slot
// directory) still fits at least 2*MinNumEnt+1 entries, while staying
// small enough that a few dozen inserts span several leaves.
func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		KeySize:   8,
		ValSize:   16,
		NodeSize:  512,
		MinNumEnt: 2,
		Callbacks: config.Callbacks{
			Compare:  invertedCompare,
			Inc:      incKey,
			ToString: func(a []byte) string { return string(a) },
		},
		Cache:    pagecache.NewMemCache(512),
		Refcount: refcount.NewMemStore(),
	}
	require.NoError(t, cfg.Init())
	return cfg
}

func rcrdOf(length uint32) []byte {
	r := make([]byte, 16)
	xt.SetLength(r, length)
	xt.SetDataOffset(r, uint64(length)*100)
	return r
}

func newTree(t *testing.T, cfg *config.Config) *xt.Tree {
	t.Helper()
	tr, err := xt.Create(cfg, nil, 1, extentio.NopReleaser{})
	require.NoError(t, err)
	return tr
}

func TestExtent_CompareClassifications(t *testing.T) {
	a := xt.Extent{Key: keyOf(10), Rcrd: rcrdOf(5)} // [10,15)
	require.Equal(t, xt.EQUAL, xt.Compare(a, xt.Extent{Key: keyOf(10), Rcrd: rcrdOf(5)}))
	require.Equal(t, xt.SML, xt.Compare(a, xt.Extent{Key: keyOf(20), Rcrd: rcrdOf(5)}))
	require.Equal(t, xt.GRT, xt.Compare(xt.Extent{Key: keyOf(20), Rcrd: rcrdOf(5)}, a))
	require.Equal(t, xt.COVERED, xt.Compare(xt.Extent{Key: keyOf(11), Rcrd: rcrdOf(2)}, a))
	require.Equal(t, xt.FULLY_COVERS, xt.Compare(a, xt.Extent{Key: keyOf(11), Rcrd: rcrdOf(2)}))
	require.Equal(t, xt.PartOverlapSml, xt.Compare(a, xt.Extent{Key: keyOf(12), Rcrd: rcrdOf(10)}))
	require.Equal(t, xt.PartOverlapGrt, xt.Compare(xt.Extent{Key: keyOf(12), Rcrd: rcrdOf(10)}, a))
}

func TestExtent_BoundSplit_Reassembles(t *testing.T) {
	cfg := newTestConfig(t)
	e := xt.Extent{Key: keyOf(10), Rcrd: rcrdOf(10)} // [10,20)

	before, in, after := xt.BoundSplit(cfg, e, keyOf(12), keyOf(15))
	require.NotNil(t, before)
	require.NotNil(t, in)
	require.NotNil(t, after)

	require.Equal(t, uint64(10), xt.Start(*before))
	require.Equal(t, uint64(12), xt.End(*before))
	require.Equal(t, uint64(12), xt.Start(*in))
	require.Equal(t, uint64(16), xt.End(*in))
	require.Equal(t, uint64(16), xt.Start(*after))
	require.Equal(t, uint64(20), xt.End(*after))
}

func TestExtent_BoundSplit_FullyOutside(t *testing.T) {
	cfg := newTestConfig(t)
	e := xt.Extent{Key: keyOf(10), Rcrd: rcrdOf(5)} // [10,15)

	before, in, after := xt.BoundSplit(cfg, e, keyOf(0), keyOf(5))
	require.Nil(t, in)
	require.Nil(t, before)
	require.NotNil(t, after)
	require.Equal(t, uint64(10), xt.Start(*after))
	require.Equal(t, uint64(15), xt.End(*after))
}

func TestExtent_SplitIntoSub_CoversOriginal(t *testing.T) {
	cfg := newTestConfig(t)
	e := xt.Extent{Key: keyOf(100), Rcrd: rcrdOf(10)}

	subs := xt.SplitIntoSub(cfg, e, 3)
	require.Len(t, subs, 3)

	var total uint32
	for i, s := range subs {
		total += xt.Length(s.Rcrd)
		if i > 0 {
			require.Equal(t, xt.Start(subs[i-1])+uint64(xt.Length(subs[i-1].Rcrd)), xt.Start(s))
		}
	}
	require.EqualValues(t, 10, total)
	require.Equal(t, xt.Start(e), xt.Start(subs[0]))
}

func TestExtent_ChopTopAndChopLength(t *testing.T) {
	cfg := newTestConfig(t)
	e := xt.Extent{Key: keyOf(10), Rcrd: rcrdOf(10)} // [10,20)

	top := xt.ChopTop(cfg, e, keyOf(15))
	require.Equal(t, uint64(10), xt.Start(top))
	require.Equal(t, uint64(15), xt.End(top))

	chopped := xt.ChopLength(cfg, e, 3)
	require.Equal(t, uint64(13), xt.Start(chopped))
	require.Equal(t, uint64(20), xt.End(chopped))
}

func TestTree_InsertExtent_LookupExtent(t *testing.T) {
	cfg := newTestConfig(t)
	tr := newTree(t, cfg)

	for i := 0; i < 40; i++ {
		require.NoError(t, tr.InsertExtent(nil, keyOf(i*10), rcrdOf(5)))
	}
	require.NoError(t, tr.Validate(nil))

	e, err := tr.LookupExtent(nil, keyOf(102))
	require.NoError(t, err)
	require.Equal(t, uint64(100), xt.Start(e))

	_, err = tr.LookupExtent(nil, keyOf(107))
	require.ErrorIs(t, err, xt.ErrNotFound)
}

func TestTree_InsertExtent_OverlapTrimsExisting(t *testing.T) {
	cfg := newTestConfig(t)
	tr := newTree(t, cfg)

	require.NoError(t, tr.InsertExtent(nil, keyOf(10), rcrdOf(5))) // [10,15)
	require.NoError(t, tr.InsertExtent(nil, keyOf(12), rcrdOf(2))) // [12,14) overwrites middle

	out, err := tr.LookupRange(nil, keyOf(0), keyOf(30), 10)
	require.NoError(t, err)

	var starts, ends []uint64
	for _, e := range out {
		starts = append(starts, xt.Start(e))
		ends = append(ends, xt.End(e))
	}
	require.Equal(t, []uint64{10, 12, 14}, starts)
	require.Equal(t, []uint64{12, 14, 15}, ends)
}

func TestTree_LookupRange_PartialOverlapAtEdges(t *testing.T) {
	cfg := newTestConfig(t)
	tr := newTree(t, cfg)
	require.NoError(t, tr.InsertExtent(nil, keyOf(10), rcrdOf(10))) // [10,20)

	out, err := tr.LookupRange(nil, keyOf(12), keyOf(15), 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, uint64(12), xt.Start(out[0]))
	require.Equal(t, uint64(16), xt.End(out[0]))
}

func TestTree_RemoveExtent_ThenLookupMissing(t *testing.T) {
	cfg := newTestConfig(t)
	tr := newTree(t, cfg)

	for i := 0; i < 30; i++ {
		require.NoError(t, tr.InsertExtent(nil, keyOf(i*10), rcrdOf(5)))
	}
	require.NoError(t, tr.Validate(nil))

	require.NoError(t, tr.RemoveExtent(nil, keyOf(100)))
	require.NoError(t, tr.Validate(nil))

	_, err := tr.LookupExtent(nil, keyOf(102))
	require.ErrorIs(t, err, xt.ErrNotFound)

	require.ErrorIs(t, tr.RemoveExtent(nil, keyOf(100)), xt.ErrNotFound)
}

func TestTree_RemoveRange_TrimsEdgesAndClearsMiddle(t *testing.T) {
	cfg := newTestConfig(t)
	tr := newTree(t, cfg)

	for i := 0; i < 10; i++ {
		require.NoError(t, tr.InsertExtent(nil, keyOf(i*10), rcrdOf(5))) // [0,5),[10,15),...
	}
	require.NoError(t, tr.Validate(nil))

	n, err := tr.RemoveRange(nil, keyOf(12), keyOf(33))
	require.NoError(t, err)
	require.Greater(t, n, 0)
	require.NoError(t, tr.Validate(nil))

	out, err := tr.LookupRange(nil, keyOf(0), keyOf(89), 100)
	require.NoError(t, err)
	for _, e := range out {
		overlapsRemoved := xt.Start(e) < 34 && xt.End(e) > 12
		require.False(t, overlapsRemoved, "extent [%d,%d) should not overlap removed [12,34)", xt.Start(e), xt.End(e))
	}
}

func TestTree_RemoveRange_SpansManySubtrees(t *testing.T) {
	cfg := newTestConfig(t)
	tr := newTree(t, cfg)

	for i := 0; i < 150; i++ {
		require.NoError(t, tr.InsertExtent(nil, keyOf(i*10), rcrdOf(5))) // [0,5),[10,15),...
	}
	depth, err := tr.Depth(nil)
	require.NoError(t, err)
	require.Greater(t, depth, 2)

	n, err := tr.RemoveRange(nil, keyOf(205), keyOf(1095))
	require.NoError(t, err)
	require.Greater(t, n, 0)
	require.NoError(t, tr.Validate(nil))

	out, err := tr.LookupRange(nil, keyOf(0), keyOf(1499), 1000)
	require.NoError(t, err)
	for _, e := range out {
		overlapsRemoved := xt.Start(e) < 1100 && xt.End(e) > 205
		require.False(t, overlapsRemoved, "extent [%d,%d) should not overlap removed [205,1100)", xt.Start(e), xt.End(e))
	}

	e, err := tr.LookupExtent(nil, keyOf(2))
	require.NoError(t, err)
	require.Equal(t, uint64(0), xt.Start(e))

	e, err = tr.LookupExtent(nil, keyOf(1102))
	require.NoError(t, err)
	require.Equal(t, uint64(1100), xt.Start(e))
}

func TestTree_RemoveRange_RepeatedNarrowRanges(t *testing.T) {
	cfg := newTestConfig(t)
	tr := newTree(t, cfg)

	const n = 120
	for i := 0; i < n; i++ {
		require.NoError(t, tr.InsertExtent(nil, keyOf(i*10), rcrdOf(5))) // [0,5),[10,15),...
	}
	require.NoError(t, tr.Validate(nil))

	for lo := 0; lo < n; lo += 5 {
		hi := lo + 2
		if hi >= n {
			hi = n - 1
		}
		_, err := tr.RemoveRange(nil, keyOf(lo*10), keyOf(hi*10+4))
		require.NoError(t, err)
		require.NoError(t, tr.Validate(nil))
	}
}

func TestTree_Stats_DepthAndCountEntries(t *testing.T) {
	cfg := newTestConfig(t)
	tr := newTree(t, cfg)

	n, err := tr.CountEntries(nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	for i := 0; i < 40; i++ {
		require.NoError(t, tr.InsertExtent(nil, keyOf(i*10), rcrdOf(5)))
	}

	n, err = tr.CountEntries(nil)
	require.NoError(t, err)
	require.Equal(t, 40, n)

	depth, err := tr.Depth(nil)
	require.NoError(t, err)
	require.Greater(t, depth, 1)
}

func TestTree_Clone_SharesThenDiverges(t *testing.T) {
	cfg := newTestConfig(t)
	tr := newTree(t, cfg)

	for i := 0; i < 30; i++ {
		require.NoError(t, tr.InsertExtent(nil, keyOf(i*10), rcrdOf(5)))
	}

	clone, err := tr.Clone(nil, 2, extentio.NopReleaser{})
	require.NoError(t, err)
	require.NoError(t, xt.ValidateClones(nil, []*xt.Tree{tr, clone}))

	require.NoError(t, clone.InsertExtent(nil, keyOf(5000), rcrdOf(5)))

	_, err = tr.LookupExtent(nil, keyOf(5001))
	require.ErrorIs(t, err, xt.ErrNotFound)

	e, err := clone.LookupExtent(nil, keyOf(5001))
	require.NoError(t, err)
	require.Equal(t, uint64(5000), xt.Start(e))

	require.NoError(t, tr.Validate(nil))
	require.NoError(t, clone.Validate(nil))
}
