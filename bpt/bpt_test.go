package bpt_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldleaf/cowbpt/bpt"
	"github.com/coldleaf/cowbpt/config"
	"github.com/coldleaf/cowbpt/pagecache"
	"github.com/coldleaf/cowbpt/refcount"
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
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(n))
	return b
}

// newTestConfig picks a node size just over the fixed 261-byte non-root
// header (256-slot directory plus flags/used-count) so leaf/index
// capacity stays small (a handful of entries), which makes a modest
// number of inserts/removes exercise splits, merges and rebalances
// across many leaves instead of filling a single one.
func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		KeySize:   4,
		ValSize:   4,
		NodeSize:  400,
		MinNumEnt: 2,
		Callbacks: config.Callbacks{
			Compare:  invertedCompare,
			Inc:      incKey,
			ToString: func(a []byte) string { return string(a) },
		},
		Cache:    pagecache.NewMemCache(400),
		Refcount: refcount.NewMemStore(),
	}
	require.NoError(t, cfg.Init())
	return cfg
}

func newTree(t *testing.T, cfg *config.Config) *bpt.Tree {
	t.Helper()
	tr, err := bpt.Create(cfg, nil, 1)
	require.NoError(t, err)
	return tr
}

func TestTree_InsertLookup_RoundTrips(t *testing.T) {
	cfg := newTestConfig(t)
	tr := newTree(t, cfg)

	for i := 0; i < 200; i++ {
		replaced, err := tr.Insert(nil, keyOf(i), keyOf(i*10))
		require.NoError(t, err)
		require.False(t, replaced)
	}

	for i := 0; i < 200; i++ {
		val, err := tr.Lookup(nil, keyOf(i))
		require.NoError(t, err)
		require.Equal(t, keyOf(i*10), val)
	}

	require.NoError(t, tr.Validate(nil))
}

func TestTree_Insert_ReplacesExistingValue(t *testing.T) {
	cfg := newTestConfig(t)
	tr := newTree(t, cfg)

	_, err := tr.Insert(nil, keyOf(5), keyOf(50))
	require.NoError(t, err)

	replaced, err := tr.Insert(nil, keyOf(5), keyOf(500))
	require.NoError(t, err)
	require.True(t, replaced)

	val, err := tr.Lookup(nil, keyOf(5))
	require.NoError(t, err)
	require.Equal(t, keyOf(500), val)
}

func TestTree_Lookup_MissingKey(t *testing.T) {
	cfg := newTestConfig(t)
	tr := newTree(t, cfg)

	_, err := tr.Insert(nil, keyOf(1), keyOf(1))
	require.NoError(t, err)

	_, err = tr.Lookup(nil, keyOf(999))
	require.ErrorIs(t, err, bpt.ErrNotFound)
}

func TestTree_RemoveKey_ThenMissing(t *testing.T) {
	cfg := newTestConfig(t)
	tr := newTree(t, cfg)

	for i := 0; i < 150; i++ {
		_, err := tr.Insert(nil, keyOf(i), keyOf(i))
		require.NoError(t, err)
	}
	require.NoError(t, tr.Validate(nil))

	for i := 0; i < 150; i += 2 {
		require.NoError(t, tr.RemoveKey(nil, keyOf(i)))
	}
	require.NoError(t, tr.Validate(nil))

	for i := 0; i < 150; i++ {
		val, err := tr.Lookup(nil, keyOf(i))
		if i%2 == 0 {
			require.ErrorIs(t, err, bpt.ErrNotFound)
		} else {
			require.NoError(t, err)
			require.Equal(t, keyOf(i), val)
		}
	}
}

func TestTree_RemoveKey_Missing(t *testing.T) {
	cfg := newTestConfig(t)
	tr := newTree(t, cfg)

	_, err := tr.Insert(nil, keyOf(1), keyOf(1))
	require.NoError(t, err)

	require.ErrorIs(t, tr.RemoveKey(nil, keyOf(2)), bpt.ErrNotFound)
}

func TestTree_RemoveKey_DownToEmpty_StaysValid(t *testing.T) {
	cfg := newTestConfig(t)
	tr := newTree(t, cfg)

	for i := 0; i < 80; i++ {
		_, err := tr.Insert(nil, keyOf(i), keyOf(i))
		require.NoError(t, err)
	}
	require.NoError(t, tr.Validate(nil))

	for i := 0; i < 80; i++ {
		require.NoError(t, tr.RemoveKey(nil, keyOf(i)))
	}
	require.NoError(t, tr.Validate(nil))

	_, err := tr.Lookup(nil, keyOf(0))
	require.ErrorIs(t, err, bpt.ErrNotFound)
}

func TestTree_LookupRange_ReturnsAscendingSlice(t *testing.T) {
	cfg := newTestConfig(t)
	tr := newTree(t, cfg)

	for i := 0; i < 100; i += 2 {
		_, err := tr.Insert(nil, keyOf(i), keyOf(i))
		require.NoError(t, err)
	}

	out, err := tr.LookupRange(nil, keyOf(10), keyOf(20), 100)
	require.NoError(t, err)

	var gotKeys []int
	for _, kv := range out {
		gotKeys = append(gotKeys, int(binary.BigEndian.Uint32(kv.Key)))
	}
	require.Equal(t, []int{10, 12, 14, 16, 18, 20}, gotKeys)
}

func TestTree_LookupRange_RespectsMaxResults(t *testing.T) {
	cfg := newTestConfig(t)
	tr := newTree(t, cfg)

	for i := 0; i < 50; i++ {
		_, err := tr.Insert(nil, keyOf(i), keyOf(i))
		require.NoError(t, err)
	}

	out, err := tr.LookupRange(nil, keyOf(0), keyOf(49), 5)
	require.NoError(t, err)
	require.Len(t, out, 5)
	require.Equal(t, keyOf(0), out[0].Key)
	require.Equal(t, keyOf(4), out[4].Key)
}

func TestTree_InsertRange_ThenLookupAll(t *testing.T) {
	cfg := newTestConfig(t)
	tr := newTree(t, cfg)

	var keys, vals [][]byte
	for i := 0; i < 60; i++ {
		keys = append(keys, keyOf(i))
		vals = append(vals, keyOf(i+1))
	}
	require.NoError(t, tr.InsertRange(nil, keys, vals))
	require.NoError(t, tr.Validate(nil))

	for i := 0; i < 60; i++ {
		val, err := tr.Lookup(nil, keyOf(i))
		require.NoError(t, err)
		require.Equal(t, keyOf(i+1), val)
	}
}

func TestTree_InsertRange_MismatchedLengths(t *testing.T) {
	cfg := newTestConfig(t)
	tr := newTree(t, cfg)

	err := tr.InsertRange(nil, [][]byte{keyOf(1)}, nil)
	require.ErrorIs(t, err, bpt.ErrCorrupt)
}

func TestTree_RemoveRange_DeletesInclusiveBounds(t *testing.T) {
	cfg := newTestConfig(t)
	tr := newTree(t, cfg)

	for i := 0; i < 100; i++ {
		_, err := tr.Insert(nil, keyOf(i), keyOf(i))
		require.NoError(t, err)
	}

	n, err := tr.RemoveRange(nil, keyOf(20), keyOf(40))
	require.NoError(t, err)
	require.Equal(t, 21, n)
	require.NoError(t, tr.Validate(nil))

	for i := 20; i <= 40; i++ {
		_, err := tr.Lookup(nil, keyOf(i))
		require.ErrorIs(t, err, bpt.ErrNotFound)
	}
	for _, i := range []int{19, 41} {
		val, err := tr.Lookup(nil, keyOf(i))
		require.NoError(t, err)
		require.Equal(t, keyOf(i), val)
	}
}

func TestTree_RemoveRange_SpansManySubtrees(t *testing.T) {
	cfg := newTestConfig(t)
	tr := newTree(t, cfg)

	for i := 0; i < 400; i++ {
		_, err := tr.Insert(nil, keyOf(i), keyOf(i))
		require.NoError(t, err)
	}
	depth, err := tr.Depth(nil)
	require.NoError(t, err)
	require.Greater(t, depth, 2) // several fully-covered index children exist between the bounds

	n, err := tr.RemoveRange(nil, keyOf(50), keyOf(349))
	require.NoError(t, err)
	require.Equal(t, 300, n)
	require.NoError(t, tr.Validate(nil))

	for i := 50; i <= 349; i++ {
		_, err := tr.Lookup(nil, keyOf(i))
		require.ErrorIs(t, err, bpt.ErrNotFound)
	}
	for _, i := range []int{0, 49, 350, 399} {
		val, err := tr.Lookup(nil, keyOf(i))
		require.NoError(t, err)
		require.Equal(t, keyOf(i), val)
	}

	out, err := tr.LookupRange(nil, keyOf(0), keyOf(399), 1000)
	require.NoError(t, err)
	require.Len(t, out, 100)
}

// TestTree_RemoveRange_RepeatedNarrowRanges drives many small, adjacent
// range removals over the same tree so boundary children repeatedly end up
// in-danger and must be repaired by wrapFix (including its second,
// single-entry try) and, when both a range's edge children are left
// in-danger after their own repair, by the direct two-sided merge path.
func TestTree_RemoveRange_RepeatedNarrowRanges(t *testing.T) {
	cfg := newTestConfig(t)
	tr := newTree(t, cfg)

	const n = 300
	for i := 0; i < n; i++ {
		_, err := tr.Insert(nil, keyOf(i), keyOf(i))
		require.NoError(t, err)
	}
	require.NoError(t, tr.Validate(nil))

	removed := make(map[int]bool)
	for lo := 0; lo < n; lo += 7 {
		hi := lo + 2
		if hi >= n {
			hi = n - 1
		}
		_, err := tr.RemoveRange(nil, keyOf(lo), keyOf(hi))
		require.NoError(t, err)
		require.NoError(t, tr.Validate(nil))
		for i := lo; i <= hi; i++ {
			removed[i] = true
		}
	}

	for i := 0; i < n; i++ {
		val, err := tr.Lookup(nil, keyOf(i))
		if removed[i] {
			require.ErrorIs(t, err, bpt.ErrNotFound)
		} else {
			require.NoError(t, err)
			require.Equal(t, keyOf(i), val)
		}
	}
}

func TestTree_InsertRange_ThenRemoveRange_AcrossManyLeaves(t *testing.T) {
	cfg := newTestConfig(t)
	tr := newTree(t, cfg)

	var keys, vals [][]byte
	for i := 0; i < 300; i++ {
		keys = append(keys, keyOf(i))
		vals = append(vals, keyOf(i*2))
	}
	require.NoError(t, tr.InsertRange(nil, keys, vals))
	require.NoError(t, tr.Validate(nil))

	for i := 0; i < 300; i += 37 {
		val, err := tr.Lookup(nil, keyOf(i))
		require.NoError(t, err)
		require.Equal(t, keyOf(i*2), val)
	}

	n, err := tr.RemoveRange(nil, keyOf(0), keyOf(299))
	require.NoError(t, err)
	require.Equal(t, 300, n)
	require.NoError(t, tr.Validate(nil))

	_, err = tr.Lookup(nil, keyOf(0))
	require.ErrorIs(t, err, bpt.ErrNotFound)
}

func TestTree_Clone_SharesPagesAndDiverges(t *testing.T) {
	cfg := newTestConfig(t)
	tr := newTree(t, cfg)

	for i := 0; i < 100; i++ {
		_, err := tr.Insert(nil, keyOf(i), keyOf(i))
		require.NoError(t, err)
	}

	clone, err := tr.Clone(nil, 2)
	require.NoError(t, err)
	require.NoError(t, bpt.ValidateClones(nil, []*bpt.Tree{tr, clone}))

	// write into the clone only
	_, err = clone.Insert(nil, keyOf(1000), keyOf(1000))
	require.NoError(t, err)

	_, err = tr.Lookup(nil, keyOf(1000))
	require.ErrorIs(t, err, bpt.ErrNotFound)

	val, err := clone.Lookup(nil, keyOf(1000))
	require.NoError(t, err)
	require.Equal(t, keyOf(1000), val)

	// original entries still resolve identically in both trees
	for i := 0; i < 100; i++ {
		v1, err := tr.Lookup(nil, keyOf(i))
		require.NoError(t, err)
		v2, err := clone.Lookup(nil, keyOf(i))
		require.NoError(t, err)
		require.Equal(t, v1, v2)
	}

	require.NoError(t, tr.Validate(nil))
	require.NoError(t, clone.Validate(nil))
	require.NoError(t, bpt.ValidateClones(nil, []*bpt.Tree{tr, clone}))
}

func TestTree_Stats_DepthAndCountEntries(t *testing.T) {
	cfg := newTestConfig(t)
	tr := newTree(t, cfg)

	n, err := tr.CountEntries(nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	depth, err := tr.Depth(nil)
	require.NoError(t, err)
	require.Equal(t, 1, depth)

	for i := 0; i < 100; i++ {
		_, err := tr.Insert(nil, keyOf(i), keyOf(i))
		require.NoError(t, err)
	}

	n, err = tr.CountEntries(nil)
	require.NoError(t, err)
	require.Equal(t, 100, n)

	depth, err = tr.Depth(nil)
	require.NoError(t, err)
	require.Greater(t, depth, 1)
}

func TestTree_Clone_WriteOnOriginalDoesNotAffectClone(t *testing.T) {
	cfg := newTestConfig(t)
	tr := newTree(t, cfg)

	for i := 0; i < 60; i++ {
		_, err := tr.Insert(nil, keyOf(i), keyOf(i))
		require.NoError(t, err)
	}

	clone, err := tr.Clone(nil, 2)
	require.NoError(t, err)

	require.NoError(t, tr.RemoveKey(nil, keyOf(30)))

	_, err = tr.Lookup(nil, keyOf(30))
	require.ErrorIs(t, err, bpt.ErrNotFound)

	val, err := clone.Lookup(nil, keyOf(30))
	require.NoError(t, err)
	require.Equal(t, keyOf(30), val)
}
