package node_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldleaf/cowbpt/config"
	"github.com/coldleaf/cowbpt/node"
	"github.com/coldleaf/cowbpt/pagecache"
	"github.com/coldleaf/cowbpt/refcount"
)

// invertedCompare follows the convention used throughout this module:
// -1 if a>b, 0 if equal, +1 if a<b.
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

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		KeySize:   4,
		ValSize:   4,
		NodeSize:  1024,
		MinNumEnt: 2,
		Callbacks: config.Callbacks{
			Compare:  invertedCompare,
			Inc:      incKey,
			ToString: func(a []byte) string { return string(a) },
		},
		Cache:    pagecache.NewMemCache(1024),
		Refcount: refcount.NewMemStore(),
	}
	require.NoError(t, cfg.Init())
	return cfg
}

func keyOf(n int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(n))
	return b
}

func newLeaf(t *testing.T, cfg *config.Config) *node.Node {
	t.Helper()
	h, err := cfg.Cache.Alloc(nil)
	require.NoError(t, err)
	node.NewLeafRoot(h)
	n := node.Wrap(cfg, h)
	cfg.Refcount.Init(nil, h.Addr)
	return n
}

// newNonRootLeaf builds a non-root leaf from scratch, so its header size
// never changes after entries are written into it (toggling the root
// flag on an already-populated node would leave its entries at the wrong
// offsets, since header size depends on the flag).
func newNonRootLeaf(t *testing.T, cfg *config.Config) *node.Node {
	t.Helper()
	h, err := cfg.Cache.Alloc(nil)
	require.NoError(t, err)
	node.InitFresh(h)
	n := node.Wrap(cfg, h)
	n.SetLeaf(true)
	cfg.Refcount.Init(nil, h.Addr)
	return n
}

func insertSorted(n *node.Node, k int) {
	key := keyOf(k)
	n.AllocNewEntryLeaf(key, key)
	loc := n.Used() - 1
	for loc > 0 {
		prev, _ := n.KthLeafEntry(loc - 1)
		if invertedCompare(prev, key) >= 0 {
			break
		}
		loc--
	}
	n.ShuffleInsert(loc)
}

func TestNode_AllocAndShuffleInsert_KeepsOrder(t *testing.T) {
	cfg := newTestConfig(t)
	n := newLeaf(t, cfg)

	for _, k := range []int{5, 1, 9, 3, 7} {
		insertSorted(n, k)
	}

	require.EqualValues(t, 5, n.Used())
	want := []int{1, 3, 5, 7, 9}
	for i, w := range want {
		key, val := n.KthLeafEntry(uint32(i))
		require.Equal(t, keyOf(w), key)
		require.Equal(t, keyOf(w), val)
	}
}

func TestNode_ShuffleRemove(t *testing.T) {
	cfg := newTestConfig(t)
	n := newLeaf(t, cfg)
	for _, k := range []int{1, 2, 3, 4} {
		insertSorted(n, k)
	}

	n.ShuffleRemove(1) // drop key 2

	require.EqualValues(t, 3, n.Used())
	key0, _ := n.KthLeafEntry(0)
	key1, _ := n.KthLeafEntry(1)
	key2, _ := n.KthLeafEntry(2)
	require.Equal(t, keyOf(1), key0)
	require.Equal(t, keyOf(3), key1)
	require.Equal(t, keyOf(4), key2)

	// the freed slot is reusable
	insertSorted(n, 10)
	require.EqualValues(t, 4, n.Used())
}

func TestNode_ShuffleRemoveRange(t *testing.T) {
	cfg := newTestConfig(t)
	n := newLeaf(t, cfg)
	for _, k := range []int{1, 2, 3, 4, 5} {
		insertSorted(n, k)
	}

	n.ShuffleRemoveRange(1, 4) // drop keys 2,3,4

	require.EqualValues(t, 2, n.Used())
	key0, _ := n.KthLeafEntry(0)
	key1, _ := n.KthLeafEntry(1)
	require.Equal(t, keyOf(1), key0)
	require.Equal(t, keyOf(5), key1)
}

// TestNode_ShuffleRemoveRange_PreservesPermutation fills a node to capacity
// after a range removal and checks every surviving and newly-inserted key
// reads back distinctly. A copy-down (rather than swap-based) directory
// update can duplicate a physical slot across two logical positions, which
// would surface here as two keys silently aliasing the same entry bytes.
func TestNode_ShuffleRemoveRange_PreservesPermutation(t *testing.T) {
	cfg := newTestConfig(t)
	n := newLeaf(t, cfg)

	capacity := int(n.Capacity())
	for k := 0; k < capacity; k++ {
		insertSorted(n, k)
	}

	n.ShuffleRemoveRange(2, 5) // drop keys 2,3,4
	require.EqualValues(t, capacity-3, n.Used())

	for k := capacity; k < capacity+3; k++ {
		insertSorted(n, k)
	}
	require.EqualValues(t, capacity, n.Used())

	var gotKeys []int
	for i := uint32(0); i < n.Used(); i++ {
		key, _ := n.KthLeafEntry(i)
		gotKeys = append(gotKeys, int(binary.BigEndian.Uint32(key)))
	}

	var want []int
	for k := 0; k < capacity; k++ {
		if k < 2 || k >= 5 {
			want = append(want, k)
		}
	}
	for k := capacity; k < capacity+3; k++ {
		want = append(want, k)
	}
	require.Equal(t, want, gotKeys)

	seen := make(map[int]bool)
	for _, k := range gotKeys {
		require.False(t, seen[k], "key %d appears more than once, a duplicated physical slot", k)
		seen[k] = true
	}
}

func TestNode_SearchForKey(t *testing.T) {
	cfg := newTestConfig(t)
	n := newLeaf(t, cfg)
	for _, k := range []int{10, 20, 30, 40} {
		insertSorted(n, k)
	}

	r := n.SearchForKey(keyOf(20), invertedCompare)
	require.True(t, r.Found)
	require.EqualValues(t, 1, r.Index)

	r = n.SearchForKey(keyOf(5), invertedCompare)
	require.False(t, r.Found)
	require.Equal(t, node.LO, r.Class)
	require.EqualValues(t, 0, r.InsertPos)

	r = n.SearchForKey(keyOf(25), invertedCompare)
	require.False(t, r.Found)
	require.Equal(t, node.MID, r.Class)
	require.EqualValues(t, 2, r.InsertPos)

	r = n.SearchForKey(keyOf(99), invertedCompare)
	require.False(t, r.Found)
	require.Equal(t, node.HI, r.Class)
	require.EqualValues(t, 4, r.InsertPos)
}

func TestNode_LookupGEGTLE(t *testing.T) {
	cfg := newTestConfig(t)
	n := newLeaf(t, cfg)
	for _, k := range []int{10, 20, 30} {
		insertSorted(n, k)
	}

	require.EqualValues(t, 1, n.LookupGE(keyOf(20), invertedCompare))
	require.EqualValues(t, 1, n.LookupGE(keyOf(15), invertedCompare))
	require.EqualValues(t, 2, n.LookupGT(keyOf(20), invertedCompare))

	idx, ok := n.LookupLE(keyOf(25), invertedCompare)
	require.True(t, ok)
	require.EqualValues(t, 1, idx)

	_, ok = n.LookupLE(keyOf(5), invertedCompare)
	require.False(t, ok)
}

func TestNode_Split_HalvesInKeyOrder(t *testing.T) {
	cfg := newTestConfig(t)
	n := newNonRootLeaf(t, cfg)
	for _, k := range []int{1, 2, 3, 4, 5, 6} {
		insertSorted(n, k)
	}

	r, err := node.Split(cfg, nil, n)
	require.NoError(t, err)

	require.EqualValues(t, 3, n.Used())
	require.EqualValues(t, 3, r.Used())
	// min(R) > max(N)
	require.True(t, invertedCompare(n.MaxKey(), r.MinKey()) > 0)

	key0, _ := r.KthLeafEntry(0)
	require.Equal(t, keyOf(4), key0)
}

func TestNode_SplitRoot_InstallsTwoChildren(t *testing.T) {
	cfg := newTestConfig(t)
	root := newLeaf(t, cfg)
	for _, k := range []int{1, 2, 3, 4, 5, 6} {
		insertSorted(root, k)
	}

	l, r, err := node.SplitRoot(cfg, nil, root)
	require.NoError(t, err)

	require.False(t, root.IsLeaf())
	require.True(t, root.IsRoot())
	require.EqualValues(t, 2, root.Used())

	k0, addr0 := root.KthIndexEntry(0)
	k1, addr1 := root.KthIndexEntry(1)
	require.Equal(t, l.MinKey(), k0)
	require.Equal(t, l.Addr(), addr0)
	require.Equal(t, r.MinKey(), k1)
	require.Equal(t, r.Addr(), addr1)
}

func TestNode_Rebalance_BringsUnderToB(t *testing.T) {
	cfg := newTestConfig(t)
	under := newNonRootLeaf(t, cfg)
	insertSorted(under, 1)

	sibling := newNonRootLeaf(t, cfg)
	for _, k := range []int{2, 3, 4, 5, 6, 7, 8} {
		insertSorted(sibling, k)
	}

	node.Rebalance(cfg, under, sibling, false, invertedCompare)

	require.GreaterOrEqual(t, under.Used(), cfg.B)
	require.GreaterOrEqual(t, sibling.Used(), cfg.B)

	// under held the smaller keys, so it must have absorbed sibling's
	// smallest entries and stayed contiguous with it.
	underMax, _ := under.KthLeafEntry(under.Used() - 1)
	siblingMin, _ := sibling.KthLeafEntry(0)
	require.True(t, invertedCompare(underMax, siblingMin) > 0)
}
