// Package extentio defines the data-extent release contract used by the
// XT tree flavor: a notification fired whenever a leaf entry is logically
// removed so the on-disk region it described can be reclaimed. The region
// allocator itself is out of scope here; this package only carries the
// release notification.
package extentio

import "github.com/coldleaf/cowbpt/pagecache"

// Releaser is consumed by xt.Tree whenever an extent entry is deleted,
// overwritten, or trimmed (RemoveExtent, RemoveRange, and
// InsertExtent's overwrite path all call it: once per removed extent,
// and once per removed portion of an extent that is only trimmed).
type Releaser interface {
	Release(wu pagecache.WorkUnit, key []byte, record []byte)
}

// NopReleaser discards every release notification. It is the default used
// by xt.Tree when the caller has no backing data-extent allocator to wire
// up (e.g. in tests, or when XT is used purely as a logical interval
// index).
type NopReleaser struct{}

func (NopReleaser) Release(wu pagecache.WorkUnit, key []byte, record []byte) {}

// CountingReleaser is a test/debug Releaser that just counts calls and
// remembers the last (key, record) pair released.
type CountingReleaser struct {
	Count     int
	LastKey   []byte
	LastValue []byte
}

func (c *CountingReleaser) Release(wu pagecache.WorkUnit, key []byte, record []byte) {
	c.Count++
	c.LastKey = append([]byte(nil), key...)
	c.LastValue = append([]byte(nil), record...)
}
