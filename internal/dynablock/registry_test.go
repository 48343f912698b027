package dynablock

import (
	"testing"

	"github.com/shoenig/test/must"
)

func TestRegistry_InsertGetRemove(t *testing.T) {
	r := NewRegistry()
	b := NewBlock(0x1000)
	b.GuestSize = 16

	_, ok := r.Get(0x1000)
	must.False(t, ok)

	r.Insert(b)
	got, ok := r.Get(0x1000)
	must.True(t, ok)
	must.Eq(t, b, got)
	must.Eq(t, 1, r.Len())

	removed, ok := r.Remove(0x1000)
	must.True(t, ok)
	must.Eq(t, b, removed)
	must.Eq(t, 0, r.Len())

	_, ok = r.Remove(0x1000)
	must.False(t, ok)
}

func TestRegistry_MaxBlockSizeTracksRightmost(t *testing.T) {
	r := NewRegistry()
	must.Eq(t, uint32(0), r.MaxBlockSize())

	b1 := NewBlock(0x1000)
	b1.GuestSize = 16
	r.Insert(b1)
	must.Eq(t, uint32(16), r.MaxBlockSize())

	b2 := NewBlock(0x2000)
	b2.GuestSize = 64
	r.Insert(b2)
	must.Eq(t, uint32(64), r.MaxBlockSize())

	b3 := NewBlock(0x3000)
	b3.GuestSize = 32
	r.Insert(b3)
	// Inserting a smaller block must not lower max.
	must.Eq(t, uint32(64), r.MaxBlockSize())

	// Untracking the current max must fall back to the next-largest
	// live size (I5).
	r.Untrack(b2)
	must.Eq(t, uint32(32), r.MaxBlockSize())
}

func TestRegistry_UntrackIsIdempotent(t *testing.T) {
	r := NewRegistry()
	b := NewBlock(0x1000)
	b.GuestSize = 16
	r.Insert(b)
	must.Eq(t, uint32(16), r.MaxBlockSize())

	r.Untrack(b)
	must.Eq(t, uint32(0), r.MaxBlockSize())

	// Calling Untrack a second time (invalidate path racing the free
	// path) must not double-decrement the size count.
	r.Untrack(b)
	must.Eq(t, uint32(0), r.MaxBlockSize())
}

func TestRegistry_SentinelBlocksNeverAffectMaxSize(t *testing.T) {
	r := NewRegistry()
	sentinel := NewBlock(0x1000)
	r.Insert(sentinel)
	must.True(t, sentinel.Sentinel())
	must.Eq(t, uint32(0), r.MaxBlockSize())
	must.Eq(t, 1, r.Len())
}

func TestRegistry_RangeVisitsEveryLiveBlock(t *testing.T) {
	r := NewRegistry()
	for _, ga := range []GA{0x1000, 0x2000, 0x3000} {
		b := NewBlock(ga)
		b.GuestSize = 8
		r.Insert(b)
	}
	seen := map[GA]bool{}
	r.Range(func(b *Block) { seen[b.GuestStart] = true })
	must.Eq(t, 3, len(seen))
}

func TestRegistry_SameSizeMultipleBlocksTracksCount(t *testing.T) {
	r := NewRegistry()
	b1 := NewBlock(0x1000)
	b1.GuestSize = 16
	b2 := NewBlock(0x2000)
	b2.GuestSize = 16
	r.Insert(b1)
	r.Insert(b2)
	must.Eq(t, uint32(16), r.MaxBlockSize())

	r.Untrack(b1)
	// Second same-size block still live.
	must.Eq(t, uint32(16), r.MaxBlockSize())

	r.Untrack(b2)
	must.Eq(t, uint32(0), r.MaxBlockSize())
}
