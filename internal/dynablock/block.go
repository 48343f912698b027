package dynablock

import "sync/atomic"

// Block is a Translated Block: one contiguous native-code translation
// of a straight-line guest run. It is the central entity of the cache.
// The invariants the comments in this package refer to:
//
//   - I1: a Dispatch Table slot holds either DefaultSentinel or the
//     NativeEntry of the Block registered at that guest address.
//   - I2: at most one Block is registered per GuestStart.
//   - I3: a retired Block is in neither the Registry nor the Dispatch
//     Table, and its native memory is not freed while a thread may
//     still be executing inside it.
//   - I4: Hash is the X31 hash of the guest bytes at translation time;
//     a Block whose range now hashes differently is retired before
//     reuse.
//   - I5: db_sizes holds one GuestSize entry per registered,
//     non-sentinel Block.
//
// Ownership (spec.md §3): a Block is exclusively owned by exactly one
// of the Registry (while live), the successor Block via Previous
// (while retired-but-pending-free), or a local frame during a
// create/invalidate transition. The Dispatch Table holds only weak
// references — raw native addresses read atomically, never a *Block.
type Block struct {
	GuestStart GA
	GuestSize  uint32

	NativeEntry  NativeAddr
	NativeResume NativeAddr
	NativeRegion Region

	Hash uint32

	// valid is the fast concurrent "usable" signal. The retire protocol
	// clears it right after resetting the Dispatch Table slot and
	// before setting retired and removing the block from the Registry;
	// MarkBlock/MarkRange clear it without retiring — this mirrors the
	// source's distinct `done` flag (see SPEC_FULL.md §3).
	valid atomic.Bool

	// retired is the authoritative "unlinked" state, mutated only under
	// the Manager's translation mutex.
	retired bool

	AlwaysValidate bool

	CallReturnSites []CallReturnSite

	// Previous is the single-slot deferred-free chain (§4.6): a
	// retired predecessor this Block has inherited ownership of.
	// Populated and consumed only under the translation mutex.
	Previous *Block

	// sizeAccounted records whether this Block's GuestSize has already
	// been removed from the Registry's db_sizes multiset, so the
	// invalidate and free paths can both call Registry.Untrack without risking
	// a double decrement (resolves the Open Question in spec.md §9).
	sizeAccounted bool

	// epoch is not read or written by the Manager: under
	// Config.Reclamation == ReclaimEpoch the EpochReclaimer stamps the
	// retired native region itself (see EpochReclaimer.Retire).
	epoch uint64
}

// NewBlock allocates an empty Block for guestStart. It starts in the
// "allocating" stage of the lifecycle: not ready, not retired.
func NewBlock(guestStart GA) *Block {
	return &Block{GuestStart: guestStart}
}

// Ready reports whether the Block has been published and may be
// entered. It is the concurrent-safe read of the `valid` fast-path
// signal combined with the retired check.
func (b *Block) Ready() bool {
	return b.valid.Load() && !b.Retired()
}

func (b *Block) markReady() { b.valid.Store(true) }
func (b *Block) markStale() { b.valid.Store(false) }

// Retired reports whether the Block has been unlinked from the
// Registry and Dispatch Table. A retired Block may still be executing
// on some host thread and must not be freed until that is no longer
// possible (I3).
func (b *Block) Retired() bool { return b.retired }

// GuestRange returns the half-open guest byte range this Block
// translates.
func (b *Block) GuestRange() Range {
	return NewRange(b.GuestStart, b.GuestSize)
}

// Sentinel reports whether this is a zero-size "sentinel" block: one
// that was created but translated to nothing. Sentinel blocks are kept
// in the Registry (so repeated lookups don't keep retranslating) but
// never contribute to db_sizes.
func (b *Block) Sentinel() bool { return b.GuestSize == 0 }
