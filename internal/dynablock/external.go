package dynablock

import "context"

// Translator is the external per-instruction translator that fills a
// freshly allocated Block with native code (spec.md §1 "Out of
// scope"). It is the only collaborator the Manager invokes from inside
// a guarded fill-in scope: a panic raised by FillBlock (standing in for
// the source's SIGSEGV/longjmp guard around native translation) is
// recovered by the Manager, which then frees the half-built Block and
// returns "no block" — see Manager.buildBlock.
type Translator interface {
	// FillBlock translates guest code starting at fillFrom into b.
	// isContinuation is true when fillFrom differs from b.GuestStart
	// (an alternate-entry fill sharing a prefix with a registered
	// block). On success it must have populated NativeEntry,
	// NativeResume, NativeRegion, GuestSize, Hash, CallReturnSites and
	// AlwaysValidate on b.
	FillBlock(ctx context.Context, b *Block, fillFrom GA, isContinuation, is32Bit bool, maxInsts int) error

	// PatchCallReturnSites rewrites every call/return stub in region at
	// the given offsets to either the live opcode or the trapping
	// opcode, per state. The Manager calls ClearICache on the affected
	// range afterwards.
	PatchCallReturnSites(region Region, sites []CallReturnSite, state StubState)
}

// ProtectionOracle is the external guest-memory protection collaborator
// (spec.md §4.3 / §6).
type ProtectionOracle interface {
	// Protection reports the current host-enforced protection for the
	// guest page containing ga.
	Protection(page GA) Protection
	// FastProtection is a cheaper, possibly-stale variant the Manager
	// uses under the translation mutex: on the locked re-check and
	// before building a new block (mirrors getProtection_fast in the
	// source). The lock-free fast path uses Protection.
	FastProtection(page GA) Protection
	// NeedsTest reports whether any byte in the page may have been
	// written since the last translation or validation.
	NeedsTest(page GA) bool
	// ProtectDB write-protects range on the host without touching the
	// Dispatch Table: used for always-validate blocks where
	// write-protection can't drive a jump-table flip.
	ProtectDB(r Range)
	// ProtectDBJumpTable write-protects range and tells the trap
	// handler which Dispatch Table entries to flip to resume-mode on a
	// write fault.
	ProtectDBJumpTable(r Range, entry, resume NativeAddr)
	// IsInHotPage reports whether ga is in the short-lived suppression
	// window the Manager should honor by refusing to translate.
	IsInHotPage(ga GA) bool
	// HasAlternate reports whether ga already has an alternate-entry
	// block registered that should take priority over a fresh
	// translation.
	HasAlternate(ga GA) bool
}

// HostArena is the external native-code allocator plus the handful of
// host primitives the cache needs directly (spec.md §6 "Consumed
// (Host)").
type HostArena interface {
	AllocNative(bytes uint32) (Region, error)
	FreeNative(r Region)
	ClearICache(r Region)
	// MakeExecutable transitions a freshly-filled region from
	// writeable to executable, per the Native Code Arena's guarantee
	// in spec.md §4.1 that a block is executable before first entry.
	MakeExecutable(r Region) error
}

// GuestMemory provides read access to guest bytes for hash validation.
// Not named explicitly among spec.md §6's external interfaces, but
// required by the X31 hash algorithm in §4.5, which operates over
// "guest_bytes[...]" — a supplement grounded in the obvious fact that
// the Manager cannot compute a content hash without reading the guest
// address space it doesn't own.
type GuestMemory interface {
	ReadGuest(r Range) []byte
}
