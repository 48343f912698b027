package dynablock

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
)

// Manager is the Block Cache Manager (spec.md §4.5): the orchestrator
// that creates, validates, invalidates and reclaims blocks, publishes
// them into the Dispatch Table, and drives self-modifying-code
// detection via content hashing.
//
// Design notes carried over from spec.md §9, unchanged:
//
//   - Previous-chain reclamation is sound only if every retired block
//     eventually gets a same-guest_start successor, or the range-free
//     path happens while guest threads are quiesced. See epoch.go for
//     the opt-in principled alternative.
//   - The Dispatch Table holds only weak (raw) references; a thread may
//     read an entry before Dispatch.Reset observes it, which is exactly
//     why freeing native memory is deferred rather than immediate.
//   - Call-return stub rewriting is a self-modification of the host's
//     own code cache and requires ClearICache on hosts with
//     non-coherent I/D caches.
type Manager struct {
	cfg        *Config
	dispatch   *DispatchTable
	registry   *Registry
	oracle     ProtectionOracle
	arena      HostArena
	mem        GuestMemory
	translator Translator
	logger     hclog.Logger
	metrics    *metricsEmitter
	epochs     *EpochReclaimer

	mu sync.Mutex
}

// NewManager wires the five components together (plus the external
// collaborators from spec.md §6) into a Manager.
func NewManager(cfg *Config, translator Translator, oracle ProtectionOracle, arena HostArena, mem GuestMemory, logger hclog.Logger) *Manager {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Manager{
		cfg:        cfg,
		dispatch:   NewDispatchTable(),
		registry:   NewRegistry(),
		oracle:     oracle,
		arena:      arena,
		mem:        mem,
		translator: translator,
		logger:     logger.Named("dynablock"),
		metrics:    newMetricsEmitter(nil),
		epochs:     NewEpochReclaimer(),
	}
}

// requiredProtection mirrors the source's req_prot: on 4 KiB-page
// hosts a block must be readable and executable to dispatch into
// directly; on larger page sizes mixed RW/X pages are common enough
// that only read is required, and always_validate blocks pick up the
// slack with per-dispatch hashing.
func (m *Manager) requiredProtection() Protection {
	if m.cfg.PageSize == 4096 {
		return ProtExec | ProtRead
	}
	return ProtRead
}

// GetBlock returns the live, validated Block translating ga, or nil if
// none exists yet (create == false), none could be built (translator
// fault, allocation failure, lock contention), or ga currently falls in
// a hot-page suppression window.
func (m *Manager) GetBlock(ga GA, create, is32Bit bool) *Block {
	if m.oracle.IsInHotPage(ga) {
		m.logger.Trace("suppressing lookup in hot page", "ga", fmt.Sprintf("%#x", uint64(ga)), "error", ErrHotPage)
		m.metrics.invalidate(ErrHotPage.Error())
		return nil
	}
	b := m.internalGetBlock(ga, ga, create, true, is32Bit)
	if b == nil {
		m.metrics.miss()
		return nil
	}
	if m.needsRevalidate(b, ga) {
		b = m.validate(ga, ga, b, is32Bit, create)
	}
	if b == nil || !b.Ready() {
		m.metrics.miss()
		return nil
	}
	m.metrics.hit()
	return b
}

// needsRevalidate reports whether b must go through validate() before
// it can be handed back: the oracle flagged ga dirty, b carries
// AlwaysValidate (spec.md §4.3: re-hash on every dispatch, since
// write-protection can't be relied on to flip needs_test for this
// page), or b was marked by MarkBlock/MarkRange (registered, not
// retired, but left !Ready so the next get_block naturally
// re-validates it — spec.md §4.5). Sentinel blocks are excluded: they
// are deliberately never made ready and must not be re-translated on
// every lookup.
func (m *Manager) needsRevalidate(b *Block, ga GA) bool {
	if b.Retired() || b.Sentinel() {
		return false
	}
	return !b.Ready() || b.AlwaysValidate || m.oracle.NeedsTest(ga)
}

// GetAlternateBlock is identical to GetBlock except the Translator is
// told to fill starting at fillFrom rather than ga: used for entry
// points that share a prefix with an existing block. Unlike GetBlock it
// does not consult hot-page suppression, mirroring DBAlternateBlock in
// the source.
func (m *Manager) GetAlternateBlock(ga, fillFrom GA, is32Bit bool) *Block {
	b := m.internalGetBlock(ga, fillFrom, true, true, is32Bit)
	if b == nil {
		m.metrics.miss()
		return nil
	}
	if m.needsRevalidate(b, fillFrom) {
		b = m.validate(ga, fillFrom, b, is32Bit, true)
	}
	if b == nil || !b.Ready() {
		m.metrics.miss()
		return nil
	}
	m.metrics.hit()
	return b
}

// internalGetBlock is internalDBGetBlock from the source: fast-path
// lookup, then (if creating) re-check under the translation mutex and
// build a fresh Block on a genuine miss.
func (m *Manager) internalGetBlock(ga, fillFrom GA, create, needLock, is32Bit bool) *Block {
	if m.oracle.HasAlternate(ga) {
		return nil
	}
	reqProt := m.requiredProtection()

	if b, ok := m.registry.Get(ga); ok || !create {
		if ok && m.oracle.NeedsTest(ga) && !m.oracle.Protection(ga).Has(reqProt) {
			return nil
		}
		return b
	}

	locked := false
	if needLock {
		if m.cfg.DynarecWait {
			m.mu.Lock()
			locked = true
		} else if m.mu.TryLock() {
			locked = true
		} else {
			m.logger.Trace("translation mutex contended", "ga", fmt.Sprintf("%#x", uint64(ga)), "error", ErrLockContended)
			m.metrics.invalidate(ErrLockContended.Error())
			return nil
		}
		// Re-check now that we hold the mutex: another thread may have
		// published a block for ga while we were racing for the lock.
		if b, ok := m.registry.Get(ga); ok {
			if m.oracle.NeedsTest(ga) && !m.oracle.FastProtection(ga).Has(reqProt) {
				b = nil
			}
			m.mu.Unlock()
			return b
		}
	}

	if !m.oracle.FastProtection(ga).Has(reqProt) {
		if locked {
			m.mu.Unlock()
		}
		return nil
	}

	built, err := m.buildBlock(ga, fillFrom, ga != fillFrom, is32Bit)
	if err != nil {
		if locked {
			m.mu.Unlock()
		}
		return nil
	}

	if !m.dispatch.PublishIfDefault(ga, built.NativeEntry) {
		// Another thread published first: our build is wasted, free it
		// and hand back the winner (P3: exactly one Translator
		// invocation is observed per winning build, but a loser may
		// still have run FillBlock — the race is over who *publishes*,
		// not who translates first).
		m.arena.FreeNative(built.NativeRegion)
		winner, _ := m.registry.Get(ga)
		if locked {
			m.mu.Unlock()
		}
		return winner
	}

	if !built.Sentinel() {
		built.markReady()
	}
	// A sentinel block (guest_size == 0) is still registered so repeat
	// lookups don't keep retranslating it, but is deliberately left
	// !Ready — the source's comment is "don't validate the block if
	// the size is null, but keep the block".
	m.registry.Insert(built)
	m.metrics.liveBlocks(m.registry.Len())

	if locked {
		m.mu.Unlock()
	}
	return built
}

// buildBlock allocates a fresh Block and invokes the external
// Translator inside a recover()-guarded scope, standing in for the
// source's SIGSEGV/longjmp guard (SigSetJmp(dynarec_jmpbuf)) around
// native code generation: a translator fault never crashes the host
// process, it just yields "no block".
func (m *Manager) buildBlock(ga, fillFrom GA, isContinuation, is32Bit bool) (b *Block, err error) {
	b = NewBlock(ga)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("translator fault during fill, canceling", "ga", fmt.Sprintf("%#x", uint64(ga)), "recovered", r)
			if b.NativeRegion.Size > 0 {
				m.arena.FreeNative(b.NativeRegion)
			}
			b = nil
			err = ErrTranslatorFault
		}
	}()

	start := time.Now()
	ferr := m.translator.FillBlock(context.Background(), b, fillFrom, isContinuation, is32Bit, m.cfg.MaxInsts)
	m.metrics.translatorLatency(start)
	if ferr != nil {
		return nil, fmt.Errorf("%w: %v", ErrTranslatorFault, ferr)
	}
	if b.NativeRegion.Size > 0 {
		if eerr := m.arena.MakeExecutable(b.NativeRegion); eerr != nil {
			m.arena.FreeNative(b.NativeRegion)
			return nil, fmt.Errorf("%w: %v", ErrAllocFailed, eerr)
		}
	}
	return b, nil
}

// validate is the hash-check branch of DBGetBlock/DBAlternateBlock: it
// recomputes the content hash and either revalidates b in place or
// retires it and rebuilds, attaching the retired predecessor to the new
// block's Previous slot.
func (m *Manager) validate(ga, fillFrom GA, b *Block, is32Bit, create bool) *Block {
	if b.AlwaysValidate {
		runtime.Gosched() // back off instead of spinning on a thrashing page
	}

	holdingLock := m.mu.TryLock()
	needLock := !holdingLock
	if holdingLock {
		defer m.mu.Unlock()
	}

	hash := X31Hash(m.mem.ReadGuest(b.GuestRange()))
	if hash != b.Hash {
		m.logger.Debug("invalidating stale block", "ga", fmt.Sprintf("%#x", uint64(ga)), "want", b.Hash, "got", hash)
		m.metrics.invalidate("hash_mismatch")
		old := m.retireForRebuild(b, needLock)
		next := m.internalGetBlock(ga, fillFrom, create, needLock, is32Bit)
		if next != nil {
			if next.Previous != nil {
				m.freeRetired(next.Previous, needLock)
			}
			next.Previous = old
		} else {
			m.freeRetired(old, needLock)
		}
		return next
	}

	m.logger.Trace("validating block", "ga", fmt.Sprintf("%#x", uint64(ga)), "hash", b.Hash)
	b.markReady()
	if b.AlwaysValidate {
		m.oracle.ProtectDB(b.GuestRange())
	} else {
		if len(b.CallReturnSites) > 0 {
			m.translator.PatchCallReturnSites(b.NativeRegion, b.CallReturnSites, StubLive)
			m.arena.ClearICache(b.NativeRegion)
		}
		m.oracle.ProtectDBJumpTable(b.GuestRange(), b.NativeEntry, b.NativeResume)
		// Republish the entry a MarkBlock/MarkRange reset left at
		// DefaultSentinel; a no-op when the slot still holds it.
		m.dispatch.PublishIfDefault(b.GuestStart, b.NativeEntry)
	}
	return b
}

// retireForRebuild runs the retire protocol (spec.md §4.5 step 6,
// §4.5's "Retire protocol") on b and returns it, still owning its
// native memory, for the caller to thread onto a successor's Previous
// slot (or free immediately if no successor appears).
func (m *Manager) retireForRebuild(b *Block, needLock bool) *Block {
	m.retireLocked(b, needLock)
	return b
}

// retireLocked performs steps 1-5 of the retire protocol. It does not
// free native memory (step 6 is the caller's responsibility, via
// Previous-chaining or freeRetired).
func (m *Manager) retireLocked(b *Block, needLock bool) {
	if b == nil || b.Retired() {
		return
	}
	m.dispatch.Reset(b.GuestStart)
	if needLock {
		m.mu.Lock()
		defer m.mu.Unlock()
	}
	b.markStale()
	b.retired = true
	if len(b.CallReturnSites) > 0 {
		m.translator.PatchCallReturnSites(b.NativeRegion, b.CallReturnSites, StubTrap)
		m.arena.ClearICache(b.NativeRegion)
	}
	m.registry.Remove(b.GuestStart)
	m.registry.Untrack(b)
	m.metrics.liveBlocks(m.registry.Len())
}

// freeRetired frees a retired block's native memory immediately,
// recursively freeing anything still hanging off its Previous slot
// first (spec.md §4.6: "Freeing the new block frees its previous
// first"). It must only be called on a block that is already retired
// and that the caller can prove has no other live reference to it.
func (m *Manager) freeRetired(b *Block, needLock bool) {
	if b == nil || !b.Retired() {
		return
	}
	if needLock {
		m.mu.Lock()
		defer m.mu.Unlock()
	}
	if b.Previous != nil {
		m.freeRetired(b.Previous, false)
		b.Previous = nil
	}
	m.freeNativeRegion(b.NativeRegion)
}

func (m *Manager) freeNativeRegion(r Region) {
	switch m.cfg.Reclamation {
	case ReclaimEpoch:
		m.epochs.Retire(r, m.arena.FreeNative)
		m.metrics.pendingFrees(m.epochs.Pending())
	default:
		m.arena.FreeNative(r)
	}
}

// FreeBlock runs the full retire protocol on b and frees its native
// memory (and any Previous chain) once it has done so, mirroring
// FreeDynablock. Use this (not MarkBlock) when the caller can prove no
// thread may still be inside b, e.g. the block is being replaced by a
// freshly built successor.
func (m *Manager) FreeBlock(b *Block) {
	if b == nil || b.Retired() {
		return
	}
	m.retireLocked(b, true)
	m.mu.Lock()
	prev := b.Previous
	b.Previous = nil
	m.mu.Unlock()
	if prev != nil {
		m.freeRetired(prev, true)
	}
	m.freeNativeRegion(b.NativeRegion)
}

// MarkBlock keeps b registered but marks it not-ready, so the next
// GetBlock call naturally revalidates it (and either re-uses it, if the
// hash still matches, or retires and rebuilds it). This resolves the
// Open Question in spec.md §9 about mark_block's dangling-Previous
// case: MarkBlock never itself decides to retire-immediately, since
// deferring the decision to the next GetBlock is always safe (the
// Manager's own validate() already knows how to retire-and-rebuild) —
// "retire-immediate if safe, otherwise defer" collapses to "always
// defer" once GetBlock's hash check is the single source of truth.
func (m *Manager) MarkBlock(b *Block) {
	if b == nil || b.Retired() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markLocked(b)
}

func (m *Manager) markLocked(b *Block) {
	m.dispatch.Reset(b.GuestStart)
	b.markStale()
	if len(b.CallReturnSites) > 0 {
		m.translator.PatchCallReturnSites(b.NativeRegion, b.CallReturnSites, StubTrap)
		m.arena.ClearICache(b.NativeRegion)
	}
}

// MarkRange marks every live block intersecting r (spec.md §4.5
// mark_range): kept in the Registry, but forced through revalidation on
// next access.
func (m *Manager) MarkRange(r Range) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.intersecting(r) {
		m.markLocked(b)
	}
}

// FreeRange runs the full retire protocol on every live block
// intersecting r (spec.md §4.5 free_range). Grounded on
// FreeRangeDynablock/munmap-time invalidation: the caller's contract is
// that guest threads are already serialized with respect to r (e.g. a
// guest munmap/mprotect), so freeing immediately is safe even under the
// default previous-chain reclamation policy.
//
// Errors accumulate via github.com/hashicorp/go-multierror since
// freeing one block's region must not prevent the others in range from
// being freed too.
func (m *Manager) FreeRange(r Range) error {
	m.mu.Lock()
	blocks := m.intersecting(r)
	var result *multierror.Error
	for _, b := range blocks {
		if err := m.freeOneLocked(b); err != nil {
			result = multierror.Append(result, err)
		}
	}
	m.mu.Unlock()
	return result.ErrorOrNil()
}

func (m *Manager) freeOneLocked(b *Block) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("freeing block at %#x: %v", uint64(b.GuestStart), r)
		}
	}()
	if b.Retired() {
		return nil
	}
	m.retireLocked(b, false)
	if b.Previous != nil {
		m.freeRetired(b.Previous, false)
		b.Previous = nil
	}
	m.freeNativeRegion(b.NativeRegion)
	return nil
}

func (m *Manager) intersecting(r Range) []*Block {
	var out []*Block
	m.registry.Range(func(b *Block) {
		if !b.Retired() && b.GuestRange().Intersects(r) {
			out = append(out, b)
		}
	})
	return out
}

// Registry exposes the underlying Block Registry, mainly for tests
// asserting on I1-I5.
func (m *Manager) Registry() *Registry { return m.registry }

// Dispatch exposes the underlying Dispatch Table, mainly for tests.
func (m *Manager) Dispatch() *DispatchTable { return m.dispatch }
