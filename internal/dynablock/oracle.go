package dynablock

import "sync"

// pageState is the per-guest-page metadata the oracle tracks.
type pageState struct {
	prot      Protection
	needsTest bool
	hasAlt    bool
}

// PageOracle is the default ProtectionOracle (spec.md §4.3). Real
// integrations replace it with one backed by the guest's actual page
// tables and a SIGSEGV write-fault handler; this implementation
// exposes NotifyWrite/MapExecutable entry points a test harness or a
// simplified run loop can call directly, since trapping real host
// write-faults is part of the host integration layer spec.md §1 places
// out of scope.
type PageOracle struct {
	pageShift uint

	mu    sync.Mutex
	pages map[GA]*pageState
	hot   *HotPages
}

// NewPageOracle returns a PageOracle with the given page size (must be
// a power of two; box64_pagesize per spec.md §6) and hot-page tracker.
func NewPageOracle(pageSize uint32, hot *HotPages) *PageOracle {
	shift := uint(0)
	for (uint32(1) << shift) < pageSize {
		shift++
	}
	return &PageOracle{
		pageShift: shift,
		pages:     make(map[GA]*pageState),
		hot:       hot,
	}
}

func (o *PageOracle) pageOf(ga GA) GA { return ga >> o.pageShift }

func (o *PageOracle) stateFor(page GA) *pageState {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.pages[page]
	if !ok {
		s = &pageState{prot: ProtRead | ProtExec}
		o.pages[page] = s
	}
	return s
}

// MapExecutable marks ga's page as present and executable, as the
// guest OS would after mmap(PROT_EXEC) of the code being emulated.
func (o *PageOracle) MapExecutable(ga GA) {
	page := o.pageOf(ga)
	o.mu.Lock()
	o.pages[page] = &pageState{prot: ProtRead | ProtExec}
	o.mu.Unlock()
}

// NotifyWrite records that ga's page was written to: the next
// dispatch will require revalidation. Grounded on the source's
// write-fault handler flipping needs_test back on after
// protect_dbjumptable write-protected the page.
func (o *PageOracle) NotifyWrite(ga GA) {
	s := o.stateFor(o.pageOf(ga))
	o.mu.Lock()
	s.needsTest = true
	o.mu.Unlock()
	if o.hot != nil {
		o.hot.RecordInvalidation(o.pageOf(ga))
	}
}

func (o *PageOracle) Protection(page GA) Protection {
	return o.stateFor(o.pageOf(page)).prot
}

func (o *PageOracle) FastProtection(page GA) Protection {
	return o.Protection(page)
}

func (o *PageOracle) NeedsTest(page GA) bool {
	s := o.stateFor(o.pageOf(page))
	o.mu.Lock()
	defer o.mu.Unlock()
	return s.needsTest
}

// ProtectDB is the always_validate counterpart to ProtectDBJumpTable:
// used where write-protection at the host page level can't cleanly
// drive a jump-table flip (e.g. mixed RW/X pages at large page sizes),
// so the Manager re-hashes the block on every dispatch instead of
// relying on a write-fault to flip needs_test back on (spec.md §4.3).
// Deliberately does NOT clear needsTest: an always_validate block's
// repeat-hashing is driven by Block.AlwaysValidate in the Manager, not
// by this oracle's needsTest bookkeeping, and clearing it here would
// let a stale hot page ride with Protection() answering for a page
// that is never actually revisited by a write-fault.
func (o *PageOracle) ProtectDB(r Range) {}

// ProtectDBJumpTable marks r validated and write-protects it; entry
// and resume identify which Dispatch Table addresses the (simulated)
// write-fault trap handler should flip to resume-mode on the next
// write. This implementation has no real page-fault trap to wire
// entry/resume into (that belongs to the host integration layer), so
// it records the clean state and relies on NotifyWrite to be called by
// the run loop whenever a guest store aliases a validated page.
func (o *PageOracle) ProtectDBJumpTable(r Range, entry, resume NativeAddr) {
	o.clearNeedsTest(r)
}

func (o *PageOracle) clearNeedsTest(r Range) {
	start, end := o.pageOf(r.Start), o.pageOf(r.End-1)
	o.mu.Lock()
	defer o.mu.Unlock()
	for p := start; p <= end; p++ {
		s, ok := o.pages[p]
		if !ok {
			s = &pageState{prot: ProtRead | ProtExec}
			o.pages[p] = s
		}
		s.needsTest = false
	}
}

func (o *PageOracle) IsInHotPage(ga GA) bool {
	if o.hot == nil {
		return false
	}
	return o.hot.IsHot(o.pageOf(ga))
}

func (o *PageOracle) SetAlternate(ga GA, has bool) {
	s := o.stateFor(o.pageOf(ga))
	o.mu.Lock()
	s.hasAlt = has
	o.mu.Unlock()
}

func (o *PageOracle) HasAlternate(ga GA) bool {
	return o.stateFor(o.pageOf(ga)).hasAlt
}
