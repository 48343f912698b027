package dynablock

import (
	"context"
	"sync"
	"time"
)

// fakeGuestMemory is a minimal GuestMemory backed by a sparse byte map,
// letting tests simulate guest writes (SMC) by mutating individual
// bytes and observing the next hash check notice.
type fakeGuestMemory struct {
	mu    sync.Mutex
	bytes map[GA]byte
}

func newFakeGuestMemory() *fakeGuestMemory {
	return &fakeGuestMemory{bytes: make(map[GA]byte)}
}

func (m *fakeGuestMemory) ReadGuest(r Range) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, r.Size())
	for i := range out {
		out[i] = m.bytes[r.Start+GA(i)]
	}
	return out
}

func (m *fakeGuestMemory) WriteByte(ga GA, b byte) {
	m.mu.Lock()
	m.bytes[ga] = b
	m.mu.Unlock()
}

// fakeArena is a deterministic, allocation-counting HostArena standing
// in for the real mmap-backed Arena in tests, so assertions about
// exactly-once-free (P4) don't depend on real page allocation.
type fakeArena struct {
	mu       sync.Mutex
	next     uint64
	freed    map[NativeAddr]int
	freedLog []Region
}

func newFakeArena() *fakeArena {
	return &fakeArena{next: 0x10000, freed: make(map[NativeAddr]int)}
}

func (a *fakeArena) AllocNative(bytes uint32) (Region, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next += 0x1000
	return Region{Base: NativeAddr(a.next), Size: bytes}, nil
}

func (a *fakeArena) FreeNative(r Region) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freed[r.Base]++
	a.freedLog = append(a.freedLog, r)
}

func (a *fakeArena) ClearICache(r Region) {}

func (a *fakeArena) MakeExecutable(r Region) error { return nil }

func (a *fakeArena) freeCount(addr NativeAddr) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freed[addr]
}

// fakeTranslator is a deterministic Translator: it reads blockSize
// bytes of guest memory starting at fillFrom, hands out a fresh native
// region from arena, and hashes what it read. delay simulates a slow
// translation for race tests; segfaultAt simulates a host fault.
type fakeTranslator struct {
	arena     HostArena
	mem       *fakeGuestMemory
	blockSize uint32
	delay     time.Duration

	mu       sync.Mutex
	calls    int
	perAddr  map[GA]int
	segfault map[GA]bool
	patched  []patchCall
}

type patchCall struct {
	region Region
	state  StubState
}

func newFakeTranslator(arena HostArena, mem *fakeGuestMemory, blockSize uint32) *fakeTranslator {
	return &fakeTranslator{
		arena:     arena,
		mem:       mem,
		blockSize: blockSize,
		perAddr:   make(map[GA]int),
		segfault:  make(map[GA]bool),
	}
}

func (t *fakeTranslator) FillBlock(ctx context.Context, b *Block, fillFrom GA, isContinuation, is32Bit bool, maxInsts int) error {
	t.mu.Lock()
	t.calls++
	t.perAddr[fillFrom]++
	fault := t.segfault[fillFrom]
	t.mu.Unlock()

	if t.delay > 0 {
		time.Sleep(t.delay)
	}
	if fault {
		panic("fakeTranslator: simulated segfault during fill")
	}

	size := t.blockSize
	data := t.mem.ReadGuest(NewRange(fillFrom, size))
	region, err := t.arena.AllocNative(size)
	if err != nil {
		return err
	}
	b.NativeRegion = region
	b.NativeEntry = region.Base
	b.NativeResume = region.Base
	b.GuestSize = size
	b.Hash = X31Hash(data)
	return nil
}

func (t *fakeTranslator) PatchCallReturnSites(region Region, sites []CallReturnSite, state StubState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.patched = append(t.patched, patchCall{region: region, state: state})
}

func (t *fakeTranslator) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func (t *fakeTranslator) callsFor(ga GA) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.perAddr[ga]
}

func (t *fakeTranslator) setSegfault(ga GA, v bool) {
	t.mu.Lock()
	t.segfault[ga] = v
	t.mu.Unlock()
}

// testManager wires a Manager against fake collaborators for tests
// that don't need real host memory.
type testManager struct {
	*Manager
	Mem        *fakeGuestMemory
	Arena      *fakeArena
	Translator *fakeTranslator
	Oracle     *PageOracle
	hot        *HotPages
}

func newTestManagerOpts(blockSize uint32, opts ...Option) *testManager {
	mem := newFakeGuestMemory()
	arena := newFakeArena()
	tr := newFakeTranslator(arena, mem, blockSize)
	cfg := NewConfig(opts...)
	// Hot-page suppression is effectively disabled unless a test sets
	// its own threshold via WithHotPages.
	threshold, countWindow, hotWindow := 1_000_000, time.Hour, time.Hour
	if cfg.HotPageThreshold != NewConfig().HotPageThreshold {
		threshold, countWindow, hotWindow = cfg.HotPageThreshold, cfg.HotPageCountWindow, cfg.HotPageWindow
	}
	hot := NewHotPages(threshold, countWindow, hotWindow)
	oracle := NewPageOracle(4096, hot)
	mgr := NewManager(cfg, tr, oracle, arena, mem, nil)
	return &testManager{Manager: mgr, Mem: mem, Arena: arena, Translator: tr, Oracle: oracle, hot: hot}
}

func (tm *testManager) Close() { tm.hot.Close() }

// fillGuest writes n bytes of deterministic, distinguishable content
// starting at ga.
func fillGuest(mem *fakeGuestMemory, ga GA, n uint32, seed byte) {
	for i := uint32(0); i < n; i++ {
		mem.WriteByte(ga+GA(i), seed+byte(i))
	}
}
