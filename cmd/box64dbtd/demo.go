package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/windroid-emu/box64dbt/internal/dynablock"
)

// demoGuestMemory is a flat in-process byte buffer standing in for a
// real guest address space: enough for the CLI to demonstrate hash
// invalidation without wiring an actual guest memory map, which is
// out of scope per SPEC_FULL.md's CLI harness note.
type demoGuestMemory struct {
	mu   sync.Mutex
	data map[dynablock.GA]byte
}

func newDemoGuestMemory() *demoGuestMemory {
	return &demoGuestMemory{data: make(map[dynablock.GA]byte)}
}

func (m *demoGuestMemory) ReadGuest(r dynablock.Range) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, r.Size())
	for i := range out {
		out[i] = m.data[r.Start+dynablock.GA(i)]
	}
	return out
}

func (m *demoGuestMemory) Poke(ga dynablock.GA, b byte) {
	m.mu.Lock()
	m.data[ga] = b
	m.mu.Unlock()
}

// demoTranslator is a deterministic stand-in for a real per-instruction
// translator: it treats the blockSize bytes starting at fillFrom as one
// block, allocates a blockSize native region for it and records the
// X31 hash of those guest bytes. It writes no code into the region.
// Good enough to exercise the cache's lifecycle end to end; not a real
// code generator.
type demoTranslator struct {
	arena     dynablock.HostArena
	mem       *demoGuestMemory
	blockSize uint32
}

func newDemoTranslator(arena dynablock.HostArena, mem *demoGuestMemory, blockSize uint32) *demoTranslator {
	return &demoTranslator{arena: arena, mem: mem, blockSize: blockSize}
}

func (t *demoTranslator) FillBlock(ctx context.Context, b *dynablock.Block, fillFrom dynablock.GA, isContinuation, is32Bit bool, maxInsts int) error {
	data := t.mem.ReadGuest(dynablock.NewRange(fillFrom, t.blockSize))
	region, err := t.arena.AllocNative(t.blockSize)
	if err != nil {
		return err
	}
	b.NativeRegion = region
	b.NativeEntry = region.Base
	b.NativeResume = region.Base
	b.GuestSize = t.blockSize
	b.Hash = dynablock.X31Hash(data)
	return nil
}

func (t *demoTranslator) PatchCallReturnSites(region dynablock.Region, sites []dynablock.CallReturnSite, state dynablock.StubState) {
}

// buildDemoManager wires a Manager the same way a real embedder would:
// real Arena, real PageOracle, a deterministic Translator, backed by an
// in-process guest memory buffer.
func buildDemoManager(blockSize uint32) (*dynablock.Manager, *demoGuestMemory, *dynablock.PageOracle) {
	mem := newDemoGuestMemory()
	arena := dynablock.NewArena()
	cfg := dynablock.NewConfig()
	cfg.ApplyEnviron()
	hot := dynablock.NewHotPages(cfg.HotPageThreshold, cfg.HotPageCountWindow, cfg.HotPageWindow)
	oracle := dynablock.NewPageOracle(4096, hot)
	translator := newDemoTranslator(arena, mem, blockSize)
	mgr := dynablock.NewManager(cfg, translator, oracle, arena, mem, nil)
	return mgr, mem, oracle
}

func formatBlock(b *dynablock.Block) string {
	if b == nil {
		return "<miss>"
	}
	return fmt.Sprintf("guest_start=%#x size=%d native_entry=%#x hash=%#x ready=%v",
		uint64(b.GuestStart), b.GuestSize, uintptr(b.NativeEntry), b.Hash, b.Ready())
}
