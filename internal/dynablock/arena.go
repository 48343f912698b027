package dynablock

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Arena is the default Native Code Arena (spec.md §4.1): it allocates
// aligned, initially-writeable host pages from a private anonymous
// mapping and transitions them to executable before first entry,
// exactly mirroring box64's AllocDynarecMap/FreeDynarecMap pair from
// the external custommem collaborator named in spec.md §1's "Out of
// scope" list. It is shipped here because the cache must own something
// concrete to exercise the HostArena contract end to end; a real
// integration replaces it with the translator's own page pool.
//
// Arena is safe for concurrent use. Live regions are tracked in a map
// from base address to mapped length; FreeNative unmaps a region at
// once, after which the OS may hand the same address range back out to
// a later AllocNative.
type Arena struct {
	mu        sync.Mutex
	allocated map[uintptr]int // base -> length, pages currently live
}

// NewArena constructs an empty Arena.
func NewArena() *Arena {
	return &Arena{allocated: make(map[uintptr]int)}
}

// AllocNative maps a fresh, page-aligned, read-write region of at
// least bytes length. The caller (the Translator, via the Manager) is
// expected to fill it and then the Manager calls MakeExecutable before
// first entry, per spec.md §4.1's "writeable during fill-in,
// transitioned to executable before first entry" requirement.
func (a *Arena) AllocNative(bytes uint32) (Region, error) {
	if bytes == 0 {
		return Region{}, nil
	}
	length := alignUp(int(bytes), pageSize)
	addr, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return Region{}, fmt.Errorf("%w: %v", ErrAllocFailed, err)
	}
	base := uintptr(unsafe.Pointer(&addr[0]))
	a.mu.Lock()
	a.allocated[base] = length
	a.mu.Unlock()
	return Region{Base: NativeAddr(base), Size: uint32(length)}, nil
}

// MakeExecutable flips r from read-write to read-execute. On hosts
// with 4 KiB pages that support mixed RW/X this step is what the
// Manager runs right before publishing a freshly-filled block.
func (a *Arena) MakeExecutable(r Region) error {
	if r.Size == 0 {
		return nil
	}
	b := pointerBytes(r)
	return unix.Mprotect(b, unix.PROT_READ|unix.PROT_EXEC)
}

// FreeNative releases r. Safe to call from any thread. The caller (the
// Manager) guarantees, via the deferred-free convention in §4.6, that
// no other thread still holds a live pointer into r when this is
// called.
func (a *Arena) FreeNative(r Region) {
	if r.Size == 0 {
		return
	}
	a.mu.Lock()
	length, ok := a.allocated[uintptr(r.Base)]
	if ok {
		delete(a.allocated, uintptr(r.Base))
	}
	a.mu.Unlock()
	if !ok {
		length = int(r.Size)
	}
	_ = unix.Munmap(pointerBytesLen(r.Base, length))
}

// ClearICache flushes the host instruction cache for r's range. This is
// mandatory on hosts with non-coherent I/D caches whenever native code
// is rewritten in place (call/return stub patching — see
// external.go's PatchCallReturnSites contract).
func (a *Arena) ClearICache(r Region) {
	clearICache(r)
}

const pageSize = 4096

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

func pointerBytes(r Region) []byte {
	return pointerBytesLen(r.Base, int(r.Size))
}

func pointerBytesLen(base NativeAddr, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(base))), length)
}
