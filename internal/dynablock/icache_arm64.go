//go:build arm64

package dynablock

// clearICache flushes the host instruction cache for r's range so a
// thread entering the block after a stub rewrite observes the new
// bytes. ARM64 has non-coherent I/D caches, so this is mandatory
// whenever native code is patched in place (see the call/return stub
// rewriting design note in cache.go).
func clearICache(r Region) {
	if r.Size == 0 {
		return
	}
	armClearCache(uintptr(r.Base), uintptr(r.Base)+uintptr(r.Size))
}

// armClearCache is implemented in icache_arm64.s.
func armClearCache(start, end uintptr)
