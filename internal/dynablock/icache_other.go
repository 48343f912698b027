//go:build !arm64

package dynablock

// clearICache is a no-op on hosts other than arm64, where instruction
// and data caches are coherent (or, for the purposes of running the
// cache's tests on a development machine, where no real native code is
// ever actually executed). The production target is arm64 — see
// icache_arm64.go/.s.
func clearICache(r Region) {}
