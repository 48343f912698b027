// Package dynablock implements the dynamic-block cache: the subsystem
// that lazily translates contiguous runs of x86-64 guest instructions
// into native ARM64 code, publishes them through a guest-address to
// native-entry dispatch table, detects self-modifying guest code by
// content hashing, and safely invalidates, replaces and reclaims
// translated blocks under concurrent mutator threads.
//
// The package reconciles three adversarial forces: guest code may
// rewrite itself at any time, so translations are validated before
// reuse; multiple guest threads may concurrently execute, translate and
// invalidate overlapping ranges; and reclaiming a translation while
// another thread is still executing inside it would crash the host.
//
// The design mirrors box64's dynablock.c: a guarded jump table
// (DispatchTable), per-block content hashes (X31), a page-protection
// oracle (ProtectionOracle), and deferred reclamation via a per-block
// "previous" chain (or, optionally, epoch-based reclamation — see
// epoch.go).
package dynablock
