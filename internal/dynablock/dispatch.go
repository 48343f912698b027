package dynablock

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	iradix "github.com/hashicorp/go-immutable-radix/v2"
)

// DefaultSentinel is the special native address meaning "no
// translation here; route back into the Manager's miss path". It is
// never a real entry point.
const DefaultSentinel NativeAddr = 0

// dispatchCell is the lock-free unit of mutation behind a single GA's
// slot. The radix tree itself is only ever restructured (a brand new
// key inserted) under the DispatchTable's own mutex; once a cell
// exists for a GA, lookup/publish_if_default/reset touch only the
// cell's atomic word, matching spec.md §4.2's "all lock-free" claim for
// the hot path.
type dispatchCell struct {
	entry atomic.Uint64
}

// DispatchTable is the sparse GA→native-entry mapping the run loop
// consults to find a translation for the next guest instruction
// (spec.md §4.2). It is grounded on
// github.com/hashicorp/go-immutable-radix/v2: guest addresses are
// sparse 64-bit keys, exactly the shape an immutable radix tree
// indexes, and its copy-on-write inserts mean a reader holding an old
// root snapshot never observes a half-built tree.
type DispatchTable struct {
	mu   sync.Mutex // guards structural inserts (new key) only
	root atomic.Pointer[iradix.Tree[*dispatchCell]]
}

// NewDispatchTable returns an empty DispatchTable.
func NewDispatchTable() *DispatchTable {
	d := &DispatchTable{}
	d.root.Store(iradix.New[*dispatchCell]())
	return d
}

func keyFor(ga GA) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(ga))
	return k[:]
}

// Lookup is a single-word atomic read. Returns DefaultSentinel if ga
// has never been published.
func (d *DispatchTable) Lookup(ga GA) NativeAddr {
	cell, ok := d.root.Load().Get(keyFor(ga))
	if !ok {
		return DefaultSentinel
	}
	return NativeAddr(cell.entry.Load())
}

// PublishIfDefault atomically sets ga's slot to entry, but only if it
// currently equals DefaultSentinel. Returns true if this call won the
// race (spec.md §4.2's "ensures at-most-one publisher").
func (d *DispatchTable) PublishIfDefault(ga GA, entry NativeAddr) bool {
	cell := d.cellFor(ga)
	return cell.entry.CompareAndSwap(uint64(DefaultSentinel), uint64(entry))
}

// Reset atomically stores DefaultSentinel into ga's slot without
// consulting the old value. Ensures no new thread can enter through
// this GA until a future publish.
func (d *DispatchTable) Reset(ga GA) {
	cell, ok := d.root.Load().Get(keyFor(ga))
	if !ok {
		return
	}
	cell.entry.Store(uint64(DefaultSentinel))
}

// cellFor returns the existing cell for ga, or structurally inserts a
// fresh zero-valued one under the mutex.
func (d *DispatchTable) cellFor(ga GA) *dispatchCell {
	key := keyFor(ga)
	if cell, ok := d.root.Load().Get(key); ok {
		return cell
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cur := d.root.Load()
	if cell, ok := cur.Get(key); ok {
		return cell
	}
	cell := &dispatchCell{}
	next, _, _ := cur.Insert(key, cell)
	d.root.Store(next)
	return cell
}
