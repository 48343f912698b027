package dynablock

import (
	"sync"

	"github.com/google/btree"
)

// sizeCount is one entry of the db_sizes ordered multiset: the number
// of live blocks currently holding GuestSize == Size.
type sizeCount struct {
	Size  uint32
	Count int
}

func sizeCountLess(a, b sizeCount) bool { return a.Size < b.Size }

// Registry is the Block Registry (spec.md §4.4): the indexed container
// of every live translated block, keyed by guest_start, plus the
// aggregate db_sizes multiset used for bounded-range invalidation
// decisions.
//
// The primary index is a plain map guarded by the same mutex the
// Manager already holds for every Registry mutation (spec.md scopes
// Registry.insert to "under the global translation mutex"), so no
// concurrent map is needed — only the Dispatch Table's hot path needs
// lock-free reads. db_sizes is grounded on github.com/google/btree,
// which gives the "ordered multiset, O(log N) rightmost" the spec
// calls for natively via BTreeG.Max.
type Registry struct {
	mu      sync.Mutex
	blocks  map[GA]*Block
	sizes   *btree.BTreeG[sizeCount]
	maxSize uint32
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		blocks: make(map[GA]*Block),
		sizes:  btree.NewG(32, sizeCountLess),
	}
}

// Get returns the live block registered at ga, if any. Callers must
// hold the Manager's translation mutex, or tolerate a racy read, per
// spec.md §4.4's "O(log N) or better" contract (the Manager's mutex is
// the actual synchronization point, not this method).
func (r *Registry) Get(ga GA) (*Block, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blocks[ga]
	return b, ok
}

// Insert registers b. Called only by the Manager, under the global
// translation mutex. Increments db_sizes for nonzero, non-sentinel
// sizes (I5).
func (r *Registry) Insert(b *Block) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks[b.GuestStart] = b
	if !b.Sentinel() {
		r.trackSizeLocked(b.GuestSize)
	}
}

// Remove unregisters the block at ga, if any, returning it. It does
// not touch db_sizes — callers (the Manager's retire protocol) call
// Untrack explicitly exactly once per block to avoid the
// double-decrement named in spec.md §9's Open Questions.
func (r *Registry) Remove(ga GA) (*Block, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blocks[ga]
	if ok {
		delete(r.blocks, ga)
	}
	return b, ok
}

// Untrack removes b's GuestSize from db_sizes exactly once, recomputing
// max_block_size if necessary. It is idempotent: calling it twice for
// the same Block is a no-op on the second call.
func (r *Registry) Untrack(b *Block) {
	if b.sizeAccounted || b.Sentinel() {
		return
	}
	b.sizeAccounted = true
	r.mu.Lock()
	defer r.mu.Unlock()
	r.untrackSizeLocked(b.GuestSize)
}

func (r *Registry) trackSizeLocked(size uint32) {
	sc, _ := r.sizes.Get(sizeCount{Size: size})
	sc.Size = size
	sc.Count++
	r.sizes.ReplaceOrInsert(sc)
	if size > r.maxSize {
		r.maxSize = size
	}
}

func (r *Registry) untrackSizeLocked(size uint32) {
	sc, ok := r.sizes.Get(sizeCount{Size: size})
	if !ok {
		return
	}
	sc.Count--
	if sc.Count <= 0 {
		r.sizes.Delete(sizeCount{Size: size})
		if size >= r.maxSize {
			r.maxSize = r.rightmostLocked()
		}
	} else {
		r.sizes.ReplaceOrInsert(sc)
	}
}

func (r *Registry) rightmostLocked() uint32 {
	max, ok := r.sizes.Max()
	if !ok {
		return 0
	}
	return max.Size
}

// MaxBlockSize returns the current max_block_size: the largest
// GuestSize among live, tracked blocks, or 0 if none.
func (r *Registry) MaxBlockSize() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxSize
}

// Range calls fn for every currently registered block. fn must not
// mutate the Registry. Used by MarkRange/FreeRange to find blocks
// intersecting a guest range; a production Registry indexed by
// interval tree could do this faster, but a linear scan under the
// mutex matches the source's behavior (it walks the single global
// dynablock list) and keeps Registry's shape simple.
func (r *Registry) Range(fn func(*Block)) {
	r.mu.Lock()
	blocks := make([]*Block, 0, len(r.blocks))
	for _, b := range r.blocks {
		blocks = append(blocks, b)
	}
	r.mu.Unlock()
	for _, b := range blocks {
		fn(b)
	}
}

// Len reports the number of live registered blocks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.blocks)
}
