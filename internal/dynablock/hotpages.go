package dynablock

import (
	"sync"
	"time"

	"github.com/hashicorp/go-set/v3"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// HotPages implements the "hot page" suppression spec.md §4.5 step 1
// calls for: a short-lived window, after repeated invalidation of a
// guest page, during which the Manager declines to retranslate it at
// all, to avoid thrashing on code that mutates itself every few
// instructions (JIT trampolines, self-decrypting loaders).
//
// Grounded on two pack libraries: github.com/hashicorp/golang-lru/v2's
// expirable LRU tracks recent per-page invalidation counts with a
// natural TTL (no manual bookkeeping of "recent"), and
// github.com/hashicorp/go-set/v3 holds the small set of pages currently
// suppressed, since membership (not LRU recency) is all IsHot needs
// once a page has tripped the threshold.
type HotPages struct {
	threshold int
	hotWindow time.Duration

	counts *expirable.LRU[GA, int]

	mu       sync.Mutex
	hot      *set.Set[GA]
	hotUntil map[GA]time.Time

	stop    chan struct{}
	stopped sync.WaitGroup
}

// NewHotPages returns a HotPages tracker. threshold is the number of
// invalidations within countWindow that trips suppression; hotWindow is
// how long suppression then lasts. A background sweep goroutine evicts
// expired suppressions every hotWindow/4 (minimum 10ms); call Close to
// stop it.
func NewHotPages(threshold int, countWindow, hotWindow time.Duration) *HotPages {
	h := &HotPages{
		threshold: threshold,
		hotWindow: hotWindow,
		counts:    expirable.NewLRU[GA, int](4096, nil, countWindow),
		hot:       set.New[GA](8),
		hotUntil:  make(map[GA]time.Time),
		stop:      make(chan struct{}),
	}
	h.stopped.Add(1)
	go h.sweepLoop()
	return h
}

// RecordInvalidation notes that page was invalidated (a guest write hit
// a validated translation on it). Once threshold invalidations land
// inside countWindow, the page is suppressed for hotWindow.
func (h *HotPages) RecordInvalidation(page GA) {
	n, _ := h.counts.Get(page)
	n++
	h.counts.Add(page, n)
	if n < h.threshold {
		return
	}
	h.mu.Lock()
	h.hot.Insert(page)
	h.hotUntil[page] = time.Now().Add(h.hotWindow)
	h.mu.Unlock()
}

// IsHot reports whether page is currently suppressed.
func (h *HotPages) IsHot(page GA) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hot.Contains(page)
}

func (h *HotPages) sweepLoop() {
	defer h.stopped.Done()
	interval := h.hotWindow / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-h.stop:
			return
		case now := <-t.C:
			h.sweep(now)
		}
	}
}

func (h *HotPages) sweep(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for page, until := range h.hotUntil {
		if now.After(until) {
			delete(h.hotUntil, page)
			h.hot.Remove(page)
		}
	}
}

// Close stops the background sweep goroutine. Safe to call once.
func (h *HotPages) Close() {
	close(h.stop)
	h.stopped.Wait()
}
