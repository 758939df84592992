package hio

import (
	"container/heap"
	"time"
)

// timerTag identifies why a timerEntry was armed (spec §3 "Timer entry").
type timerTag int

const (
	timerTagReadDeadline timerTag = iota
	timerTagWriteDeadline
	timerTagUser
)

// timerEntry is one element of the L0 min-heap: an absolute deadline, a
// handler tag, and a back-pointer to the owning device or service
// (spec §3, §4.1). Ties are broken by insertion order (seq), matching the
// "ties broken by insertion order" requirement.
type timerEntry struct {
	deadline time.Time
	tag      timerTag
	owner    any // *Device or Service
	seq      uint64
	index    int // heap.Interface bookkeeping
	canceled bool
}

// timerHeap implements container/heap.Interface, the same approach gaio's
// watcher.go takes for its deadline queue (timedHeap) and
// joeycumines-go-utilpkg/eventloop takes for its timerHeap.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// clock owns the monotonic "now" cache and the timer heap (L0). "Now" is
// read once per reactor iteration per invariant (e) in spec §3.
type clock struct {
	heap    timerHeap
	nextSeq uint64
	cached  time.Time
}

func newClock() *clock {
	return &clock{heap: make(timerHeap, 0, 16)}
}

// now returns the cached "now" for the current iteration. refresh must be
// called once at the top of every loop iteration before now is consulted.
func (c *clock) now() time.Time { return c.cached }

func (c *clock) refresh() time.Time {
	c.cached = time.Now()
	return c.cached
}

// insert arms a new timer and returns a handle for update/cancel.
func (c *clock) insert(deadline time.Time, tag timerTag, owner any) *timerEntry {
	e := &timerEntry{deadline: deadline, tag: tag, owner: owner, seq: c.nextSeq}
	c.nextSeq++
	heap.Push(&c.heap, e)
	return e
}

// update re-deadlines an existing entry. Implemented as the spec requires:
// atomic with respect to pop_expired (no double-fire) because both run on
// the single reactor goroutine between pops.
func (c *clock) update(e *timerEntry, newDeadline time.Time) {
	if e == nil || e.canceled || e.index < 0 {
		return
	}
	e.deadline = newDeadline
	heap.Fix(&c.heap, e.index)
}

// cancel removes an entry from the heap. O(log n). Safe to call twice.
func (c *clock) cancel(e *timerEntry) {
	if e == nil || e.canceled || e.index < 0 {
		return
	}
	e.canceled = true
	heap.Remove(&c.heap, e.index)
}

// peekEarliest returns the next deadline, if any.
func (c *clock) peekEarliest() (time.Time, bool) {
	if len(c.heap) == 0 {
		return time.Time{}, false
	}
	return c.heap[0].deadline, true
}

// popExpired drains every timer with deadline <= now, invoking fn for
// each. Draining happens before the next readiness poll in the iteration,
// per spec §4.1, so handlers observe pre-I/O state.
func (c *clock) popExpired(now time.Time, fn func(tag timerTag, owner any)) {
	for len(c.heap) > 0 {
		top := c.heap[0]
		if top.deadline.After(now) {
			break
		}
		heap.Pop(&c.heap)
		if top.canceled {
			continue
		}
		fn(top.tag, top.owner)
	}
}

// timeoutFor computes max(0, earliest_deadline - now), capped at cap if
// cap > 0 (spec §4.5 step 3).
func (c *clock) timeoutFor(now time.Time, cap time.Duration) time.Duration {
	d, ok := c.peekEarliest()
	if !ok {
		if cap > 0 {
			return cap
		}
		return -1 // block indefinitely: no timers and no cap
	}
	until := d.Sub(now)
	if until < 0 {
		until = 0
	}
	if cap > 0 && until > cap {
		until = cap
	}
	return until
}
