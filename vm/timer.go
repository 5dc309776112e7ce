package vm

import (
	"container/heap"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Wake timers
// ---------------------------------------------------------------------------

type timerEntry struct {
	t     *Thread
	at    time.Time
	seq   uint64
	index int // position in the queue, -1 once fired or cancelled
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
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

// timerQueue orders wake timers by deadline, ties broken by arming order.
type timerQueue struct {
	mu  sync.Mutex
	h   timerHeap
	seq uint64
}

func (q *timerQueue) arm(t *Thread, at time.Time) *timerEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	e := &timerEntry{t: t, at: at, seq: q.seq}
	heap.Push(&q.h, e)
	return e
}

func (q *timerQueue) cancel(e *timerEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e.index >= 0 {
		heap.Remove(&q.h, e.index)
	}
}

// due removes and returns every entry whose deadline is not after now.
func (q *timerQueue) due(now time.Time) []*timerEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*timerEntry
	for len(q.h) > 0 && !q.h[0].at.After(now) {
		out = append(out, heap.Pop(&q.h).(*timerEntry))
	}
	return out
}

func (q *timerQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Tick expires every wake timer due at now. It is the entry point for the
// periodic timer interrupt; Start drives it from a ticker unless the VM was
// given its own clock.
func (vm *VM) Tick(now time.Time) int {
	entries := vm.timers.due(now)
	if len(entries) == 0 {
		return 0
	}
	woken := 0
	_ = vm.External(func() error {
		for _, e := range entries {
			if vm.wakeFromOutside(e.t, wakeTimedOut, e) {
				woken++
			}
		}
		return nil
	})
	return woken
}

func (vm *VM) now() time.Time {
	if vm.opts.Clock != nil {
		return vm.opts.Clock()
	}
	return time.Now()
}
