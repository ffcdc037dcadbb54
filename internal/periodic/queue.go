package periodic

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// dueQueue is a min-heap of entries keyed by due time.
//
// Workers block in take until the earliest due time elapses, a put changes the
// head, dispatch is re-enabled, or their context is cancelled. Waking is done by
// closing and replacing the wake channel, which acts as a broadcast that can be
// combined with a timer in a select.
type dueQueue struct {
	mu      sync.Mutex
	h       entryHeap
	wake    chan struct{}
	enabled bool
}

func newDueQueue() *dueQueue {
	return &dueQueue{wake: make(chan struct{}), enabled: true}
}

// broadcastLocked wakes every waiter. Call with q.mu held.
func (q *dueQueue) broadcastLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *dueQueue) put(e *entry) {
	q.mu.Lock()
	heap.Push(&q.h, e)
	// Only a new head can shorten anyone's wait.
	if e.index == 0 {
		q.broadcastLocked()
	}
	q.mu.Unlock()
}

// take blocks until an entry is due and removes it. Each entry is handed to
// exactly one caller. It returns context.Cause(ctx) once ctx is done.
func (q *dueQueue) take(ctx context.Context) (*entry, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}

		q.mu.Lock()
		wait := time.Duration(-1)
		if q.enabled && len(q.h) > 0 {
			head := q.h[0]
			wait = time.Until(head.due)
			if wait <= 0 {
				heap.Pop(&q.h)
				q.mu.Unlock()
				return head, nil
			}
		}
		wake := q.wake
		q.mu.Unlock()

		var timerC <-chan time.Time
		if wait > 0 {
			if timer == nil {
				timer = time.NewTimer(wait)
			} else {
				timer.Reset(wait)
			}
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-wake:
		case <-timerC:
		}
		if timer != nil && !timer.Stop() {
			// Drain so the next Reset starts clean (no-op on Go 1.23+ timers).
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// setEnabled gates dispatch without touching queued entries.
func (q *dueQueue) setEnabled(enabled bool) {
	q.mu.Lock()
	if q.enabled != enabled {
		q.enabled = enabled
		q.broadcastLocked()
	}
	q.mu.Unlock()
}

func (q *dueQueue) isEnabled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enabled
}

// purge drops every queued entry and returns how many were removed.
func (q *dueQueue) purge() int {
	q.mu.Lock()
	n := len(q.h)
	for _, e := range q.h {
		e.index = -1
	}
	q.h = nil
	q.mu.Unlock()
	return n
}

func (q *dueQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// entryHeap implements heap.Interface. Ties on due time keep insertion order.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
