package periodic

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// entry is the scheduler's record for one registration of a client.
//
// due is written only by the worker holding the entry (never while queued) and
// read by the heap under the queue lock. cancelled flips false->true once.
type entry struct {
	client Client
	name   string
	seq    uint64

	due   time.Time
	index int // heap position, -1 when not queued

	cancelled atomic.Bool

	// successor is a re-registration of the same client parked until this
	// (retiring) entry's in-flight Update returns. Guarded by Scheduler.mu.
	successor *entry

	// failLog throttles failure logs; suppressed counts what it held back.
	// Touched only by the worker holding the entry.
	failLog    *rate.Limiter
	suppressed int

	mu    sync.Mutex
	stats entryStats
}

type entryStats struct {
	interval     time.Duration
	runs         uint64
	failures     uint64
	lastStart    time.Time
	lastDuration time.Duration
	lastError    string
	executing    bool
}

func newEntry(c Client, name string, seq uint64, now time.Time, failLogEvery time.Duration) *entry {
	e := &entry{
		client:  c,
		name:    name,
		seq:     seq,
		due:     now,
		index:   -1,
		failLog: rate.NewLimiter(rate.Every(failLogEvery), 1),
	}
	return e
}

// cancel marks the entry defunct. It reports whether this call flipped the flag.
func (e *entry) cancel() bool { return e.cancelled.CompareAndSwap(false, true) }

func (e *entry) isCancelled() bool { return e.cancelled.Load() }

func (e *entry) markStart(at time.Time) {
	e.mu.Lock()
	e.stats.executing = true
	e.stats.lastStart = at
	e.mu.Unlock()
}

func (e *entry) markDone(dur, interval time.Duration, next time.Time, err error) {
	e.mu.Lock()
	e.stats.executing = false
	e.stats.runs++
	e.stats.lastDuration = dur
	e.stats.interval = interval
	if err != nil {
		e.stats.failures++
		e.stats.lastError = err.Error()
	}
	e.due = next
	e.mu.Unlock()
}

func (e *entry) info() ClientInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ClientInfo{
		Name:         e.name,
		Interval:     e.stats.interval,
		NextDue:      e.due,
		Runs:         e.stats.runs,
		Failures:     e.stats.failures,
		LastStart:    e.stats.lastStart,
		LastDuration: e.stats.lastDuration,
		LastError:    e.stats.lastError,
		Executing:    e.stats.executing,
	}
}
