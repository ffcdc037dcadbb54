// Package clientkit builds periodic clients from plain functions.
package clientkit

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Func adapts fn to periodic.Client.
//
// Interval-based Funcs run on registration and then every interval after
// each completion. Cron-based Funcs skip the registration cycle and then run
// at the schedule's next activation after each completion.
type Func struct {
	name string
	fn   func(ctx context.Context) error
	cron cron.Schedule

	useCron atomic.Bool
	every   atomic.Int64
	runs    atomic.Uint64
	stopped atomic.Bool
	primed  atomic.Bool

	timeout     time.Duration
	maxRuns     uint64
	stopOnError bool
	ctx         context.Context
	now         func() time.Time
}

type Option func(*Func)

// WithTimeout bounds each call of fn through its context.
func WithTimeout(d time.Duration) Option { return func(f *Func) { f.timeout = d } }

// WithMaxRuns stops the client after n calls of fn. Zero means unlimited.
func WithMaxRuns(n uint64) Option { return func(f *Func) { f.maxRuns = n } }

// WithStopOnError stops the client after the first failed call. The failure
// is still reported to the scheduler.
func WithStopOnError(enabled bool) Option { return func(f *Func) { f.stopOnError = enabled } }

// WithContext sets the parent context handed to fn.
func WithContext(ctx context.Context) Option { return func(f *Func) { f.ctx = ctx } }

func withClock(now func() time.Time) Option { return func(f *Func) { f.now = now } }

// Every returns a client running fn at a fixed interval.
func Every(name string, interval time.Duration, fn func(ctx context.Context) error, opts ...Option) *Func {
	f := newFunc(name, fn, opts)
	f.every.Store(int64(interval))
	return f
}

// FromSchedule returns a client for a schedule string (see ParseSchedule).
func FromSchedule(name, schedule string, fn func(ctx context.Context) error, opts ...Option) (*Func, error) {
	if fn == nil {
		return nil, fmt.Errorf("client %q: nil func", name)
	}
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, fmt.Errorf("client %q: %w", name, err)
	}
	f := newFunc(name, fn, opts)
	switch sched.Kind {
	case KindCron:
		f.cron = sched.Cron
		f.useCron.Store(true)
	default:
		f.every.Store(int64(sched.Every))
	}
	return f, nil
}

func newFunc(name string, fn func(ctx context.Context) error, opts []Option) *Func {
	f := &Func{
		name: strings.TrimSpace(name),
		fn:   fn,
		ctx:  context.Background(),
		now:  time.Now,
	}
	for _, o := range opts {
		o(f)
	}
	if f.ctx == nil {
		f.ctx = context.Background()
	}
	return f
}

func (f *Func) PeriodicName() string { return f.name }

func (f *Func) Interval() time.Duration {
	if f.useCron.Load() {
		now := f.now()
		if d := f.cron.Next(now).Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return time.Duration(f.every.Load())
}

// SetInterval changes the cadence from the next cycle on. It turns a
// cron-based Func into an interval one.
func (f *Func) SetInterval(d time.Duration) {
	f.every.Store(int64(d))
	f.useCron.Store(false)
}

// Stop makes the next Update end the registration.
func (f *Func) Stop() { f.stopped.Store(true) }

func (f *Func) Stopped() bool { return f.stopped.Load() }

// Runs counts calls of fn.
func (f *Func) Runs() uint64 { return f.runs.Load() }

func (f *Func) Update() (bool, error) {
	if f.stopped.Load() {
		return false, nil
	}
	if f.useCron.Load() && f.primed.CompareAndSwap(false, true) {
		return true, nil
	}
	if f.fn == nil {
		return false, nil
	}

	ctx := f.ctx
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	err := f.fn(ctx)
	n := f.runs.Add(1)

	if f.maxRuns > 0 && n >= f.maxRuns {
		f.stopped.Store(true)
	}
	if err != nil {
		if f.stopOnError {
			f.stopped.Store(true)
		}
		// Failures keep the client scheduled; Stop takes effect next cycle.
		return true, fmt.Errorf("%s: %w", f.name, err)
	}
	return !f.stopped.Load(), nil
}
