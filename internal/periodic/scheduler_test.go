package periodic

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"periodicd/internal/eventbus"
	logx "periodicd/pkg/logx"
)

// recClient is a test client that records every invocation.
type recClient struct {
	name string

	mu       sync.Mutex
	interval time.Duration
	starts   []time.Time
	ends     []time.Time

	running atomic.Int32
	overlap atomic.Bool

	// hook runs inside Update with the 1-based call number.
	hook func(n int) (bool, error)
}

func newRecClient(name string, interval time.Duration) *recClient {
	return &recClient{name: name, interval: interval}
}

func (p *recClient) PeriodicName() string { return p.name }

func (p *recClient) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

func (p *recClient) setInterval(d time.Duration) {
	p.mu.Lock()
	p.interval = d
	p.mu.Unlock()
}

func (p *recClient) Update() (bool, error) {
	if p.running.Add(1) > 1 {
		p.overlap.Store(true)
	}
	defer p.running.Add(-1)

	p.mu.Lock()
	p.starts = append(p.starts, time.Now())
	n := len(p.starts)
	hook := p.hook
	p.mu.Unlock()

	if hook != nil {
		// Record the end even when the hook panics.
		defer func() {
			p.mu.Lock()
			p.ends = append(p.ends, time.Now())
			p.mu.Unlock()
		}()
		return hook(n)
	}
	p.mu.Lock()
	p.ends = append(p.ends, time.Now())
	p.mu.Unlock()
	return true, nil
}

func (p *recClient) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.starts)
}

func (p *recClient) times() (starts, ends []time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Time(nil), p.starts...), append([]time.Time(nil), p.ends...)
}

// lockedBuffer is a goroutine-safe log sink.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestScheduler(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	s := New(opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	return s
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestIntervalBetweenCompletionAndNextStart(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)
	p := newRecClient("spacing", 40*time.Millisecond)
	p.hook = func(int) (bool, error) {
		time.Sleep(10 * time.Millisecond)
		return true, nil
	}
	s.Register(p)
	waitFor(t, 2*time.Second, "5 calls", func() bool { return p.calls() >= 5 })
	s.Unregister(p)

	starts, ends := p.times()
	for i := 1; i < len(starts) && i-1 < len(ends); i++ {
		if gap := starts[i].Sub(ends[i-1]); gap < 40*time.Millisecond {
			t.Fatalf("gap before call %d = %v, want >= 40ms", i+1, gap)
		}
	}
}

func TestIntervalIsReadFreshEachCycle(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)
	p := newRecClient("retune", 10*time.Millisecond)
	p.hook = func(n int) (bool, error) {
		if n == 2 {
			p.setInterval(150 * time.Millisecond)
		}
		return true, nil
	}
	s.Register(p)
	waitFor(t, 2*time.Second, "3 calls", func() bool { return p.calls() >= 3 })
	s.Unregister(p)

	starts, ends := p.times()
	if gap := starts[1].Sub(ends[0]); gap >= 150*time.Millisecond {
		t.Fatalf("new interval applied retroactively: gap %v", gap)
	}
	if gap := starts[2].Sub(ends[1]); gap < 150*time.Millisecond {
		t.Fatalf("gap after retune = %v, want >= 150ms", gap)
	}
}

func TestNoSelfOverlap(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, WithWorkers(4))
	p := newRecClient("busy", 0)
	p.hook = func(int) (bool, error) {
		time.Sleep(3 * time.Millisecond)
		return true, nil
	}
	s.Register(p)
	time.Sleep(150 * time.Millisecond)
	s.Unregister(p)

	if p.overlap.Load() {
		t.Fatal("client was invoked while a previous call was still running")
	}
	if p.calls() < 5 {
		t.Fatalf("calls = %d, expected the client to keep running", p.calls())
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)
	p := newRecClient("twice", 50*time.Millisecond)
	s.Register(p)
	s.Register(p)

	if n := s.Len(); n != 1 {
		t.Fatalf("Len = %d, want 1", n)
	}
	if n := len(s.Snapshot().Clients); n != 1 {
		t.Fatalf("snapshot clients = %d, want 1", n)
	}
	time.Sleep(120 * time.Millisecond)
	// One entry: at most calls at ~0, ~50, ~100ms.
	if c := p.calls(); c > 3 {
		t.Fatalf("calls = %d, duplicate registration created extra entries", c)
	}
}

func TestUnregisterQueuedClient(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)
	p := newRecClient("queued", 30*time.Millisecond)
	s.Register(p)
	waitFor(t, time.Second, "first call", func() bool { return p.calls() >= 1 })

	s.Unregister(p)
	before := p.calls()
	time.Sleep(120 * time.Millisecond)
	if after := p.calls(); after != before {
		t.Fatalf("calls went from %d to %d after unregister", before, after)
	}
	if s.Registered(p) {
		t.Fatal("client still registered")
	}
}

func TestUnregisterExecutingClient(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	p := newRecClient("inflight", 10*time.Millisecond)
	p.hook = func(n int) (bool, error) {
		if n == 1 {
			close(entered)
			<-release
		}
		return true, nil
	}
	s.Register(p)
	<-entered

	s.Unregister(p)
	close(release)
	time.Sleep(80 * time.Millisecond)
	if c := p.calls(); c != 1 {
		t.Fatalf("calls = %d, want the in-flight call only", c)
	}
}

func TestSelfTermination(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)
	p := newRecClient("twoshot", 5*time.Millisecond)
	p.hook = func(n int) (bool, error) { return n < 2, nil }
	s.Register(p)

	waitFor(t, time.Second, "self-termination", func() bool { return !s.Registered(p) })
	time.Sleep(50 * time.Millisecond)
	if c := p.calls(); c != 2 {
		t.Fatalf("calls = %d, want 2", c)
	}
	waitFor(t, time.Second, "pool stop", func() bool { return !s.Running() && s.LiveWorkers() == 0 })
}

func TestPoolLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, WithWorkers(3))
	if s.Running() || s.LiveWorkers() != 0 {
		t.Fatal("pool running before any registration")
	}

	a := newRecClient("a", 20*time.Millisecond)
	b := newRecClient("b", 20*time.Millisecond)
	s.Register(a)
	if !s.Running() {
		t.Fatal("pool not running after first registration")
	}
	waitFor(t, time.Second, "3 live workers", func() bool { return s.LiveWorkers() == 3 })
	s.Register(b)
	if g := s.Snapshot().Generation; g != 1 {
		t.Fatalf("generation = %d, want 1", g)
	}

	s.Unregister(a)
	if !s.Running() {
		t.Fatal("pool stopped while a client is still active")
	}
	s.Unregister(b)
	if s.Running() {
		t.Fatal("pool still running with no clients")
	}
	waitFor(t, time.Second, "workers to exit", func() bool { return s.LiveWorkers() == 0 })

	s.Register(a)
	if !s.Running() {
		t.Fatal("pool not restarted")
	}
	if g := s.Snapshot().Generation; g != 2 {
		t.Fatalf("generation = %d, want 2", g)
	}
	before := a.calls()
	waitFor(t, time.Second, "restarted pool to dispatch", func() bool { return a.calls() > before })
}

// Two clients at 500ms and 900ms observed for about two seconds.
func TestTwoClientsCadence(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)
	x := newRecClient("x", 500*time.Millisecond)
	y := newRecClient("y", 900*time.Millisecond)
	s.Register(x)
	s.Register(y)

	time.Sleep(1950 * time.Millisecond)
	cx, cy := x.calls(), y.calls()
	if cx < 3 || cx > 4 {
		t.Fatalf("x calls = %d, want 3..4", cx)
	}
	if cy < 2 || cy > 3 {
		t.Fatalf("y calls = %d, want 2..3", cy)
	}
}

func TestFailingClientIsRescheduled(t *testing.T) {
	t.Parallel()
	logs := &lockedBuffer{}
	s := newTestScheduler(t, WithLogger(logx.NewWriter(logs, "debug")))
	p := newRecClient("flaky", 60*time.Millisecond)
	p.hook = func(n int) (bool, error) {
		if n == 1 {
			return false, errors.New("boom")
		}
		return true, nil
	}

	s.Register(p)
	waitFor(t, time.Second, "second call", func() bool { return p.calls() >= 2 })

	starts, ends := p.times()
	if gap := starts[1].Sub(ends[0]); gap < 60*time.Millisecond {
		t.Fatalf("retry after %v, want >= interval", gap)
	}
	out := logs.String()
	if !strings.Contains(out, "client invocation failed") || !strings.Contains(out, "boom") {
		t.Fatalf("failure not logged: %s", out)
	}
	if !s.Registered(p) {
		t.Fatal("failing client was unregistered")
	}
	info := s.Snapshot().Clients[0]
	if info.Failures != 1 || info.LastError != "boom" {
		t.Fatalf("snapshot = %+v", info)
	}
}

func TestPanickingClientIsRecovered(t *testing.T) {
	t.Parallel()
	logs := &lockedBuffer{}
	s := newTestScheduler(t, WithLogger(logx.NewWriter(logs, "info")))
	p := newRecClient("panicky", 10*time.Millisecond)
	p.hook = func(n int) (bool, error) {
		if n == 1 {
			panic("kaboom")
		}
		return true, nil
	}

	s.Register(p)
	waitFor(t, time.Second, "call after panic", func() bool { return p.calls() >= 2 })
	if !strings.Contains(logs.String(), "kaboom") {
		t.Fatalf("panic not logged: %s", logs.String())
	}
	waitFor(t, time.Second, "both workers alive", func() bool { return s.LiveWorkers() == DefaultWorkers })
}

func TestFailureLogsAreThrottled(t *testing.T) {
	t.Parallel()
	logs := &lockedBuffer{}
	s := newTestScheduler(t,
		WithLogger(logx.NewWriter(logs, "info")),
		WithFailureLogEvery(time.Hour),
	)
	p := newRecClient("noisy", 0)
	p.hook = func(int) (bool, error) { return true, errors.New("again") }
	s.Register(p)
	waitFor(t, time.Second, "several failures", func() bool { return p.calls() >= 10 })
	s.Unregister(p)

	if n := strings.Count(logs.String(), "client invocation failed"); n != 1 {
		t.Fatalf("failure logged %d times, want 1", n)
	}
}

func TestUnregisterFromInsideUpdate(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)
	p := newRecClient("quitter", 10*time.Millisecond)
	p.hook = func(n int) (bool, error) {
		s.Unregister(p)
		return true, nil
	}
	s.Register(p)

	waitFor(t, time.Second, "first call", func() bool { return p.calls() >= 1 })
	time.Sleep(60 * time.Millisecond)
	if c := p.calls(); c != 1 {
		t.Fatalf("calls = %d, want 1", c)
	}
	if s.Registered(p) {
		t.Fatal("client still registered")
	}
	waitFor(t, time.Second, "pool stop", func() bool { return s.LiveWorkers() == 0 })
}

func TestKillSwitch(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)
	p := newRecClient("gated", 20*time.Millisecond)
	s.Register(p)
	waitFor(t, time.Second, "first call", func() bool { return p.calls() >= 1 })

	s.SetEnabled(false)
	if s.Enabled() {
		t.Fatal("Enabled() = true after disabling")
	}
	time.Sleep(10 * time.Millisecond)
	before := p.calls()
	time.Sleep(100 * time.Millisecond)
	if after := p.calls(); after != before {
		t.Fatalf("calls went from %d to %d while disabled", before, after)
	}
	if !s.Registered(p) || !s.Running() {
		t.Fatal("disabling changed registrations")
	}

	s.SetEnabled(true)
	// The entry is overdue, so it catches up right away.
	waitFor(t, 50*time.Millisecond, "catch-up call", func() bool { return p.calls() > before })
}

func TestReregisterWhileExecuting(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, WithWorkers(4))
	entered := make(chan struct{})
	release := make(chan struct{})
	p := newRecClient("churn", 5*time.Millisecond)
	p.hook = func(n int) (bool, error) {
		if n == 1 {
			close(entered)
			<-release
		}
		return true, nil
	}
	s.Register(p)
	<-entered

	s.Unregister(p)
	s.Register(p)
	if !s.Registered(p) {
		t.Fatal("re-registration not active")
	}
	time.Sleep(30 * time.Millisecond)
	if c := p.calls(); c != 1 {
		t.Fatalf("new entry dispatched while the old call was running (calls = %d)", c)
	}

	close(release)
	waitFor(t, time.Second, "successor to run", func() bool { return p.calls() >= 3 })
	if p.overlap.Load() {
		t.Fatal("client overlapped itself")
	}
	if n := len(s.Snapshot().Clients); n != 1 {
		t.Fatalf("snapshot clients = %d, want 1", n)
	}
}

type listClient []int

func (listClient) Interval() time.Duration { return time.Second }
func (listClient) Update() (bool, error)   { return true, nil }

func TestNonComparableClientRejected(t *testing.T) {
	t.Parallel()
	logs := &lockedBuffer{}
	s := newTestScheduler(t, WithLogger(logx.NewWriter(logs, "info")))
	s.Register(listClient{1})
	if s.Len() != 0 || s.Running() {
		t.Fatal("non-comparable client was registered")
	}
	if !strings.Contains(logs.String(), ErrNotComparable.Error()) {
		t.Fatalf("rejection not logged: %s", logs.String())
	}
	s.Unregister(listClient{1})
}

// boxClient is comparable by type; its dynamic value may not be.
type boxClient struct{ v any }

func (boxClient) Interval() time.Duration { return time.Millisecond }
func (boxClient) Update() (bool, error)   { return true, nil }

func TestUnhashableClientValueRejected(t *testing.T) {
	t.Parallel()
	logs := &lockedBuffer{}
	s := New(WithLogger(logx.NewWriter(logs, "info")))
	c := boxClient{v: []int{1}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Register(c)
		if s.Registered(c) {
			t.Error("unhashable client reported as registered")
		}
		s.Unregister(c)
		if s.Len() != 0 || s.Running() {
			t.Errorf("len=%d running=%v", s.Len(), s.Running())
		}
		if err := s.Stop(context.Background()); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler blocked after an unhashable client")
	}
	if !strings.Contains(logs.String(), ErrNotComparable.Error()) {
		t.Fatalf("rejection not logged: %s", logs.String())
	}

	// Hashable values of the same type still work.
	ok := boxClient{v: 1}
	s.Register(ok)
	if !s.Registered(ok) {
		t.Fatal("hashable box client not registered")
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// badIntervalClient panics every time its interval is read.
type badIntervalClient struct{ n atomic.Int32 }

func (c *badIntervalClient) Interval() time.Duration { panic("no interval") }
func (c *badIntervalClient) Update() (bool, error) {
	c.n.Add(1)
	return true, nil
}

func TestPanickingIntervalBacksOff(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()

	s := newTestScheduler(t, WithEventBus(bus), WithFailureBackoff(50*time.Millisecond))
	bad := &badIntervalClient{}
	good := newRecClient("good", 5*time.Millisecond)
	s.Register(bad)
	s.Register(good)

	time.Sleep(120 * time.Millisecond)
	if n := bad.n.Load(); n < 1 || n > 4 {
		t.Fatalf("calls in 120ms with a panicking Interval = %d, want 1..4", n)
	}
	if good.calls() < 5 {
		t.Fatalf("healthy client starved: %d calls", good.calls())
	}

	timeout := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type != EventFailed {
				continue
			}
			ce := ev.Data.(ClientEvent)
			if !ce.Panicked || ce.Interval != 50*time.Millisecond {
				t.Fatalf("failed event = %+v", ce)
			}
			return
		case <-timeout:
			t.Fatal("no failed event for the panicking Interval")
		}
	}
}

func TestStopRetryWaitsForUndrainedWorkers(t *testing.T) {
	t.Parallel()
	s := New()
	release := make(chan struct{})
	p := newRecClient("stuck", time.Hour)
	p.hook = func(int) (bool, error) {
		<-release
		return true, nil
	}
	s.Register(p)
	waitFor(t, time.Second, "update started", func() bool { return p.calls() >= 1 })

	short := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		return s.Stop(ctx)
	}
	if err := short(); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("first Stop = %v, want deadline exceeded", err)
	}
	if err := short(); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("retried Stop = %v while an update is still running", err)
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop after release: %v", err)
	}
	if s.LiveWorkers() != 0 {
		t.Fatalf("live workers after Stop = %d", s.LiveWorkers())
	}
}

func TestPoolStopCause(t *testing.T) {
	t.Parallel()
	logs := &lockedBuffer{}
	s := newTestScheduler(t, WithLogger(logx.NewWriter(logs, "trace")))
	p := newRecClient("c", time.Hour)
	s.Register(p)
	waitFor(t, time.Second, "first call", func() bool { return p.calls() >= 1 })

	s.mu.Lock()
	pl := s.pool
	s.mu.Unlock()
	s.Unregister(p)

	ctx := pl.sup.Context()
	<-ctx.Done()
	if err := context.Cause(ctx); !errors.Is(err, ErrStopped) {
		t.Fatalf("pool cause = %v, want ErrStopped", err)
	}

	s.Unregister(p)
	if !strings.Contains(logs.String(), ErrUnknownUnregistration.Error()) {
		t.Fatalf("unknown unregister not traced: %s", logs.String())
	}
}

func TestStopTearsDown(t *testing.T) {
	t.Parallel()
	s := New()
	for i := 0; i < 5; i++ {
		s.Register(newRecClient("p", 10*time.Millisecond))
	}
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Len() != 0 || s.Running() || s.LiveWorkers() != 0 {
		t.Fatalf("after Stop: len=%d running=%v live=%d", s.Len(), s.Running(), s.LiveWorkers())
	}

	p := newRecClient("again", 10*time.Millisecond)
	s.Register(p)
	waitFor(t, time.Second, "reuse after Stop", func() bool { return p.calls() >= 1 })
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestEventsPublished(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()

	s := newTestScheduler(t, WithEventBus(bus), WithName("ev"))
	p := newRecClient("one", time.Millisecond)
	p.hook = func(int) (bool, error) { return false, nil }
	s.Register(p)

	want := []string{EventRegistered, EventPoolStarted, EventInvoked, EventDropped, EventPoolStopped}
	got := map[string]bool{}
	timeout := time.After(time.Second)
	for len(got) < len(want) {
		select {
		case ev := <-ch:
			got[ev.Type] = true
			if ce, ok := ev.Data.(ClientEvent); ok && ce.Scheduler != "ev" {
				t.Fatalf("event scheduler = %q", ce.Scheduler)
			}
		case <-timeout:
			t.Fatalf("missing events, got %v", got)
		}
	}
	for _, typ := range want {
		if !got[typ] {
			t.Fatalf("event %s not published", typ)
		}
	}
}

func TestMetricsRegistered(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	s := newTestScheduler(t, WithMetrics(reg), WithName("m"))
	p := newRecClient("counted", 5*time.Millisecond)
	s.Register(p)
	waitFor(t, time.Second, "calls", func() bool { return p.calls() >= 2 })

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, n := range []string{
		"periodic_invocations_total",
		"periodic_invocation_duration_seconds",
		"periodic_dispatch_lag_seconds",
		"periodic_active_clients",
		"periodic_live_workers",
	} {
		if !names[n] {
			t.Fatalf("metric %s not gathered (have %v)", n, names)
		}
	}
}
