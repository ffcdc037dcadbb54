package clientkit

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"periodicd/internal/periodic"
)

var _ periodic.Client = (*Func)(nil)
var _ periodic.Named = (*Func)(nil)

func TestEveryRunsAndStops(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	f := Every("job", time.Second, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	if f.PeriodicName() != "job" || f.Interval() != time.Second {
		t.Fatalf("name=%q interval=%v", f.PeriodicName(), f.Interval())
	}

	cont, err := f.Update()
	if !cont || err != nil {
		t.Fatalf("Update = %v, %v", cont, err)
	}
	f.SetInterval(5 * time.Second)
	if f.Interval() != 5*time.Second {
		t.Fatalf("Interval after SetInterval = %v", f.Interval())
	}

	f.Stop()
	cont, _ = f.Update()
	if cont {
		t.Fatal("Update after Stop should end the registration")
	}
	if calls.Load() != 1 {
		t.Fatalf("fn called %d times, want 1", calls.Load())
	}
}

func TestMaxRuns(t *testing.T) {
	t.Parallel()
	f := Every("limited", time.Millisecond, func(context.Context) error { return nil }, WithMaxRuns(2))
	if cont, _ := f.Update(); !cont {
		t.Fatal("first run ended the registration")
	}
	if cont, _ := f.Update(); cont {
		t.Fatal("last allowed run should end the registration")
	}
	if f.Runs() != 2 {
		t.Fatalf("Runs = %d", f.Runs())
	}
}

func TestErrorsAreReportedAndOptionallyStop(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	f := Every("bad", time.Millisecond, func(context.Context) error { return boom }, WithStopOnError(true))

	cont, err := f.Update()
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
	if !cont {
		t.Fatal("a failing cycle must not end the registration by itself")
	}
	if !f.Stopped() {
		t.Fatal("WithStopOnError did not stop the client")
	}
	if cont, _ := f.Update(); cont {
		t.Fatal("stopped client kept running")
	}
}

func TestTimeoutReachesFunc(t *testing.T) {
	t.Parallel()
	f := Every("slow", time.Second, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithTimeout(20*time.Millisecond))

	_, err := f.Update()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestCronFuncSkipsRegistrationCycle(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	base := time.Date(2024, 1, 1, 10, 0, 30, 0, time.UTC)
	f, err := FromSchedule("tick", "* * * * *", func(context.Context) error {
		calls.Add(1)
		return nil
	}, withClock(func() time.Time { return base }))
	if err != nil {
		t.Fatalf("FromSchedule: %v", err)
	}

	if got := f.Interval(); got != 30*time.Second {
		t.Fatalf("Interval = %v, want 30s until next minute", got)
	}
	if cont, err := f.Update(); !cont || err != nil || calls.Load() != 0 {
		t.Fatalf("priming Update = %v, %v (calls %d)", cont, err, calls.Load())
	}
	if _, err := f.Update(); err != nil || calls.Load() != 1 {
		t.Fatalf("second Update err=%v calls=%d", err, calls.Load())
	}
}

func TestFromScheduleErrors(t *testing.T) {
	t.Parallel()
	if _, err := FromSchedule("x", "bogus", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := FromSchedule("x", "1s", nil); err == nil {
		t.Fatal("expected nil func error")
	}
}

func TestFuncUnderScheduler(t *testing.T) {
	t.Parallel()
	s := periodic.New()
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	done := make(chan struct{})
	f := Every("three", 5*time.Millisecond, func(context.Context) error { return nil }, WithMaxRuns(3))
	go func() {
		for s.Registered(f) || f.Runs() == 0 {
			time.Sleep(2 * time.Millisecond)
		}
		close(done)
	}()
	s.Register(f)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not self-terminate")
	}
	if f.Runs() != 3 {
		t.Fatalf("Runs = %d, want 3", f.Runs())
	}
}
