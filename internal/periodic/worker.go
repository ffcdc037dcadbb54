package periodic

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	logx "periodicd/pkg/logx"
)

// outcome of one invocation, as reported in metrics and events.
const (
	outcomeOK      = "ok"
	outcomeFailed  = "failed"
	outcomeStopped = "stopped"
)

func (s *Scheduler) spawnWorker(p *pool, i int) {
	name := fmt.Sprintf("periodic.worker.%d.%d", p.gen, i)
	p.sup.Go(name, func(ctx context.Context) error {
		s.live.Add(1)
		defer s.live.Add(-1)
		s.workerLoop(ctx, name)
		return nil
	})
}

func (s *Scheduler) workerLoop(ctx context.Context, name string) {
	log := s.log.With(logx.String("worker", name))
	log.Trace("worker started")

	for {
		e, err := s.queue.take(ctx)
		if err != nil {
			if errors.Is(err, ErrStopped) {
				log.Trace("worker exited")
			} else {
				log.Debug("worker exited", logx.Err(err))
			}
			return
		}
		if e.isCancelled() {
			s.dropped(e, "cancelled")
			continue
		}

		s.mu.Lock()
		if e.isCancelled() {
			s.mu.Unlock()
			s.dropped(e, "cancelled")
			continue
		}
		s.executing[e.client] = e
		s.mu.Unlock()

		cont := s.invoke(e)
		s.finish(e, cont)
	}
}

// invoke runs one cycle of e and sets its next due time. It reports whether
// the client asked to keep going; failures always count as continue.
func (s *Scheduler) invoke(e *entry) bool {
	start := time.Now()
	lag := start.Sub(e.due)
	e.markStart(start)

	cont, err := callUpdate(e.client)
	done := time.Now()
	dur := done.Sub(start)

	interval, ierr := callInterval(e.client)
	if ierr != nil {
		// Keep the previous cadence when Interval itself blows up, but never
		// redispatch right away.
		interval = e.info().Interval
		if interval < s.opts.failureBackoff {
			interval = s.opts.failureBackoff
		}
		if err == nil {
			err = ierr
		}
	}
	if interval < 0 {
		interval = 0
	}
	e.markDone(dur, interval, done.Add(interval), err)

	outcome := outcomeOK
	if err != nil {
		cont = true
		outcome = outcomeFailed
		s.logFailure(e, err, dur)
	} else if !cont {
		outcome = outcomeStopped
	}
	s.met.observe(e.name, outcome, dur, lag)

	ev := ClientEvent{
		Scheduler: s.opts.name,
		Client:    e.name,
		Started:   start,
		Duration:  dur,
		Lag:       lag,
		Interval:  interval,
		Reason:    outcome,
		Panicked:  IsPanic(err),
	}
	if err != nil {
		ev.Error = err.Error()
		s.publish(EventFailed, ev)
	} else {
		s.publish(EventInvoked, ev)
	}
	return cont
}

// finish reinserts e or retires it. A parked successor is queued once the
// retiring entry is out of Update.
func (s *Scheduler) finish(e *entry, cont bool) {
	s.mu.Lock()
	if s.executing[e.client] == e {
		delete(s.executing, e.client)
	}
	if !e.isCancelled() && cont {
		s.queue.put(e)
		s.mu.Unlock()
		return
	}

	reason := "cancelled"
	var stopped *pool
	if !e.isCancelled() {
		reason = "completed"
		e.cancel()
		if s.active[e.client] == e {
			delete(s.active, e.client)
			stopped = s.stopPoolIfIdleLocked()
		}
	}
	if next := e.successor; next != nil {
		e.successor = nil
		if !next.isCancelled() {
			s.queue.put(next)
		}
	}
	s.mu.Unlock()

	s.dropped(e, reason)
	if stopped != nil {
		s.announcePoolStop(stopped)
	}
}

func (s *Scheduler) dropped(e *entry, reason string) {
	s.log.Debug("entry dropped", logx.String("client", e.name), logx.String("reason", reason))
	s.publish(EventDropped, ClientEvent{Scheduler: s.opts.name, Client: e.name, Reason: reason})
}

func (s *Scheduler) logFailure(e *entry, err error, dur time.Duration) {
	if !e.failLog.Allow() {
		e.suppressed++
		return
	}
	fields := []logx.Field{
		logx.String("client", e.name),
		logx.Duration("took", dur),
		logx.Err(err),
	}
	if e.suppressed > 0 {
		fields = append(fields, logx.Int("suppressed", e.suppressed))
		e.suppressed = 0
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		fields = append(fields, logx.Stack(pe.Stack))
	}
	s.log.Warn("client invocation failed", fields...)
}

func callUpdate(c Client) (cont bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			cont = true
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return c.Update()
}

func callInterval(c Client) (d time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return c.Interval(), nil
}
