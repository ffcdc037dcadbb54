package periodic

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"periodicd/internal/runtime/supervisor"
	logx "periodicd/pkg/logx"
)

// Scheduler runs registered clients on a small fixed pool of workers.
//
// The pool starts with the first registration and stops when the last client
// leaves; a later registration starts a fresh pool. Register, Unregister and
// SetEnabled never block on client work and may be called from any goroutine,
// including from inside a client's Update.
type Scheduler struct {
	opts options
	log  logx.Logger
	met  *metrics

	queue *dueQueue
	live  atomic.Int32
	seq   atomic.Uint64

	mu        sync.Mutex
	active    map[Client]*entry
	executing map[Client]*entry
	pool      *pool
	draining  []*supervisor.Supervisor
	gen       uint64
}

type pool struct {
	gen     uint64
	sup     *supervisor.Supervisor
	stop    context.CancelCauseFunc
	workers int
}

func New(opts ...Option) *Scheduler {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	o = o.withDefaults()

	s := &Scheduler{
		opts:      o,
		log:       o.log.With(logx.String("comp", "periodic"), logx.String("scheduler", o.name)),
		queue:     newDueQueue(),
		active:    map[Client]*entry{},
		executing: map[Client]*entry{},
	}
	s.met = newMetrics(o.registerer, s, s.log)
	return s
}

// Register begins periodic invocation of c. The first Update is due
// immediately. Registering an active client is a logged no-op.
func (s *Scheduler) Register(c Client) {
	if c == nil {
		return
	}
	if !comparableClient(c) {
		s.log.Error("register rejected", logx.String("client", clientName(c)), logx.Err(ErrNotComparable))
		return
	}
	name := clientName(c)

	s.mu.Lock()
	if _, ok := s.active[c]; ok {
		s.mu.Unlock()
		s.log.Debug("register ignored", logx.String("client", name), logx.Err(ErrDuplicateRegistration))
		return
	}
	e := newEntry(c, name, s.seq.Add(1), time.Now(), s.opts.failureLogEvery)
	s.active[c] = e
	parked := false
	if prev := s.executing[c]; prev != nil {
		// A retiring entry of the same client is still inside Update; queue
		// the new one only after it returns.
		prev.successor = e
		parked = true
	} else {
		s.queue.put(e)
	}
	started := s.startPoolLocked()
	s.mu.Unlock()

	s.log.Debug("client registered", logx.String("client", name), logx.Bool("parked", parked))
	s.publish(EventRegistered, ClientEvent{Scheduler: s.opts.name, Client: name})
	if started != nil {
		s.announcePoolStart(started)
	}
}

// Unregister stops periodic invocation of c. An Update already running is
// allowed to finish; no further cycle is dispatched. Unknown clients are
// ignored.
func (s *Scheduler) Unregister(c Client) {
	if c == nil || !comparableClient(c) {
		return
	}
	s.mu.Lock()
	e, ok := s.active[c]
	if !ok {
		s.mu.Unlock()
		s.log.Trace("unregister ignored", logx.String("client", clientName(c)), logx.Err(ErrUnknownUnregistration))
		return
	}
	delete(s.active, c)
	e.cancel()
	stopped := s.stopPoolIfIdleLocked()
	s.mu.Unlock()

	s.log.Debug("client unregistered", logx.String("client", e.name))
	s.publish(EventUnregistered, ClientEvent{Scheduler: s.opts.name, Client: e.name})
	if stopped != nil {
		s.announcePoolStop(stopped)
	}
}

// Registered reports whether c is currently active.
func (s *Scheduler) Registered(c Client) bool {
	if c == nil || !comparableClient(c) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[c]
	return ok
}

// Len returns the number of active clients.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Running reports whether a worker pool is started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool != nil
}

// LiveWorkers counts worker loops that have not exited yet, including loops
// of a stopped pool that are finishing an in-flight Update.
func (s *Scheduler) LiveWorkers() int { return int(s.live.Load()) }

// SetEnabled is the dispatch kill switch. While disabled no new Update starts;
// registrations and due times are kept, so re-enabling runs overdue clients
// right away.
func (s *Scheduler) SetEnabled(enabled bool) {
	if s.queue.isEnabled() == enabled {
		return
	}
	s.queue.setEnabled(enabled)
	s.log.Info("dispatch toggled", logx.Bool("enabled", enabled))
}

func (s *Scheduler) Enabled() bool { return s.queue.isEnabled() }

// Stop unregisters every client, stops the pool and waits for worker loops
// (including those of earlier pools) to exit or ctx to expire. The scheduler
// can be used again afterwards.
func (s *Scheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	n := len(s.active)
	for c, e := range s.active {
		e.cancel()
		delete(s.active, c)
	}
	stopped := s.stopPoolIfIdleLocked()
	draining := s.draining
	s.draining = nil
	s.mu.Unlock()

	if stopped != nil {
		s.announcePoolStop(stopped)
	}
	for i, sup := range draining {
		if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
			// Keep the undrained pools so a later Stop waits for them again.
			s.mu.Lock()
			s.draining = append(s.draining, draining[i:]...)
			s.mu.Unlock()
			s.log.Warn("stop timed out waiting for workers", logx.Int("live", s.LiveWorkers()), logx.Err(err))
			return err
		}
	}
	s.log.Info("scheduler stopped", logx.Int("unregistered", n))
	return nil
}

// startPoolLocked starts a pool if none is running. Call with s.mu held.
func (s *Scheduler) startPoolLocked() *pool {
	if s.pool != nil {
		return nil
	}
	s.gen++
	ctx, stop := context.WithCancelCause(s.opts.parent)
	p := &pool{
		gen:     s.gen,
		workers: s.opts.workers,
		stop:    stop,
		sup: supervisor.New(ctx,
			supervisor.WithLogger(s.log),
			supervisor.WithCancelOnError(false),
		),
	}
	s.pool = p
	s.pruneDrainingLocked()
	s.draining = append(s.draining, p.sup)
	for i := 0; i < p.workers; i++ {
		s.spawnWorker(p, i)
	}
	return p
}

// stopPoolIfIdleLocked signals the pool to stop when no client is active.
// Call with s.mu held.
func (s *Scheduler) stopPoolIfIdleLocked() *pool {
	if len(s.active) > 0 || s.pool == nil {
		return nil
	}
	p := s.pool
	s.pool = nil
	p.stop(ErrStopped)
	p.sup.Cancel()
	// Everything still queued belongs to cancelled clients.
	s.queue.purge()
	return p
}

// pruneDrainingLocked forgets supervisors whose workers have all exited.
func (s *Scheduler) pruneDrainingLocked() {
	n := 0
	for _, sup := range s.draining {
		if sup.Counters().Active > 0 {
			s.draining[n] = sup
			n++
		}
	}
	for i := n; i < len(s.draining); i++ {
		s.draining[i] = nil
	}
	s.draining = s.draining[:n]
}

func (s *Scheduler) announcePoolStart(p *pool) {
	s.log.Info("worker pool started", logx.Uint64("generation", p.gen), logx.Int("workers", p.workers))
	s.publish(EventPoolStarted, PoolEvent{Scheduler: s.opts.name, Generation: p.gen, Workers: p.workers})
}

func (s *Scheduler) announcePoolStop(p *pool) {
	s.log.Info("worker pool stopping", logx.Uint64("generation", p.gen))
	s.publish(EventPoolStopped, PoolEvent{Scheduler: s.opts.name, Generation: p.gen, Workers: p.workers})
}
