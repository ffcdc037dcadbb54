package app

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"periodicd/internal/clients"
	"periodicd/internal/config"
	"periodicd/internal/periodic"
	logx "periodicd/pkg/logx"
)

// clientSet keeps the scheduler's registrations in line with the configured
// clients across reloads.
type clientSet struct {
	sched *periodic.Scheduler
	deps  clients.Deps
	log   logx.Logger
	build func(clients.Spec, clients.Deps) (*clients.Handle, error)

	mu      sync.Mutex
	handles map[string]*clients.Handle
}

type reconcileResult struct {
	Added   []string
	Removed []string
	Retuned []string
	Rebuilt []string
}

func (r reconcileResult) empty() bool {
	return len(r.Added)+len(r.Removed)+len(r.Retuned)+len(r.Rebuilt) == 0
}

func newClientSet(sched *periodic.Scheduler, deps clients.Deps, log logx.Logger) *clientSet {
	return &clientSet{
		sched:   sched,
		deps:    deps,
		log:     log,
		build:   clients.Build,
		handles: map[string]*clients.Handle{},
	}
}

// apply registers new clients, unregisters removed or disabled ones, retunes
// interval-only changes in place and replaces anything else that changed.
// A client that fails to build is reported and, if it was already running,
// left as it was.
func (cs *clientSet) apply(cfgs []config.ClientConfig) (reconcileResult, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	var (
		res  reconcileResult
		errs []error
	)
	want := map[string]clients.Spec{}
	for _, c := range cfgs {
		if !c.IsEnabled() {
			continue
		}
		spec, err := mapClientSpec(c)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		want[spec.Name] = spec
	}

	for name, h := range cs.handles {
		if _, ok := want[name]; ok {
			continue
		}
		cs.remove(name, h)
		res.Removed = append(res.Removed, name)
	}

	for _, name := range sortedKeys(want) {
		spec := want[name]
		cur, ok := cs.handles[name]
		switch {
		case !ok:
			h, err := cs.build(spec, cs.deps)
			if err != nil {
				errs = append(errs, fmt.Errorf("client %q: %w", name, err))
				continue
			}
			cs.handles[name] = h
			cs.sched.Register(h.Client)
			res.Added = append(res.Added, name)

		case reflect.DeepEqual(cur.Spec, spec):

		default:
			if every, ok := retunable(cur.Spec, spec); ok && cur.SetInterval(every) {
				cur.Spec = spec
				res.Retuned = append(res.Retuned, name)
				cs.log.Info("client retuned", logx.String("client", name), logx.Duration("every", every))
				continue
			}
			h, err := cs.build(spec, cs.deps)
			if err != nil {
				errs = append(errs, fmt.Errorf("client %q: %w (keeping previous)", name, err))
				continue
			}
			cs.remove(name, cur)
			cs.handles[name] = h
			cs.sched.Register(h.Client)
			res.Rebuilt = append(res.Rebuilt, name)
		}
	}
	sort.Strings(res.Removed)
	return res, errors.Join(errs...)
}

func (cs *clientSet) remove(name string, h *clients.Handle) {
	cs.sched.Unregister(h.Client)
	if err := h.Close(); err != nil {
		cs.log.Warn("client close failed", logx.String("client", name), logx.Err(err))
	}
	delete(cs.handles, name)
}

// closeAll releases every handle. The scheduler must already be stopped.
func (cs *clientSet) closeAll() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	var errs []error
	for name, h := range cs.handles {
		if err := h.Close(); err != nil {
			errs = append(errs, fmt.Errorf("client %q: %w", name, err))
		}
		delete(cs.handles, name)
	}
	return errors.Join(errs...)
}

func (cs *clientSet) names() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return sortedKeys(cs.handles)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
