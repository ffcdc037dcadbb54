package periodic

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"periodicd/internal/eventbus"
	logx "periodicd/pkg/logx"
)

const (
	DefaultWorkers         = 2
	DefaultFailureLogEvery = 30 * time.Second
	DefaultFailureBackoff  = time.Second
)

type options struct {
	name            string
	workers         int
	log             logx.Logger
	bus             eventbus.Bus
	registerer      prometheus.Registerer
	failureLogEvery time.Duration
	failureBackoff  time.Duration
	parent          context.Context
}

type Option func(*options)

// WithName labels this scheduler instance in logs and metrics.
func WithName(name string) Option { return func(o *options) { o.name = strings.TrimSpace(name) } }

// WithWorkers sets the fixed pool size. Values below 1 fall back to DefaultWorkers.
func WithWorkers(n int) Option { return func(o *options) { o.workers = n } }

func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

// WithEventBus publishes lifecycle and invocation events to bus.
func WithEventBus(bus eventbus.Bus) Option { return func(o *options) { o.bus = bus } }

// WithMetrics registers the scheduler's collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option { return func(o *options) { o.registerer = reg } }

// WithFailureLogEvery limits repeated failure logs per client to one per d.
// The first failure is always logged.
func WithFailureLogEvery(d time.Duration) Option {
	return func(o *options) { o.failureLogEvery = d }
}

// WithFailureBackoff is the shortest wait before the next cycle of a client
// whose Interval call panicked.
func WithFailureBackoff(d time.Duration) Option {
	return func(o *options) { o.failureBackoff = d }
}

// WithContext sets the parent context of every worker pool.
func WithContext(ctx context.Context) Option { return func(o *options) { o.parent = ctx } }

func (o options) withDefaults() options {
	if o.name == "" {
		o.name = "default"
	}
	if o.workers <= 0 {
		o.workers = DefaultWorkers
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	if o.failureLogEvery <= 0 {
		o.failureLogEvery = DefaultFailureLogEvery
	}
	if o.failureBackoff <= 0 {
		o.failureBackoff = DefaultFailureBackoff
	}
	if o.parent == nil {
		o.parent = context.Background()
	}
	return o
}
