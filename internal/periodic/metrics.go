package periodic

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	logx "periodicd/pkg/logx"
)

// metrics holds per-instance collectors. A nil *metrics is a no-op.
type metrics struct {
	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lag         prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer, s *Scheduler, log logx.Logger) *metrics {
	if reg == nil {
		return nil
	}
	labels := prometheus.Labels{"scheduler": s.opts.name}
	m := &metrics{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "periodic_invocations_total",
			Help:        "Client update invocations by outcome (ok, failed, stopped).",
			ConstLabels: labels,
		}, []string{"client", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "periodic_invocation_duration_seconds",
			Help:        "Wall time spent in client updates.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"client"}),
		lag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "periodic_dispatch_lag_seconds",
			Help:        "Delay between an entry's due time and the start of its update.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
	}
	m.invocations = registerOrExisting(reg, m.invocations, log)
	m.duration = registerOrExisting(reg, m.duration, log)
	m.lag = registerOrExisting(reg, m.lag, log)

	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "periodic_active_clients", Help: "Registered clients.", ConstLabels: labels,
		}, func() float64 { return float64(s.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "periodic_queue_length", Help: "Entries waiting in the due-queue.", ConstLabels: labels,
		}, func() float64 { return float64(s.queue.len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "periodic_live_workers", Help: "Worker loops currently running.", ConstLabels: labels,
		}, func() float64 { return float64(s.live.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "periodic_enabled", Help: "1 when dispatch is enabled.", ConstLabels: labels,
		}, func() float64 {
			if s.Enabled() {
				return 1
			}
			return 0
		}),
	}
	for _, g := range gauges {
		if err := reg.Register(g); err != nil {
			log.Warn("metrics register failed", logx.Err(err))
		}
	}
	return m
}

// registerOrExisting registers c, reusing an identical collector that is
// already registered (e.g. a second scheduler with the same name).
func registerOrExisting[C prometheus.Collector](reg prometheus.Registerer, c C, log logx.Logger) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		log.Warn("metrics register failed", logx.Err(err))
	}
	return c
}

func (m *metrics) observe(client, outcome string, dur, lag time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(client, outcome).Inc()
	m.duration.WithLabelValues(client).Observe(dur.Seconds())
	if lag < 0 {
		lag = 0
	}
	m.lag.Observe(lag.Seconds())
}
