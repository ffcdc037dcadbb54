// Package clients holds the periodic clients the daemon can run from config.
package clients

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"periodicd/internal/clientkit"
	"periodicd/internal/eventbus"
	"periodicd/internal/periodic"
	logx "periodicd/pkg/logx"
)

const (
	KindHeartbeat  = "heartbeat"
	KindHostStat   = "hoststat"
	KindSDWatchdog = "sdwatchdog"
	KindUnitWatch  = "unitwatch"
)

var ErrUnknownKind = errors.New("clients: unknown kind")

// Spec describes one configured client.
type Spec struct {
	Name    string
	Kind    string
	Every   string // schedule string, see clientkit.ParseSchedule
	Timeout time.Duration
	Units   []string // unitwatch only
}

// Deps are shared collaborators handed to every client.
type Deps struct {
	Log     logx.Logger
	Metrics prometheus.Registerer
	Bus     eventbus.Bus
	Started time.Time
	Context context.Context
}

// Handle is a built client plus whatever it must release on removal.
type Handle struct {
	Spec   Spec
	Client periodic.Client

	closer func() error
}

// NewHandle wraps an externally built client. closer may be nil.
func NewHandle(spec Spec, c periodic.Client, closer func() error) *Handle {
	return &Handle{Spec: spec, Client: c, closer: closer}
}

// SetInterval retunes the client when it supports it. It reports whether the
// change was applied in place.
func (h *Handle) SetInterval(d time.Duration) bool {
	if s, ok := h.Client.(interface{ SetInterval(time.Duration) }); ok {
		s.SetInterval(d)
		return true
	}
	return false
}

func (h *Handle) Close() error {
	if h == nil || h.closer == nil {
		return nil
	}
	return h.closer()
}

// Kinds lists the supported client kinds.
func Kinds() []string {
	ks := []string{KindHeartbeat, KindHostStat, KindSDWatchdog, KindUnitWatch}
	sort.Strings(ks)
	return ks
}

// NeedsSchedule reports whether kind takes its cadence from Spec.Every.
func NeedsSchedule(kind string) bool { return kind != KindSDWatchdog }

// Build constructs the client described by spec.
func Build(spec Spec, deps Deps) (*Handle, error) {
	spec.Name = strings.TrimSpace(spec.Name)
	if spec.Name == "" {
		spec.Name = spec.Kind
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	deps.Log = deps.Log.With(logx.String("client", spec.Name))
	if deps.Context == nil {
		deps.Context = context.Background()
	}
	opts := []clientkit.Option{clientkit.WithContext(deps.Context)}
	if spec.Timeout > 0 {
		opts = append(opts, clientkit.WithTimeout(spec.Timeout))
	}

	h := &Handle{Spec: spec}
	var err error
	switch spec.Kind {
	case KindHeartbeat:
		hb := newHeartbeat(deps)
		h.Client, err = clientkit.FromSchedule(spec.Name, spec.Every, hb.Beat, opts...)
	case KindHostStat:
		hs := newHostStat(deps)
		h.Client, err = clientkit.FromSchedule(spec.Name, spec.Every, hs.Sample, opts...)
	case KindUnitWatch:
		if len(spec.Units) == 0 {
			return nil, fmt.Errorf("client %q: unitwatch needs at least one unit", spec.Name)
		}
		uw := newUnitWatch(spec.Units, newUnitProber(), deps)
		h.Client, err = clientkit.FromSchedule(spec.Name, spec.Every, uw.Check, opts...)
		h.closer = uw.Close
	case KindSDWatchdog:
		h.Client, err = newWatchdog(spec.Name, deps)
	default:
		return nil, fmt.Errorf("client %q: %w %q (have %s)", spec.Name, ErrUnknownKind, spec.Kind, strings.Join(Kinds(), ", "))
	}
	if err != nil {
		if h.closer != nil {
			_ = h.closer()
		}
		return nil, err
	}
	return h, nil
}

func registerGauge(reg prometheus.Registerer, opts prometheus.GaugeOpts, log logx.Logger) prometheus.Gauge {
	g := prometheus.NewGauge(opts)
	if err := reg.Register(g); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing
			}
		}
		log.Warn("metrics register failed", logx.String("metric", opts.Name), logx.Err(err))
	}
	return g
}

func registerGaugeVec(reg prometheus.Registerer, opts prometheus.GaugeOpts, labels []string, log logx.Logger) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(opts, labels)
	if err := reg.Register(g); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing
			}
		}
		log.Warn("metrics register failed", logx.String("metric", opts.Name), logx.Err(err))
	}
	return g
}
