package clients

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"periodicd/internal/eventbus"
	logx "periodicd/pkg/logx"
)

// EventUnitStateChanged is published when a watched unit changes ActiveState.
const EventUnitStateChanged = "unit.state_changed"

// UnitStatus is the subset of systemd unit state the watcher tracks.
type UnitStatus struct {
	Name        string    `json:"name"`
	Active      string    `json:"active"`     // active, inactive, failed, ...
	SubState    string    `json:"sub_state"`  // running, dead, ...
	LoadState   string    `json:"load_state"` // loaded, not-found, ...
	StateChange time.Time `json:"state_change,omitempty"`
}

// UnitStateEvent is the payload of EventUnitStateChanged.
type UnitStateEvent struct {
	Unit     string    `json:"unit"`
	OldState string    `json:"old_state"`
	NewState string    `json:"new_state"`
	At       time.Time `json:"at"`
}

// unitProber reads unit status. The linux implementation talks to systemd
// over D-Bus; other platforms get a stub that always fails.
type unitProber interface {
	Status(ctx context.Context, unit string) (UnitStatus, error)
	Close() error
}

// UnitWatch polls a fixed set of systemd units and reports state transitions.
type UnitWatch struct {
	units  []string
	prober unitProber
	log    logx.Logger
	bus    eventbus.Bus
	gauge  *prometheus.GaugeVec

	mu   sync.Mutex
	last map[string]UnitStatus
}

func newUnitWatch(units []string, prober unitProber, deps Deps) *UnitWatch {
	norm := make([]string, 0, len(units))
	seen := map[string]bool{}
	for _, u := range units {
		u = unitName(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		norm = append(norm, u)
	}
	w := &UnitWatch{
		units:  norm,
		prober: prober,
		log:    deps.Log.With(logx.String("comp", "unitwatch")),
		bus:    deps.Bus,
		last:   map[string]UnitStatus{},
	}
	if deps.Metrics != nil {
		w.gauge = registerGaugeVec(deps.Metrics, prometheus.GaugeOpts{
			Name: "periodicd_unit_active",
			Help: "1 when the watched systemd unit is active.",
		}, []string{"unit"}, deps.Log)
	}
	return w
}

// unitName defaults bare names to services.
func unitName(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return ""
	}
	if !strings.Contains(u, ".") {
		u += ".service"
	}
	return u
}

// Check probes every unit once. Probe failures are joined into the returned
// error; the remaining units are still checked.
func (w *UnitWatch) Check(ctx context.Context) error {
	var errs []error
	for _, u := range w.units {
		st, err := w.prober.Status(ctx, u)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", u, err))
			continue
		}
		w.observe(st)
	}
	return errors.Join(errs...)
}

func (w *UnitWatch) observe(st UnitStatus) {
	if w.gauge != nil {
		v := 0.0
		if st.Active == "active" {
			v = 1
		}
		w.gauge.WithLabelValues(st.Name).Set(v)
	}

	w.mu.Lock()
	prev, seen := w.last[st.Name]
	w.last[st.Name] = st
	w.mu.Unlock()

	if !seen {
		w.log.Debug("unit observed", logx.String("unit", st.Name), logx.String("state", st.Active), logx.String("sub", st.SubState))
		return
	}
	if prev.Active == st.Active {
		return
	}
	w.log.Info("unit state changed",
		logx.String("unit", st.Name),
		logx.String("from", prev.Active),
		logx.String("to", st.Active),
	)
	if w.bus != nil {
		now := time.Now()
		w.bus.Publish(eventbus.Event{Type: EventUnitStateChanged, Time: now, Data: UnitStateEvent{
			Unit: st.Name, OldState: prev.Active, NewState: st.Active, At: now,
		}})
	}
}

// Statuses returns the last observed status of every unit, in config order.
func (w *UnitWatch) Statuses() []UnitStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]UnitStatus, 0, len(w.last))
	for _, u := range w.units {
		if st, ok := w.last[u]; ok {
			out = append(out, st)
		}
	}
	return out
}

// Close drops the unit series this watcher exported and releases the prober.
func (w *UnitWatch) Close() error {
	if w.gauge != nil {
		w.mu.Lock()
		for _, u := range w.units {
			w.gauge.DeleteLabelValues(u)
		}
		for u := range w.last {
			w.gauge.DeleteLabelValues(u)
		}
		w.mu.Unlock()
	}
	if w.prober == nil {
		return nil
	}
	return w.prober.Close()
}
