package clients

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "periodicd/pkg/logx"
)

// Watchdog pings the systemd service watchdog at half its timeout.
//
// It implements the scheduler client contract directly. When the unit has no
// watchdog configured, or the notify socket goes away, Update returns false and
// the registration ends on its own.
type Watchdog struct {
	name     string
	log      logx.Logger
	interval time.Duration
	notify   func(state string) (bool, error)
	pings    atomic.Uint64
}

func newWatchdog(name string, deps Deps) (*Watchdog, error) {
	timeout, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return nil, fmt.Errorf("watchdog: %w", err)
	}
	return newWatchdogWith(name, timeout, func(state string) (bool, error) {
		return daemon.SdNotify(false, state)
	}, deps), nil
}

func newWatchdogWith(name string, timeout time.Duration, notify func(string) (bool, error), deps Deps) *Watchdog {
	w := &Watchdog{
		name:   name,
		log:    deps.Log.With(logx.String("comp", "sdwatchdog")),
		notify: notify,
	}
	if timeout > 0 {
		w.interval = timeout / 2
	}
	return w
}

func (w *Watchdog) PeriodicName() string { return w.name }

// Enabled reports whether systemd expects watchdog pings from this process.
func (w *Watchdog) Enabled() bool { return w.interval > 0 }

func (w *Watchdog) Interval() time.Duration { return w.interval }

func (w *Watchdog) Update() (bool, error) {
	if w.interval <= 0 {
		w.log.Info("systemd watchdog not enabled; client exiting")
		return false, nil
	}
	sent, err := w.notify(daemon.SdNotifyWatchdog)
	if err != nil {
		return true, fmt.Errorf("watchdog notify: %w", err)
	}
	if !sent {
		w.log.Warn("systemd notify socket unavailable; watchdog client exiting")
		return false, nil
	}
	w.pings.Add(1)
	return true, nil
}

func (w *Watchdog) Pings() uint64 { return w.pings.Load() }
