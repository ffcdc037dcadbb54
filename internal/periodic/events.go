package periodic

import (
	"time"

	"periodicd/internal/eventbus"
)

// Event types published on the bus.
const (
	EventRegistered   = "periodic.registered"
	EventUnregistered = "periodic.unregistered"
	EventInvoked      = "periodic.invoked"
	EventFailed       = "periodic.failed"
	EventDropped      = "periodic.dropped"
	EventPoolStarted  = "periodic.pool_started"
	EventPoolStopped  = "periodic.pool_stopped"
)

// ClientEvent is the payload of per-client events.
type ClientEvent struct {
	Scheduler string        `json:"scheduler"`
	Client    string        `json:"client"`
	Started   time.Time     `json:"started,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Lag       time.Duration `json:"lag,omitempty"`
	Interval  time.Duration `json:"interval,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Panicked  bool          `json:"panicked,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// PoolEvent is the payload of pool lifecycle events.
type PoolEvent struct {
	Scheduler  string `json:"scheduler"`
	Generation uint64 `json:"generation"`
	Workers    int    `json:"workers"`
}

func (s *Scheduler) publish(typ string, data any) {
	if s.opts.bus == nil {
		return
	}
	s.opts.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
