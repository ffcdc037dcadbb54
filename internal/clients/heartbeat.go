package clients

import (
	"context"
	"sync/atomic"
	"time"

	logx "periodicd/pkg/logx"
)

// Heartbeat logs a liveness line with process uptime.
type Heartbeat struct {
	log     logx.Logger
	started time.Time
	beats   atomic.Uint64
	now     func() time.Time
}

func newHeartbeat(deps Deps) *Heartbeat {
	started := deps.Started
	if started.IsZero() {
		started = time.Now()
	}
	return &Heartbeat{
		log:     deps.Log.With(logx.String("comp", "heartbeat")),
		started: started,
		now:     time.Now,
	}
}

func (h *Heartbeat) Beat(context.Context) error {
	n := h.beats.Add(1)
	h.log.Info("heartbeat",
		logx.Uint64("beat", n),
		logx.Duration("uptime", h.now().Sub(h.started).Truncate(time.Second)),
	)
	return nil
}

func (h *Heartbeat) Beats() uint64 { return h.beats.Load() }
