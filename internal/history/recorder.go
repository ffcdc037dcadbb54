package history

import (
	"context"
	"time"

	"periodicd/internal/eventbus"
	"periodicd/internal/periodic"
	logx "periodicd/pkg/logx"
)

// Recorder copies scheduler invocation events from the bus into a Store.
type Recorder struct {
	store Store
	bus   eventbus.Bus
	log   logx.Logger
}

func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, bus: bus, log: log.With(logx.String("comp", "history.recorder"))}
}

// Run consumes events until ctx is done. Store errors are logged and the
// event is skipped.
func (r *Recorder) Run(ctx context.Context) error {
	if r.store == nil || r.bus == nil {
		return nil
	}
	ch, unsubscribe := r.bus.Subscribe(256, periodic.EventInvoked, periodic.EventFailed)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			ce, ok := ev.Data.(periodic.ClientEvent)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := r.store.Append(wctx, FromEvent(ce))
			cancel()
			if err != nil {
				r.log.Warn("history append failed", logx.String("client", ce.Client), logx.Err(err))
			}
		}
	}
}

// FromEvent converts a scheduler invocation event into a Record.
func FromEvent(ce periodic.ClientEvent) Record {
	at := ce.Started.Add(ce.Duration)
	if ce.Started.IsZero() {
		at = time.Now()
	}
	return Record{
		At:         at,
		Scheduler:  ce.Scheduler,
		Client:     ce.Client,
		Outcome:    ce.Reason,
		DurationMS: ce.Duration.Milliseconds(),
		LagMS:      ce.Lag.Milliseconds(),
		Error:      ce.Error,
	}
}
