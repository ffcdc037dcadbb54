// Package history keeps a bounded log of client invocations for operators.
//
// Registrations are never persisted; only outcomes of past cycles are.
package history

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("history disabled")

// DefaultRetain bounds how many records a store keeps.
const DefaultRetain = 2000

// Config configures the store.
//
// Driver values:
//   - "file": JSON Lines file with periodic compaction
//   - "sqlite": SQLite database file (build tag sqlite)
//
// If Driver is empty or "none", history is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Retain      int           // 0 means DefaultRetain
}

// Record is one finished invocation. Keep it compact and schema-stable.
type Record struct {
	At         time.Time `json:"at"`
	Scheduler  string    `json:"scheduler"`
	Client     string    `json:"client"`
	Outcome    string    `json:"outcome"` // ok, failed, stopped
	DurationMS int64     `json:"duration_ms"`
	LagMS      int64     `json:"lag_ms"`
	Error      string    `json:"error,omitempty"`
}

// Store is the persistence API used by the recorder and the debug endpoint.
type Store interface {
	Append(ctx context.Context, r Record) error
	// Recent returns up to limit records, newest first. An empty client
	// matches every client.
	Recent(ctx context.Context, client string, limit int) ([]Record, error)
	Close() error
}

func retainOrDefault(n int) int {
	if n <= 0 {
		return DefaultRetain
	}
	return n
}
