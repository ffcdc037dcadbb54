package periodic

import (
	"sort"
	"time"
)

// Snapshot is a point-in-time view of a scheduler for diagnostics.
type Snapshot struct {
	Name        string       `json:"name"`
	Enabled     bool         `json:"enabled"`
	Running     bool         `json:"running"`
	Generation  uint64       `json:"generation"`
	Workers     int          `json:"workers"`
	LiveWorkers int          `json:"live_workers"`
	QueueLen    int          `json:"queue_len"`
	Active      int          `json:"active"`
	Clients     []ClientInfo `json:"clients"`
}

// ClientInfo describes one active registration.
type ClientInfo struct {
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval"`
	NextDue      time.Time     `json:"next_due"`
	Runs         uint64        `json:"runs"`
	Failures     uint64        `json:"failures"`
	LastStart    time.Time     `json:"last_start,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
	Executing    bool          `json:"executing"`
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.active))
	for _, e := range s.active {
		entries = append(entries, e)
	}
	snap := Snapshot{
		Name:    s.opts.name,
		Running: s.pool != nil,
		Workers: s.opts.workers,
		Active:  len(s.active),
	}
	if s.pool != nil {
		snap.Generation = s.pool.gen
	}
	s.mu.Unlock()

	snap.Enabled = s.Enabled()
	snap.LiveWorkers = s.LiveWorkers()
	snap.QueueLen = s.queue.len()
	snap.Clients = make([]ClientInfo, 0, len(entries))
	for _, e := range entries {
		snap.Clients = append(snap.Clients, e.info())
	}
	sort.Slice(snap.Clients, func(i, j int) bool {
		if snap.Clients[i].Name != snap.Clients[j].Name {
			return snap.Clients[i].Name < snap.Clients[j].Name
		}
		return snap.Clients[i].NextDue.Before(snap.Clients[j].NextDue)
	})
	return snap
}
