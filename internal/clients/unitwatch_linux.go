//go:build linux

package clients

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

// dbusProber keeps one system bus connection, dialled lazily and dropped
// after a failed call so the next probe reconnects.
type dbusProber struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

func newUnitProber() unitProber { return &dbusProber{} }

func (p *dbusProber) connect(ctx context.Context) (*dbus.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return p.conn, nil
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	p.conn = conn
	return conn, nil
}

func (p *dbusProber) reset(conn *dbus.Conn) {
	p.mu.Lock()
	if p.conn == conn {
		p.conn.Close()
		p.conn = nil
	}
	p.mu.Unlock()
}

func (p *dbusProber) Status(ctx context.Context, unit string) (UnitStatus, error) {
	conn, err := p.connect(ctx)
	if err != nil {
		return UnitStatus{}, err
	}

	// Fast path: core state without pulling the full property map.
	units, err := conn.ListUnitsByNamesContext(ctx, []string{unit})
	if err == nil && len(units) > 0 {
		u := units[0]
		st := UnitStatus{Name: unit, Active: u.ActiveState, SubState: u.SubState, LoadState: u.LoadState}
		if st.LoadState == "not-found" {
			st.Active = "unknown"
		}
		return st, nil
	}

	props, perr := conn.GetUnitPropertiesContext(ctx, unit)
	if perr != nil {
		if isNoSuchUnitErr(perr) {
			return UnitStatus{Name: unit, Active: "unknown", SubState: "not-found", LoadState: "not-found"}, nil
		}
		if err == nil {
			err = perr
		}
		p.reset(conn)
		return UnitStatus{}, fmt.Errorf("failed to get status: %w", err)
	}
	return UnitStatus{
		Name:        unit,
		Active:      stringProp(props, "ActiveState"),
		SubState:    stringProp(props, "SubState"),
		LoadState:   stringProp(props, "LoadState"),
		StateChange: timestampProp(props, "StateChangeTimestamp"),
	}, nil
}

func (p *dbusProber) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	return nil
}

func stringProp(props map[string]interface{}, key string) string {
	s, _ := props[key].(string)
	return s
}

// timestampProp reads a systemd timestamp (microseconds since the epoch).
func timestampProp(props map[string]interface{}, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}

func isNoSuchUnitErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "NoSuchUnit") || strings.Contains(msg, "not loaded")
}
