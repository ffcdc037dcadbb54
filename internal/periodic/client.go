package periodic

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Client is a unit of periodic work.
//
// Interval is read after every invocation, so a client may change its cadence
// between calls; the new value applies to the next cycle. A non-positive
// interval makes the client due again immediately.
//
// Update performs one cycle. Returning cont=false ends the registration. A
// non-nil error (or a panic) is logged as an invocation failure and the client
// stays scheduled regardless of cont.
//
// Registration identity is the interface value itself, so the dynamic type
// must be comparable (pointer receivers are the usual choice).
type Client interface {
	Interval() time.Duration
	Update() (cont bool, err error)
}

// Named lets a client choose the label used in logs, metrics and snapshots.
type Named interface {
	PeriodicName() string
}

func clientName(c Client) string {
	if n, ok := c.(Named); ok {
		if name := strings.TrimSpace(n.PeriodicName()); name != "" {
			return name
		}
	}
	return fmt.Sprintf("%T", c)
}

// comparableClient reports whether c can key the scheduler's maps. A
// comparable struct may still hold an unhashable value in an interface
// field, so the dynamic value is hashed as well.
func comparableClient(c Client) (ok bool) {
	if !reflect.TypeOf(c).Comparable() {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	_ = map[Client]struct{}{c: {}}
	return true
}
