package periodic

import (
	"errors"
	"fmt"
)

// These describe conditions the scheduler recovers from locally. They show up
// in logs and events; no public method returns them.
var (
	ErrDuplicateRegistration = errors.New("periodic: client already registered")
	ErrUnknownUnregistration = errors.New("periodic: client not registered")
	ErrNotComparable         = errors.New("periodic: client type is not comparable")
	ErrStopped               = errors.New("periodic: worker pool stopped")
)

// PanicError is the invocation failure recorded when Update or Interval panics.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("periodic: client panicked: %v", e.Value) }

// IsPanic reports whether err came from a recovered client panic.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}
