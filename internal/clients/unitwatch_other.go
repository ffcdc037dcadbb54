//go:build !linux

package clients

import (
	"context"
	"errors"
)

var errUnitWatchUnsupported = errors.New("unit watch: unsupported OS (linux only)")

type unsupportedProber struct{}

func newUnitProber() unitProber { return unsupportedProber{} }

func (unsupportedProber) Status(context.Context, string) (UnitStatus, error) {
	return UnitStatus{}, errUnitWatchUnsupported
}

func (unsupportedProber) Close() error { return nil }
