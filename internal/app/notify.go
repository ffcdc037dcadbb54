package app

import (
	"github.com/coreos/go-systemd/v22/daemon"

	logx "periodicd/pkg/logx"
)

// Notifier reports service state to the init system. It returns false when
// no notification socket is configured.
type Notifier func(state string) (bool, error)

func systemdNotify(state string) (bool, error) { return daemon.SdNotify(false, state) }

func (a *App) notify(state string) {
	if a.notifier == nil {
		return
	}
	sent, err := a.notifier(state)
	if err != nil {
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify", logx.String("state", state))
	}
}

const (
	notifyReady     = daemon.SdNotifyReady
	notifyStopping  = daemon.SdNotifyStopping
	notifyReloading = daemon.SdNotifyReloading
)
