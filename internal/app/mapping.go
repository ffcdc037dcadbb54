package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"periodicd/internal/clientkit"
	"periodicd/internal/clients"
	"periodicd/internal/config"
	"periodicd/internal/debugserver"
	"periodicd/internal/history"
	logx "periodicd/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	f := cfg.Logging.File
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:    f.Enabled,
			Path:       f.Path,
			MaxSizeMB:  f.MaxSizeMB,
			MaxBackups: f.MaxBackups,
			MaxAgeDays: f.MaxAgeDays,
			Compress:   f.Compress,
		},
	}
}

func mapDebugConfig(cfg *config.Config) (debugserver.Config, error) {
	d := cfg.Debug
	rt, err := config.ParseDurationOrDefault("debug.read_timeout", d.ReadTimeout, 10*time.Second)
	if err != nil {
		return debugserver.Config{}, err
	}
	// profile and trace stream for up to 30s by default.
	wt, err := config.ParseDurationOrDefault("debug.write_timeout", d.WriteTimeout, 60*time.Second)
	if err != nil {
		return debugserver.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("debug.idle_timeout", d.IdleTimeout, 60*time.Second)
	if err != nil {
		return debugserver.Config{}, err
	}
	return debugserver.Config{
		Enabled:       d.Enabled,
		Addr:          d.Addr,
		Token:         d.Token,
		AllowInsecure: d.AllowInsecure,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}

func mapHistoryConfig(cfg *config.Config) (history.Config, error) {
	if cfg.History == nil {
		return history.Config{}, nil
	}
	bt, err := config.ParseDurationField("history.busy_timeout", cfg.History.BusyTimeout)
	if err != nil {
		return history.Config{}, err
	}
	return history.Config{
		Driver:      cfg.History.Driver,
		Path:        cfg.History.Path,
		BusyTimeout: bt,
	}, nil
}

func mapClientSpec(c config.ClientConfig) (clients.Spec, error) {
	timeout, err := config.ParseDurationField("clients."+c.Key()+".timeout", c.Timeout)
	if err != nil {
		return clients.Spec{}, err
	}
	return clients.Spec{
		Name:    c.Key(),
		Kind:    strings.ToLower(strings.TrimSpace(c.Kind)),
		Every:   c.Every,
		Timeout: timeout,
		Units:   c.Units,
	}, nil
}

// Validate runs the checks that need knowledge of the daemon's components on
// top of config.Validate.
func Validate(cfg *config.Config) error {
	var errs []error
	errs = append(errs, validateClients(cfg))
	if _, err := mapDebugConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapHistoryConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// validateClients checks what config.Validate cannot: that every enabled
// client names a known kind with the settings that kind needs.
func validateClients(cfg *config.Config) error {
	known := map[string]bool{}
	for _, k := range clients.Kinds() {
		known[k] = true
	}
	var errs []error
	for i, c := range cfg.Clients {
		if !c.IsEnabled() {
			continue
		}
		path := fmt.Sprintf("clients[%d]", i)
		spec, err := mapClientSpec(c)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !known[spec.Kind] {
			errs = append(errs, fmt.Errorf("%s.kind: %w %q (have %s)", path, clients.ErrUnknownKind, c.Kind, strings.Join(clients.Kinds(), ", ")))
			continue
		}
		if clients.NeedsSchedule(spec.Kind) && strings.TrimSpace(spec.Every) == "" {
			errs = append(errs, fmt.Errorf("%s.every: required for kind %q", path, spec.Kind))
		}
		if spec.Kind == clients.KindUnitWatch && len(spec.Units) == 0 {
			errs = append(errs, fmt.Errorf("%s.units: required for kind %q", path, spec.Kind))
		}
	}
	return errors.Join(errs...)
}

// retunable reports whether moving from old to next only changes an interval
// cadence, which a running client can absorb without being replaced.
func retunable(old, next clients.Spec) (time.Duration, bool) {
	if old.Kind != next.Kind || old.Timeout != next.Timeout || !clients.NeedsSchedule(next.Kind) {
		return 0, false
	}
	if strings.Join(old.Units, "\x00") != strings.Join(next.Units, "\x00") {
		return 0, false
	}
	prev, err := clientkit.ParseSchedule(old.Every)
	if err != nil || prev.Kind != clientkit.KindInterval {
		return 0, false
	}
	ns, err := clientkit.ParseSchedule(next.Every)
	if err != nil || ns.Kind != clientkit.KindInterval {
		return 0, false
	}
	return ns.Every, true
}
