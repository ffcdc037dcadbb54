package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"periodicd/internal/clientkit"
	logx "periodicd/pkg/logx"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks cfg for structural errors. Every problem is reported, each
// prefixed with its field path.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := logx.ParseLevel(cfg.Logging.Level); err != nil {
		add(fmt.Errorf("logging.level: %w", err))
	}
	if f := cfg.Logging.File; f.MaxSizeMB < 0 || f.MaxBackups < 0 || f.MaxAgeDays < 0 {
		add(errors.New("logging.file: rotation limits must be >= 0"))
	}

	if cfg.Scheduler.Workers < 0 {
		add(errors.New("scheduler.workers: must be >= 0"))
	}
	_, err := ParseDurationField("scheduler.failure_log_every", cfg.Scheduler.FailureLogEvery)
	add(err)

	add(validateDebug(cfg.Debug))
	add(validateHistory(cfg.History))

	seen := map[string]int{}
	for i, c := range cfg.Clients {
		path := fmt.Sprintf("clients[%d]", i)
		key := c.Key()
		if key == "" {
			add(fmt.Errorf("%s: name or kind required", path))
			continue
		}
		if j, dup := seen[key]; dup {
			add(fmt.Errorf("%s: duplicate client name %q (also clients[%d])", path, key, j))
		}
		seen[key] = i
		if strings.TrimSpace(c.Kind) == "" {
			add(fmt.Errorf("%s.kind: required", path))
		}
		if strings.TrimSpace(c.Every) != "" {
			if _, err := clientkit.ParseSchedule(c.Every); err != nil {
				add(fmt.Errorf("%s.every: %w", path, err))
			}
		}
		_, err := ParseDurationField(path+".timeout", c.Timeout)
		add(err)
	}
	return errors.Join(errs...)
}

func validateDebug(d DebugConfig) error {
	if !d.Enabled {
		return nil
	}
	var errs []error
	host, _, err := net.SplitHostPort(strings.TrimSpace(d.Addr))
	if err != nil {
		errs = append(errs, fmt.Errorf("debug.addr: %w", err))
	} else if !isLoopbackHost(host) && strings.TrimSpace(d.Token) == "" && !d.AllowInsecure {
		errs = append(errs, fmt.Errorf("debug.addr: %q is not loopback; set debug.token or debug.allow_insecure", d.Addr))
	}
	for _, f := range []struct{ path, raw string }{
		{"debug.read_timeout", d.ReadTimeout},
		{"debug.write_timeout", d.WriteTimeout},
		{"debug.idle_timeout", d.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func validateHistory(h *HistoryConfig) error {
	if h == nil {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(h.Driver)) {
	case "", "none":
		return nil
	case "file", "sqlite":
		if strings.TrimSpace(h.Path) == "" {
			return errors.New("history.path: required for file and sqlite drivers")
		}
	default:
		return fmt.Errorf("history.driver: unknown driver %q (none, file, sqlite)", h.Driver)
	}
	_, err := ParseDurationField("history.busy_timeout", h.BusyTimeout)
	return err
}

func isLoopbackHost(host string) bool {
	if host == "" {
		// ":6060" listens on every interface.
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// IsLoopbackAddr reports whether a host:port address binds to loopback only.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	return err == nil && isLoopbackHost(host)
}
