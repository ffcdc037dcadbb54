package config

import "strings"

// Config is the daemon configuration file (JSON or YAML).
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Debug     DebugConfig     `json:"debug,omitempty"`
	History   *HistoryConfig  `json:"history,omitempty"`
	Clients   []ClientConfig  `json:"clients"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

// LoggingFile configures the rotating JSON log file.
type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// SchedulerConfig controls the periodic scheduler.
//
// Enabled is a pointer so an omitted key keeps dispatch on while an explicit
// false starts the daemon with the kill switch engaged.
type SchedulerConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`
	// FailureLogEvery is a Go duration string limiting repeated failure logs
	// per client (default "30s").
	FailureLogEvery string `json:"failure_log_every,omitempty"`
}

func (s SchedulerConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// DebugConfig controls the operator HTTP endpoint (health, pprof, metrics,
// scheduler snapshot).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// HistoryConfig controls the optional invocation history store.
//
// Example:
//
//	"history": { "driver": "file", "path": "./periodicd_history" }
type HistoryConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ClientConfig declares one built-in client.
type ClientConfig struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	// Every is a schedule string: "30s", "01:00", "@every 5m" or a cron expression.
	Every   string   `json:"every,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
	Enabled *bool    `json:"enabled,omitempty"`
	Units   []string `json:"units,omitempty"`
}

func (c ClientConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// Key identifies the client across reloads.
func (c ClientConfig) Key() string {
	if n := strings.TrimSpace(c.Name); n != "" {
		return n
	}
	return strings.TrimSpace(c.Kind)
}

const (
	DefaultDebugAddr       = "127.0.0.1:6060"
	DefaultLogLevel        = "info"
	DefaultFailureLogEvery = "30s"
)

// ApplyDefaults fills omitted fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		cfg.Logging.File.Path = "./periodicd.log"
	}
	if strings.TrimSpace(cfg.Scheduler.FailureLogEvery) == "" {
		cfg.Scheduler.FailureLogEvery = DefaultFailureLogEvery
	}
	if strings.TrimSpace(cfg.Debug.Addr) == "" {
		cfg.Debug.Addr = DefaultDebugAddr
	}
	for i := range cfg.Clients {
		if strings.TrimSpace(cfg.Clients[i].Name) == "" {
			cfg.Clients[i].Name = strings.TrimSpace(cfg.Clients[i].Kind)
		}
	}
}
