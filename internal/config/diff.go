package config

import (
	"reflect"
	"sort"
	"strings"

	logx "periodicd/pkg/logx"
)

// SummarizeChange returns the changed sections, safe structured attrs for
// logging (never secrets such as tokens) and the keys of clients that were
// added, removed or modified.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler.IsEnabled() != newCfg.Scheduler.IsEnabled() ||
		oldCfg.Scheduler.Workers != newCfg.Scheduler.Workers ||
		strings.TrimSpace(oldCfg.Scheduler.FailureLogEvery) != strings.TrimSpace(newCfg.Scheduler.FailureLogEvery) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.IsEnabled()),
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
			logx.String("scheduler.failure_log_every", newCfg.Scheduler.FailureLogEvery),
		)
	}

	o, n := oldCfg.Debug, newCfg.Debug
	oTokenSet, nTokenSet := strings.TrimSpace(o.Token) != "", strings.TrimSpace(n.Token) != ""
	o.Token, n.Token = "", ""
	if o != n || oTokenSet != nTokenSet || (oTokenSet && oldCfg.Debug.Token != newCfg.Debug.Token) {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", n.Enabled),
			logx.String("debug.addr", strings.TrimSpace(n.Addr)),
			logx.Bool("debug.token_set", nTokenSet),
			logx.Bool("debug.allow_insecure", n.AllowInsecure),
		)
	}

	oh, nh := derefHistory(oldCfg.History), derefHistory(newCfg.History)
	if oh != nh {
		changed = append(changed, "history")
		attrs = append(attrs,
			logx.String("history.driver", nh.Driver),
			logx.Bool("history.path_set", strings.TrimSpace(nh.Path) != ""),
		)
	}

	clientChanged := diffClients(oldCfg.Clients, newCfg.Clients)
	if len(clientChanged) > 0 {
		changed = append(changed, "clients")
		attrs = append(attrs,
			logx.Int("clients.changed_count", len(clientChanged)),
			logx.Int("clients.enabled_count", countEnabled(newCfg.Clients)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, clientChanged
}

func derefHistory(h *HistoryConfig) HistoryConfig {
	if h == nil {
		return HistoryConfig{}
	}
	return *h
}

func countEnabled(cs []ClientConfig) int {
	n := 0
	for _, c := range cs {
		if c.IsEnabled() {
			n++
		}
	}
	return n
}

func diffClients(oldCs, newCs []ClientConfig) []string {
	index := func(cs []ClientConfig) map[string]ClientConfig {
		m := make(map[string]ClientConfig, len(cs))
		for _, c := range cs {
			m[c.Key()] = c
		}
		return m
	}
	oldM, newM := index(oldCs), index(newCs)

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		o, inOld := oldM[k]
		n, inNew := newM[k]
		if inOld != inNew || !reflect.DeepEqual(o, n) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
