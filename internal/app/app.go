// Package app wires configuration, logging, the scheduler, its clients and
// the operator surfaces into one daemon.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"periodicd/internal/clients"
	"periodicd/internal/config"
	"periodicd/internal/debugserver"
	"periodicd/internal/eventbus"
	"periodicd/internal/history"
	"periodicd/internal/periodic"
	rtsup "periodicd/internal/runtime/supervisor"
	logx "periodicd/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	reg  *prometheus.Registry

	sched    *periodic.Scheduler
	store    history.Store
	recorder *history.Recorder
	debug    *debugserver.Service
	clients  *clientSet

	notifier Notifier
	started  time.Time
}

type Option func(*App)

// WithNotifier replaces the systemd notifier. A nil notifier disables
// notifications.
func WithNotifier(n Notifier) Option { return func(a *App) { a.notifier = n } }

func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	cfgm.Commit(cfg)

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	failureEvery, err := config.ParseDurationOrDefault("scheduler.failure_log_every", cfg.Scheduler.FailureLogEvery, periodic.DefaultFailureLogEvery)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sched := periodic.New(
		periodic.WithName("main"),
		periodic.WithWorkers(cfg.Scheduler.Workers),
		periodic.WithFailureLogEvery(failureEvery),
		periodic.WithLogger(logSvc.Logger()),
		periodic.WithEventBus(bus),
		periodic.WithMetrics(reg),
	)
	sched.SetEnabled(cfg.Scheduler.IsEnabled())

	hc, err := mapHistoryConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := history.Open(hc, logSvc.Logger().With(logx.String("comp", "history")))
	if err != nil {
		return nil, err
	}
	var recorder *history.Recorder
	if store != nil {
		recorder = history.NewRecorder(store, bus, logSvc.Logger())
		log.Info("history enabled", logx.String("driver", hc.Driver))
	}

	dc, err := mapDebugConfig(cfg)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		reg:      reg,
		sched:    sched,
		store:    store,
		recorder: recorder,
		notifier: systemdNotify,
	}
	a.debug = debugserver.New(dc, debugserver.Sources{
		Scheduler:   sched.Snapshot,
		SetEnabled:  sched.SetEnabled,
		History:     a.historyStore,
		Gatherer:    reg,
		Supervisors: a.supervisors,
	}, logSvc.Logger())
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

func (a *App) historyStore() history.Store { return a.store }

func (a *App) supervisors() map[string]rtsup.Snapshot {
	out := map[string]rtsup.Snapshot{}
	if a.sup != nil {
		out["app"] = a.sup.Snapshot()
	}
	if s := a.debug.Supervisor(); s != nil {
		out["debug"] = s.Snapshot()
	}
	return out
}

func (a *App) Scheduler() *periodic.Scheduler { return a.sched }

func (a *App) Bus() eventbus.Bus { return a.bus }

// Clients lists the names of the clients currently registered from config.
func (a *App) Clients() []string {
	if a.clients == nil {
		return nil
	}
	return a.clients.names()
}

// Done is closed when the app supervisor context is cancelled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Reload re-reads the config file now instead of waiting for the watcher.
func (a *App) Reload(ctx context.Context) (bool, error) { return a.cfgm.Reload(ctx) }

func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return Validate(cfg) })

	cfg := a.cfgm.Get()
	a.clients = newClientSet(a.sched, clients.Deps{
		Log:     a.logs.Logger().With(logx.String("comp", "clients")),
		Metrics: a.reg,
		Bus:     a.bus,
		Started: a.started,
		Context: a.sup.Context(),
	}, a.log)

	if a.recorder != nil {
		a.sup.Go("history.recorder", a.recorder.Run)
	}
	if a.debug.Enabled() {
		a.debug.Start(a.sup.Context())
	}

	res, err := a.clients.apply(cfg.Clients)
	if err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := cfg
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.notify(notifyReady)
	a.log.Info("app started",
		logx.Int("clients", len(res.Added)),
		logx.Bool("dispatch_enabled", a.sched.Enabled()),
		logx.Bool("history", a.store != nil),
		logx.Bool("debug", a.debug.Enabled()),
	)
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, changedClients := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.notify(notifyReloading)
	defer a.notify(notifyReady)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(next))
		case "scheduler":
			a.sched.SetEnabled(next.Scheduler.IsEnabled())
			if prev.Scheduler.Workers != next.Scheduler.Workers ||
				strings.TrimSpace(prev.Scheduler.FailureLogEvery) != strings.TrimSpace(next.Scheduler.FailureLogEvery) {
				a.log.Warn("scheduler workers/failure_log_every changed; restart required for changes to take effect")
			}
		case "history":
			a.log.Warn("history config changed; restart required for changes to take effect")
		case "debug":
			dc, err := mapDebugConfig(next)
			if err != nil {
				a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
				break
			}
			a.debug.Reconfigure(ctx, dc)
		case "clients":
			res, err := a.clients.apply(next.Clients)
			if err != nil {
				a.log.Warn("some clients could not be applied", logx.Err(err))
			}
			if !res.empty() {
				a.log.Info("clients reconciled",
					logx.Any("added", res.Added),
					logx.Any("removed", res.Removed),
					logx.Any("retuned", res.Retuned),
					logx.Any("rebuilt", res.Rebuilt),
				)
			}
			a.log.Debug("client config changes detected", logx.Any("clients", changedClients))
		}
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	a.notify(notifyStopping)
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("scheduler", 3*time.Second, a.sched.Stop)
	step("clients", time.Second, func(context.Context) error { return a.clients.closeAll() })
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	// Wait for the recorder before closing its store.
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("history", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.Duration("uptime", time.Since(a.started)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
