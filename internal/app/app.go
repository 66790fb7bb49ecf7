package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cronix/internal/config"
	"cronix/internal/eventbus"
	"cronix/internal/httpapi"
	"cronix/internal/model"
	"cronix/internal/notifier"
	rtsup "cronix/internal/runtime/supervisor"
	"cronix/internal/scripts"
	"cronix/internal/storage"
	"cronix/internal/task/cronclock"
	"cronix/internal/task/engine"
	logx "cronix/pkg/logx"
)

// StopReason is logged when the app shuts down.
type StopReason string

const (
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// abandonReason is recorded on executions left open by a previous process.
const abandonReason = "Task cancelled: scheduler restarted"

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	clock *cronclock.Clock

	engine *engine.Service
	notif  *notifier.Service
	api    *httpapi.Server // nil when http.enabled=false

	started time.Time
}

// NewApp loads configuration and wires every component. Nothing runs until
// Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Alerts are forwarded once the notifier exists.
	logSvc, log := logx.New(mapLoggingConfig(cfg), nil)
	appLog := log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver))

	clockOpt, err := mapClockOptions(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	clock := cronclock.New(clockOpt)

	bus := eventbus.New()

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	notif := notifier.New(ncfg, store, log.With(logx.String("comp", "notifier")), bus, store)
	logSvc.SetAlertSender(notif)

	ecfg, err := mapEngineConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	eng := engine.New(ecfg, engine.Deps{
		Tasks:      store,
		Ledger:     store,
		Schedule:   clock,
		Dispatcher: reportDispatcher{notif},
		Bus:        bus,
		Log:        log.With(logx.String("comp", "scheduler")),
	})

	a := &App{
		cfgm:   cfgm,
		log:    appLog,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		clock:  clock,
		engine: eng,
		notif:  notif,
	}

	if cfg.HTTP.Enabled {
		hcfg, err := mapHTTPConfig(cfg)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		lib, err := scripts.New(cfg.Scripts.Dir, mapScriptOptions(ecfg))
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		appLog.Info("script library ready", logx.String("dir", lib.Root()))
		a.api = httpapi.New(hcfg, httpapi.Deps{
			Store:    store,
			Engine:   eng,
			Notifier: notif,
			Cron:     clock,
			Bus:      bus,
			Scripts:  lib,
			Health:   a.Health,
			Log:      log,
		})
	}
	return a, nil
}

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Store exposes the opened store, mainly for tests and one-shot commands.
func (a *App) Store() storage.Store { return a.store }

// APIAddr is the bound HTTP address ("" when the API is disabled or not started).
func (a *App) APIAddr() string {
	if a.api == nil {
		return ""
	}
	return a.api.Addr()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.started = time.Now()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(config.Validate)

	// A previous process may have died mid-run; its executions can never finish.
	n, err := a.store.AbandonOpenExecutions(ctx, time.Now(), abandonReason)
	if err != nil {
		return fmt.Errorf("abandon open executions: %w", err)
	}
	if n > 0 {
		a.log.Warn("marked executions from previous run as failed", logx.Int64("count", n))
	}

	a.notif.Start(a.sup.Context())
	a.engine.Start(a.sup.Context())
	if a.api != nil {
		if err := a.api.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("http api: %w", err)
		}
	}

	// Debug trace of every bus event.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Uint64("seq", e.Seq))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the newest config matters.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("cronix started",
		logx.Int("cron_fields", a.clock.Fields()),
		logx.Bool("http", a.api != nil),
		logx.Bool("notifier", a.notif.Enabled()),
	)
	return nil
}

// applyConfig fans a validated config out to the live components. Sections
// that only take effect on restart are reported and otherwise ignored.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if ecfg, err := mapEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ecfg)
	}

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Health reports component supervisors and storage stats for /api/health.
func (a *App) Health() map[string]any {
	out := map[string]any{
		"uptime": time.Since(a.started).Round(time.Second).String(),
		"supervisors": map[string]rtsup.SupervisorSnapshot{
			"app":       a.sup.Snapshot(),
			"scheduler": a.engine.Supervisor().Snapshot(),
			"notifier":  a.notif.Supervisor().Snapshot(),
		},
	}
	if bs, ok := a.bus.(eventbus.Stats); ok {
		out["events_dropped"] = bs.Dropped()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if st, err := a.store.Stats(ctx); err == nil {
		out["stats"] = st
	} else {
		out["status"] = "degraded"
		out["storage_error"] = err.Error()
	}
	return out
}

// Stop shuts components down in dependency order: the API first so no new
// runs start, then the scheduler so running executions record CANCELLED,
// then the notifier drains, and storage closes last.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > max {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("http", 5*time.Second, func(c context.Context) error {
		if a.api != nil {
			a.api.Stop(c)
		}
		return nil
	})
	step("scheduler", 10*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", 5*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })

	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// reportDispatcher skips execution reports while the notifier is disabled
// instead of surfacing ErrDisabled on every run.
type reportDispatcher struct{ n *notifier.Service }

func (d reportDispatcher) Dispatch(ctx context.Context, targetIDs []int64, strategy model.NotifyStrategy, status model.Status, msg string) error {
	err := d.n.Dispatch(ctx, targetIDs, strategy, status, msg)
	if errors.Is(err, notifier.ErrDisabled) {
		return nil
	}
	return err
}
