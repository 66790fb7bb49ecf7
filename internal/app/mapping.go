package app

import (
	"fmt"
	"strings"
	"time"

	"cronix/internal/config"
	"cronix/internal/httpapi"
	"cronix/internal/notifier"
	"cronix/internal/scripts"
	"cronix/internal/storage"
	"cronix/internal/task/cronclock"
	"cronix/internal/task/engine"
	"cronix/internal/task/runner"
	logx "cronix/pkg/logx"
)

// The map* helpers translate the file/env config into each component's
// runtime config. Zero values are left for the components' own defaults.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		Format:  l.Format,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	s := cfg.Scheduler
	poll, err := config.ParseDurationField("scheduler.poll_interval", s.PollInterval)
	if err != nil {
		return engine.Config{}, err
	}
	grace, err := config.ParseDurationField("scheduler.kill_grace", s.KillGrace)
	if err != nil {
		return engine.Config{}, err
	}
	persist, err := config.ParseDurationField("scheduler.persist_timeout", s.PersistTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		PollInterval:   poll,
		KillGrace:      grace,
		MaxOutputBytes: s.MaxOutputBytes,
		Interpreters: runner.Interpreters{
			Shell:  s.Interpreters.Shell,
			Python: s.Interpreters.Python,
			Node:   s.Interpreters.Node,
		},
		PersistAttempts: s.PersistAttempts,
		PersistTimeout:  persist,
	}, nil
}

// mapClockOptions reads the cron dialect. It is fixed for the process
// lifetime because stored expressions depend on it.
func mapClockOptions(cfg *config.Config) (cronclock.Options, error) {
	opt := cronclock.Options{Seconds: cfg.Scheduler.Seconds}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return cronclock.Options{}, fmt.Errorf("scheduler.timezone: %w", err)
		}
		opt.Location = loc
	}
	return opt, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := config.DefaultNotifier()
	if cfg.Notifier != nil {
		n = *cfg.Notifier
	}
	out := notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
		AlertTargetIDs:  append([]int64(nil), n.AlertTargetIDs...),
	}
	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second); err != nil {
		return notifier.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationOrDefault("notifier.send_timeout", n.SendTimeout, 10*time.Second); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	out := httpapi.Config{
		Addr:  strings.TrimSpace(h.Addr),
		Token: strings.TrimSpace(h.Token),
		Pprof: h.Pprof,
		ProfileRates: httpapi.ProfileRates{
			MutexFraction: h.MutexProfileFraction,
			BlockRate:     h.BlockProfileRate,
		},
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("http.read_timeout", h.ReadTimeout); err != nil {
		return httpapi.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("http.write_timeout", h.WriteTimeout); err != nil {
		return httpapi.Config{}, err
	}
	if out.ShutdownTimeout, err = config.ParseDurationField("http.shutdown_timeout", h.ShutdownTimeout); err != nil {
		return httpapi.Config{}, err
	}
	if out.ScriptRunTimeout, err = config.ParseDurationOrDefault("scripts.run_timeout", cfg.Scripts.RunTimeout, scripts.DefaultRunTimeout); err != nil {
		return httpapi.Config{}, err
	}
	return out, nil
}

// mapScriptOptions runs library scripts with the scheduler's interpreters
// and output bounds.
func mapScriptOptions(ecfg engine.Config) scripts.Options {
	return scripts.Options{
		Interpreters: ecfg.Interpreters,
		MaxOutput:    ecfg.MaxOutputBytes,
		KillGrace:    ecfg.KillGrace,
	}
}
