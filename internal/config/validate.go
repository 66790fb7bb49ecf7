package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks every field that the runtime would otherwise reject late.
// It is used by `cronix config check` and as the reload validator.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "text", "json":
	default:
		add(fmt.Errorf("logging.format: want text or json, got %q", cfg.Logging.Format))
	}
	if cfg.Logging.Alert.RatePerSec < 0 {
		add(errors.New("logging.alert.rate_per_sec: must be >= 0"))
	}

	s := cfg.Scheduler
	_, err := ParseDurationField("scheduler.poll_interval", s.PollInterval)
	add(err)
	_, err = ParseDurationField("scheduler.kill_grace", s.KillGrace)
	add(err)
	_, err = ParseDurationField("scheduler.persist_timeout", s.PersistTimeout)
	add(err)
	if s.MaxOutputBytes < 0 {
		add(errors.New("scheduler.max_output_bytes: must be >= 0"))
	}
	if s.PersistAttempts < 0 {
		add(errors.New("scheduler.persist_attempts: must be >= 0"))
	}
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	if n := cfg.Notifier; n != nil {
		for path, raw := range map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.send_timeout":    n.SendTimeout,
			"notifier.dedup_window":    n.DedupWindow,
		} {
			_, err := ParseDurationField(path, raw)
			add(err)
		}
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
			add(errors.New("notifier: workers, queue_size, rate_per_sec and retry_max must be >= 0"))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "memory":
	case "postgres", "postgresql":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn: required for postgres"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	_, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)

	if strings.TrimSpace(cfg.Scripts.Dir) == "" {
		add(errors.New("scripts.dir: must not be empty"))
	}
	_, err = ParseDurationField("scripts.run_timeout", cfg.Scripts.RunTimeout)
	add(err)

	h := cfg.HTTP
	if h.Enabled && strings.TrimSpace(h.Addr) == "" {
		add(errors.New("http.addr: required when http is enabled"))
	}
	for path, raw := range map[string]string{
		"http.read_timeout":     h.ReadTimeout,
		"http.write_timeout":    h.WriteTimeout,
		"http.shutdown_timeout": h.ShutdownTimeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	return errors.Join(errs...)
}
