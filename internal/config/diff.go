package config

import (
	"reflect"
	"sort"
	"strings"

	logx "cronix/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens
// or DSNs), and (3) the changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	restart := make([]string, 0, 3)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	// Scheduler. Cron field count and timezone change how stored
	// expressions are read.
	o, n := oldCfg.Scheduler, newCfg.Scheduler
	if !reflect.DeepEqual(o, n) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.poll_interval", strings.TrimSpace(n.PollInterval)),
			logx.String("scheduler.kill_grace", strings.TrimSpace(n.KillGrace)),
			logx.Int("scheduler.max_output_bytes", n.MaxOutputBytes),
		)
		if o.Seconds != n.Seconds || strings.TrimSpace(o.Timezone) != strings.TrimSpace(n.Timezone) {
			restart = append(restart, "scheduler")
			attrs = append(attrs,
				logx.Bool("scheduler.seconds", n.Seconds),
				logx.String("scheduler.timezone", strings.TrimSpace(n.Timezone)),
			)
		}
	}

	// Notifier (async pipeline)
	// Note: section may be nil (omitted). Treat nil as runtime defaults for a more accurate summary.
	defN := DefaultNotifier()
	oldN, newN := oldCfg.Notifier, newCfg.Notifier
	if oldN == nil {
		oldN = &defN
	}
	if newN == nil {
		newN = &defN
	}
	if !reflect.DeepEqual(*oldN, *newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
			logx.Bool("notifier.persist_dedup", newN.PersistDedup),
			logx.Int("notifier.alert_targets", len(newN.AlertTargetIDs)),
		)
	}

	// Storage (never log the DSN)
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	// Scripts: the directory is bound when the API starts.
	if oldCfg.Scripts != newCfg.Scripts {
		changed = append(changed, "scripts")
		restart = append(restart, "scripts")
		attrs = append(attrs, logx.String("scripts.dir", strings.TrimSpace(newCfg.Scripts.Dir)))
	}

	// HTTP (never log token)
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		restart = append(restart, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
