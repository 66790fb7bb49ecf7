package config

// Config is the root of cronix.yaml / cronix.json.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "1m").
// Omitted fields fall back to the defaults documented on each section.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Storage   StorageConfig   `json:"storage"`
	Scripts   ScriptsConfig   `json:"scripts"`
	HTTP      HTTPConfig      `json:"http"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	Format  string       `json:"format,omitempty"` // console: "text" (default) or "json"
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards warn+ log lines to the notifier's alert targets
// (notifier.alert_target_ids).
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the poll loop and process execution.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "30s"
//   - kill_grace: "5s"
//   - max_output_bytes: 1048576
//   - persist_attempts: 3
//   - persist_timeout: "5s"
//   - seconds: false (5-field cron)
//   - timezone: local time
//
// seconds and timezone change how stored expressions are read and need a
// restart; everything else is applied on reload.
type SchedulerConfig struct {
	PollInterval    string       `json:"poll_interval,omitempty"`
	KillGrace       string       `json:"kill_grace,omitempty"`
	MaxOutputBytes  int          `json:"max_output_bytes,omitempty"`
	PersistAttempts int          `json:"persist_attempts,omitempty"`
	PersistTimeout  string       `json:"persist_timeout,omitempty"`
	Seconds         bool         `json:"seconds,omitempty"`
	Timezone        string       `json:"timezone,omitempty"`
	Interpreters    Interpreters `json:"interpreters,omitempty"`
}

// Interpreters override the binaries used per execution type.
type Interpreters struct {
	Shell  string `json:"shell,omitempty"`
	Python string `json:"python,omitempty"`
	Node   string `json:"node,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled         bool    `json:"enabled"`
	Workers         int     `json:"workers"`
	QueueSize       int     `json:"queue_size"`
	RatePerSec      int     `json:"rate_per_sec"`
	RetryMax        int     `json:"retry_max"`
	RetryBase       string  `json:"retry_base"`
	RetryMaxDelay   string  `json:"retry_max_delay"`
	SendTimeout     string  `json:"send_timeout,omitempty"`
	DedupWindow     string  `json:"dedup_window"`
	DedupMaxEntries int     `json:"dedup_max_entries"`
	PersistDedup    bool    `json:"persist_dedup,omitempty"`
	AlertTargetIDs  []int64 `json:"alert_target_ids,omitempty"`
}

// DefaultNotifier is used when the notifier section is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		SendTimeout:     "10s",
		DedupWindow:     "0s",
		DedupMaxEntries: 2000,
	}
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/cronix.db" }
//	"storage": { "driver": "postgres", "dsn": "host=localhost user=cronix dbname=cronix sslmode=disable" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// ScriptsConfig roots the script library managed through /api/scripts.
// Tasks reference these files by path; run_timeout bounds ad-hoc runs
// (default "300s").
type ScriptsConfig struct {
	Dir        string `json:"dir,omitempty"`
	RunTimeout string `json:"run_timeout,omitempty"`
}

// HTTPConfig controls the operator API.
//
// Security note: the API runs arbitrary commands on behalf of its callers.
// Bind to localhost or set a token.
type HTTPConfig struct {
	Enabled         bool   `json:"enabled"`
	Addr            string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token           string `json:"token,omitempty"` // bearer token (do not log)
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`

	// Pprof serves /debug/pprof on the API listener, behind the token.
	Pprof                bool `json:"pprof,omitempty"`
	MutexProfileFraction int  `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int  `json:"block_profile_rate,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	n := DefaultNotifier()
	return &Config{
		Logging:  LoggingConfig{Level: "info", Console: true},
		Storage:  StorageConfig{Driver: "sqlite", Path: "./cronix.db"},
		Scripts:  ScriptsConfig{Dir: "./data/scripts"},
		HTTP:     HTTPConfig{Enabled: true, Addr: "127.0.0.1:8080"},
		Notifier: &n,
	}
}
