package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CRONIX_"

// LoadDotEnv loads KEY=VALUE pairs from the given files (default ".env") into
// the process environment. Variables that are already set win. Missing files
// are not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// envBinding maps one CRONIX_* variable onto a config field.
type envBinding struct {
	key   string
	apply func(cfg *Config, v string) error
}

func str(dst func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		*dst(cfg) = v
		return nil
	}
}

var envBindings = []envBinding{
	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Logging.Level })},
	{"LOG_FORMAT", str(func(c *Config) *string { return &c.Logging.Format })},
	{"LOG_FILE", func(c *Config, v string) error {
		c.Logging.File.Enabled = v != ""
		c.Logging.File.Path = v
		return nil
	}},
	{"DB_DRIVER", str(func(c *Config) *string { return &c.Storage.Driver })},
	{"DB_PATH", str(func(c *Config) *string { return &c.Storage.Path })},
	{"DATABASE_URL", func(c *Config, v string) error {
		c.Storage.DSN = v
		if strings.TrimSpace(c.Storage.Driver) == "" || c.Storage.Driver == "sqlite" {
			c.Storage.Driver = "postgres"
		}
		return nil
	}},
	{"SCRIPTS_DIR", str(func(c *Config) *string { return &c.Scripts.Dir })},
	{"HTTP_ADDR", str(func(c *Config) *string { return &c.HTTP.Addr })},
	{"API_TOKEN", str(func(c *Config) *string { return &c.HTTP.Token })},
	{"POLL_INTERVAL", str(func(c *Config) *string { return &c.Scheduler.PollInterval })},
	{"TIMEZONE", str(func(c *Config) *string { return &c.Scheduler.Timezone })},
	{"CRON_SECONDS", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.Scheduler.Seconds = b
		return nil
	}},
	{"NOTIFIER_ENABLED", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		if c.Notifier == nil {
			n := DefaultNotifier()
			c.Notifier = &n
		}
		c.Notifier.Enabled = b
		return nil
	}},
}

// applyEnv overlays CRONIX_* variables onto cfg. Empty values are ignored.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		return nil
	}
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.key)
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if err := b.apply(cfg, v); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, b.key, err)
		}
	}
	return nil
}
