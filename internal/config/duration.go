package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations are stored as Go duration strings ("30s", "1m30s") so the file
// stays readable. An empty string means "unset".

// ParseDurationField parses raw, naming the config path in any error.
// Unset yields 0. Negative values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration (want e.g. 30s or 5m)", path, raw)
	case d < 0:
		return 0, fmt.Errorf("%s: must not be negative", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for an
// unset or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
