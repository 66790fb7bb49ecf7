package model

import (
	"fmt"
	"strings"
	"time"
)

// Kind decides how a task's command string becomes a process invocation.
type Kind string

const (
	KindShell  Kind = "shell"
	KindPython Kind = "python"
	KindNode   Kind = "node"
)

func (k Kind) Valid() bool {
	switch k {
	case KindShell, KindPython, KindNode:
		return true
	}
	return false
}

// NotifyStrategy controls which terminal outcomes produce a notification.
type NotifyStrategy string

const (
	NotifyNever     NotifyStrategy = "never"
	NotifyAlways    NotifyStrategy = "always"
	NotifyOnFailure NotifyStrategy = "on_failure"
)

func (s NotifyStrategy) Valid() bool {
	switch s {
	case NotifyNever, NotifyAlways, NotifyOnFailure:
		return true
	}
	return false
}

// Allows reports whether a terminal status should produce a notification.
func (s NotifyStrategy) Allows(status Status) bool {
	switch s {
	case NotifyAlways:
		return true
	case NotifyOnFailure:
		return status != StatusSuccess
	}
	return false
}

// Bounds for user-editable task settings.
const (
	MinTimeout       = 1 * time.Second
	MaxTimeout       = 3600 * time.Second
	MaxRetryCount    = 5
	MinRetryInterval = 1 * time.Second
	MaxRetryInterval = 600 * time.Second

	DefaultTimeout       = 300 * time.Second
	DefaultRetryInterval = 60 * time.Second
)

// Task is a registered cron job.
//
// Timeout and RetryInterval are stored with second precision; the engine
// itself only sees durations.
type Task struct {
	ID              int64          `json:"id"`
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	CronExpr        string         `json:"cron_expression"`
	Command         string         `json:"command"`
	Kind            Kind           `json:"execution_type"`
	Active          bool           `json:"is_active"`
	Timeout         time.Duration  `json:"-"`
	RetryCount      int            `json:"retry_count"`
	RetryInterval   time.Duration  `json:"-"`
	NotificationIDs []int64        `json:"notification_ids,omitempty"`
	NotifyStrategy  NotifyStrategy `json:"notify_strategy"`
	NextRunAt       *time.Time     `json:"next_run_time,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// FieldError reports an invalid task or target field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Reason }

// ApplyDefaults fills zero-valued settings with the documented defaults.
func (t *Task) ApplyDefaults() {
	if t.Kind == "" {
		t.Kind = KindShell
	}
	if t.Timeout == 0 {
		t.Timeout = DefaultTimeout
	}
	if t.RetryInterval == 0 {
		t.RetryInterval = DefaultRetryInterval
	}
	if t.NotifyStrategy == "" {
		t.NotifyStrategy = NotifyNever
	}
}

// Validate checks field bounds. Cron syntax is checked separately by the
// cron clock because the accepted field count is a deployment setting.
func (t Task) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return &FieldError{Field: "name", Reason: "required"}
	}
	if len(t.Name) > 100 {
		return &FieldError{Field: "name", Reason: "must be at most 100 characters"}
	}
	if strings.TrimSpace(t.CronExpr) == "" {
		return &FieldError{Field: "cron_expression", Reason: "required"}
	}
	if strings.TrimSpace(t.Command) == "" {
		return &FieldError{Field: "command", Reason: "required"}
	}
	if !t.Kind.Valid() {
		return &FieldError{Field: "execution_type", Reason: fmt.Sprintf("unknown kind %q", t.Kind)}
	}
	if t.Timeout < MinTimeout || t.Timeout > MaxTimeout {
		return &FieldError{Field: "timeout", Reason: "must be between 1 and 3600 seconds"}
	}
	if t.RetryCount < 0 || t.RetryCount > MaxRetryCount {
		return &FieldError{Field: "retry_count", Reason: "must be between 0 and 5"}
	}
	if t.RetryInterval < MinRetryInterval || t.RetryInterval > MaxRetryInterval {
		return &FieldError{Field: "retry_interval", Reason: "must be between 1 and 600 seconds"}
	}
	if !t.NotifyStrategy.Valid() {
		return &FieldError{Field: "notify_strategy", Reason: fmt.Sprintf("unknown strategy %q", t.NotifyStrategy)}
	}
	return nil
}

// TimeoutSeconds and RetryIntervalSeconds are the persisted representations.
func (t Task) TimeoutSeconds() int       { return int(t.Timeout / time.Second) }
func (t Task) RetryIntervalSeconds() int { return int(t.RetryInterval / time.Second) }
