package notifier

import (
	"context"
	"time"

	"cronix/internal/model"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool

	// AlertTargetIDs receive warn+ log lines forwarded by logx.
	AlertTargetIDs []int64
}

const (
	defaultWorkers     = 2
	defaultQueueSize   = 512
	defaultRatePerSec  = 3
	defaultRetryBase   = 500 * time.Millisecond
	defaultRetryMax    = 10 * time.Second
	defaultSendTimeout = 10 * time.Second
	defaultDedupMax    = 2000
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = defaultRatePerSec
	}
	c.RetryMax = max(c.RetryMax, 0)
	if c.RetryBase <= 0 {
		c.RetryBase = defaultRetryBase
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaultRetryMax
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	c.DedupWindow = max(c.DedupWindow, 0)
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = defaultDedupMax
	}
	c.AlertTargetIDs = append([]int64(nil), c.AlertTargetIDs...)
	return c
}

// TargetStore resolves notification target IDs.
type TargetStore interface {
	GetTarget(ctx context.Context, id int64) (model.NotifyTarget, error)
}

// DedupStore persists suppression windows across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
}

type HistoryItem struct {
	At       time.Time        `json:"at"`
	TargetID int64            `json:"target_id"`
	Type     model.TargetType `json:"notify_type"`
	Text     string           `json:"text"`
}

// Event types published on the bus.
const (
	EventQueued  = "notifier.queued"
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
	EventDropped = "notifier.dropped"
	EventDeduped = "notifier.deduped"
)

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
// Keep it small; Data may be logged/serialized by subscribers.
type NotificationEvent struct {
	TargetID int64            `json:"target_id"`
	Type     model.TargetType `json:"notify_type"`
	Key      string           `json:"key"`
	At       time.Time        `json:"at"`
	Error    string           `json:"error,omitempty"`
}
