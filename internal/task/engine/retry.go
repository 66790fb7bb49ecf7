package engine

import (
	"context"
	"time"

	"cronix/internal/model"
)

// retryPolicy is the per-task retry decision: a fixed interval and a bounded
// number of extra attempts after FAILED or TIMEOUT.
type retryPolicy struct {
	count    int
	interval time.Duration
}

func policyFor(t model.Task) retryPolicy {
	p := retryPolicy{count: t.RetryCount, interval: t.RetryInterval}
	if p.count < 0 {
		p.count = 0
	}
	return p
}

// next reports whether attempt (0-based) should be followed by another one.
func (p retryPolicy) next(status model.Status, attempt int) bool {
	if status != model.StatusFailed && status != model.StatusTimeout {
		return false
	}
	return attempt < p.count
}

// wait sleeps for the interval. It returns false if ctx ended first.
func (p retryPolicy) wait(ctx context.Context) bool {
	if p.interval <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(p.interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
