package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AlertSender delivers a formatted log line to operators.
type AlertSender interface {
	SendAlert(ctx context.Context, msg string) error
}

const (
	alertMaxLen      = 3500
	alertFieldMaxLen = 600
	alertStackMaxLen = 900
	alertSendTimeout = 15 * time.Second
)

// alertSink is a zerolog.LevelWriter that queues qualifying lines for a
// background sender. Writes never block and never fail.
type alertSink struct {
	queue chan string

	mu       sync.Mutex
	sender   AlertSender
	limiter  *rate.Limiter
	minLevel zerolog.Level
	cancel   context.CancelFunc
	done     chan struct{}
}

func newAlertSink(sender AlertSender) *alertSink {
	return &alertSink{
		queue:    make(chan string, alertQueueDepth),
		sender:   sender,
		minLevel: zerolog.WarnLevel,
		limiter:  rate.NewLimiter(1, 1),
	}
}

func (a *alertSink) setSender(sender AlertSender) {
	a.mu.Lock()
	a.sender = sender
	a.mu.Unlock()
}

// configure updates thresholds and starts the worker on first enable.
func (a *alertSink) configure(cfg AlertConfig) {
	rps := cfg.RatePerSec
	if rps < 1 {
		rps = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.minLevel = ParseLevel(cfg.MinLevel, LevelWarn)
	a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.Enabled && a.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		a.cancel, a.done = cancel, make(chan struct{})
		go a.run(ctx, a.done)
	}
}

func (a *alertSink) stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (a *alertSink) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.queue:
			a.mu.Lock()
			sender := a.sender
			a.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, alertSendTimeout)
			_ = sender.SendAlert(sctx, msg)
			cancel()
		}
	}
}

func (a *alertSink) Write(p []byte) (int, error) { return a.WriteLevel(zerolog.NoLevel, p) }

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	ok := a.sender != nil && level != zerolog.NoLevel && level >= a.minLevel && a.limiter.Allow()
	a.mu.Unlock()
	if !ok {
		return len(p), nil
	}
	if msg := formatAlertJSON(p); msg != "" {
		select {
		case a.queue <- msg:
		default:
		}
	}
	return len(p), nil
}

// formatAlertJSON turns a zerolog JSON line into "[LEVEL] message" followed
// by one "- key=value" line per field, keys sorted. Non-JSON input is sent
// trimmed.
func formatAlertJSON(p []byte) string {
	p = bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return clip(string(p), alertMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", zerolog.MessageFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "stack" {
			fmt.Fprintf(&b, "\n- stack=\n%s", clip(fmt.Sprint(m[k]), alertStackMaxLen))
			continue
		}
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(m[k]), alertFieldMaxLen))
	}
	return clip(b.String(), alertMaxLen)
}

func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
