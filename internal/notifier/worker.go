package notifier

import (
	"context"
	"math/rand"
	"time"

	logx "cronix/pkg/logx"
)

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

// deliver sends one job, retrying with jittered exponential backoff.
func (s *Service) deliver(ctx context.Context, j job) {
	if j.text == "" {
		return
	}
	cfg, lim := s.snapshot()
	log := s.log.With(logx.Int64("target_id", j.target.ID), logx.String("type", string(j.target.Type)))

	ch, err := s.channel(j.target.Type)
	if err != nil {
		s.publish(EventFailed, j.target, j.key, err.Error())
		log.Info("notification delivery failed", logx.Err(err))
		return
	}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		lastErr = ch.Send(sctx, j.target, j.text)
		cancel()
		if lastErr == nil {
			s.history.add(j.target, j.text)
			s.publish(EventSent, j.target, j.key, "")
			return
		}
		log.Debug("notification send failed", logx.Int("attempt", attempt), logx.Int("of", attempts), logx.Err(lastErr))
		if attempt == attempts {
			break
		}
		if !sleepCtx(ctx, retryDelay(cfg, attempt)) {
			return
		}
	}

	s.publish(EventFailed, j.target, j.key, lastErr.Error())
	// Info, not warn: warn+ lines are forwarded as alerts through this service.
	log.Info("notification delivery failed", logx.Int("attempts", attempts), logx.Err(lastErr))
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := s.store.PutDedup(wctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// retryDelay is the wait after failed attempt n (1-based): RetryBase doubled
// per attempt, capped at RetryMaxDelay, with 0.7x..1.3x jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, cfg.RetryMaxDelay)
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
