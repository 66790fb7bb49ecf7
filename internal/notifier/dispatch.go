package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"cronix/internal/eventbus"
	"cronix/internal/model"
)

// Dispatch queues msg for every target in targetIDs when strategy allows the
// terminal status. Delivery itself is asynchronous; the returned error covers
// target resolution and enqueueing only.
func (s *Service) Dispatch(ctx context.Context, targetIDs []int64, strategy model.NotifyStrategy, status model.Status, msg string) error {
	if len(targetIDs) == 0 || !strategy.Allows(status) {
		return nil
	}
	return s.enqueueAll(ctx, targetIDs, msg)
}

// SendAlert forwards an operator alert to the configured alert targets.
// It implements logx.AlertSender.
func (s *Service) SendAlert(ctx context.Context, msg string) error {
	cfg, _ := s.snapshot()
	if len(cfg.AlertTargetIDs) == 0 {
		return ErrNoAlertTarget
	}
	return s.enqueueAll(ctx, cfg.AlertTargetIDs, msg)
}

// enqueueAll resolves each distinct ID and queues msg, collecting every
// failure instead of stopping at the first.
func (s *Service) enqueueAll(ctx context.Context, ids []int64, msg string) error {
	var errs []error
	done := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if done[id] {
			continue
		}
		done[id] = true
		target, err := s.targets.GetTarget(ctx, id)
		if err == nil {
			err = s.Notify(ctx, target, msg)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("notification %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Notify queues text for one resolved target. A duplicate inside the dedup
// window is dropped silently; a full queue is an error.
func (s *Service) Notify(ctx context.Context, target model.NotifyTarget, text string) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	s.mu.Lock()
	switch {
	case !s.cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case s.pipe == nil || !s.pipe.open:
		s.mu.Unlock()
		return ErrStopped
	}
	p, cfg := s.pipe, s.cfg
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	key := dedupKey(target, text)
	if cfg.DedupWindow > 0 && s.suppressed(ctx, key, cfg, p.persist) {
		s.publish(EventDeduped, target, key, "")
		return nil
	}

	s.publish(EventQueued, target, key, "")
	select {
	case p.queue <- job{target: target, text: text, key: key}:
		return nil
	default:
		s.publish(EventDropped, target, key, ErrQueueFull.Error())
		return ErrQueueFull
	}
}

// SendTest delivers a test message to targetID synchronously, bypassing the
// queue and dedup.
func (s *Service) SendTest(ctx context.Context, targetID int64) error {
	target, err := s.targets.GetTarget(ctx, targetID)
	if err != nil {
		return err
	}
	ch, err := s.channel(target.Type)
	if err != nil {
		return err
	}
	cfg, _ := s.snapshot()
	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()

	text := fmt.Sprintf("Cronix test notification\nTarget: %s #%d\nTime: %s",
		target.Type, target.ID, time.Now().Format(time.RFC3339))
	if err := ch.Send(sctx, target, text); err != nil {
		return err
	}
	s.history.add(target, text)
	return nil
}

// Snapshot returns recent successful deliveries, oldest first.
func (s *Service) Snapshot() []HistoryItem { return s.history.items() }

func (s *Service) publish(typ string, target model.NotifyTarget, key, errText string) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: NotificationEvent{
		TargetID: target.ID,
		Type:     target.Type,
		Key:      key,
		At:       now,
		Error:    errText,
	}})
}

// dedupKey identifies "the same text to the same target".
func dedupKey(target model.NotifyTarget, text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(string(target.Type)))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(strconv.FormatInt(target.ID, 10)))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(text))
	return strconv.FormatUint(h.Sum64(), 16)
}
