package engine

import (
	"context"
	"errors"
	"time"

	"cronix/internal/model"
	"cronix/internal/task/cronclock"
	logx "cronix/pkg/logx"
)

func (s *Service) pollLoop(ctx context.Context, stopCh <-chan struct{}) {
	s.pollOnce(ctx)
	for {
		t := time.NewTimer(s.config().PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-stopCh:
			t.Stop()
			return
		case <-t.C:
		}
		s.pollOnce(ctx)
	}
}

// pollOnce runs one due-check pass over all active tasks.
func (s *Service) pollOnce(ctx context.Context) {
	tasks, err := s.tasks.ListActiveTasks(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("poll: list active tasks failed", logx.Err(err))
		}
		return
	}
	now := s.clock.Now()
	started := 0
	for _, t := range tasks {
		if ctx.Err() != nil {
			return
		}
		if !t.Active || s.isRunning(t.ID) {
			continue
		}
		due, err := s.isDue(ctx, t, now)
		if err != nil {
			s.log.Warn("poll: due check failed", logx.Int64("task_id", t.ID), logx.String("task", t.Name), logx.Err(err))
			continue
		}
		if !due {
			continue
		}
		ok, err := s.launch(t, model.TriggerSchedule)
		if err != nil {
			return
		}
		if ok {
			started++
		}
	}
	s.sweep()
	if started > 0 {
		s.log.Debug("poll: started executions", logx.Int("count", started), logx.Int("tasks", len(tasks)))
	}
}

// isDue reports whether the latest fire instant at or before now is newer
// than the task's most recent execution. A task without executions is due.
func (s *Service) isDue(ctx context.Context, t model.Task, now time.Time) (bool, error) {
	prev, err := s.sched.Prev(t.CronExpr, now)
	if err != nil {
		if errors.Is(err, cronclock.ErrNoFire) {
			return false, nil
		}
		return false, err
	}
	last, err := s.ledger.MostRecentExecution(ctx, t.ID)
	if err != nil {
		return false, err
	}
	if last == nil {
		return true, nil
	}
	return prev.After(last.StartedAt), nil
}

// sweep drops running-set entries whose execution has already finished.
func (s *Service) sweep() {
	s.mu.Lock()
	for id, e := range s.running {
		select {
		case <-e.done:
			delete(s.running, id)
		default:
		}
	}
	s.mu.Unlock()
}
