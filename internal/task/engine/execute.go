package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cronix/internal/eventbus"
	"cronix/internal/model"
	"cronix/internal/task/runner"
	logx "cronix/pkg/logx"
)

// attemptResult is the outcome of one attempt.
type attemptResult struct {
	status   model.Status
	stdout   string
	stderr   string
	errText  string
	duration time.Duration
}

// execute owns one due-event: every attempt, the retry waits between them,
// and the final report. It runs on its own goroutine.
func (s *Service) execute(ctx context.Context, e *runEntry, t model.Task) {
	defer close(e.done)
	defer s.release(t.ID, e)

	cfg := s.config()
	policy := policyFor(t)
	log := s.log.With(logx.Int64("task_id", t.ID), logx.String("task", t.Name), logx.String("run_id", e.runID))

	var (
		execID int64
		last   attemptResult
		tries  int
	)
	for attempt := 0; ; attempt++ {
		tries = attempt + 1
		started := s.clock.Now()
		if execID == 0 {
			id, err := s.createExecution(ctx, log, t.ID, e, attempt, model.StatusRunning, started)
			if err != nil {
				return
			}
			execID = id
		} else if err := s.persist(ctx, log, "mark execution running", func(c context.Context) error {
			return s.ledger.MarkRunning(c, execID, started)
		}); err != nil {
			return
		}

		s.publish(EventStarted, ExecutionEvent{TaskID: t.ID, TaskName: t.Name, RunID: e.runID, ExecutionID: execID, Trigger: e.trigger, Attempt: attempt, Status: model.StatusRunning})
		log.Info("execution started", logx.Int64("execution_id", execID), logx.Int("attempt", attempt), logx.String("trigger", string(e.trigger)))

		last = s.runAttempt(ctx, e, t, attempt, cfg)
		s.complete(ctx, log, execID, last)
		s.publish(EventFinished, ExecutionEvent{TaskID: t.ID, TaskName: t.Name, RunID: e.runID, ExecutionID: execID, Trigger: e.trigger, Attempt: attempt, Status: last.status, Error: last.errText, Duration: last.duration})
		log.Info("execution finished", logx.Int64("execution_id", execID), logx.Int("attempt", attempt), logx.String("status", string(last.status)), logx.Duration("duration", last.duration))

		if last.status == model.StatusSuccess {
			s.updateNextRun(ctx, log, t)
			break
		}
		if !policy.next(last.status, attempt) {
			break
		}

		// The next attempt is recorded as PENDING while it waits, so a cancel
		// during the wait has a row to land on.
		pendingID, err := s.createExecution(ctx, log, t.ID, e, attempt+1, model.StatusPending, s.clock.Now())
		if err != nil {
			break
		}
		execID = pendingID
		s.publish(EventRetry, ExecutionEvent{TaskID: t.ID, TaskName: t.Name, RunID: e.runID, ExecutionID: execID, Trigger: e.trigger, Attempt: attempt + 1, Status: model.StatusPending, Error: last.errText})
		log.Warn("execution will be retried", logx.Int("next_attempt", attempt+1), logx.Int("retry_count", policy.count), logx.Duration("interval", policy.interval), logx.String("reason", string(last.status)))

		if !policy.wait(ctx) {
			last = attemptResult{status: model.StatusCancelled, errText: cancelMessage(context.Cause(ctx))}
			s.complete(ctx, log, execID, last)
			tries = attempt + 2
			break
		}
	}

	s.report(ctx, log, t, tries, last)
}

// runAttempt spawns the task's command and waits for it.
func (s *Service) runAttempt(ctx context.Context, e *runEntry, t model.Task, attempt int, cfg Config) attemptResult {
	start := time.Now()
	if ctx.Err() != nil {
		return attemptResult{status: model.StatusCancelled, errText: cancelMessage(context.Cause(ctx))}
	}
	name, args, err := runner.CommandFor(t.Kind, t.Command, cfg.Interpreters)
	if err != nil {
		return attemptResult{status: model.StatusFailed, errText: err.Error()}
	}
	proc, err := runner.Start(runner.Spec{Name: name, Args: args, MaxOutput: cfg.MaxOutputBytes})
	if err != nil {
		return attemptResult{status: model.StatusFailed, errText: err.Error(), duration: time.Since(start)}
	}
	s.setProc(e, attempt, proc)
	res, err := proc.Await(ctx, t.Timeout, cfg.KillGrace)
	s.setProc(e, attempt, nil)

	out := attemptResult{stdout: res.Stdout, stderr: res.Stderr, duration: time.Since(start)}
	var exitErr *runner.ExitError
	switch {
	case err == nil:
		out.status = model.StatusSuccess
	case errors.Is(err, runner.ErrTimeout):
		out.status = model.StatusTimeout
		out.errText = fmt.Sprintf("Task execution timeout after %d seconds", int(t.Timeout/time.Second))
	case errors.Is(err, runner.ErrCanceled):
		out.status = model.StatusCancelled
		out.errText = cancelMessage(context.Cause(ctx))
	case errors.As(err, &exitErr):
		out.status = model.StatusFailed
		out.errText = exitErr.Error()
	default:
		out.status = model.StatusFailed
		out.errText = err.Error()
	}
	return out
}

func (s *Service) createExecution(ctx context.Context, log logx.Logger, taskID int64, e *runEntry, attempt int, status model.Status, at time.Time) (int64, error) {
	var id int64
	err := s.persist(ctx, log, "create execution", func(c context.Context) error {
		var err error
		id, err = s.ledger.CreateExecution(c, model.NewExecution{
			TaskID:       taskID,
			RunID:        e.runID,
			Trigger:      e.trigger,
			Status:       status,
			RetryAttempt: attempt,
			StartedAt:    at,
		})
		return err
	})
	return id, err
}

func (s *Service) complete(ctx context.Context, log logx.Logger, execID int64, r attemptResult) {
	_ = s.persist(ctx, log, "complete execution", func(c context.Context) error {
		_, err := s.ledger.CompleteExecution(c, execID, model.Completion{
			Status:     r.status,
			Stdout:     r.stdout,
			Stderr:     r.stderr,
			Error:      r.errText,
			FinishedAt: s.clock.Now(),
		})
		return err
	})
}

func (s *Service) updateNextRun(ctx context.Context, log logx.Logger, t model.Task) {
	next, err := s.sched.Next(t.CronExpr, s.clock.Now())
	if err != nil {
		log.Warn("next run computation failed", logx.Err(err))
		return
	}
	_ = s.persist(ctx, log, "set next run", func(c context.Context) error {
		return s.tasks.SetNextRunAt(c, t.ID, &next)
	})
}

// persist runs a store write on a context that survives cancellation of the
// execution, retrying with a short linear backoff.
func (s *Service) persist(ctx context.Context, log logx.Logger, op string, fn func(ctx context.Context) error) error {
	cfg := s.config()
	base := context.WithoutCancel(ctx)
	var err error
	for i := 1; i <= cfg.PersistAttempts; i++ {
		c, cancel := context.WithTimeout(base, cfg.PersistTimeout)
		err = fn(c)
		cancel()
		if err == nil {
			return nil
		}
		if i < cfg.PersistAttempts {
			log.Warn("persist failed, retrying", logx.String("op", op), logx.Int("attempt", i), logx.Err(err))
			time.Sleep(time.Duration(i) * 200 * time.Millisecond)
		}
	}
	log.Error("persist failed", logx.String("op", op), logx.Err(err))
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Service) publish(typ string, ev ExecutionEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: ev})
}

func (s *Service) report(ctx context.Context, log logx.Logger, t model.Task, attempts int, r attemptResult) {
	if s.disp == nil || len(t.NotificationIDs) == 0 || !t.NotifyStrategy.Allows(r.status) {
		return
	}
	msg := ReportMessage(t, attempts, r.status, r.stdout, r.errText, r.duration)
	if err := s.disp.Dispatch(context.WithoutCancel(ctx), t.NotificationIDs, t.NotifyStrategy, r.status, msg); err != nil {
		log.Warn("notification dispatch failed", logx.Err(err))
	}
}

const maxReportOutput = 3000

// ReportMessage renders the execution report sent to notification targets.
func ReportMessage(t model.Task, attempts int, status model.Status, output, errText string, d time.Duration) string {
	var b strings.Builder
	b.WriteString("Task Execution Report\n")
	b.WriteString("━━━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(&b, "Task: %s\n", t.Name)
	fmt.Fprintf(&b, "ID: %d\n", t.ID)
	fmt.Fprintf(&b, "Status: %s\n", strings.ToUpper(string(status)))
	if attempts > 1 {
		fmt.Fprintf(&b, "Attempts: %d\n", attempts)
	}
	fmt.Fprintf(&b, "Duration: %s\n", d.Round(time.Millisecond))
	if errText != "" {
		fmt.Fprintf(&b, "Error: %s\n", errText)
	}
	output = strings.TrimSpace(output)
	if output == "" {
		output = "(no output)"
	}
	if len(output) > maxReportOutput {
		output = "..." + output[len(output)-maxReportOutput:]
	}
	b.WriteString("Output:\n")
	b.WriteString(output)
	return b.String()
}
