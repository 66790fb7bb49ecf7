package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"cronix/internal/eventbus"
	"cronix/internal/model"
	rtsup "cronix/internal/runtime/supervisor"
	"cronix/internal/storage"
	"cronix/internal/task/runner"
	logx "cronix/pkg/logx"
)

// Deps are the collaborators of the scheduler core.
type Deps struct {
	Tasks      TaskStore
	Ledger     Ledger
	Schedule   Schedule
	Dispatcher Dispatcher   // optional
	Clock      Clock        // optional, defaults to the wall clock
	Bus        eventbus.Bus // optional
	Log        logx.Logger
}

// Service is the scheduler core: it polls for due tasks, owns the running-set
// and drives every execution to a terminal state.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	tasks  TaskStore
	ledger Ledger
	sched  Schedule
	disp   Dispatcher
	clock  Clock

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	// running-set; at most one entry per task ID.
	running map[int64]*runEntry
}

func New(cfg Config, deps Deps) *Service {
	clock := deps.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     deps.Log,
		bus:     deps.Bus,
		tasks:   deps.Tasks,
		ledger:  deps.Ledger,
		sched:   deps.Schedule,
		disp:    deps.Dispatcher,
		clock:   clock,
		running: make(map[int64]*runEntry),
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return cfg
}

// Supervisor returns the core's supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Apply swaps the runtime settings. The poll loop picks up the new interval
// after its current wait; running attempts keep the settings they started with.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()

	// Start is idempotent.
	if s.stopCh != nil {
		// If stopping, wait for it to finish before restarting.
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler"))),
		// a failing execution must never take the scheduler down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	interval := s.cfg.PollInterval
	s.mu.Unlock()

	// The poll loop restarts itself on panic or unexpected exit.
	sup.GoRestart("poll", func(c context.Context) error {
		s.pollLoop(c, stopCh)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("poll loop exited unexpectedly")
	},
		rtsup.WithPublishFirstError(true),
	)

	s.log.Info("scheduler started", logx.Duration("poll_interval", interval))
}

// Stop ends polling, cancels every in-flight execution and waits for them to
// record their terminal state (or for ctx to expire).
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	// If already stopping, wait.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	inflight := len(s.running)
	for _, e := range s.running {
		e.cancel(errShutdown)
	}
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		// Wait unbounded in background; caller can still time out.
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		clear(s.running)
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped", logx.Int("cancelled", inflight))
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Any("err", ctx.Err()))
	}
}

// RunNow starts taskID immediately, regardless of its schedule or active
// flag. It returns false when the task is already running.
func (s *Service) RunNow(ctx context.Context, taskID int64) (bool, error) {
	t, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, ErrTaskNotFound
		}
		return false, fmt.Errorf("load task %d: %w", taskID, err)
	}
	return s.launch(t, model.TriggerManual)
}

// Cancel stops the in-flight execution of taskID, including pending retries.
// It returns false if the task is not running. The running-set slot stays
// taken until the execution has recorded its terminal state, so no new run
// of the task can start while the old process is still exiting.
func (s *Service) Cancel(ctx context.Context, taskID int64) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	e := s.running[taskID]
	if e == nil {
		s.mu.Unlock()
		return false
	}
	first := !e.cancelling
	e.cancelling = true
	proc := e.proc
	grace := s.cfg.KillGrace
	s.mu.Unlock()

	if first {
		e.cancel(errCancelledByUser)
		if proc != nil {
			proc.Stop(grace)
		}
	}

	t := time.NewTimer(grace + time.Second)
	defer t.Stop()
	select {
	case <-e.done:
	case <-t.C:
		s.log.Warn("cancelled execution did not finish in time", logx.Int64("task_id", taskID), logx.String("run_id", e.runID))
	case <-ctx.Done():
	}
	if !first {
		return true
	}

	// The execution normally records CANCELLED itself; this covers the case
	// where it could not (stuck, or ctx expired first).
	s.completeOrphan(ctx, taskID, e.runID)
	s.release(taskID, e)

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventCancelled, Time: s.clock.Now(), Data: ExecutionEvent{TaskID: taskID, RunID: e.runID, Trigger: e.trigger, Status: model.StatusCancelled}})
	}
	s.log.Info("execution cancelled", logx.Int64("task_id", taskID), logx.String("run_id", e.runID))
	return true
}

func (s *Service) completeOrphan(ctx context.Context, taskID int64, runID string) {
	log := s.log.With(logx.Int64("task_id", taskID), logx.String("run_id", runID))
	var ex *model.Execution
	if err := s.persist(ctx, log, "find running execution", func(c context.Context) error {
		var err error
		ex, err = s.ledger.MostRecentRunning(c, taskID)
		return err
	}); err != nil || ex == nil || ex.RunID != runID {
		return
	}
	_ = s.persist(ctx, log, "complete cancelled execution", func(c context.Context) error {
		_, err := s.ledger.CompleteExecution(c, ex.ID, model.Completion{
			Status:     model.StatusCancelled,
			Error:      cancelMessage(errCancelledByUser),
			FinishedAt: s.clock.Now(),
		})
		return err
	})
}

// ListRunning returns the IDs of running tasks in ascending order.
func (s *Service) ListRunning() []int64 {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Running returns a snapshot of the running-set ordered by task ID.
func (s *Service) Running() []RunningInfo {
	s.mu.Lock()
	out := make([]RunningInfo, 0, len(s.running))
	for id, e := range s.running {
		out = append(out, RunningInfo{
			TaskID:    id,
			RunID:     e.runID,
			Trigger:   e.trigger,
			StartedAt: e.startedAt,
			Attempt:   e.attempt,
			PID:       e.proc.Pid(),
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// launch inserts a running-set entry for t and starts its execution. The
// check and the insert happen under one lock hold.
func (s *Service) launch(t model.Task, trigger model.Trigger) (bool, error) {
	s.mu.Lock()
	if s.stopCh == nil || s.stopDone != nil || s.sup == nil {
		s.mu.Unlock()
		return false, ErrStopped
	}
	if _, busy := s.running[t.ID]; busy {
		s.mu.Unlock()
		return false, nil
	}
	sup := s.sup
	ctx, cancel := context.WithCancelCause(sup.Context())
	e := &runEntry{
		cancel:    cancel,
		done:      make(chan struct{}),
		runID:     uuid.NewString(),
		trigger:   trigger,
		startedAt: s.clock.Now(),
	}
	s.running[t.ID] = e
	s.mu.Unlock()

	sup.Go0(fmt.Sprintf("exec.%d", t.ID), func(context.Context) {
		s.execute(ctx, e, t)
	})
	return true, nil
}

// release drops e from the running-set unless it was already removed.
func (s *Service) release(taskID int64, e *runEntry) {
	s.mu.Lock()
	if s.running[taskID] == e {
		delete(s.running, taskID)
	}
	s.mu.Unlock()
}

func (s *Service) isRunning(taskID int64) bool {
	s.mu.Lock()
	_, ok := s.running[taskID]
	s.mu.Unlock()
	return ok
}

func (s *Service) setProc(e *runEntry, attempt int, p *runner.Process) {
	s.mu.Lock()
	e.attempt = attempt
	e.proc = p
	s.mu.Unlock()
}
