package engine

import (
	"context"
	"time"

	"cronix/internal/model"
	"cronix/internal/task/runner"
)

// Config controls the scheduler core. The app layer maps config.scheduler
// into this struct; Apply swaps it at runtime.
type Config struct {
	// PollInterval is the due-check period. The first pass runs at Start.
	PollInterval time.Duration
	// KillGrace is the wait between SIGTERM and SIGKILL when stopping a process.
	KillGrace time.Duration
	// MaxOutputBytes bounds the captured stdout and stderr of each attempt.
	MaxOutputBytes int
	Interpreters   runner.Interpreters

	// Execution-level persistence writes are retried this many times.
	PersistAttempts int
	PersistTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.KillGrace <= 0 {
		c.KillGrace = runner.DefaultGrace
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = runner.DefaultMaxOutput
	}
	if c.PersistAttempts <= 0 {
		c.PersistAttempts = 3
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 5 * time.Second
	}
	return c
}

// TaskStore is the read side of task persistence the core needs.
// GetTask returns an error matching storage.ErrNotFound for unknown IDs.
type TaskStore interface {
	ListActiveTasks(ctx context.Context) ([]model.Task, error)
	GetTask(ctx context.Context, id int64) (model.Task, error)
	SetNextRunAt(ctx context.Context, id int64, next *time.Time) error
}

// Ledger records execution attempts.
//
// CompleteExecution writes the terminal state at most once; it reports false
// when the row was already terminal. MostRecentRunning returns the newest
// non-terminal (pending or running) execution. Both lookups return nil, nil
// when nothing matches.
type Ledger interface {
	CreateExecution(ctx context.Context, e model.NewExecution) (int64, error)
	MarkRunning(ctx context.Context, id int64, startedAt time.Time) error
	CompleteExecution(ctx context.Context, id int64, c model.Completion) (bool, error)
	MostRecentExecution(ctx context.Context, taskID int64) (*model.Execution, error)
	MostRecentRunning(ctx context.Context, taskID int64) (*model.Execution, error)
}

// Dispatcher delivers execution reports. The strategy filter is applied by
// the dispatcher; errors are logged by the caller and otherwise ignored.
type Dispatcher interface {
	Dispatch(ctx context.Context, targetIDs []int64, strategy model.NotifyStrategy, status model.Status, message string) error
}

// Schedule answers cron questions; *cronclock.Clock implements it.
type Schedule interface {
	Prev(expr string, t time.Time) (time.Time, error)
	Next(expr string, t time.Time) (time.Time, error)
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// RunningInfo describes one in-flight task.
type RunningInfo struct {
	TaskID    int64         `json:"task_id"`
	RunID     string        `json:"run_id"`
	Trigger   model.Trigger `json:"trigger"`
	StartedAt time.Time     `json:"started_at"`
	Attempt   int           `json:"attempt"`
	PID       int           `json:"pid,omitempty"`
}

// ExecutionEvent is published on the event bus for execution lifecycle events.
type ExecutionEvent struct {
	TaskID      int64         `json:"task_id"`
	TaskName    string        `json:"task_name"`
	RunID       string        `json:"run_id"`
	ExecutionID int64         `json:"execution_id,omitempty"`
	Trigger     model.Trigger `json:"trigger"`
	Attempt     int           `json:"attempt"`
	Status      model.Status  `json:"status,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
}

// Event types.
const (
	EventStarted   = "execution.started"
	EventFinished  = "execution.finished"
	EventRetry     = "execution.retry"
	EventCancelled = "execution.cancelled"
)

// runEntry is the running-set slot of one task. proc, attempt and cancelling
// are guarded by Service.mu. A cancelling entry still occupies the slot until
// its execution has finished.
type runEntry struct {
	cancel    context.CancelCauseFunc
	done      chan struct{}
	runID     string
	trigger   model.Trigger
	startedAt time.Time

	attempt    int
	proc       *runner.Process
	cancelling bool
}
