package storage

import (
	"context"
	"errors"
	"time"

	"cronix/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrDisabled = errors.New("storage disabled")
)

// Config configures storage.
//
// Driver values: "sqlite" (default), "postgres", "memory".
type Config struct {
	Driver      string
	Path        string        // sqlite only
	DSN         string        // postgres only
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the scheduler, the notifier and the
// HTTP API.
type Store interface {
	CreateTask(ctx context.Context, t *model.Task) error
	UpdateTask(ctx context.Context, t *model.Task) error
	// DeleteTask removes the task and its execution history.
	DeleteTask(ctx context.Context, id int64) error
	GetTask(ctx context.Context, id int64) (model.Task, error)
	ListTasks(ctx context.Context) ([]model.Task, error)
	ListActiveTasks(ctx context.Context) ([]model.Task, error)
	SetNextRunAt(ctx context.Context, id int64, next *time.Time) error

	CreateExecution(ctx context.Context, e model.NewExecution) (int64, error)
	MarkRunning(ctx context.Context, id int64, startedAt time.Time) error
	// CompleteExecution writes the terminal state once; false means the row
	// was already terminal (or does not exist).
	CompleteExecution(ctx context.Context, id int64, c model.Completion) (bool, error)
	MostRecentExecution(ctx context.Context, taskID int64) (*model.Execution, error)
	MostRecentRunning(ctx context.Context, taskID int64) (*model.Execution, error)
	GetExecution(ctx context.Context, id int64) (model.Execution, error)
	ListExecutions(ctx context.Context, f model.ExecutionFilter) (model.ExecutionPage, error)
	// AbandonOpenExecutions fails every pending or running execution left
	// behind by a previous process and returns how many it touched.
	AbandonOpenExecutions(ctx context.Context, at time.Time, reason string) (int64, error)

	CreateTarget(ctx context.Context, t *model.NotifyTarget) error
	UpdateTarget(ctx context.Context, t *model.NotifyTarget) error
	DeleteTarget(ctx context.Context, id int64) error
	GetTarget(ctx context.Context, id int64) (model.NotifyTarget, error)
	ListTargets(ctx context.Context) ([]model.NotifyTarget, error)

	Stats(ctx context.Context) (model.Stats, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

func pageOf(items []model.Execution, total int, f model.ExecutionFilter) model.ExecutionPage {
	if items == nil {
		items = []model.Execution{}
	}
	pages := 0
	if total > 0 {
		pages = (total + f.PageSize - 1) / f.PageSize
	}
	return model.ExecutionPage{Items: items, Total: total, Page: f.Page, PageSize: f.PageSize, TotalPages: pages}
}
