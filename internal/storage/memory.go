package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cronix/internal/model"
)

// Memory is an in-process Store. Nothing survives a restart.
type Memory struct {
	mu sync.Mutex

	tasks   map[int64]model.Task
	execs   map[int64]model.Execution
	targets map[int64]model.NotifyTarget
	dedup   map[string]time.Time

	nextTask, nextExec, nextTarget int64
}

func NewMemory() *Memory {
	return &Memory{
		tasks:   make(map[int64]model.Task),
		execs:   make(map[int64]model.Execution),
		targets: make(map[int64]model.NotifyTarget),
		dedup:   make(map[string]time.Time),
	}
}

func (m *Memory) Close() error { return nil }

func cloneTask(t model.Task) model.Task {
	t.NotificationIDs = append([]int64(nil), t.NotificationIDs...)
	if len(t.NotificationIDs) == 0 {
		t.NotificationIDs = nil
	}
	if t.NextRunAt != nil {
		n := *t.NextRunAt
		t.NextRunAt = &n
	}
	return t
}

func (m *Memory) CreateTask(_ context.Context, t *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTask++
	now := time.Now()
	t.ID = m.nextTask
	t.CreatedAt, t.UpdatedAt = now, now
	m.tasks[t.ID] = cloneTask(*t)
	return nil
}

func (m *Memory) UpdateTask(_ context.Context, t *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.tasks[t.ID]
	if !ok {
		return fmt.Errorf("task %d: %w", t.ID, ErrNotFound)
	}
	t.CreatedAt = old.CreatedAt
	t.UpdatedAt = time.Now()
	m.tasks[t.ID] = cloneTask(*t)
	return nil
}

func (m *Memory) DeleteTask(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	delete(m.tasks, id)
	for eid, e := range m.execs {
		if e.TaskID == id {
			delete(m.execs, eid)
		}
	}
	return nil
}

func (m *Memory) GetTask(_ context.Context, id int64) (model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return model.Task{}, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return cloneTask(t), nil
}

func (m *Memory) ListTasks(_ context.Context) ([]model.Task, error) {
	return m.listTasks(false), nil
}

func (m *Memory) ListActiveTasks(_ context.Context) ([]model.Task, error) {
	return m.listTasks(true), nil
}

func (m *Memory) listTasks(activeOnly bool) []model.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if activeOnly && !t.Active {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) SetNextRunAt(_ context.Context, id int64, next *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if next != nil {
		n := *next
		t.NextRunAt = &n
	} else {
		t.NextRunAt = nil
	}
	m.tasks[id] = t
	return nil
}

func (m *Memory) CreateExecution(_ context.Context, e model.NewExecution) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := e.Status
	if status == "" {
		status = model.StatusRunning
	}
	m.nextExec++
	m.execs[m.nextExec] = model.Execution{
		ID:           m.nextExec,
		TaskID:       e.TaskID,
		RunID:        e.RunID,
		Trigger:      e.Trigger,
		Status:       status,
		RetryAttempt: e.RetryAttempt,
		StartedAt:    e.StartedAt,
	}
	return m.nextExec, nil
}

func (m *Memory) MarkRunning(_ context.Context, id int64, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[id]
	if !ok || e.FinishedAt != nil {
		return fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	e.Status = model.StatusRunning
	e.StartedAt = startedAt
	m.execs[id] = e
	return nil
}

func (m *Memory) CompleteExecution(_ context.Context, id int64, c model.Completion) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[id]
	if !ok || e.FinishedAt != nil {
		return false, nil
	}
	fin := c.FinishedAt
	d := model.DurationSeconds(e.StartedAt, fin)
	e.Status = c.Status
	e.Stdout = c.Stdout
	e.Stderr = c.Stderr
	e.Error = c.Error
	e.FinishedAt = &fin
	e.Duration = &d
	m.execs[id] = e
	return true, nil
}

// sortedExecs returns matching executions newest first.
func (m *Memory) sortedExecs(keep func(model.Execution) bool) []model.Execution {
	var out []model.Execution
	for _, e := range m.execs {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (m *Memory) MostRecentExecution(_ context.Context, taskID int64) (*model.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.sortedExecs(func(e model.Execution) bool { return e.TaskID == taskID })
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

func (m *Memory) MostRecentRunning(_ context.Context, taskID int64) (*model.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.sortedExecs(func(e model.Execution) bool { return e.TaskID == taskID && e.FinishedAt == nil })
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

func (m *Memory) GetExecution(_ context.Context, id int64) (model.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[id]
	if !ok {
		return model.Execution{}, fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	return e, nil
}

func (m *Memory) ListExecutions(_ context.Context, f model.ExecutionFilter) (model.ExecutionPage, error) {
	f = f.Normalize()
	m.mu.Lock()
	list := m.sortedExecs(func(e model.Execution) bool {
		if f.TaskID > 0 && e.TaskID != f.TaskID {
			return false
		}
		return f.Status == "" || e.Status == f.Status
	})
	m.mu.Unlock()

	total := len(list)
	from := min(f.Offset(), total)
	to := min(from+f.PageSize, total)
	return pageOf(list[from:to], total, f), nil
}

func (m *Memory) AbandonOpenExecutions(_ context.Context, at time.Time, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.execs {
		if e.FinishedAt != nil {
			continue
		}
		fin := at
		d := model.DurationSeconds(e.StartedAt, fin)
		e.Status = model.StatusFailed
		e.Error = reason
		e.FinishedAt = &fin
		e.Duration = &d
		m.execs[id] = e
		n++
	}
	return n, nil
}

func (m *Memory) CreateTarget(_ context.Context, t *model.NotifyTarget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTarget++
	now := time.Now()
	t.ID = m.nextTarget
	t.CreatedAt, t.UpdatedAt = now, now
	m.targets[t.ID] = *t
	return nil
}

func (m *Memory) UpdateTarget(_ context.Context, t *model.NotifyTarget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.targets[t.ID]
	if !ok {
		return fmt.Errorf("notification %d: %w", t.ID, ErrNotFound)
	}
	t.CreatedAt = old.CreatedAt
	t.UpdatedAt = time.Now()
	m.targets[t.ID] = *t
	return nil
}

func (m *Memory) DeleteTarget(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.targets[id]; !ok {
		return fmt.Errorf("notification %d: %w", id, ErrNotFound)
	}
	delete(m.targets, id)
	return nil
}

func (m *Memory) GetTarget(_ context.Context, id int64) (model.NotifyTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok {
		return model.NotifyTarget{}, fmt.Errorf("notification %d: %w", id, ErrNotFound)
	}
	return t, nil
}

func (m *Memory) ListTargets(_ context.Context) ([]model.NotifyTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.NotifyTarget, 0, len(m.targets))
	for _, t := range m.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Stats(_ context.Context) (model.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st model.Stats
	for _, t := range m.tasks {
		st.TotalTasks++
		if t.Active {
			st.ActiveTasks++
		}
	}
	for _, e := range m.execs {
		addStatusCount(&st, e.Status, 1)
	}
	st.Finalize()
	return st, nil
}

func (m *Memory) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	m.dedup[key] = until
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.dedup[key]
	return until, ok, nil
}
