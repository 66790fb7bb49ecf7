package model

import "time"

// Status is the lifecycle state of one execution attempt.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	return s == StatusPending || s == StatusRunning || s.Terminal()
}

// Trigger records why a run was started.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// Execution is one attempt of a task. Attempts of the same due-event share RunID.
type Execution struct {
	ID           int64      `json:"id"`
	TaskID       int64      `json:"task_id"`
	RunID        string     `json:"run_id"`
	Trigger      Trigger    `json:"trigger"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Status       Status     `json:"status"`
	Stdout       string     `json:"output,omitempty"`
	Stderr       string     `json:"stderr,omitempty"`
	Error        string     `json:"error,omitempty"`
	RetryAttempt int        `json:"retry_attempt"`
	Duration     *int       `json:"duration,omitempty"`
}

// NewExecution describes a row to insert. Status is StatusRunning for an
// attempt starting now, or StatusPending for a retry waiting out its interval.
type NewExecution struct {
	TaskID       int64
	RunID        string
	Trigger      Trigger
	Status       Status
	RetryAttempt int
	StartedAt    time.Time
}

// Completion is the terminal write for an execution.
type Completion struct {
	Status     Status
	Stdout     string
	Stderr     string
	Error      string
	FinishedAt time.Time
}

// DurationSeconds returns the whole-second duration between start and finish.
func DurationSeconds(started, finished time.Time) int {
	d := finished.Sub(started)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

// ExecutionFilter selects execution history pages.
type ExecutionFilter struct {
	TaskID   int64
	Status   Status
	Page     int
	PageSize int
}

// Normalize clamps paging to the accepted range (page >= 1, 1 <= size <= 200).
func (f ExecutionFilter) Normalize() ExecutionFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = 20
	}
	if f.PageSize > 200 {
		f.PageSize = 200
	}
	return f
}

func (f ExecutionFilter) Offset() int { return (f.Page - 1) * f.PageSize }

// ExecutionPage is one page of execution history.
type ExecutionPage struct {
	Items      []Execution `json:"items"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	TotalPages int         `json:"total_pages"`
}

// Stats is the dashboard summary.
type Stats struct {
	TotalTasks          int      `json:"total_tasks"`
	ActiveTasks         int      `json:"active_tasks"`
	InactiveTasks       int      `json:"inactive_tasks"`
	TotalExecutions     int      `json:"total_executions"`
	SuccessExecutions   int      `json:"success_executions"`
	FailedExecutions    int      `json:"failed_executions"`
	TimeoutExecutions   int      `json:"timeout_executions"`
	CancelledExecutions int      `json:"cancelled_executions"`
	RunningExecutions   int      `json:"running_executions"`
	SuccessRate         *float64 `json:"success_rate"`
}

// Finalize derives InactiveTasks and SuccessRate from the raw counts.
func (s *Stats) Finalize() {
	s.InactiveTasks = s.TotalTasks - s.ActiveTasks
	s.SuccessRate = nil
	if s.TotalExecutions > 0 {
		r := float64(s.SuccessExecutions) / float64(s.TotalExecutions) * 100
		r = float64(int64(r*100+0.5)) / 100
		s.SuccessRate = &r
	}
}
