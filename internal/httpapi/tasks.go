package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"cronix/internal/model"
	"cronix/internal/storage"
	"cronix/internal/task/engine"
	logx "cronix/pkg/logx"
)

const msgUnknownTargets = "One or more notifications not found"

var errUnknownTargets = errors.New("unknown notification target")

// taskView is the wire form of a task. Durations travel as whole seconds.
type taskView struct {
	model.Task
	Timeout       int  `json:"timeout"`
	RetryInterval int  `json:"retry_interval"`
	Running       bool `json:"is_running"`
}

func viewTask(t model.Task, running bool) taskView {
	if t.NotificationIDs == nil {
		t.NotificationIDs = []int64{}
	}
	return taskView{Task: t, Timeout: t.TimeoutSeconds(), RetryInterval: t.RetryIntervalSeconds(), Running: running}
}

// taskRequest carries a create or a partial update. Absent fields keep
// their current (or default) value.
type taskRequest struct {
	Name            *string               `json:"name"`
	Description     *string               `json:"description"`
	CronExpr        *string               `json:"cron_expression"`
	Command         *string               `json:"command"`
	Kind            *model.Kind           `json:"execution_type"`
	Active          *bool                 `json:"is_active"`
	Timeout         *int                  `json:"timeout"`
	RetryCount      *int                  `json:"retry_count"`
	RetryInterval   *int                  `json:"retry_interval"`
	NotificationIDs *[]int64              `json:"notification_ids"`
	NotifyStrategy  *model.NotifyStrategy `json:"notify_strategy"`
}

// apply copies the present fields onto t. Second counts are range-checked
// before conversion so oversized inputs cannot wrap.
func (r taskRequest) apply(t *model.Task) error {
	if r.Name != nil {
		t.Name = *r.Name
	}
	if r.Description != nil {
		t.Description = *r.Description
	}
	if r.CronExpr != nil {
		t.CronExpr = *r.CronExpr
	}
	if r.Command != nil {
		t.Command = *r.Command
	}
	if r.Kind != nil {
		t.Kind = *r.Kind
	}
	if r.Active != nil {
		t.Active = *r.Active
	}
	if r.Timeout != nil {
		if !secondsInRange(*r.Timeout, model.MinTimeout, model.MaxTimeout) {
			return &model.FieldError{Field: "timeout", Reason: "must be between 1 and 3600 seconds"}
		}
		t.Timeout = time.Duration(*r.Timeout) * time.Second
	}
	if r.RetryCount != nil {
		t.RetryCount = *r.RetryCount
	}
	if r.RetryInterval != nil {
		if !secondsInRange(*r.RetryInterval, model.MinRetryInterval, model.MaxRetryInterval) {
			return &model.FieldError{Field: "retry_interval", Reason: "must be between 1 and 600 seconds"}
		}
		t.RetryInterval = time.Duration(*r.RetryInterval) * time.Second
	}
	if r.NotificationIDs != nil {
		t.NotificationIDs = uniqueIDs(*r.NotificationIDs)
	}
	if r.NotifyStrategy != nil {
		t.NotifyStrategy = *r.NotifyStrategy
	}
	return nil
}

func secondsInRange(n int, lo, hi time.Duration) bool {
	return n >= int(lo/time.Second) && n <= int(hi/time.Second)
}

func uniqueIDs(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (s *Server) runningSet() map[int64]bool {
	ids := s.deps.Engine.ListRunning()
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func (s *Server) listTasks(c *gin.Context) {
	tasks, err := s.deps.Store.ListTasks(c.Request.Context())
	if err != nil {
		failErr(c, err, "Task not found")
		return
	}
	running := s.runningSet()
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, viewTask(t, running[t.ID]))
	}
	ok(c, out)
}

func (s *Server) getTask(c *gin.Context) {
	id, valid := idParam(c)
	if !valid {
		return
	}
	t, err := s.deps.Store.GetTask(c.Request.Context(), id)
	if err != nil {
		failErr(c, err, "Task not found")
		return
	}
	ok(c, viewTask(t, s.runningSet()[id]))
}

func (s *Server) createTask(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	t := model.Task{Active: true}
	if err := req.apply(&t); err != nil {
		failErr(c, err, "Task not found")
		return
	}
	t.ApplyDefaults()
	if !s.prepareTask(c, &t) {
		return
	}
	if err := s.deps.Store.CreateTask(c.Request.Context(), &t); err != nil {
		failErr(c, err, "Task not found")
		return
	}
	s.log.Info("task created", logx.Int64("task_id", t.ID), logx.String("name", t.Name), logx.String("cron", t.CronExpr))
	respond(c, http.StatusCreated, "Success", viewTask(t, false))
}

func (s *Server) updateTask(c *gin.Context) {
	id, valid := idParam(c)
	if !valid {
		return
	}
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	ctx := c.Request.Context()
	t, err := s.deps.Store.GetTask(ctx, id)
	if err != nil {
		failErr(c, err, "Task not found")
		return
	}
	if err := req.apply(&t); err != nil {
		failErr(c, err, "Task not found")
		return
	}
	if !s.prepareTask(c, &t) {
		return
	}
	if err := s.deps.Store.UpdateTask(ctx, &t); err != nil {
		failErr(c, err, "Task not found")
		return
	}
	s.log.Info("task updated", logx.Int64("task_id", t.ID), logx.Bool("active", t.Active))
	ok(c, viewTask(t, s.runningSet()[id]))
}

// prepareTask validates t and recomputes its next fire time. It answers the
// request and returns false on failure.
func (s *Server) prepareTask(c *gin.Context, t *model.Task) bool {
	if err := t.Validate(); err != nil {
		failErr(c, err, "Task not found")
		return false
	}
	if err := s.deps.Cron.Validate(t.CronExpr); err != nil {
		fail(c, http.StatusBadRequest, "Invalid cron expression: "+err.Error())
		return false
	}
	if err := s.checkTargets(c.Request.Context(), t.NotificationIDs); err != nil {
		if errors.Is(err, errUnknownTargets) {
			fail(c, http.StatusBadRequest, msgUnknownTargets)
		} else {
			failErr(c, err, "Notification not found")
		}
		return false
	}
	t.NextRunAt = nil
	if t.Active {
		if next, err := s.deps.Cron.Next(t.CronExpr, s.deps.Now()); err == nil {
			t.NextRunAt = &next
		}
	}
	return true
}

func (s *Server) checkTargets(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		if _, err := s.deps.Store.GetTarget(ctx, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return errUnknownTargets
			}
			return err
		}
	}
	return nil
}

// deleteTask cancels a running execution before removing the task and its
// history.
func (s *Server) deleteTask(c *gin.Context) {
	id, valid := idParam(c)
	if !valid {
		return
	}
	ctx := c.Request.Context()
	if _, err := s.deps.Store.GetTask(ctx, id); err != nil {
		failErr(c, err, "Task not found")
		return
	}
	cancelled := s.deps.Engine.Cancel(ctx, id)
	if err := s.deps.Store.DeleteTask(ctx, id); err != nil {
		failErr(c, err, "Task not found")
		return
	}
	s.log.Info("task deleted", logx.Int64("task_id", id), logx.Bool("cancelled_run", cancelled))
	respond(c, http.StatusOK, fmt.Sprintf("Task %d deleted", id), nil)
}

func (s *Server) runTask(c *gin.Context) {
	id, valid := idParam(c)
	if !valid {
		return
	}
	started, err := s.deps.Engine.RunNow(c.Request.Context(), id)
	switch {
	case errors.Is(err, engine.ErrTaskNotFound):
		fail(c, http.StatusNotFound, "Task not found")
	case errors.Is(err, engine.ErrStopped):
		fail(c, http.StatusServiceUnavailable, "Scheduler is not running")
	case err != nil:
		failErr(c, err, "Task not found")
	case !started:
		fail(c, http.StatusConflict, "Task is already running")
	default:
		respond(c, http.StatusAccepted, fmt.Sprintf("Task %d started", id), gin.H{"task_id": id})
	}
}

func (s *Server) cancelTask(c *gin.Context) {
	id, valid := idParam(c)
	if !valid {
		return
	}
	ctx := c.Request.Context()
	if _, err := s.deps.Store.GetTask(ctx, id); err != nil {
		failErr(c, err, "Task not found")
		return
	}
	if !s.deps.Engine.Cancel(ctx, id) {
		fail(c, http.StatusBadRequest, "Task is not currently running")
		return
	}
	respond(c, http.StatusOK, fmt.Sprintf("Task %d cancelled successfully", id), gin.H{"task_id": id})
}

// listRunning returns running task IDs, or full run details with ?detail=true.
func (s *Server) listRunning(c *gin.Context) {
	if c.Query("detail") == "true" || c.Query("detail") == "1" {
		ok(c, s.deps.Engine.Running())
		return
	}
	ok(c, s.deps.Engine.ListRunning())
}

// taskExecutions returns the newest 50 executions of one task.
func (s *Server) taskExecutions(c *gin.Context) {
	id, valid := idParam(c)
	if !valid {
		return
	}
	ctx := c.Request.Context()
	if _, err := s.deps.Store.GetTask(ctx, id); err != nil {
		failErr(c, err, "Task not found")
		return
	}
	page, err := s.deps.Store.ListExecutions(ctx, model.ExecutionFilter{TaskID: id, Page: 1, PageSize: 50})
	if err != nil {
		failErr(c, err, "Task not found")
		return
	}
	ok(c, page.Items)
}
