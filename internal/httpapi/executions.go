package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"cronix/internal/model"
	"cronix/internal/storage"
)

// executionDetail is one execution plus the task it belongs to. Task is nil
// when the task has since been deleted.
type executionDetail struct {
	model.Execution
	Task *taskView `json:"task"`
}

// listExecutions pages execution history, newest first, optionally filtered
// by task_id and status.
func (s *Server) listExecutions(c *gin.Context) {
	taskID, valid := intQuery(c, "task_id", 0)
	if !valid {
		return
	}
	page, valid := intQuery(c, "page", 1)
	if !valid {
		return
	}
	size, valid := intQuery(c, "page_size", 20)
	if !valid {
		return
	}
	if page < 1 || size < 1 || size > 200 {
		fail(c, http.StatusBadRequest, "page must be >= 1 and page_size between 1 and 200")
		return
	}
	status := model.Status(c.Query("status"))
	if status != "" && !status.Valid() {
		fail(c, http.StatusBadRequest, "Invalid status")
		return
	}

	res, err := s.deps.Store.ListExecutions(c.Request.Context(), model.ExecutionFilter{
		TaskID:   int64(taskID),
		Status:   status,
		Page:     page,
		PageSize: size,
	})
	if err != nil {
		failErr(c, err, "Execution not found")
		return
	}
	ok(c, res)
}

func (s *Server) getExecution(c *gin.Context) {
	id, valid := idParam(c)
	if !valid {
		return
	}
	ctx := c.Request.Context()
	ex, err := s.deps.Store.GetExecution(ctx, id)
	if err != nil {
		failErr(c, err, "Execution not found")
		return
	}
	out := executionDetail{Execution: ex}
	t, err := s.deps.Store.GetTask(ctx, ex.TaskID)
	switch {
	case err == nil:
		v := viewTask(t, s.runningSet()[t.ID])
		out.Task = &v
	case !errors.Is(err, storage.ErrNotFound):
		failErr(c, err, "Execution not found")
		return
	}
	ok(c, out)
}
