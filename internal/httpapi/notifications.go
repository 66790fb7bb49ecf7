package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	"cronix/internal/model"
	"cronix/internal/notifier"
	"cronix/internal/storage"
	logx "cronix/pkg/logx"
)

type targetRequest struct {
	Type   model.TargetType `json:"notify_type"`
	Name   string           `json:"name"`
	Config json.RawMessage  `json:"config"`
}

func (s *Server) listTargets(c *gin.Context) {
	targets, err := s.deps.Store.ListTargets(c.Request.Context())
	if err != nil {
		failErr(c, err, "Notification not found")
		return
	}
	if targets == nil {
		targets = []model.NotifyTarget{}
	}
	ok(c, targets)
}

func (s *Server) createTarget(c *gin.Context) {
	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	t := model.NotifyTarget{Type: req.Type, Name: req.Name, Config: req.Config}
	if err := t.Validate(); err != nil {
		failErr(c, err, "Notification not found")
		return
	}
	if err := s.deps.Store.CreateTarget(c.Request.Context(), &t); err != nil {
		failErr(c, err, "Notification not found")
		return
	}
	s.log.Info("notification target created", logx.Int64("target_id", t.ID), logx.String("type", string(t.Type)))
	respond(c, http.StatusCreated, "Success", t)
}

func (s *Server) updateTarget(c *gin.Context) {
	id, valid := idParam(c)
	if !valid {
		return
	}
	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	ctx := c.Request.Context()
	t, err := s.deps.Store.GetTarget(ctx, id)
	if err != nil {
		failErr(c, err, "Notification not found")
		return
	}
	if req.Type != "" {
		t.Type = req.Type
	}
	if req.Name != "" {
		t.Name = req.Name
	}
	if len(req.Config) > 0 {
		t.Config = req.Config
	}
	if err := t.Validate(); err != nil {
		failErr(c, err, "Notification not found")
		return
	}
	if err := s.deps.Store.UpdateTarget(ctx, &t); err != nil {
		failErr(c, err, "Notification not found")
		return
	}
	ok(c, t)
}

// deleteTarget refuses to remove a target that tasks still reference.
func (s *Server) deleteTarget(c *gin.Context) {
	id, valid := idParam(c)
	if !valid {
		return
	}
	ctx := c.Request.Context()
	if _, err := s.deps.Store.GetTarget(ctx, id); err != nil {
		failErr(c, err, "Notification not found")
		return
	}
	tasks, err := s.deps.Store.ListTasks(ctx)
	if err != nil {
		failErr(c, err, "Notification not found")
		return
	}
	var users []int64
	for _, t := range tasks {
		if slices.Contains(t.NotificationIDs, id) {
			users = append(users, t.ID)
		}
	}
	if len(users) > 0 {
		c.AbortWithStatusJSON(http.StatusConflict, envelope{
			Code:    http.StatusConflict,
			Message: "Notification is used by one or more tasks",
			Data:    gin.H{"task_ids": users},
		})
		return
	}
	if err := s.deps.Store.DeleteTarget(ctx, id); err != nil {
		failErr(c, err, "Notification not found")
		return
	}
	respond(c, http.StatusOK, fmt.Sprintf("Notification %d deleted", id), nil)
}

// testTarget sends a test message synchronously and reports the delivery
// error, if any.
func (s *Server) testTarget(c *gin.Context) {
	id, valid := idParam(c)
	if !valid {
		return
	}
	if s.deps.Notifier == nil {
		fail(c, http.StatusServiceUnavailable, "Notifier is disabled")
		return
	}
	err := s.deps.Notifier.SendTest(c.Request.Context(), id)
	switch {
	case err == nil:
		respond(c, http.StatusOK, "Test notification sent", nil)
	case errors.Is(err, storage.ErrNotFound):
		fail(c, http.StatusNotFound, "Notification not found")
	case errors.Is(err, notifier.ErrNoChannel):
		fail(c, http.StatusBadRequest, err.Error())
	default:
		fail(c, http.StatusBadGateway, "Test notification failed: "+err.Error())
	}
}

func (s *Server) notificationHistory(c *gin.Context) {
	if s.deps.Notifier == nil {
		ok(c, []notifier.HistoryItem{})
		return
	}
	items := s.deps.Notifier.Snapshot()
	if items == nil {
		items = []notifier.HistoryItem{}
	}
	ok(c, items)
}
