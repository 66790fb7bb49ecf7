package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"cronix/internal/task/cronclock"
)

const maxPreview = 50

func (s *Server) health(c *gin.Context) {
	out := gin.H{
		"status":  "ok",
		"time":    s.deps.Now().UTC(),
		"running": len(s.deps.Engine.ListRunning()),
		"clients": s.hub.ClientCount(),
	}
	if s.deps.Health != nil {
		for k, v := range s.deps.Health() {
			out[k] = v
		}
	}
	ok(c, out)
}

func (s *Server) stats(c *gin.Context) {
	st, err := s.deps.Store.Stats(c.Request.Context())
	if err != nil {
		failErr(c, err, "Not found")
		return
	}
	ok(c, st)
}

// cronPreview lists the next n fire times of expr (default 5, max 50).
func (s *Server) cronPreview(c *gin.Context) {
	expr := strings.TrimSpace(c.Query("expr"))
	if expr == "" {
		fail(c, http.StatusBadRequest, "expr is required")
		return
	}
	n, valid := intQuery(c, "n", 5)
	if !valid {
		return
	}
	if n < 1 || n > maxPreview {
		fail(c, http.StatusBadRequest, "n must be between 1 and 50")
		return
	}
	times, err := s.deps.Cron.NextN(expr, s.deps.Now(), n)
	var ise *cronclock.InvalidScheduleError
	switch {
	case errors.As(err, &ise):
		fail(c, http.StatusBadRequest, "Invalid cron expression: "+err.Error())
		return
	case err != nil && !errors.Is(err, cronclock.ErrNoFire):
		failErr(c, err, "Not found")
		return
	}
	if times == nil {
		times = []time.Time{}
	}
	ok(c, gin.H{"expr": expr, "next": times})
}
