package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"cronix/internal/scripts"
	logx "cronix/pkg/logx"
)

// ScriptLibrary is the script file store behind /api/scripts.
type ScriptLibrary interface {
	Tree() ([]scripts.Node, error)
	Get(rel string) (scripts.Script, error)
	Create(rel, content string) (scripts.Script, error)
	Update(rel, newRel, content string) (scripts.Script, error)
	Delete(rel string) error
	Stats() (scripts.Stats, error)
	Run(ctx context.Context, rel string, args []string, timeout time.Duration) (scripts.RunResult, error)
}

type scriptRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type scriptRunRequest struct {
	Args    []string `json:"args"`
	Timeout int      `json:"timeout"` // seconds; 0 uses the configured default
}

func (s *Server) mountScripts(g *gin.RouterGroup) {
	g.GET("/scripts", s.listScripts)
	g.POST("/scripts", s.createScript)
	g.GET("/scripts/stats", s.scriptStats)
	g.GET("/scripts/file/*path", s.getScript)
	g.PUT("/scripts/file/*path", s.updateScript)
	g.DELETE("/scripts/file/*path", s.deleteScript)
	g.POST("/scripts/run/*path", s.runScript)
}

func scriptPath(c *gin.Context) string {
	return strings.TrimPrefix(c.Param("path"), "/")
}

// failScript maps library errors onto status codes.
func failScript(c *gin.Context, err error, rel string) {
	switch {
	case errors.Is(err, scripts.ErrNotFound):
		fail(c, http.StatusNotFound, "Script '"+rel+"' not found")
	case errors.Is(err, scripts.ErrExists):
		fail(c, http.StatusConflict, "Script '"+rel+"' already exists")
	case errors.Is(err, scripts.ErrOutsideRoot):
		fail(c, http.StatusForbidden, "Access denied: path outside script directory")
	case errors.Is(err, scripts.ErrUnsupported):
		fail(c, http.StatusBadRequest, "Unsupported file type. Supported: .py, .js, .sh")
	case errors.Is(err, scripts.ErrNotFile):
		fail(c, http.StatusBadRequest, "'"+rel+"' is not a file")
	case errors.Is(err, scripts.ErrInvalidPath):
		fail(c, http.StatusBadRequest, "Invalid script path")
	default:
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) listScripts(c *gin.Context) {
	tree, err := s.deps.Scripts.Tree()
	if err != nil {
		failScript(c, err, "")
		return
	}
	ok(c, tree)
}

func (s *Server) scriptStats(c *gin.Context) {
	st, err := s.deps.Scripts.Stats()
	if err != nil {
		failScript(c, err, "")
		return
	}
	ok(c, st)
}

func (s *Server) getScript(c *gin.Context) {
	rel := scriptPath(c)
	sc, err := s.deps.Scripts.Get(rel)
	if err != nil {
		failScript(c, err, rel)
		return
	}
	ok(c, sc)
}

func (s *Server) createScript(c *gin.Context) {
	var req scriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	sc, err := s.deps.Scripts.Create(req.Path, req.Content)
	if err != nil {
		failScript(c, err, req.Path)
		return
	}
	s.log.Info("script created", logx.String("path", sc.Path), logx.String("type", string(sc.Kind)))
	respond(c, http.StatusCreated, "Success", sc)
}

func (s *Server) updateScript(c *gin.Context) {
	rel := scriptPath(c)
	var req scriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	sc, err := s.deps.Scripts.Update(rel, req.Path, req.Content)
	if err != nil {
		name := rel
		if errors.Is(err, scripts.ErrExists) {
			name = req.Path
		}
		failScript(c, err, name)
		return
	}
	s.log.Info("script updated", logx.String("path", sc.Path), logx.Bool("renamed", sc.Path != rel))
	ok(c, sc)
}

func (s *Server) deleteScript(c *gin.Context) {
	rel := scriptPath(c)
	if err := s.deps.Scripts.Delete(rel); err != nil {
		failScript(c, err, rel)
		return
	}
	s.log.Info("script deleted", logx.String("path", rel))
	ok(c, nil)
}

// runScript runs a library file once, outside the scheduler. The result is
// returned inline and not recorded as an execution.
func (s *Server) runScript(c *gin.Context) {
	rel := scriptPath(c)
	var req scriptRunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
			return
		}
	}
	timeout := s.cfg.ScriptRunTimeout
	if req.Timeout != 0 {
		if req.Timeout < 1 || req.Timeout > 3600 {
			fail(c, http.StatusBadRequest, "timeout: must be between 1 and 3600 seconds")
			return
		}
		timeout = time.Duration(req.Timeout) * time.Second
	}
	res, err := s.deps.Scripts.Run(c.Request.Context(), rel, req.Args, timeout)
	if err != nil {
		failScript(c, err, rel)
		return
	}
	s.log.Info("script run", logx.String("path", res.Path), logx.String("status", string(res.Status)), logx.Float64("duration_s", res.Duration))
	ok(c, res)
}
