package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	logx "cronix/pkg/logx"
)

// requestLogger writes one line per request. Paths in quiet are logged at
// debug so health checks and long-lived streams don't flood the log.
func requestLogger(log logx.Logger, quiet ...string) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(quiet))
	for _, p := range quiet {
		skip[p] = struct{}{}
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("latency", time.Since(start)),
			logx.String("client_ip", c.ClientIP()),
		}
		if msg := c.Errors.ByType(gin.ErrorTypePrivate).String(); msg != "" {
			fields = append(fields, logx.String("error", msg))
		}
		switch _, q := skip[path]; {
		case c.Writer.Status() >= http.StatusInternalServerError:
			log.Warn("http request", fields...)
		case q:
			log.Debug("http request", fields...)
		default:
			log.Info("http request", fields...)
		}
	}
}

func recovery(log logx.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, rec any) {
		log.Error("http handler panicked", logx.String("path", c.Request.URL.Path), logx.Any("panic", rec))
		fail(c, http.StatusInternalServerError, "Internal server error")
	})
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		h.Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// authMiddleware requires "Authorization: Bearer <token>" when token is set.
// Browsers cannot set headers on websocket upgrades, so ?token= is accepted too.
func authMiddleware(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got := c.Query("token")
		if h := c.GetHeader("Authorization"); h != "" {
			scheme, value, ok := strings.Cut(h, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				c.Header("WWW-Authenticate", "Bearer")
				fail(c, http.StatusUnauthorized, "Missing or invalid authorization header")
				return
			}
			got = strings.TrimSpace(value)
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			fail(c, http.StatusUnauthorized, "Missing or invalid authorization header")
			return
		}
		c.Next()
	}
}
