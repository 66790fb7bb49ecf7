package httpapi

import (
	"net/http"
	hpprof "net/http/pprof"
	"runtime"

	"github.com/gin-gonic/gin"
)

// ProfileRates tunes runtime sampling for the mutex and block profiles.
// Zero leaves the Go default.
type ProfileRates struct {
	MutexFraction int
	BlockRate     int
}

func (r ProfileRates) apply() {
	if r.MutexFraction > 0 {
		runtime.SetMutexProfileFraction(r.MutexFraction)
	}
	if r.BlockRate > 0 {
		runtime.SetBlockProfileRate(r.BlockRate)
	}
}

// mountPprof serves net/http/pprof under /debug/pprof on g. It shares the
// API's auth, so an unset token exposes profiles to anyone who can reach
// the listener.
func mountPprof(g *gin.RouterGroup, rates ProfileRates) {
	rates.apply()
	p := g.Group("/debug/pprof")
	p.GET("/", gin.WrapF(hpprof.Index))
	p.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
	p.GET("/profile", gin.WrapF(hpprof.Profile))
	p.GET("/symbol", gin.WrapF(hpprof.Symbol))
	p.POST("/symbol", gin.WrapF(hpprof.Symbol))
	p.GET("/trace", gin.WrapF(hpprof.Trace))
	// Named profiles (heap, goroutine, allocs, block, mutex, threadcreate).
	p.GET("/:name", func(c *gin.Context) {
		hpprof.Handler(c.Param("name")).ServeHTTP(c.Writer, c.Request)
	})
	g.GET("/debug/pprof", func(c *gin.Context) {
		c.Redirect(http.StatusPermanentRedirect, "/debug/pprof/")
	})
}
