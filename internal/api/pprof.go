package api

import (
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"github.com/gin-gonic/gin"
)

const pprofPrefix = "/debug/pprof/"

// mountPprof exposes the runtime profiles behind the dispatch secret.
func (s *Server) mountPprof(r *gin.Engine) {
	g := r.Group("/debug/pprof", s.requireDispatchSecret())
	g.GET("/", gin.WrapF(pprofIndex))
	g.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
	g.GET("/profile", gin.WrapF(hpprof.Profile))
	g.GET("/symbol", gin.WrapF(hpprof.Symbol))
	g.POST("/symbol", gin.WrapF(hpprof.Symbol))
	g.GET("/trace", gin.WrapF(hpprof.Trace))
	g.GET("/:profile", gin.WrapF(pprofIndex))
}

// pprofIndex serves both the index page and named profiles such as heap.
func pprofIndex(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, pprofPrefix)
	if name == "" {
		hpprof.Index(w, r)
		return
	}
	hpprof.Handler(name).ServeHTTP(w, r)
}
