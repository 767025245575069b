// Package api is the HTTP surface: post admin routes, the authenticated
// dispatch trigger, health and metrics.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"threadcast/internal/dispatch"
	"threadcast/internal/metrics"
	"threadcast/internal/post"
	rtsup "threadcast/internal/runtime/supervisor"
	logx "threadcast/pkg/logx"
)

const defaultMaxUpload = 16 << 20

type Config struct {
	Addr string
	// DispatchSecret guards POST /api/dispatch. Empty rejects every call.
	DispatchSecret string

	// Pprof mounts /debug/pprof behind the same secret.
	Pprof bool

	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxUploadBytes int64
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		// A dispatch call runs a whole batch with pacing delays.
		c.WriteTimeout = 10 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = defaultMaxUpload
	}
	return c
}

// Posts is the post lifecycle as the handlers use it.
type Posts interface {
	Create(ctx context.Context, d post.Draft) (*post.ScheduledPost, error)
	Get(ctx context.Context, id string) (*post.ScheduledPost, error)
	List(ctx context.Context, f post.ListFilter) ([]dispatch.ListedPost, error)
	Cancel(ctx context.Context, id string) (*post.ScheduledPost, error)
	Retry(ctx context.Context, id string) (*post.ScheduledPost, error)
	RunDue(ctx context.Context) (dispatch.Summary, error)
	History(ctx context.Context, accountID string, limit int) ([]post.HistoryEntry, error)
}

type Accounts interface {
	List(ctx context.Context) ([]post.Account, error)
	Upsert(ctx context.Context, a post.Account) error
}

type MediaStore interface {
	Store(ctx context.Context, filename, contentType string, body []byte) (post.MediaRef, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Posts    Posts
	Accounts Accounts
	Media    MediaStore
	Health   Pinger

	// Optional.
	Metrics *metrics.Metrics
	// Status backs GET /api/status.
	Status func(ctx context.Context) any
}

type Server struct {
	deps Deps
	log  logx.Logger

	mu  sync.Mutex
	cfg Config
	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg Config, deps Deps, log logx.Logger) (*Server, error) {
	if deps.Posts == nil || deps.Accounts == nil || deps.Media == nil || deps.Health == nil {
		return nil, errors.New("api: posts, accounts, media and health are required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	gin.SetMode(gin.ReleaseMode)
	return &Server{cfg: cfg.withDefaults(), deps: deps, log: log.With(logx.String("comp", "api"))}, nil
}

// Handler builds the router. Tests drive it through httptest.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(s.recovery(), s.deps.Metrics.Middleware(), s.accessLog())

	r.GET("/healthz", s.healthz)
	r.GET("/metrics", s.deps.Metrics.Handler())

	g := r.Group("/api")
	g.POST("/posts", s.createPost)
	g.GET("/posts", s.listPosts)
	g.GET("/posts/:id", s.getPost)
	g.POST("/posts/:id/cancel", s.cancelPost)
	g.POST("/posts/:id/retry", s.retryPost)
	g.POST("/dispatch", s.requireDispatchSecret(), s.runDispatch)
	g.GET("/history", s.history)
	g.GET("/accounts", s.listAccounts)
	g.PUT("/accounts/:id", s.upsertAccount)
	g.POST("/media", s.uploadMedia)
	g.GET("/status", s.status)

	s.mu.Lock()
	pprof := s.cfg.Pprof
	s.mu.Unlock()
	if pprof {
		s.mountPprof(r)
	}
	return r
}

// Start serves in the background and restarts the listener if it fails.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.GoRestart("http.serve", s.serveOnce, rtsup.WithBackoff(500*time.Millisecond, 10*time.Second))
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		s.log.Error("api listen failed", logx.String("addr", cfg.Addr), logx.Err(err))
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}()

	s.log.Info("api listening", logx.String("addr", ln.Addr().String()))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("api server exited unexpectedly")
	}
	return err
}

// Stop shuts the listener down gracefully within ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	// Listener errors were already logged by the restart loop.
	if serr := sup.Stop(ctx); err == nil && ctx.Err() != nil {
		err = serr
	}
	s.log.Info("api stopped")
	return err
}

func (s *Server) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, rec any) {
		s.log.Error("handler panic", logx.String("path", c.Request.URL.Path), logx.Any("panic", rec))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	})
}
