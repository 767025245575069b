// Package trigger runs the dispatch job on a cron or interval cadence inside
// the process. An external caller can drive the same job over HTTP instead.
package trigger

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "threadcast/pkg/logx"
)

type Config struct {
	Enabled  bool
	Schedule string
	Timezone string
	// Timeout bounds one run. Zero means no bound.
	Timeout time.Duration
}

// Job is one dispatch run.
type Job func(ctx context.Context) error

type Service struct {
	job Job
	log logx.Logger

	mu    sync.Mutex
	cfg   Config
	c     *cron.Cron
	sched Schedule
	loc   *time.Location
	ctx   context.Context

	lastMu  sync.Mutex
	lastRun time.Time
	lastErr error
}

func New(cfg Config, job Job, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, job: job, log: log.With(logx.String("comp", "trigger"))}
}

// Start registers the job. It is a no-op when disabled or already started.
// ctx is the parent of every run.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	if s.c != nil || !s.cfg.Enabled {
		if !s.cfg.Enabled {
			s.log.Info("in-process trigger disabled")
		}
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	sched, err := ParseSchedule(s.cfg.Schedule)
	if err != nil {
		return err
	}
	loc := loadLocation(s.cfg.Timezone, s.log)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	if _, err := c.AddFunc(sched.Spec, s.run); err != nil {
		return err
	}
	c.Start()
	s.c, s.sched, s.loc = c, sched, loc

	fields := []logx.Field{logx.String("schedule", sched.Spec), logx.String("tz", loc.String())}
	if next := sched.Next(time.Now().In(loc), 3); len(next) > 0 {
		fields = append(fields, logx.Time("next", next[0]))
	}
	s.log.Info("trigger started", fields...)
	return nil
}

// Stop waits for a running job or ctx, whichever ends first.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("trigger stopped")
}

// Apply restarts the cron when the cadence, timezone or enabled flag
// changed. A bad schedule keeps the previous one running.
func (s *Service) Apply(cfg Config) error {
	if cfg.Enabled {
		if _, err := ParseSchedule(cfg.Schedule); err != nil {
			return err
		}
	}
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	if s.ctx == nil || (old.Enabled == cfg.Enabled && old.Schedule == cfg.Schedule &&
		strings.TrimSpace(old.Timezone) == strings.TrimSpace(cfg.Timezone)) {
		s.mu.Unlock()
		return nil
	}
	c := s.c
	s.c = nil
	s.mu.Unlock()

	// A running job takes s.mu briefly, so wait for it unlocked.
	if c != nil {
		<-c.Stop().Done()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("in-process trigger disabled")
		return nil
	}
	return s.startLocked()
}

// Status reports the cadence and the last run.
type Status struct {
	Enabled  bool        `json:"enabled"`
	Schedule string      `json:"schedule,omitempty"`
	Next     []time.Time `json:"next,omitempty"`
	LastRun  time.Time   `json:"lastRun,omitempty"`
	LastErr  string      `json:"lastError,omitempty"`
}

func (s *Service) Status() Status {
	s.mu.Lock()
	st := Status{Enabled: s.c != nil}
	if s.c != nil {
		st.Schedule = s.sched.Spec
		st.Next = s.sched.Next(time.Now().In(s.loc), 3)
	}
	s.mu.Unlock()

	s.lastMu.Lock()
	st.LastRun = s.lastRun
	if s.lastErr != nil {
		st.LastErr = s.lastErr.Error()
	}
	s.lastMu.Unlock()
	return st
}

func (s *Service) run() {
	s.mu.Lock()
	parent, timeout := s.ctx, s.cfg.Timeout
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	if parent.Err() != nil {
		return
	}
	ctx := parent
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}

	start := time.Now()
	err := s.job(ctx)
	s.lastMu.Lock()
	s.lastRun, s.lastErr = start, err
	s.lastMu.Unlock()
	if err != nil {
		s.log.Warn("scheduled dispatch failed", logx.Duration("dur", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Debug("scheduled dispatch done", logx.Duration("dur", time.Since(start)))
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger routes cron's own messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
