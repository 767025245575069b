// Package alert queues operator notifications and delivers them to Telegram
// with a rate limit, retries and a dedup window. Delivery is best-effort and
// never blocks the caller.
package alert

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"threadcast/internal/eventbus"
	rtsup "threadcast/internal/runtime/supervisor"
	logx "threadcast/pkg/logx"
)

var (
	ErrDisabled  = errors.New("alerts disabled")
	ErrQueueFull = errors.New("alert queue full")
	ErrStopped   = errors.New("alerts stopped")
)

type Config struct {
	Enabled       bool
	QueueSize     int
	RatePerSec    float64
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
	// NotifyFailures alerts on every post that finishes failed.
	NotifyFailures bool
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	return c
}

// Level tags an alert's text.
type Level int

const (
	Info Level = iota
	Warn
	Critical
)

func (l Level) prefix() string {
	switch l {
	case Critical:
		return "🚨 "
	case Warn:
		return "⚠️ "
	default:
		return ""
	}
}

type Service struct {
	log    logx.Logger
	sender Sender

	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	queue     chan string
	accepting bool
	sup       *rtsup.Supervisor
	enqWG     sync.WaitGroup

	dmu   sync.Mutex
	dedup map[uint64]time.Time

	sent, dropped, failed int
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log.With(logx.String("comp", "alert")), sender: sender, dedup: map[uint64]time.Time{}}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
}

// Start launches the delivery worker. It is a no-op when disabled, without
// a sender, or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		return
	}
	q := make(chan string, s.cfg.QueueSize)
	s.queue = q
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.GoRestart("alert.worker", func(ctx context.Context) error {
		return s.worker(ctx, q)
	})
	s.log.Info("alerts started", logx.Int("queue", s.cfg.QueueSize))
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue != nil
}

// Watch forwards failed-post events from bus until ctx ends.
func (s *Service) Watch(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(64, eventbus.PostFinished)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.mu.Lock()
			want := s.cfg.NotifyFailures
			s.mu.Unlock()
			if !want || e.Post.Status != "failed" {
				continue
			}
			msg := fmt.Sprintf("Post %s failed (%d/%d accounts posted)\n%s",
				e.Post.ID, e.Post.Succeeded, e.Post.Accounts, truncate(e.Post.Error, 600))
			if err := s.Notify(ctx, Warn, msg); err != nil && !errors.Is(err, ErrDisabled) {
				s.log.Debug("failure alert not queued", logx.String("post_id", e.Post.ID), logx.Err(err))
			}
		}
	}
}

// Notify queues text. Identical text inside the dedup window is dropped
// silently.
func (s *Service) Notify(ctx context.Context, level Level, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	q, window := s.queue, s.cfg.DedupWindow
	s.enqWG.Add(1)
	s.mu.Unlock()
	defer s.enqWG.Done()

	if window > 0 && !s.dedupAllow(text, window, time.Now()) {
		return nil
	}
	select {
	case q <- level.prefix() + text:
		return nil
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		return ErrQueueFull
	}
}

// Deliver lets the log pipeline forward records through the same queue.
func (s *Service) Deliver(ctx context.Context, text string) error {
	return s.Notify(ctx, Info, text)
}

// Stop closes the queue, lets the worker drain it and waits for ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.queue, s.sup = nil, nil
	s.mu.Unlock()

	s.enqWG.Wait()
	close(q)
	done := make(chan struct{})
	go func() {
		_ = sup.Wait(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		_ = sup.Stop(context.Background())
	}
	s.log.Info("alerts stopped")
}

type Counters struct {
	Sent    int `json:"sent"`
	Dropped int `json:"dropped"`
	Failed  int `json:"failed"`
}

func (s *Service) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counters{Sent: s.sent, Dropped: s.dropped, Failed: s.failed}
}

func (s *Service) worker(ctx context.Context, q <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case text, ok := <-q:
			if !ok {
				return nil
			}
			s.sendWithRetry(ctx, text)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, text string) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= 1+cfg.RetryMax; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		lastErr = s.sender.Send(callCtx, text)
		cancel()
		if lastErr == nil {
			s.mu.Lock()
			s.sent++
			s.mu.Unlock()
			return
		}
		if attempt > cfg.RetryMax {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
	// Not logged above debug: a warn here would loop back through the
	// remote log sink.
	s.log.Debug("alert delivery failed", logx.Err(lastErr))
}

func (s *Service) dedupAllow(text string, window time.Duration, now time.Time) bool {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	key := h.Sum64()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

// retryDelay is base*2^(attempt-1) with 0.7..1.3 jitter, capped.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
