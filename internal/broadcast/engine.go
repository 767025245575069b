// Package broadcast posts one scheduled post to every resolved account as a
// reply-chained thread.
//
// Accounts are processed one after another with a fixed pause between them,
// and each account's segments are posted in order with a shorter pause
// between segments. A failure only ends the failing account's chain. The
// engine never touches storage: Run returns one Outcome per account and
// Aggregate folds them into the post's final state.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"threadcast/internal/media"
	"threadcast/internal/platform"
	"threadcast/internal/post"
	logx "threadcast/pkg/logx"
)

type Config struct {
	SegmentDelay time.Duration
	AccountDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.SegmentDelay < 0 {
		c.SegmentDelay = 0
	}
	if c.AccountDelay < 0 {
		c.AccountDelay = 0
	}
	return c
}

// Outcome is one account's result. IDs holds every external id posted for
// the account, in chain order, including the ones posted before a failure.
type Outcome struct {
	Account post.Account
	IDs     []string
	Err     error

	// Reused marks an account skipped on retry because an earlier attempt
	// already posted its whole chain.
	Reused bool
}

func (o Outcome) OK() bool      { return o.Err == nil }
func (o Outcome) Partial() bool { return o.Err != nil && len(o.IDs) > 0 }

// Progress is a snapshot of a running broadcast.
type Progress struct {
	PostID    string    `json:"postId"`
	Total     int       `json:"total"`
	Done      int       `json:"done"`
	Failed    int       `json:"failed"`
	StartedAt time.Time `json:"startedAt"`
}

type Engine struct {
	factory platform.Factory
	log     logx.Logger

	mu  sync.Mutex
	cfg Config

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error

	progressMu sync.Mutex
	progress   map[string]*Progress
}

func New(cfg Config, factory platform.Factory, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		factory:  factory,
		log:      log.With(logx.String("comp", "broadcast")),
		cfg:      cfg.withDefaults(),
		sleep:    sleepCtx,
		progress: map[string]*Progress{},
	}
}

// Apply swaps the pacing used by subsequent accounts and segments.
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Running lists broadcasts in progress.
func (e *Engine) Running() []Progress {
	e.progressMu.Lock()
	defer e.progressMu.Unlock()
	out := make([]Progress, 0, len(e.progress))
	for _, p := range e.progress {
		out = append(out, *p)
	}
	return out
}

// Run posts p to accounts sequentially and returns one Outcome per account in
// the same order. m may be nil.
func (e *Engine) Run(ctx context.Context, p *post.ScheduledPost, accounts []post.Account, m *media.Media) []Outcome {
	start := time.Now()
	e.track(p.ID, len(accounts))
	defer e.untrack(p.ID)

	e.log.Info("broadcast started",
		logx.String("post_id", p.ID),
		logx.Int("accounts", len(accounts)),
		logx.Int("segments", len(p.TextSegments)),
	)

	out := make([]Outcome, 0, len(accounts))
	failed := 0
	for i, a := range accounts {
		if i > 0 {
			if err := e.sleep(ctx, e.config().AccountDelay); err != nil {
				// Shutdown: the remaining accounts never started.
				for _, rest := range accounts[i:] {
					out = append(out, Outcome{Account: rest, Err: err})
					failed++
				}
				break
			}
		}
		o := e.runAccount(ctx, p, a, m)
		if !o.OK() {
			failed++
		}
		e.step(p.ID, o.OK())
		out = append(out, o)
	}

	fields := []logx.Field{
		logx.String("post_id", p.ID),
		logx.Int("total", len(accounts)),
		logx.Int("failed", failed),
		logx.Duration("dur", time.Since(start)),
	}
	if failed > 0 {
		e.log.Warn("broadcast finished with failures", fields...)
	} else {
		e.log.Info("broadcast finished", fields...)
	}
	return out
}

func (e *Engine) runAccount(ctx context.Context, p *post.ScheduledPost, a post.Account, m *media.Media) (o Outcome) {
	o.Account = a
	log := e.log.With(logx.String("post_id", p.ID), logx.String("handle", a.Handle))
	defer func() {
		if r := recover(); r != nil {
			log.Error("account chain panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			o.Err = fmt.Errorf("panic: %v", r)
		}
	}()

	if len(p.TextSegments) == 0 {
		o.Err = errors.New("post has no text segments")
		return o
	}
	client, err := e.factory.ForAccount(a)
	if err != nil {
		o.Err = err
		return o
	}

	var mediaIDs []string
	if m.HasBytes() {
		id, err := client.UploadMedia(ctx, m.Bytes, m.ContentType)
		if err != nil {
			o.Err = fmt.Errorf("media upload: %w", err)
			return o
		}
		mediaIDs = []string{id}
	}

	pace := e.config().SegmentDelay
	for i, text := range p.TextSegments {
		opts := platform.PostOptions{}
		if i == 0 {
			opts.MediaIDs = mediaIDs
		} else {
			if err := e.sleep(ctx, pace); err != nil {
				o.Err = segmentError(i, len(p.TextSegments), err)
				return o
			}
			opts.ReplyTo = o.IDs[i-1]
		}
		id, err := client.PostText(ctx, text, opts)
		if err != nil {
			o.Err = segmentError(i, len(p.TextSegments), err)
			log.Warn("segment failed", logx.Int("segment", i+1), logx.Int("posted", len(o.IDs)), logx.Err(err))
			return o
		}
		o.IDs = append(o.IDs, id)
	}
	log.Debug("chain posted", logx.Strings("ids", o.IDs))
	return o
}

func segmentError(i, total int, err error) error {
	return fmt.Errorf("segment %d of %d: %w", i+1, total, err)
}

func (e *Engine) track(id string, total int) {
	e.progressMu.Lock()
	e.progress[id] = &Progress{PostID: id, Total: total, StartedAt: time.Now()}
	e.progressMu.Unlock()
}

func (e *Engine) step(id string, ok bool) {
	e.progressMu.Lock()
	defer e.progressMu.Unlock()
	if p := e.progress[id]; p != nil {
		p.Done++
		if !ok {
			p.Failed++
		}
	}
}

func (e *Engine) untrack(id string) {
	e.progressMu.Lock()
	delete(e.progress, id)
	e.progressMu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
