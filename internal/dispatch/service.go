// Package dispatch owns the post lifecycle: create, list, cancel, retry and
// the periodic run that broadcasts due posts.
//
// A post is only processed by the caller that wins its claim, so overlapping
// runs, inline dispatch after create and retries never double-post.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"threadcast/internal/broadcast"
	"threadcast/internal/eventbus"
	"threadcast/internal/media"
	"threadcast/internal/metrics"
	"threadcast/internal/post"
	logx "threadcast/pkg/logx"
)

type RetryMode string

const (
	// RetryResend re-attempts every account, including those that already
	// posted.
	RetryResend RetryMode = "resend"
	// RetrySkipSucceeded keeps earlier per-account results and only
	// re-attempts the accounts missing from them.
	RetrySkipSucceeded RetryMode = "skip_succeeded"
)

const (
	DefaultBatchSize = 10
	DefaultListLimit = 50
	MaxListLimit     = 200
)

type Config struct {
	BatchSize       int
	RetryMode       RetryMode
	InlineOnCreate  bool
	InlineOnRetry   bool
	StaleClaimAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.RetryMode == "" {
		c.RetryMode = RetryResend
	}
	return c
}

// Broadcaster posts one post to its resolved accounts.
type Broadcaster interface {
	Run(ctx context.Context, p *post.ScheduledPost, accounts []post.Account, m *media.Media) []broadcast.Outcome
}

type MediaSource interface {
	Fetch(ctx context.Context, p *post.ScheduledPost) *media.Media
}

type AccountResolver interface {
	Resolve(ctx context.Context, p *post.ScheduledPost) ([]post.Account, error)
	Describe(ctx context.Context, ids []string) (map[string]post.Account, error)
}

type Deps struct {
	Store    post.Store
	History  post.HistoryLog
	Accounts AccountResolver
	Media    MediaSource
	Engine   Broadcaster

	// Optional.
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Service struct {
	deps Deps
	log  logx.Logger

	mu  sync.RWMutex
	cfg Config

	runMu sync.Mutex

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

func New(cfg Config, deps Deps, log logx.Logger) (*Service, error) {
	if deps.Store == nil || deps.History == nil || deps.Accounts == nil || deps.Media == nil || deps.Engine == nil {
		return nil, errors.New("dispatch: store, history, accounts, media and engine are required")
	}
	if err := validRetryMode(cfg.RetryMode); err != nil {
		return nil, err
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		deps:     deps,
		log:      log.With(logx.String("comp", "dispatch")),
		cfg:      cfg.withDefaults(),
		bgCtx:    ctx,
		bgCancel: cancel,
	}, nil
}

func validRetryMode(m RetryMode) error {
	switch m {
	case "", RetryResend, RetrySkipSucceeded:
		return nil
	}
	return fmt.Errorf("dispatch: unknown retry mode %q", m)
}

// Apply swaps the runtime settings. An invalid retry mode keeps the old one.
func (s *Service) Apply(cfg Config) {
	if err := validRetryMode(cfg.RetryMode); err != nil {
		s.log.Warn("dispatch config rejected", logx.Err(err))
		return
	}
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Service) now() time.Time { return s.deps.Now().UTC() }

// Close stops inline dispatches that have not claimed their post yet and
// waits for the rest to finish.
func (s *Service) Close() {
	s.bgCancel()
	s.bgWG.Wait()
}

// Wait blocks until inline dispatches started so far have finished.
func (s *Service) Wait() { s.bgWG.Wait() }

// Create normalizes d and stores it as a pending post. A post that is
// already due is dispatched in the background when InlineOnCreate is set.
func (s *Service) Create(ctx context.Context, d post.Draft) (*post.ScheduledPost, error) {
	now := s.now()
	p, err := post.Normalize(d, now)
	if err != nil {
		return nil, err
	}
	p.ID = uuid.NewString()
	if err := s.deps.Store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}
	s.publish(eventbus.PostCreated, p, 0)
	s.log.Info("post created",
		logx.String("post_id", p.ID),
		logx.Int("segments", len(p.TextSegments)),
		logx.Int("accounts", len(p.AccountIDs)),
		logx.Time("scheduled_at", p.ScheduledAt),
	)

	if p.Due(now) && s.config().InlineOnCreate {
		s.dispatchInBackground(p.ID)
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, id string) (*post.ScheduledPost, error) {
	return s.deps.Store.Get(ctx, id)
}

// AccountInfo is the presentation view of a target account.
type AccountInfo struct {
	ID          string `json:"id"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
	Active      bool   `json:"active"`
}

type ListedPost struct {
	*post.ScheduledPost
	Accounts []AccountInfo `json:"accounts"`
}

// List returns posts newest first, each with display info for its accounts.
// Accounts missing from the credential store are listed by id only.
func (s *Service) List(ctx context.Context, f post.ListFilter) ([]ListedPost, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, &post.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", f.Status)}
	}
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultListLimit
	case f.Limit > MaxListLimit:
		f.Limit = MaxListLimit
	}
	posts, err := s.deps.Store.List(ctx, f)
	if err != nil {
		return nil, err
	}

	var ids []string
	seen := map[string]struct{}{}
	for _, p := range posts {
		for _, id := range p.AccountIDs {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	known, err := s.deps.Accounts.Describe(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("describe accounts: %w", err)
	}

	out := make([]ListedPost, 0, len(posts))
	for _, p := range posts {
		lp := ListedPost{ScheduledPost: p, Accounts: make([]AccountInfo, 0, len(p.AccountIDs))}
		for _, id := range p.AccountIDs {
			a, ok := known[id]
			if !ok {
				lp.Accounts = append(lp.Accounts, AccountInfo{ID: id})
				continue
			}
			lp.Accounts = append(lp.Accounts, AccountInfo{ID: a.ID, Handle: a.Handle, DisplayName: a.DisplayName, Active: a.Active})
		}
		out = append(out, lp)
	}
	return out, nil
}

// Cancel moves a pending post to cancelled.
func (s *Service) Cancel(ctx context.Context, id string) (*post.ScheduledPost, error) {
	p, err := s.deps.Store.Cancel(ctx, strings.TrimSpace(id), s.now())
	if err != nil {
		return nil, err
	}
	s.publish(eventbus.PostCancelled, p, 0)
	s.log.Info("post cancelled", logx.String("post_id", p.ID))
	return p, nil
}

// Retry moves a failed post back to pending, due now. With InlineOnRetry it
// is dispatched right away in the background.
func (s *Service) Retry(ctx context.Context, id string) (*post.ScheduledPost, error) {
	p, err := s.deps.Store.ResetForRetry(ctx, strings.TrimSpace(id), s.now())
	if err != nil {
		return nil, err
	}
	s.publish(eventbus.PostRetried, p, 0)
	s.log.Info("post reset for retry", logx.String("post_id", p.ID), logx.String("mode", string(s.config().RetryMode)))
	if s.config().InlineOnRetry {
		s.dispatchInBackground(p.ID)
	}
	return p, nil
}

// History lists posted threads for an account, newest first.
func (s *Service) History(ctx context.Context, accountID string, limit int) ([]post.HistoryEntry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return s.deps.History.ListByAccount(ctx, strings.TrimSpace(accountID), limit)
}

func (s *Service) dispatchInBackground(id string) {
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		if _, _, err := s.Process(s.bgCtx, id); err != nil {
			s.log.Warn("inline dispatch failed", logx.String("post_id", id), logx.Err(err))
		}
	}()
}

func (s *Service) publish(typ string, p *post.ScheduledPost, succeeded int) {
	if s.deps.Bus == nil || p == nil {
		return
	}
	s.deps.Bus.Publish(eventbus.Event{
		Type: typ,
		Time: s.now(),
		Post: eventbus.PostInfo{
			ID:        p.ID,
			Status:    string(p.Status),
			Error:     p.Error,
			Accounts:  len(p.AccountIDs),
			Succeeded: succeeded,
		},
	})
}
