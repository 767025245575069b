package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"threadcast/internal/account"
	"threadcast/internal/broadcast"
	"threadcast/internal/eventbus"
	"threadcast/internal/post"
	logx "threadcast/pkg/logx"
)

// ItemResult is one processed post in a run summary.
type ItemResult struct {
	ID     string      `json:"id"`
	Status post.Status `json:"status"`
	Error  string      `json:"error,omitempty"`
}

type Summary struct {
	Attempted int          `json:"attempted"`
	Released  int          `json:"released,omitempty"`
	Results   []ItemResult `json:"results"`
}

// RunDue processes up to BatchSize due posts, one at a time. A post another
// caller claimed first is skipped. Errors and panics are recorded on the
// post itself and never stop the batch. Cancelling ctx stops the batch
// before the next post; the post in progress still finishes.
func (s *Service) RunDue(ctx context.Context) (Summary, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	cfg := s.config()
	now := s.now()
	sum := Summary{Results: []ItemResult{}}
	s.deps.Metrics.RunStarted()

	if cfg.StaleClaimAfter > 0 {
		n, err := s.deps.Store.ReleaseStale(ctx, now.Add(-cfg.StaleClaimAfter), now)
		if err != nil {
			s.log.Warn("release stale claims failed", logx.Err(err))
		} else if n > 0 {
			s.log.Warn("released stale claims", logx.Int("count", n))
		}
		sum.Released = n
	}

	due, err := s.deps.Store.Due(ctx, now, cfg.BatchSize)
	if err != nil {
		return sum, fmt.Errorf("query due posts: %w", err)
	}
	for _, p := range due {
		if ctx.Err() != nil {
			break
		}
		res, claimed, err := s.Process(ctx, p.ID)
		if !claimed {
			continue
		}
		sum.Attempted++
		if err != nil && res.Status == "" {
			res = ItemResult{ID: p.ID, Status: post.StatusInFlight, Error: err.Error()}
		}
		sum.Results = append(sum.Results, res)
	}
	if sum.Attempted > 0 || len(due) > 0 {
		s.log.Info("dispatch run finished", logx.Int("due", len(due)), logx.Int("attempted", sum.Attempted))
	}
	return sum, ctx.Err()
}

// Process claims and broadcasts one post. claimed is false when the post was
// not pending, in which case nothing happened. err is only set when the final
// state could not be stored.
//
// Once claimed, the post no longer follows ctx: it runs to a terminal state
// even if the caller goes away, so a posted thread is never left in flight.
func (s *Service) Process(ctx context.Context, id string) (res ItemResult, claimed bool, err error) {
	claimed, err = s.deps.Store.Claim(ctx, id, s.now())
	if err != nil {
		return ItemResult{}, false, fmt.Errorf("claim %s: %w", id, err)
	}
	if !claimed {
		return ItemResult{}, false, nil
	}
	work := context.WithoutCancel(ctx)
	p, err := s.deps.Store.Get(work, id)
	if err != nil {
		s.log.Error("load claimed post failed", logx.String("post_id", id), logx.Err(err))
		p = &post.ScheduledPost{ID: id}
		s.failPost(p, "dispatch error: load post: "+err.Error())
		return s.finish(work, p, nil, 0, time.Now())
	}
	return s.processClaimed(work, p)
}

func (s *Service) processClaimed(ctx context.Context, p *post.ScheduledPost) (ItemResult, bool, error) {
	start := time.Now()
	log := s.log.With(logx.String("post_id", p.ID))

	var history []post.HistoryEntry
	succeeded := 0
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("post processing panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				s.failPost(p, fmt.Sprintf("internal error: %v", r))
			}
		}()
		result, perr := s.broadcast(ctx, p)
		if perr != nil {
			msg := perr.Error()
			if !errors.Is(perr, account.ErrNoEligibleAccount) {
				msg = "dispatch error: " + msg
			}
			s.failPost(p, msg)
			return
		}
		result.Apply(p, s.now())
		history = result.History
		succeeded = result.Succeeded()
	}()
	return s.finish(ctx, p, history, succeeded, start)
}

// finish stores the terminal state, then appends history. The state goes
// first so a history failure cannot leave the post in flight.
func (s *Service) finish(ctx context.Context, p *post.ScheduledPost, history []post.HistoryEntry, succeeded int, start time.Time) (ItemResult, bool, error) {
	log := s.log.With(logx.String("post_id", p.ID))
	if err := s.deps.Store.Finish(ctx, p); err != nil {
		log.Error("store final state failed", logx.String("status", string(p.Status)), logx.Err(err))
		return ItemResult{ID: p.ID, Status: post.StatusInFlight, Error: err.Error()}, true, fmt.Errorf("finish %s: %w", p.ID, err)
	}
	for _, h := range history {
		if err := s.deps.History.Append(ctx, h); err != nil {
			log.Error("history append failed", logx.String("account_id", h.AccountID), logx.Err(err))
		}
	}

	s.deps.Metrics.PostFinished(string(p.Status), time.Since(start))
	s.publish(eventbus.PostFinished, p, succeeded)

	fields := []logx.Field{
		logx.String("status", string(p.Status)),
		logx.Int("succeeded", succeeded),
		logx.Duration("dur", time.Since(start)),
	}
	if p.Status == post.StatusFailed {
		log.Warn("post failed", append(fields, logx.String("error", p.Error))...)
	} else {
		log.Info("post posted", fields...)
	}
	return ItemResult{ID: p.ID, Status: p.Status, Error: p.Error}, true, nil
}

// broadcast resolves accounts, fetches media once and runs the engine. In
// skip-succeeded mode accounts with a stored result are carried over as-is.
func (s *Service) broadcast(ctx context.Context, p *post.ScheduledPost) (broadcast.Result, error) {
	accounts, err := s.deps.Accounts.Resolve(ctx, p)
	if err != nil {
		return broadcast.Result{}, err
	}

	var (
		toRun  []post.Account
		reused = map[string]broadcast.Outcome{}
	)
	for _, a := range accounts {
		if ids, ok := p.PerAccountResult[a.ID]; ok && len(ids) > 0 && s.config().RetryMode == RetrySkipSucceeded {
			reused[a.ID] = broadcast.Outcome{Account: a, IDs: ids, Reused: true}
			continue
		}
		toRun = append(toRun, a)
	}

	var ran []broadcast.Outcome
	if len(toRun) > 0 {
		m := s.deps.Media.Fetch(ctx, p)
		ran = s.deps.Engine.Run(ctx, p, toRun, m)
	}

	byID := make(map[string]broadcast.Outcome, len(ran))
	for _, o := range ran {
		byID[o.Account.ID] = o
	}
	outcomes := make([]broadcast.Outcome, 0, len(accounts))
	for _, a := range accounts {
		if o, ok := reused[a.ID]; ok {
			outcomes = append(outcomes, o)
			s.deps.Metrics.AccountOutcome("reused")
			continue
		}
		o, ok := byID[a.ID]
		if !ok {
			o = broadcast.Outcome{Account: a, Err: errors.New("not attempted")}
		}
		outcomes = append(outcomes, o)
		switch {
		case o.OK():
			s.deps.Metrics.AccountOutcome("posted")
		case o.Partial():
			s.deps.Metrics.AccountOutcome("partial")
		default:
			s.deps.Metrics.AccountOutcome("failed")
		}
	}
	return broadcast.Aggregate(p, outcomes, s.now()), nil
}

// failPost marks p failed without touching results from an earlier attempt.
func (s *Service) failPost(p *post.ScheduledPost, msg string) {
	p.Status = post.StatusFailed
	p.Error = msg
	p.UpdatedAt = s.now()
}
