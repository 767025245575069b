// Package account resolves a post's target accounts against the credential
// store.
package account

import (
	"context"
	"errors"
	"fmt"

	"threadcast/internal/post"
	logx "threadcast/pkg/logx"
)

// ErrNoEligibleAccount means none of a post's accounts exists and is active.
var ErrNoEligibleAccount = errors.New("no eligible account")

// Store is the credential store.
type Store interface {
	ListByIDs(ctx context.Context, ids []string) ([]post.Account, error)
}

type Resolver struct {
	store Store
	log   logx.Logger
}

func NewResolver(store Store, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{store: store, log: log.With(logx.String("comp", "account"))}
}

// Resolve returns the active accounts among p.AccountIDs in the post's order.
// Inactive and missing accounts are dropped without being reported as
// failures.
func (r *Resolver) Resolve(ctx context.Context, p *post.ScheduledPost) ([]post.Account, error) {
	found, err := r.store.ListByIDs(ctx, p.AccountIDs)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	byID := make(map[string]post.Account, len(found))
	for _, a := range found {
		byID[a.ID] = a
	}

	out := make([]post.Account, 0, len(p.AccountIDs))
	seen := make(map[string]struct{}, len(p.AccountIDs))
	for _, id := range p.AccountIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		a, ok := byID[id]
		if !ok || !a.Active {
			r.log.Debug("account dropped", logx.String("post_id", p.ID), logx.String("account_id", id), logx.Bool("exists", ok))
			continue
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, ErrNoEligibleAccount
	}
	return out, nil
}

// Describe returns display info for ids, inactive accounts included.
func (r *Resolver) Describe(ctx context.Context, ids []string) (map[string]post.Account, error) {
	found, err := r.store.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]post.Account, len(found))
	for _, a := range found {
		out[a.ID] = a
	}
	return out, nil
}
