package post

import (
	"context"
	"time"
)

// Store persists scheduled posts. It is the single source of truth for
// post status.
type Store interface {
	Create(ctx context.Context, p *ScheduledPost) error
	Get(ctx context.Context, id string) (*ScheduledPost, error)
	List(ctx context.Context, f ListFilter) ([]*ScheduledPost, error)

	// Due returns up to limit pending posts with scheduledAt <= now,
	// oldest schedule first.
	Due(ctx context.Context, now time.Time, limit int) ([]*ScheduledPost, error)
	// Claim moves a pending post to in_flight. It reports false when another
	// caller already claimed it or it left pending.
	Claim(ctx context.Context, id string, now time.Time) (bool, error)
	// Finish stores the outcome of a claimed post.
	Finish(ctx context.Context, p *ScheduledPost) error
	// ReleaseStale returns in_flight posts claimed before cutoff to pending.
	ReleaseStale(ctx context.Context, cutoff, now time.Time) (int, error)

	Cancel(ctx context.Context, id string, now time.Time) (*ScheduledPost, error)
	ResetForRetry(ctx context.Context, id string, now time.Time) (*ScheduledPost, error)
}

// HistoryLog is the append-only record of posted threads.
type HistoryLog interface {
	Append(ctx context.Context, e HistoryEntry) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]HistoryEntry, error)
}
