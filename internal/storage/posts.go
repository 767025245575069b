package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"threadcast/internal/post"
)

// Posts implements post.Store.
type Posts struct {
	db *sql.DB
}

var _ post.Store = (*Posts)(nil)

const postColumns = `id, text_segments, media_url, media_kind, account_ids, scheduled_at, broadcast,
	status, per_account_result, partial_results, error, source, created_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Posts) Create(ctx context.Context, p *post.ScheduledPost) error {
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return errors.New("post id is required")
	}
	segs, err := json.Marshal(p.TextSegments)
	if err != nil {
		return err
	}
	accounts, err := json.Marshal(p.AccountIDs)
	if err != nil {
		return err
	}
	results, partial, err := encodeResults(p)
	if err != nil {
		return err
	}
	mediaURL, mediaKind := mediaCols(p.Media)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_posts(`+postColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, string(segs), mediaURL, mediaKind, string(accounts), p.ScheduledAt.UnixMilli(), boolInt(p.Broadcast),
		string(p.Status), results, partial, nullStr(p.Error), nullStr(p.Source), nullStr(p.CreatedBy),
		p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *Posts) Get(ctx context.Context, id string) (*post.ScheduledPost, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM scheduled_posts WHERE id = ?`, id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", post.ErrNotFound, id)
	}
	return p, err
}

func (s *Posts) List(ctx context.Context, f post.ListFilter) ([]*post.ScheduledPost, error) {
	q := `SELECT ` + postColumns + ` FROM scheduled_posts`
	args := []any{}
	if f.Status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(f.Status))
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.query(ctx, q, args...)
}

func (s *Posts) Due(ctx context.Context, now time.Time, limit int) ([]*post.ScheduledPost, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.query(ctx,
		`SELECT `+postColumns+` FROM scheduled_posts
		 WHERE status = ? AND scheduled_at <= ?
		 ORDER BY scheduled_at ASC, id ASC
		 LIMIT ?`,
		string(post.StatusPending), now.UnixMilli(), limit,
	)
}

func (s *Posts) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_posts SET status = ?, claimed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(post.StatusInFlight), now.UnixMilli(), now.UnixMilli(), id, string(post.StatusPending),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Posts) Finish(ctx context.Context, p *post.ScheduledPost) error {
	if !p.Status.Terminal() {
		return fmt.Errorf("finish post %s: status %s is not terminal", p.ID, p.Status)
	}
	results, partial, err := encodeResults(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_posts
		 SET status = ?, per_account_result = ?, partial_results = ?, error = ?, updated_at = ?, claimed_at = NULL
		 WHERE id = ? AND status = ?`,
		string(p.Status), results, partial, nullStr(p.Error), p.UpdatedAt.UnixMilli(),
		p.ID, string(post.StatusInFlight),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionError(ctx, p.ID, "finish")
	}
	return nil
}

func (s *Posts) ReleaseStale(ctx context.Context, cutoff, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_posts SET status = ?, claimed_at = NULL, updated_at = ?
		 WHERE status = ? AND claimed_at < ?`,
		string(post.StatusPending), now.UnixMilli(), string(post.StatusInFlight), cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Posts) Cancel(ctx context.Context, id string, now time.Time) (*post.ScheduledPost, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_posts SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(post.StatusCancelled), now.UnixMilli(), id, string(post.StatusPending),
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.transitionError(ctx, id, "cancel")
	}
	return s.Get(ctx, id)
}

func (s *Posts) ResetForRetry(ctx context.Context, id string, now time.Time) (*post.ScheduledPost, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_posts SET status = ?, error = NULL, scheduled_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(post.StatusPending), now.UnixMilli(), now.UnixMilli(), id, string(post.StatusFailed),
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.transitionError(ctx, id, "retry")
	}
	return s.Get(ctx, id)
}

// transitionError explains why a conditional update touched no row.
func (s *Posts) transitionError(ctx context.Context, id, op string) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return post.ConflictError(id, p.Status, op)
}

func (s *Posts) query(ctx context.Context, q string, args ...any) ([]*post.ScheduledPost, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*post.ScheduledPost
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPost(r rowScanner) (*post.ScheduledPost, error) {
	var (
		p                                    post.ScheduledPost
		segs, accounts, status, results      string
		mediaURL, mediaKind, partial, errStr sql.NullString
		source, createdBy                    sql.NullString
		scheduledAt, createdAt, updatedAt    int64
		broadcast                            int
	)
	if err := r.Scan(&p.ID, &segs, &mediaURL, &mediaKind, &accounts, &scheduledAt, &broadcast,
		&status, &results, &partial, &errStr, &source, &createdBy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(segs), &p.TextSegments); err != nil {
		return nil, fmt.Errorf("post %s: text_segments: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(accounts), &p.AccountIDs); err != nil {
		return nil, fmt.Errorf("post %s: account_ids: %w", p.ID, err)
	}
	p.PerAccountResult = map[string][]string{}
	if results != "" {
		if err := json.Unmarshal([]byte(results), &p.PerAccountResult); err != nil {
			return nil, fmt.Errorf("post %s: per_account_result: %w", p.ID, err)
		}
	}
	if partial.Valid && partial.String != "" {
		if err := json.Unmarshal([]byte(partial.String), &p.PartialResults); err != nil {
			return nil, fmt.Errorf("post %s: partial_results: %w", p.ID, err)
		}
	}
	if mediaURL.Valid && mediaURL.String != "" {
		p.Media = &post.MediaRef{URL: mediaURL.String, Kind: post.MediaKind(mediaKind.String)}
	}
	p.ScheduledAt = time.UnixMilli(scheduledAt).UTC()
	p.Broadcast = broadcast != 0
	p.Status = post.Status(status)
	p.Error = errStr.String
	p.Source = source.String
	p.CreatedBy = createdBy.String
	p.CreatedAt = time.UnixMilli(createdAt).UTC()
	p.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &p, nil
}

func encodeResults(p *post.ScheduledPost) (string, any, error) {
	results := p.PerAccountResult
	if results == nil {
		results = map[string][]string{}
	}
	rb, err := json.Marshal(results)
	if err != nil {
		return "", nil, err
	}
	if len(p.PartialResults) == 0 {
		return string(rb), nil, nil
	}
	pb, err := json.Marshal(p.PartialResults)
	if err != nil {
		return "", nil, err
	}
	return string(rb), string(pb), nil
}

func mediaCols(m *post.MediaRef) (any, any) {
	if m == nil || m.URL == "" {
		return nil, nil
	}
	return m.URL, string(m.Kind)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
