package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"threadcast/internal/post"
)

// History implements post.HistoryLog. Rows are never updated.
type History struct {
	db *sql.DB
}

var _ post.HistoryLog = (*History)(nil)

const historyColumns = `id, post_id, account_id, handle, text_segments, media_url, media_kind, external_ids, store_entry_id, created_at`

func (s *History) Append(ctx context.Context, e post.HistoryEntry) error {
	if e.ID == "" || e.AccountID == "" {
		return errors.New("history entry id and account id are required")
	}
	segs, err := json.Marshal(e.TextSegments)
	if err != nil {
		return err
	}
	ids, err := json.Marshal(e.ExternalIDs)
	if err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	mediaURL, mediaKind := mediaCols(e.Media)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO history_log(`+historyColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.PostID, e.AccountID, e.Handle, string(segs), mediaURL, mediaKind, string(ids),
		nullStr(e.StoreEntryID), e.CreatedAt.UnixMilli(),
	)
	return err
}

// ListByAccount returns entries newest first. An empty accountID lists all.
func (s *History) ListByAccount(ctx context.Context, accountID string, limit int) ([]post.HistoryEntry, error) {
	q := `SELECT ` + historyColumns + ` FROM history_log`
	args := []any{}
	if accountID != "" {
		q += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []post.HistoryEntry
	for rows.Next() {
		var (
			e                          post.HistoryEntry
			segs, ids                  string
			mediaURL, mediaKind, entry sql.NullString
			createdAt                  int64
		)
		if err := rows.Scan(&e.ID, &e.PostID, &e.AccountID, &e.Handle, &segs, &mediaURL, &mediaKind,
			&ids, &entry, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(segs), &e.TextSegments); err != nil {
			return nil, fmt.Errorf("history %s: text_segments: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(ids), &e.ExternalIDs); err != nil {
			return nil, fmt.Errorf("history %s: external_ids: %w", e.ID, err)
		}
		if mediaURL.Valid && mediaURL.String != "" {
			e.Media = &post.MediaRef{URL: mediaURL.String, Kind: post.MediaKind(mediaKind.String)}
		}
		e.StoreEntryID = entry.String
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
