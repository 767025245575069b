package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"threadcast/internal/post"
)

var ErrAccountNotFound = errors.New("account not found")

// Accounts is the credential store.
type Accounts struct {
	db *sql.DB
}

const accountColumns = `id, handle, display_name, access_token, access_secret, active, account_type, entry_id, updated_at`

func (s *Accounts) Upsert(ctx context.Context, a post.Account) error {
	if strings.TrimSpace(a.ID) == "" || strings.TrimSpace(a.Handle) == "" {
		return errors.New("account id and handle are required")
	}
	if a.Type == "" {
		a.Type = post.AccountOfficial
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(`+accountColumns+`) VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			handle = excluded.handle,
			display_name = excluded.display_name,
			access_token = excluded.access_token,
			access_secret = excluded.access_secret,
			active = excluded.active,
			account_type = excluded.account_type,
			entry_id = excluded.entry_id,
			updated_at = excluded.updated_at`,
		a.ID, a.Handle, nullStr(a.DisplayName), a.Credential.AccessToken, a.Credential.AccessSecret,
		boolInt(a.Active), string(a.Type), nullStr(a.EntryID), a.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *Accounts) Get(ctx context.Context, id string) (post.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return post.Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return a, err
}

// ListByIDs returns the accounts that exist among ids, active or not.
func (s *Accounts) ListByIDs(ctx context.Context, ids []string) ([]post.Account, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return s.query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id`, args...)
}

func (s *Accounts) List(ctx context.Context) ([]post.Account, error) {
	return s.query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY handle, id`)
}

func (s *Accounts) query(ctx context.Context, q string, args ...any) ([]post.Account, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []post.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAccount(r rowScanner) (post.Account, error) {
	var (
		a              post.Account
		display, entry sql.NullString
		accountType    string
		active         int
		updatedAt      int64
	)
	if err := r.Scan(&a.ID, &a.Handle, &display, &a.Credential.AccessToken, &a.Credential.AccessSecret,
		&active, &accountType, &entry, &updatedAt); err != nil {
		return post.Account{}, err
	}
	a.DisplayName = display.String
	a.EntryID = entry.String
	a.Active = active != 0
	a.Type = post.AccountType(accountType)
	a.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return a, nil
}
