// Package profile holds the confirmed and auto-promoted stable profile facts.
package profile

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mnemo-ai/mnemo/pkg/model"
)

// Store encapsulates CRUD for profile entries.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Add always creates a new entry, even for semantically duplicate content.
// Dedup is a candidate-pool concern and is deliberately not enforced here.
func (s *Store) Add(ctx context.Context, userID, content, sessionID string) (*model.ProfileEntry, error) {
	userID = strings.TrimSpace(userID)
	content = strings.TrimSpace(content)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", model.ErrValidation)
	}
	if content == "" {
		return nil, fmt.Errorf("%w: content is required", model.ErrValidation)
	}

	now := s.now().UTC()
	entry := model.ProfileEntry{
		PID:       uuid.NewString(),
		UserID:    userID,
		Content:   content,
		SessionID: sessionID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO profiles(pid, user_id, content, session_id, is_confirmed, created_at, updated_at)
        VALUES(?, ?, ?, ?, 0, ?, ?);
    `, entry.PID, userID, content, nullable(sessionID), now, now)
	if err != nil {
		return nil, fmt.Errorf("insert profile: %w", err)
	}
	return &entry, nil
}

// Update replaces an entry's content in place, guarded by the caller's view
// of the previous content. A missing pid yields ErrNotFound; a stale
// previousContent yields ErrConflict and leaves the entry untouched.
func (s *Store) Update(ctx context.Context, userID, pid, previousContent, newContent string) error {
	newContent = strings.TrimSpace(newContent)
	if newContent == "" {
		return fmt.Errorf("%w: new content is required", model.ErrValidation)
	}

	res, err := s.db.ExecContext(ctx, `
        UPDATE profiles SET content = ?, updated_at = ?
        WHERE pid = ? AND user_id = ? AND content = ?;
    `, newContent, s.now().UTC(), pid, userID, previousContent)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update profile rows: %w", err)
	}
	if n > 0 {
		return nil
	}

	// Distinguish a stale guard from an unknown entry.
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM profiles WHERE pid = ? AND user_id = ?;`, pid, userID).Scan(&exists)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: profile %s for user %s", model.ErrNotFound, pid, userID)
	}
	if err != nil {
		return fmt.Errorf("check profile: %w", err)
	}
	return fmt.Errorf("%w: previous content does not match", model.ErrConflict)
}

// Delete removes an entry.
func (s *Store) Delete(ctx context.Context, userID, pid string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE pid = ? AND user_id = ?;`, pid, userID)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete profile rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: profile %s for user %s", model.ErrNotFound, pid, userID)
	}
	return nil
}

// Confirm marks an entry as user-confirmed. Confirming an already-confirmed
// entry is a no-op success.
func (s *Store) Confirm(ctx context.Context, userID, pid string) (*model.ProfileEntry, error) {
	_, err := s.db.ExecContext(ctx, `
        UPDATE profiles SET is_confirmed = 1, updated_at = ?
        WHERE pid = ? AND user_id = ? AND is_confirmed = 0;
    `, s.now().UTC(), pid, userID)
	if err != nil {
		return nil, fmt.Errorf("confirm profile: %w", err)
	}
	return s.Get(ctx, userID, pid)
}

// Get fetches one entry.
func (s *Store) Get(ctx context.Context, userID, pid string) (*model.ProfileEntry, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT pid, user_id, content, session_id, is_confirmed, created_at, updated_at
        FROM profiles WHERE pid = ? AND user_id = ?;
    `, pid, userID)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: profile %s for user %s", model.ErrNotFound, pid, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return entry, nil
}

// ListAll returns all entries for a user in stable creation order.
func (s *Store) ListAll(ctx context.Context, userID string) ([]model.ProfileEntry, error) {
	return s.list(ctx, userID, false)
}

// ListConfirmed returns only the entries the user has confirmed.
func (s *Store) ListConfirmed(ctx context.Context, userID string) ([]model.ProfileEntry, error) {
	return s.list(ctx, userID, true)
}

func (s *Store) list(ctx context.Context, userID string, confirmedOnly bool) ([]model.ProfileEntry, error) {
	q := `
        SELECT pid, user_id, content, session_id, is_confirmed, created_at, updated_at
        FROM profiles WHERE user_id = ?`
	if confirmedOnly {
		q += ` AND is_confirmed = 1`
	}
	q += ` ORDER BY created_at ASC, pid ASC;`

	rows, err := s.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []model.ProfileEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*model.ProfileEntry, error) {
	var entry model.ProfileEntry
	var sessionID sql.NullString
	var confirmed int
	if err := row.Scan(&entry.PID, &entry.UserID, &entry.Content, &sessionID, &confirmed, &entry.CreatedAt, &entry.UpdatedAt); err != nil {
		return nil, err
	}
	entry.SessionID = sessionID.String
	entry.IsConfirmed = confirmed == 1
	return &entry, nil
}

func nullable(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
