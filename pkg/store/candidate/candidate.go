// Package candidate holds the per-user pool of scored, decaying candidate
// memories and runs the promotion check on every observation.
package candidate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mnemo-ai/mnemo/pkg/engine/score"
	"github.com/mnemo-ai/mnemo/pkg/model"
)

// Store encapsulates candidate pool reads and writes. Promotion into the
// profile pool happens inside the same transaction as the observation, so a
// candidate is never visible in both tiers at once.
type Store struct {
	db      *sql.DB
	scoring score.Config
	logger  *slog.Logger
	now     func() time.Time
}

func New(db *sql.DB, scoring score.Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:      db,
		scoring: scoring.WithDefaults(),
		logger:  logger,
		now:     time.Now,
	}
}

// Hash is the dedup key for candidate content.
func Hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Observe records one observation of a fact. A first observation creates a
// candidate with visit_count=1; a repeat increments visit_count and refreshes
// last_accessed. The returned entry carries the recomputed score. If the
// score reaches the pool's promotion threshold, the candidate is atomically
// moved into the profile pool and promoted is non-nil.
func (s *Store) Observe(ctx context.Context, userID, content string) (*model.CandidateMemory, *model.ProfileEntry, error) {
	userID = strings.TrimSpace(userID)
	content = strings.TrimSpace(content)
	if userID == "" {
		return nil, nil, fmt.Errorf("%w: user id is required", model.ErrValidation)
	}
	if content == "" {
		return nil, nil, fmt.Errorf("%w: content is required", model.ErrValidation)
	}

	hash := Hash(content)
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin observe: %w", err)
	}
	defer tx.Rollback()

	mem := model.CandidateMemory{
		UserID:      userID,
		Content:     content,
		ContentHash: hash,
	}
	err = tx.QueryRowContext(ctx, `
        SELECT id, created_at, visit_count FROM candidates
        WHERE user_id = ? AND content_hash = ?;
    `, userID, hash).Scan(&mem.ID, &mem.CreatedAt, &mem.VisitCount)
	switch {
	case err == sql.ErrNoRows:
		mem.ID = uuid.NewString()
		mem.CreatedAt = now
		mem.VisitCount = 1
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO candidates(id, user_id, content, content_hash, created_at, last_accessed, visit_count, score)
            VALUES(?, ?, ?, ?, ?, ?, 1, 0);
        `, mem.ID, userID, content, hash, now, now); err != nil {
			return nil, nil, fmt.Errorf("insert candidate: %w", err)
		}
	case err != nil:
		return nil, nil, fmt.Errorf("lookup candidate: %w", err)
	default:
		mem.VisitCount++
		if _, err := tx.ExecContext(ctx, `
            UPDATE candidates SET visit_count = ?, last_accessed = ? WHERE id = ?;
        `, mem.VisitCount, now, mem.ID); err != nil {
			return nil, nil, fmt.Errorf("update candidate: %w", err)
		}
	}
	mem.LastAccessed = now

	var poolSize, maxVisits int
	if err := tx.QueryRowContext(ctx, `
        SELECT COUNT(*), COALESCE(MAX(visit_count), 0) FROM candidates WHERE user_id = ?;
    `, userID).Scan(&poolSize, &maxVisits); err != nil {
		return nil, nil, fmt.Errorf("pool stats: %w", err)
	}

	timeScore := s.scoring.TimeScore(now, mem.LastAccessed)
	visitScore := s.scoring.VisitScore(mem.VisitCount, maxVisits)
	mem.Score = s.scoring.Composite(timeScore, visitScore)
	if _, err := tx.ExecContext(ctx, `UPDATE candidates SET score = ? WHERE id = ?;`, mem.Score, mem.ID); err != nil {
		return nil, nil, fmt.Errorf("store score: %w", err)
	}

	var promoted *model.ProfileEntry
	if mem.Score >= s.scoring.PromotionThreshold(poolSize) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM candidates WHERE id = ?;`, mem.ID); err != nil {
			return nil, nil, fmt.Errorf("remove promoted candidate: %w", err)
		}
		entry := model.ProfileEntry{
			PID:       uuid.NewString(),
			UserID:    userID,
			Content:   content,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO profiles(pid, user_id, content, session_id, is_confirmed, created_at, updated_at)
            VALUES(?, ?, ?, NULL, 0, ?, ?);
        `, entry.PID, userID, content, now, now); err != nil {
			return nil, nil, fmt.Errorf("promote candidate: %w", err)
		}
		promoted = &entry
		s.logger.Info("candidate promoted", "user", userID, "pid", entry.PID, "score", mem.Score, "pool", poolSize)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit observe: %w", err)
	}
	return &mem, promoted, nil
}

// ListAll returns the live candidates for a user ordered by descending score.
// Scores are recomputed against the current time on every call.
func (s *Store) ListAll(ctx context.Context, userID string) ([]model.CandidateMemory, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, user_id, content, content_hash, created_at, last_accessed, visit_count
        FROM candidates
        WHERE user_id = ?;
    `, userID)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	var out []model.CandidateMemory
	maxVisits := 0
	for rows.Next() {
		var m model.CandidateMemory
		if err := rows.Scan(&m.ID, &m.UserID, &m.Content, &m.ContentHash, &m.CreatedAt, &m.LastAccessed, &m.VisitCount); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		if m.VisitCount > maxVisits {
			maxVisits = m.VisitCount
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}

	now := s.now().UTC()
	for i := range out {
		ts := s.scoring.TimeScore(now, out[i].LastAccessed)
		vs := s.scoring.VisitScore(out[i].VisitCount, maxVisits)
		out[i].Score = s.scoring.Composite(ts, vs)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].ID < out[j].ID
		}
		return out[i].Score > out[j].Score
	})
	return out, nil
}

// PoolSize returns the number of live candidates for a user.
func (s *Store) PoolSize(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM candidates WHERE user_id = ?;`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("pool size: %w", err)
	}
	return n, nil
}

// Clear removes all candidates for a user. Irreversible.
func (s *Store) Clear(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM candidates WHERE user_id = ?;`, userID); err != nil {
		return fmt.Errorf("clear candidates: %w", err)
	}
	return nil
}
