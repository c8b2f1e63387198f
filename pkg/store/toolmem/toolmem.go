// Package toolmem records tool invocation outcomes and periodically
// compresses them into retrievable guidance. Records are append-only; the
// summarizer never deletes them, it advances a per-user high-water mark.
package toolmem

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mnemo-ai/mnemo/pkg/engine/summarize"
	"github.com/mnemo-ai/mnemo/pkg/model"
)

const (
	defaultTimeThreshold  = 300 * time.Second
	defaultCountThreshold = 5
)

// Config tunes the summarization trigger.
type Config struct {
	// TimeThreshold fires a pass when this much time passed since the last
	// one. Zero means 300s.
	TimeThreshold time.Duration
	// CountThreshold fires a pass when more than this many unsummarized
	// records exist. Zero means 5.
	CountThreshold int
	Logger         *slog.Logger
}

// Store encapsulates the tool memory log, the guidance entries, and the
// summarization marks.
type Store struct {
	db         *sql.DB
	summarizer summarize.Summarizer
	timeThresh time.Duration
	countThres int
	logger     *slog.Logger
	now        func() time.Time
}

func New(db *sql.DB, summarizer summarize.Summarizer, cfg Config) *Store {
	if summarizer == nil {
		summarizer = summarize.NewHeuristic()
	}
	if cfg.TimeThreshold == 0 {
		cfg.TimeThreshold = defaultTimeThreshold
	}
	if cfg.CountThreshold == 0 {
		cfg.CountThreshold = defaultCountThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		db:         db,
		summarizer: summarizer,
		timeThresh: cfg.TimeThreshold,
		countThres: cfg.CountThreshold,
		logger:     cfg.Logger,
		now:        time.Now,
	}
}

// Append writes one record and then checks the summarization trigger. The
// insert itself is O(1); callers run on the worker path, so a triggered pass
// never adds latency to a public request.
func (s *Store) Append(ctx context.Context, userID string, rec model.ToolMemoryRecord) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user id is required", model.ErrValidation)
	}
	if strings.TrimSpace(rec.ToolName) == "" {
		return fmt.Errorf("%w: tool name is required", model.ErrValidation)
	}
	if rec.Status != model.ToolSuccess && rec.Status != model.ToolFailure {
		return fmt.Errorf("%w: status must be success or failure", model.ErrValidation)
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	if _, err := s.db.ExecContext(ctx, `
        INSERT INTO tool_records(user_id, tool_name, input, output, status, time_cost_ms, ts)
        VALUES(?, ?, ?, ?, ?, ?, ?);
    `, userID, rec.ToolName, rec.Input, rec.Output, string(rec.Status), rec.TimeCostMs, ts.UTC()); err != nil {
		return fmt.Errorf("append tool record: %w", err)
	}

	// A missing mark means first activity for the user; start the clock now
	// instead of firing immediately.
	if _, err := s.db.ExecContext(ctx, `
        INSERT INTO summary_marks(user_id, last_summary_at, high_water)
        VALUES(?, ?, 0)
        ON CONFLICT(user_id) DO NOTHING;
    `, userID, s.now().UTC()); err != nil {
		return fmt.Errorf("init summary mark: %w", err)
	}

	// The record is durable at this point; a summarizer failure must not fail
	// the append, or a resubmit would duplicate the record. The sweep retries
	// the pass.
	if _, err := s.SummarizeIfDue(ctx, userID); err != nil {
		s.logger.Error("summarization pass failed", "user_id", userID, "err", err)
	}
	return nil
}

// SummarizeIfDue runs one summarization pass when either trigger condition is
// met: elapsed time since the last pass beyond the time threshold, or more
// unsummarized records than the count threshold. Returns whether a pass ran.
func (s *Store) SummarizeIfDue(ctx context.Context, userID string) (bool, error) {
	var lastSummary time.Time
	var highWater int64
	err := s.db.QueryRowContext(ctx, `
        SELECT last_summary_at, high_water FROM summary_marks WHERE user_id = ?;
    `, userID).Scan(&lastSummary, &highWater)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load summary mark: %w", err)
	}

	var unsummarized int
	if err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM tool_records WHERE user_id = ? AND seq > ?;
    `, userID, highWater).Scan(&unsummarized); err != nil {
		return false, fmt.Errorf("count unsummarized: %w", err)
	}

	now := s.now().UTC()
	if unsummarized <= s.countThres && now.Sub(lastSummary) <= s.timeThresh {
		return false, nil
	}
	if err := s.summarize(ctx, userID, highWater, now); err != nil {
		return false, err
	}
	return true, nil
}

// summarize consumes all records past the mark, durably stores the guidance
// entry, and advances the mark — guidance insert and mark advance commit in
// one transaction so a crash in between cannot lose or double-count records.
func (s *Store) summarize(ctx context.Context, userID string, highWater int64, now time.Time) error {
	rows, err := s.db.QueryContext(ctx, `
        SELECT seq, tool_name, input, output, status, time_cost_ms, ts
        FROM tool_records
        WHERE user_id = ? AND seq > ?
        ORDER BY seq ASC;
    `, userID, highWater)
	if err != nil {
		return fmt.Errorf("load unsummarized: %w", err)
	}
	defer rows.Close()

	var records []model.ToolMemoryRecord
	maxSeq := highWater
	toolSet := map[string]struct{}{}
	for rows.Next() {
		var rec model.ToolMemoryRecord
		var seq int64
		var status string
		if err := rows.Scan(&seq, &rec.ToolName, &rec.Input, &rec.Output, &status, &rec.TimeCostMs, &rec.Timestamp); err != nil {
			return fmt.Errorf("scan tool record: %w", err)
		}
		rec.Status = model.ToolStatus(status)
		records = append(records, rec)
		toolSet[rec.ToolName] = struct{}{}
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate tool records: %w", err)
	}

	if len(records) == 0 {
		// Nothing to compress; just reset the timer.
		_, err := s.db.ExecContext(ctx, `
            UPDATE summary_marks SET last_summary_at = ? WHERE user_id = ?;
        `, now, userID)
		if err != nil {
			return fmt.Errorf("reset summary timer: %w", err)
		}
		return nil
	}

	text, err := s.summarizer.Summarize(ctx, records)
	if err != nil {
		return fmt.Errorf("summarize tool records: %w", err)
	}

	toolNames := make([]string, 0, len(toolSet))
	for name := range toolSet {
		toolNames = append(toolNames, name)
	}
	sort.Strings(toolNames)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin summary commit: %w", err)
	}
	defer tx.Rollback()

	if text != "" {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO tool_guidance(id, user_id, tool_names, guidance, created_at)
            VALUES(?, ?, ?, ?, ?);
        `, uuid.NewString(), userID, strings.Join(toolNames, ","), text, now); err != nil {
			return fmt.Errorf("store guidance: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
        UPDATE summary_marks SET last_summary_at = ?, high_water = ? WHERE user_id = ?;
    `, now, maxSeq, userID); err != nil {
		return fmt.Errorf("advance summary mark: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit summary: %w", err)
	}

	s.logger.Info("tool memory summarized", "user", userID, "records", len(records), "tools", len(toolNames))
	return nil
}

// SweepDue runs the trigger check for every user with a summary mark. Called
// periodically so idle users still get their time-threshold flush.
func (s *Store) SweepDue(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM summary_marks;`)
	if err != nil {
		return fmt.Errorf("list summary marks: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return fmt.Errorf("scan summary mark: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate summary marks: %w", err)
	}

	for _, u := range users {
		if _, err := s.SummarizeIfDue(ctx, u); err != nil {
			s.logger.Error("summary sweep failed", "user", u, "err", err)
		}
	}
	return nil
}

// RetrieveGuidance returns stored guidance ranked by overlap with the
// requested tool names, most recent first within equal overlap. With no tool
// names it returns everything by recency.
func (s *Store) RetrieveGuidance(ctx context.Context, userID string, toolNames []string) ([]model.Guidance, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, user_id, tool_names, guidance, created_at
        FROM tool_guidance
        WHERE user_id = ?
        ORDER BY created_at DESC;
    `, userID)
	if err != nil {
		return nil, fmt.Errorf("query guidance: %w", err)
	}
	defer rows.Close()

	wanted := map[string]struct{}{}
	for _, name := range toolNames {
		if name = strings.TrimSpace(name); name != "" {
			wanted[name] = struct{}{}
		}
	}

	type ranked struct {
		g       model.Guidance
		overlap int
	}
	var all []ranked
	for rows.Next() {
		var g model.Guidance
		var names string
		if err := rows.Scan(&g.ID, &g.UserID, &names, &g.Text, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan guidance: %w", err)
		}
		g.ToolNames = strings.Split(names, ",")
		overlap := 0
		for _, name := range g.ToolNames {
			if _, ok := wanted[name]; ok {
				overlap++
			}
		}
		all = append(all, ranked{g: g, overlap: overlap})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate guidance: %w", err)
	}

	if len(wanted) > 0 {
		filtered := all[:0]
		for _, r := range all {
			if r.overlap > 0 {
				filtered = append(filtered, r)
			}
		}
		all = filtered
		sort.SliceStable(all, func(i, j int) bool {
			return all[i].overlap > all[j].overlap
		})
	}

	out := make([]model.Guidance, 0, len(all))
	for _, r := range all {
		out = append(out, r.g)
	}
	return out, nil
}

// UnsummarizedCount reports how many records sit past the user's mark.
func (s *Store) UnsummarizedCount(ctx context.Context, userID string) (int, error) {
	var highWater int64
	err := s.db.QueryRowContext(ctx, `SELECT high_water FROM summary_marks WHERE user_id = ?;`, userID).Scan(&highWater)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("load mark: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM tool_records WHERE user_id = ? AND seq > ?;
    `, userID, highWater).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unsummarized: %w", err)
	}
	return n, nil
}

// RecordCount reports the total size of the append-only log for a user.
func (s *Store) RecordCount(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tool_records WHERE user_id = ?;`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tool records: %w", err)
	}
	return n, nil
}
