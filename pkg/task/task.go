// Package task decouples request latency from store-mutation latency: callers
// submit work and poll for a terminal status. The status table is the single
// source of truth for task state; workers never cache it beyond one task.
package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/mnemo-ai/mnemo/pkg/model"
)

const dayLayout = "2006-01-02"

// Handler processes one task payload. Implementations must be safe for
// concurrent use by multiple workers.
type Handler interface {
	Handle(ctx context.Context, kind model.TaskKind, payload json.RawMessage) (any, error)
}

// Config tunes the manager.
type Config struct {
	// Workers is the number of concurrent consumers. Zero means 2.
	Workers int
	// QueueSize bounds the submission buffer. Zero means 256.
	QueueSize int
	// Retention is how long terminal tasks stay queryable before Prune
	// removes them. Zero means 7 days.
	Retention time.Duration
	// MaxTries bounds retries of transient (backend unavailable) errors
	// within one processing attempt. Zero means 3.
	MaxTries uint
	// RetryInterval is the initial backoff interval. Zero means 100ms.
	RetryInterval time.Duration
	// TaskTimeout bounds one task's processing. Zero means 60s.
	TaskTimeout time.Duration
	Logger      *slog.Logger
}

// Manager owns the task status table and the worker pool.
type Manager struct {
	db      *sql.DB
	handler Handler
	cfg     Config
	logger  *slog.Logger
	queue   chan string
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	now     func() time.Time
}

// NewManager starts the worker pool and returns the manager.
func NewManager(db *sql.DB, handler Handler, cfg Config) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		db:      db,
		handler: handler,
		cfg:     cfg,
		logger:  cfg.Logger,
		queue:   make(chan string, cfg.QueueSize),
		now:     time.Now,
	}
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// Submit writes a running task record, enqueues it, and returns the submit id
// without waiting for processing. It returns in bounded time regardless of
// downstream store load: a full queue fails the task immediately instead of
// blocking the caller.
func (m *Manager) Submit(ctx context.Context, kind model.TaskKind, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: encode payload: %v", model.ErrValidation, err)
	}

	// The mutex covers the closed check through the enqueue, so Close cannot
	// close the queue between them and panic the send.
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", fmt.Errorf("%w: task manager is shut down", model.ErrUnavailable)
	}

	submitID := uuid.NewString()
	now := m.now().UTC()
	if _, err := m.db.ExecContext(ctx, `
        INSERT INTO tasks(submit_id, kind, status, payload, created_at, day)
        VALUES(?, ?, ?, ?, ?, ?);
    `, submitID, string(kind), string(model.TaskRunning), string(raw), now, now.Format(dayLayout)); err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}

	select {
	case m.queue <- submitID:
	default:
		// Queue saturated: the submission itself still succeeded, the task
		// just fails fast instead of stalling the caller.
		m.finish(submitID, nil, fmt.Errorf("%w: task queue is full", model.ErrUnavailable))
	}
	return submitID, nil
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for submitID := range m.queue {
		m.process(submitID)
	}
}

// process runs one task to its terminal state. Errors are recorded, never
// propagated as crashes.
func (m *Manager) process(submitID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TaskTimeout)
	defer cancel()

	var kind, status, payload string
	err := m.db.QueryRowContext(ctx, `
        SELECT kind, status, payload FROM tasks WHERE submit_id = ?;
    `, submitID).Scan(&kind, &status, &payload)
	if err != nil {
		m.logger.Error("task load failed", "submit_id", submitID, "err", err)
		return
	}
	if model.TaskStatus(status) != model.TaskRunning {
		// Terminal states are immutable; reprocessing is a no-op.
		return
	}

	operation := func() (json.RawMessage, error) {
		res, err := m.handler.Handle(ctx, model.TaskKind(kind), json.RawMessage(payload))
		if err != nil {
			if errors.Is(err, model.ErrUnavailable) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		raw, err := json.Marshal(res)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("encode result: %w", err))
		}
		return raw, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = m.cfg.RetryInterval
	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(m.cfg.MaxTries))
	m.finish(submitID, result, err)
}

// finish performs the single terminal status write. The status guard makes
// the transition monotonic: once terminal, later writes are no-ops.
func (m *Manager) finish(submitID string, result json.RawMessage, taskErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := m.now().UTC()
	var res sql.Result
	var err error
	if taskErr == nil {
		res, err = m.db.ExecContext(ctx, `
            UPDATE tasks SET status = ?, result = ?, completed_at = ?
            WHERE submit_id = ? AND status = ?;
        `, string(model.TaskCompleted), string(result), now, submitID, string(model.TaskRunning))
	} else {
		retryable := errors.Is(taskErr, model.ErrUnavailable)
		res, err = m.db.ExecContext(ctx, `
            UPDATE tasks SET status = ?, error = ?, retryable = ?, completed_at = ?
            WHERE submit_id = ? AND status = ?;
        `, string(model.TaskFailed), taskErr.Error(), boolToInt(retryable), now, submitID, string(model.TaskRunning))
	}
	if err != nil {
		m.logger.Error("task status write failed", "submit_id", submitID, "err", err)
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		m.logger.Warn("task already terminal, skipping status write", "submit_id", submitID)
		return
	}
	if taskErr != nil {
		m.logger.Info("task failed", "submit_id", submitID, "err", taskErr)
	}
}

// GetStatus fetches one task by submit id.
func (m *Manager) GetStatus(ctx context.Context, submitID string) (*model.Task, error) {
	row := m.db.QueryRowContext(ctx, `
        SELECT submit_id, kind, status, result, error, retryable, created_at, completed_at
        FROM tasks WHERE submit_id = ?;
    `, submitID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: task %s", model.ErrNotFound, submitID)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListByDate returns all tasks submitted on one day (YYYY-MM-DD).
func (m *Manager) ListByDate(ctx context.Context, date string) ([]model.Task, error) {
	if _, err := time.Parse(dayLayout, date); err != nil {
		return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", model.ErrValidation)
	}
	return m.listDays(ctx, date, date)
}

// ListByDateRange returns all tasks submitted between start and end days,
// inclusive.
func (m *Manager) ListByDateRange(ctx context.Context, start, end string) ([]model.Task, error) {
	s, err := time.Parse(dayLayout, start)
	if err != nil {
		return nil, fmt.Errorf("%w: start must be YYYY-MM-DD", model.ErrValidation)
	}
	e, err := time.Parse(dayLayout, end)
	if err != nil {
		return nil, fmt.Errorf("%w: end must be YYYY-MM-DD", model.ErrValidation)
	}
	if e.Before(s) {
		return nil, fmt.Errorf("%w: end is before start", model.ErrValidation)
	}
	return m.listDays(ctx, start, end)
}

func (m *Manager) listDays(ctx context.Context, start, end string) ([]model.Task, error) {
	rows, err := m.db.QueryContext(ctx, `
        SELECT submit_id, kind, status, result, error, retryable, created_at, completed_at
        FROM tasks
        WHERE day >= ? AND day <= ?
        ORDER BY created_at ASC, submit_id ASC;
    `, start, end)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// StorageStats aggregates the task table. Eventually consistent with
// in-flight workers.
func (m *Manager) StorageStats(ctx context.Context) (*model.StorageStats, error) {
	var stats model.StorageStats
	err := m.db.QueryRowContext(ctx, `
        SELECT COUNT(*),
               COALESCE(SUM(status = 'completed'), 0),
               COALESCE(SUM(status = 'failed'), 0),
               COALESCE(SUM(status = 'running'), 0),
               COALESCE(SUM(LENGTH(payload) + COALESCE(LENGTH(result), 0) + COALESCE(LENGTH(error), 0)), 0)
        FROM tasks;
    `).Scan(&stats.TotalTasks, &stats.Completed, &stats.Failed, &stats.Running, &stats.StorageSizeBytes)
	if err != nil {
		return nil, fmt.Errorf("storage stats: %w", err)
	}
	return &stats, nil
}

// Prune removes terminal tasks older than the retention window. Returns how
// many rows were deleted. Over-age tasks still marked running were abandoned
// by a crash (the queue is in-memory); they are failed here so they stay
// queryable for one more sweep and stop skewing the running count.
func (m *Manager) Prune(ctx context.Context) (int64, error) {
	now := m.now().UTC()
	cutoff := now.Add(-m.cfg.Retention)

	res, err := m.db.ExecContext(ctx, `
        DELETE FROM tasks WHERE status != ? AND created_at < ?;
    `, string(model.TaskRunning), cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows: %w", err)
	}
	if n > 0 {
		m.logger.Info("pruned terminal tasks", "count", n)
	}

	res, err = m.db.ExecContext(ctx, `
        UPDATE tasks SET status = ?, error = ?, retryable = 1, completed_at = ?
        WHERE status = ? AND created_at < ?;
    `, string(model.TaskFailed), "abandoned before completion", now,
		string(model.TaskRunning), cutoff)
	if err != nil {
		return n, fmt.Errorf("reconcile abandoned tasks: %w", err)
	}
	if a, _ := res.RowsAffected(); a > 0 {
		m.logger.Warn("failed abandoned tasks", "count", a)
	}
	return n, nil
}

// Close stops accepting submissions and drains the workers. Tasks already
// queued still run to a terminal state.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.queue)
	m.mu.Unlock()

	m.wg.Wait()
}

func scanTask(row interface{ Scan(dest ...any) error }) (*model.Task, error) {
	var t model.Task
	var kind, status string
	var result, errMsg sql.NullString
	var retryable int
	var completedAt sql.NullTime
	if err := row.Scan(&t.SubmitID, &kind, &status, &result, &errMsg, &retryable, &t.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	t.Kind = model.TaskKind(kind)
	t.Status = model.TaskStatus(status)
	if result.Valid && result.String != "" {
		t.Result = json.RawMessage(result.String)
	}
	t.Error = errMsg.String
	t.Retryable = retryable == 1
	if completedAt.Valid {
		ts := completedAt.Time
		t.CompletedAt = &ts
	}
	return &t, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
