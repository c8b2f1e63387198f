package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config controls SQLite initialization.
type Config struct {
	Path   string
	Logger *slog.Logger
}

// Database wraps the sql.DB handle shared by all memory stores.
type Database struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens the database and ensures the schema.
func New(ctx context.Context, cfg Config) (*Database, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", cfg.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)

	wrapper := &Database{db: db, logger: cfg.Logger}
	if err := wrapper.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return wrapper, nil
}

func (d *Database) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS candidates (
            id TEXT PRIMARY KEY,
            user_id TEXT NOT NULL,
            content TEXT NOT NULL,
            content_hash TEXT NOT NULL,
            created_at DATETIME NOT NULL,
            last_accessed DATETIME NOT NULL,
            visit_count INTEGER NOT NULL DEFAULT 1,
            score REAL NOT NULL DEFAULT 0,
            UNIQUE(user_id, content_hash)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_candidates_user ON candidates(user_id);`,
		`CREATE TABLE IF NOT EXISTS profiles (
            pid TEXT PRIMARY KEY,
            user_id TEXT NOT NULL,
            content TEXT NOT NULL,
            session_id TEXT,
            is_confirmed INTEGER NOT NULL DEFAULT 0,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_profiles_user ON profiles(user_id);`,
		`CREATE TABLE IF NOT EXISTS tool_records (
            seq INTEGER PRIMARY KEY AUTOINCREMENT,
            user_id TEXT NOT NULL,
            tool_name TEXT NOT NULL,
            input TEXT,
            output TEXT,
            status TEXT NOT NULL,
            time_cost_ms INTEGER NOT NULL DEFAULT 0,
            ts DATETIME NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_tool_records_user ON tool_records(user_id, seq);`,
		`CREATE TABLE IF NOT EXISTS summary_marks (
            user_id TEXT PRIMARY KEY,
            last_summary_at DATETIME NOT NULL,
            high_water INTEGER NOT NULL DEFAULT 0
        );`,
		`CREATE TABLE IF NOT EXISTS tool_guidance (
            id TEXT PRIMARY KEY,
            user_id TEXT NOT NULL,
            tool_names TEXT NOT NULL,
            guidance TEXT NOT NULL,
            created_at DATETIME NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_tool_guidance_user ON tool_guidance(user_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS tasks (
            submit_id TEXT PRIMARY KEY,
            kind TEXT NOT NULL,
            status TEXT NOT NULL,
            payload TEXT NOT NULL,
            result TEXT,
            error TEXT,
            retryable INTEGER NOT NULL DEFAULT 0,
            created_at DATETIME NOT NULL,
            completed_at DATETIME,
            day TEXT NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_day ON tasks(day);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
	}

	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// DB returns the underlying database handle.
func (d *Database) DB() *sql.DB {
	return d.db
}

// Close releases the database.
func (d *Database) Close() error {
	return d.db.Close()
}
