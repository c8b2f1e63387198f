package model

import (
	"context"
	"encoding/json"
	"time"
)

// CandidateMemory is an unconfirmed, decaying fact about a user. At most one
// live candidate exists per (UserID, ContentHash); repeat observations bump
// VisitCount instead of creating duplicates.
type CandidateMemory struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Content      string    `json:"content"`
	ContentHash  string    `json:"content_hash"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	VisitCount   int       `json:"visit_count"`
	Score        float64   `json:"score"`
}

// ProfileEntry is a confirmed or auto-promoted stable profile fact.
// PID is immutable once created; Content may be replaced in place.
type ProfileEntry struct {
	PID         string    `json:"pid"`
	UserID      string    `json:"user_id"`
	Content     string    `json:"content"`
	SessionID   string    `json:"session_id,omitempty"`
	IsConfirmed bool      `json:"is_confirmed"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ToolStatus is the outcome of one tool invocation.
type ToolStatus string

const (
	ToolSuccess ToolStatus = "success"
	ToolFailure ToolStatus = "failure"
)

// ToolMemoryRecord is one tool invocation outcome. Append-only.
type ToolMemoryRecord struct {
	ToolName   string     `json:"tool_name"`
	Input      string     `json:"input"`
	Output     string     `json:"output"`
	Status     ToolStatus `json:"status"`
	TimeCostMs int64      `json:"time_cost_ms"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Guidance is condensed, retrievable advice derived from tool memory records.
type Guidance struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ToolNames []string  `json:"tool_names"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskStatus is the lifecycle state of a background task.
// Transitions are running -> completed or running -> failed, nothing else.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// TaskKind identifies what a submitted task does.
type TaskKind string

const (
	KindAddBehavior  TaskKind = "add"
	KindClearMemory  TaskKind = "clear"
	KindRecordAction TaskKind = "record-action"
)

// Task is a unit of asynchronous work tracked by the task manager.
type Task struct {
	SubmitID    string          `json:"submit_id"`
	Kind        TaskKind        `json:"kind"`
	Status      TaskStatus      `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Retryable   bool            `json:"retryable,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// StorageStats is a read-only aggregate over the task table, eventually
// consistent with in-flight workers.
type StorageStats struct {
	TotalTasks       int64 `json:"total_tasks"`
	Completed        int64 `json:"completed"`
	Failed           int64 `json:"failed"`
	Running          int64 `json:"running"`
	StorageSizeBytes int64 `json:"storage_size_bytes"`
}

// AddBehaviorPayload is the worker payload for KindAddBehavior.
type AddBehaviorPayload struct {
	UserID   string   `json:"user_id"`
	Contents []string `json:"contents"`
}

// ClearMemoryPayload is the worker payload for KindClearMemory.
type ClearMemoryPayload struct {
	UserID string `json:"user_id"`
}

// RetrievedMemory combines all synchronous retrieval tiers for one query.
// UserInfo holds confirmed profile entries; Related holds raw text recalled
// from the nearest-neighbor index.
type RetrievedMemory struct {
	Candidates []CandidateMemory `json:"candidates"`
	Profiling  []ProfileEntry    `json:"profiling"`
	UserInfo   []ProfileEntry    `json:"user_info"`
	Related    []string          `json:"related,omitempty"`
}

// Embedder produces embeddings for the raw-text nearest-neighbor index.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
