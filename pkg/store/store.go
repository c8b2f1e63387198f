package store

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mnemo-ai/mnemo/pkg/engine/extract"
	"github.com/mnemo-ai/mnemo/pkg/engine/score"
	"github.com/mnemo-ai/mnemo/pkg/engine/summarize"
	"github.com/mnemo-ai/mnemo/pkg/model"
	"github.com/mnemo-ai/mnemo/pkg/store/candidate"
	"github.com/mnemo-ai/mnemo/pkg/store/profile"
	"github.com/mnemo-ai/mnemo/pkg/store/sqlite"
	"github.com/mnemo-ai/mnemo/pkg/store/toolmem"
	"github.com/mnemo-ai/mnemo/pkg/store/vector"
	"github.com/mnemo-ai/mnemo/pkg/task"
)

// Options configures MemoryEngine.
type Options struct {
	DBPath        string
	Scoring       score.Config
	Extractor     extract.Extractor
	Summarizer    summarize.Summarizer
	Embedder      model.Embedder
	Workers       int
	QueueSize     int
	TaskRetention time.Duration
	SummaryTime   time.Duration
	SummaryCount  int
	RelatedTopK   int
	Logger        *slog.Logger
}

// MemoryEngine orchestrates the candidate, profile, tool, and task stores.
// It is the only component external callers touch: writes go through
// submitted tasks, reads are synchronous.
type MemoryEngine struct {
	db          *sqlite.Database
	candidates  *candidate.Store
	profiles    *profile.Store
	toolmem     *toolmem.Store
	vec         *vector.Index
	tasks       *task.Manager
	extractor   extract.Extractor
	relatedTopK int
	logger      *slog.Logger
}

// NewMemoryEngine initializes storage layers and starts the task workers.
func NewMemoryEngine(ctx context.Context, opt Options) (*MemoryEngine, error) {
	if opt.Logger == nil {
		opt.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	if opt.Extractor == nil {
		opt.Extractor = extract.NewHeuristic()
	}
	if opt.Summarizer == nil {
		opt.Summarizer = summarize.NewHeuristic()
	}
	if opt.Embedder == nil {
		opt.Embedder = NewHashEmbedder(0)
	}
	if opt.RelatedTopK <= 0 {
		opt.RelatedTopK = 5
	}

	db, err := sqlite.New(ctx, sqlite.Config{Path: opt.DBPath, Logger: opt.Logger})
	if err != nil {
		return nil, err
	}

	m := &MemoryEngine{
		db:          db,
		candidates:  candidate.New(db.DB(), opt.Scoring, opt.Logger),
		profiles:    profile.New(db.DB()),
		toolmem: toolmem.New(db.DB(), opt.Summarizer, toolmem.Config{
			TimeThreshold:  opt.SummaryTime,
			CountThreshold: opt.SummaryCount,
			Logger:         opt.Logger,
		}),
		vec:         vector.New(opt.Embedder),
		extractor:   opt.Extractor,
		relatedTopK: opt.RelatedTopK,
		logger:      opt.Logger,
	}
	m.tasks = task.NewManager(db.DB(), m, task.Config{
		Workers:   opt.Workers,
		QueueSize: opt.QueueSize,
		Retention: opt.TaskRetention,
		Logger:    opt.Logger,
	})
	return m, nil
}

// ---- asynchronous write paths ----

// AddBehavior submits raw behavior contents for background ingestion and
// returns the submit id immediately.
func (m *MemoryEngine) AddBehavior(ctx context.Context, userID string, contents []string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("%w: user_id is required", model.ErrValidation)
	}
	if len(contents) == 0 {
		return "", fmt.Errorf("%w: contents must not be empty", model.ErrValidation)
	}
	for i, c := range contents {
		if strings.TrimSpace(c) == "" {
			return "", fmt.Errorf("%w: contents[%d] is empty", model.ErrValidation, i)
		}
	}
	return m.tasks.Submit(ctx, model.KindAddBehavior, model.AddBehaviorPayload{UserID: userID, Contents: contents})
}

// ClearMemory submits a full candidate-pool and raw-index wipe for a user.
func (m *MemoryEngine) ClearMemory(ctx context.Context, userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("%w: user_id is required", model.ErrValidation)
	}
	return m.tasks.Submit(ctx, model.KindClearMemory, model.ClearMemoryPayload{UserID: userID})
}

// RecordAction submits one typed behavioral action. The data payload is
// validated against the action type before any task is created.
func (m *MemoryEngine) RecordAction(ctx context.Context, in model.RecordActionInput) (string, error) {
	if _, err := in.Validate(); err != nil {
		return "", err
	}
	return m.tasks.Submit(ctx, model.KindRecordAction, in)
}

// ---- worker dispatch ----

// Handle routes a dequeued task payload to the owning store. Implements
// task.Handler; runs on worker goroutines.
func (m *MemoryEngine) Handle(ctx context.Context, kind model.TaskKind, payload json.RawMessage) (any, error) {
	switch kind {
	case model.KindAddBehavior:
		var p model.AddBehaviorPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode add payload: %w", err)
		}
		return m.handleAddBehavior(ctx, p)
	case model.KindClearMemory:
		var p model.ClearMemoryPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode clear payload: %w", err)
		}
		return m.handleClearMemory(ctx, p)
	case model.KindRecordAction:
		var in model.RecordActionInput
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, fmt.Errorf("decode action payload: %w", err)
		}
		return m.handleRecordAction(ctx, in)
	default:
		return nil, fmt.Errorf("unknown task kind %q", kind)
	}
}

type addBehaviorResult struct {
	Observed int `json:"observed"`
	Promoted int `json:"promoted"`
	Indexed  int `json:"indexed"`
}

func (m *MemoryEngine) handleAddBehavior(ctx context.Context, p model.AddBehaviorPayload) (any, error) {
	var res addBehaviorResult
	for _, content := range p.Contents {
		facts, err := m.extractor.Extract(ctx, content)
		if err != nil {
			return nil, fmt.Errorf("extract facts: %w", err)
		}
		for _, fact := range facts {
			_, promoted, err := m.candidates.Observe(ctx, p.UserID, fact)
			if err != nil {
				return nil, err
			}
			res.Observed++
			if promoted != nil {
				res.Promoted++
			}
		}
		if err := m.vec.Upsert(ctx, p.UserID, uuid.NewString(), content); err != nil {
			return nil, err
		}
		res.Indexed++
	}
	return res, nil
}

func (m *MemoryEngine) handleClearMemory(ctx context.Context, p model.ClearMemoryPayload) (any, error) {
	if err := m.candidates.Clear(ctx, p.UserID); err != nil {
		return nil, err
	}
	if err := m.vec.Clear(p.UserID); err != nil {
		return nil, err
	}
	return map[string]bool{"cleared": true}, nil
}

func (m *MemoryEngine) handleRecordAction(ctx context.Context, in model.RecordActionInput) (any, error) {
	data, err := in.Validate()
	if err != nil {
		return nil, err
	}

	switch {
	case data.Change != nil:
		facts, err := m.extractor.Extract(ctx, data.Change.Current)
		if err != nil {
			return nil, fmt.Errorf("extract change: %w", err)
		}
		observed := 0
		for _, fact := range facts {
			if _, _, err := m.candidates.Observe(ctx, in.UserID, fact); err != nil {
				return nil, err
			}
			observed++
		}
		return map[string]int{"observed": observed}, nil

	case data.Query != nil:
		if err := m.vec.Upsert(ctx, in.UserID, uuid.NewString(), data.Query.Query); err != nil {
			return nil, err
		}
		return map[string]bool{"indexed": true}, nil

	case data.Operation != nil:
		rec := model.ToolMemoryRecord{
			ToolName:   data.Operation.ToolName,
			Input:      data.Operation.Input,
			Output:     data.Operation.Output,
			Status:     data.Operation.Status,
			TimeCostMs: data.Operation.TimeCostMs,
			Timestamp:  in.ReferenceTime,
		}
		if err := m.toolmem.Append(ctx, in.UserID, rec); err != nil {
			return nil, err
		}
		return map[string]bool{"recorded": true}, nil

	case data.Roadmap != nil:
		if _, _, err := m.candidates.Observe(ctx, in.UserID, data.Roadmap.Summary); err != nil {
			return nil, err
		}
		return map[string]bool{"observed": true}, nil
	}
	return nil, fmt.Errorf("%w: empty action data", model.ErrValidation)
}

// ---- synchronous read paths ----

// RetrieveMemory reads all memory tiers for a query: scored candidates,
// the full profile pool, confirmed entries, and raw related text from the
// nearest-neighbor index.
func (m *MemoryEngine) RetrieveMemory(ctx context.Context, userID, query string) (*model.RetrievedMemory, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", model.ErrValidation)
	}

	candidates, err := m.candidates.ListAll(ctx, userID)
	if err != nil {
		return nil, err
	}
	profiling, err := m.profiles.ListAll(ctx, userID)
	if err != nil {
		return nil, err
	}
	confirmed, err := m.profiles.ListConfirmed(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := &model.RetrievedMemory{
		Candidates: candidates,
		Profiling:  profiling,
		UserInfo:   confirmed,
	}
	if strings.TrimSpace(query) != "" {
		hits, err := m.vec.Search(ctx, userID, query, m.relatedTopK)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			out.Related = append(out.Related, h.Content)
		}
	}
	return out, nil
}

// RetrieveToolMemory returns guidance ranked against a comma-separated list
// of tool names.
func (m *MemoryEngine) RetrieveToolMemory(ctx context.Context, userID, query string) ([]model.Guidance, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", model.ErrValidation)
	}
	var toolNames []string
	for _, name := range strings.Split(query, ",") {
		if name = strings.TrimSpace(name); name != "" {
			toolNames = append(toolNames, name)
		}
	}
	return m.toolmem.RetrieveGuidance(ctx, userID, toolNames)
}

// ---- direct profile operations (synchronous, not task-backed) ----

func (m *MemoryEngine) DirectAddProfile(ctx context.Context, userID, content, sessionID string) (*model.ProfileEntry, error) {
	return m.profiles.Add(ctx, userID, content, sessionID)
}

func (m *MemoryEngine) DirectUpdateProfile(ctx context.Context, userID, pid, previousContent, newContent string) error {
	return m.profiles.Update(ctx, userID, pid, previousContent, newContent)
}

func (m *MemoryEngine) DirectDeleteProfile(ctx context.Context, userID, pid string) error {
	return m.profiles.Delete(ctx, userID, pid)
}

func (m *MemoryEngine) DirectConfirmProfile(ctx context.Context, userID, pid string) (*model.ProfileEntry, error) {
	return m.profiles.Confirm(ctx, userID, pid)
}

// ---- task queries ----

func (m *MemoryEngine) TaskStatus(ctx context.Context, submitID string) (*model.Task, error) {
	return m.tasks.GetStatus(ctx, submitID)
}

func (m *MemoryEngine) TasksByDate(ctx context.Context, date string) ([]model.Task, error) {
	return m.tasks.ListByDate(ctx, date)
}

func (m *MemoryEngine) TasksByDateRange(ctx context.Context, start, end string) ([]model.Task, error) {
	return m.tasks.ListByDateRange(ctx, start, end)
}

func (m *MemoryEngine) TaskStorageStats(ctx context.Context) (*model.StorageStats, error) {
	return m.tasks.StorageStats(ctx)
}

// ---- maintenance ----

// SweepSummaries flushes tool-memory summaries whose time threshold passed.
func (m *MemoryEngine) SweepSummaries(ctx context.Context) error {
	return m.toolmem.SweepDue(ctx)
}

// PruneTasks garbage-collects terminal tasks past the retention window.
func (m *MemoryEngine) PruneTasks(ctx context.Context) (int64, error) {
	return m.tasks.Prune(ctx)
}

// Close drains the task workers and releases the database.
func (m *MemoryEngine) Close() error {
	m.tasks.Close()
	return m.db.Close()
}

// HashEmbedder is a deterministic, dependency-free embedder that keeps the
// raw-text index local-first by default. Replace with a real embedding
// service when available.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 384
	}
	return &HashEmbedder{dim: dim}
}

// Embed hashes the text into a pseudo-random but deterministic unit vector.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		text = "empty"
	}
	hash := sha256.Sum256([]byte(text))
	vec := make([]float32, h.dim)
	for i := 0; i < h.dim; i++ {
		chunk := binary.LittleEndian.Uint16(hash[(i % 16):])
		vec[i] = float32(chunk%1000) / 1000.0
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		norm = 1
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

var _ task.Handler = (*MemoryEngine)(nil)
var _ model.Embedder = (*HashEmbedder)(nil)
