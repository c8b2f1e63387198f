package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/mnemo-ai/mnemo/pkg/engine/score"
	"github.com/mnemo-ai/mnemo/pkg/model"
	"github.com/mnemo-ai/mnemo/pkg/store"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	cfg := loadConfig()

	ctx := context.Background()
	engine, err := store.NewMemoryEngine(ctx, store.Options{
		DBPath:        cfg.DBPath,
		Scoring:       score.Config{HalfLife: cfg.HalfLife},
		Workers:       cfg.Workers,
		QueueSize:     cfg.QueueSize,
		TaskRetention: cfg.TaskRetention,
		SummaryTime:   cfg.SummaryTime,
		SummaryCount:  cfg.SummaryCount,
		RelatedTopK:   cfg.RelatedTopK,
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("failed to init engine: %v", err)
	}
	defer engine.Close()

	sched := startMaintenance(ctx, engine, cfg, logger)
	defer sched.Stop()

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Post("/add-behavior", func(w http.ResponseWriter, req *http.Request) {
		var in struct {
			UserID   string   `json:"user_id"`
			Contents []string `json:"contents"`
		}
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id, err := engine.AddBehavior(req.Context(), in.UserID, in.Contents)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"submit_id": id})
	})

	r.Post("/clear-memory", func(w http.ResponseWriter, req *http.Request) {
		var in struct {
			UserID string `json:"user_id"`
		}
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id, err := engine.ClearMemory(req.Context(), in.UserID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"submit_id": id})
	})

	r.Post("/record-action", func(w http.ResponseWriter, req *http.Request) {
		var in model.RecordActionInput
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if in.ReferenceTime.IsZero() {
			in.ReferenceTime = time.Now()
		}
		id, err := engine.RecordAction(req.Context(), in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"submit_id": id})
	})

	r.Post("/retrieve-memory", func(w http.ResponseWriter, req *http.Request) {
		var in struct {
			UserID string `json:"user_id"`
			Query  string `json:"query"`
		}
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		res, err := engine.RetrieveMemory(req.Context(), in.UserID, in.Query)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, res)
	})

	r.Post("/retrieve-tool-memory", func(w http.ResponseWriter, req *http.Request) {
		var in struct {
			UserID string `json:"user_id"`
			Query  string `json:"query"`
		}
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		guidance, err := engine.RetrieveToolMemory(req.Context(), in.UserID, in.Query)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"results": guidance})
	})

	r.Get("/task-status/{submitId}", func(w http.ResponseWriter, req *http.Request) {
		task, err := engine.TaskStatus(req.Context(), chi.URLParam(req, "submitId"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, task)
	})

	r.Get("/tasks-by-date/{date}", func(w http.ResponseWriter, req *http.Request) {
		tasks, err := engine.TasksByDate(req.Context(), chi.URLParam(req, "date"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"tasks": tasks})
	})

	r.Get("/tasks-by-date-range", func(w http.ResponseWriter, req *http.Request) {
		start := req.URL.Query().Get("start")
		end := req.URL.Query().Get("end")
		tasks, err := engine.TasksByDateRange(req.Context(), start, end)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"tasks": tasks})
	})

	r.Get("/storage-stats", func(w http.ResponseWriter, req *http.Request) {
		stats, err := engine.TaskStorageStats(req.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, stats)
	})

	r.Post("/direct-add-profile", func(w http.ResponseWriter, req *http.Request) {
		var in struct {
			UserID    string `json:"user_id"`
			Content   string `json:"content"`
			SessionID string `json:"session_id"`
		}
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		entry, err := engine.DirectAddProfile(req.Context(), in.UserID, in.Content, in.SessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, entry)
	})

	r.Post("/direct-update-profile", func(w http.ResponseWriter, req *http.Request) {
		var in struct {
			UserID          string `json:"user_id"`
			PID             string `json:"pid"`
			PreviousContent string `json:"previous_content"`
			Content         string `json:"content"`
		}
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := engine.DirectUpdateProfile(req.Context(), in.UserID, in.PID, in.PreviousContent, in.Content); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"updated": true})
	})

	r.Post("/direct-confirm-profile", func(w http.ResponseWriter, req *http.Request) {
		var in struct {
			UserID string `json:"user_id"`
			PID    string `json:"pid"`
		}
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		entry, err := engine.DirectConfirmProfile(req.Context(), in.UserID, in.PID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, entry)
	})

	r.Post("/direct-delete-by-id", func(w http.ResponseWriter, req *http.Request) {
		var in struct {
			UserID string `json:"user_id"`
			PID    string `json:"pid"`
		}
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := engine.DirectDeleteProfile(req.Context(), in.UserID, in.PID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"deleted": true})
	})

	addr := cfg.ListenAddr
	logger.Info("starting mnemo server", "addr", addr, "db", cfg.DBPath, "workers", cfg.Workers)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// ------------ config & helpers ------------

type config struct {
	ListenAddr    string
	DBPath        string
	HalfLife      time.Duration
	Workers       int
	QueueSize     int
	TaskRetention time.Duration
	SummaryTime   time.Duration
	SummaryCount  int
	RelatedTopK   int
	SweepSpec     string
	PruneSpec     string
}

func loadConfig() config {
	return config{
		ListenAddr:    getenv("MNEMO_LISTEN_ADDR", ":8080"),
		DBPath:        getenv("MNEMO_DB_PATH", "mnemo.db"),
		HalfLife:      getenvDuration("MNEMO_HALF_LIFE", time.Hour),
		Workers:       getenvInt("MNEMO_WORKERS", 2),
		QueueSize:     getenvInt("MNEMO_QUEUE_SIZE", 256),
		TaskRetention: getenvDuration("MNEMO_TASK_RETENTION", 7*24*time.Hour),
		SummaryTime:   getenvDuration("MNEMO_SUMMARY_TIME", 300*time.Second),
		SummaryCount:  getenvInt("MNEMO_SUMMARY_COUNT", 5),
		RelatedTopK:   getenvInt("MNEMO_RELATED_TOP_K", 5),
		SweepSpec:     getenv("MNEMO_SWEEP_CRON", "@every 1m"),
		PruneSpec:     getenv("MNEMO_PRUNE_CRON", "@every 1h"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, model.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// startMaintenance schedules the background sweeps: overdue tool-memory
// summaries and garbage collection of terminal tasks.
func startMaintenance(ctx context.Context, engine *store.MemoryEngine, cfg config, logger *slog.Logger) *cron.Cron {
	c := cron.New()
	if _, err := c.AddFunc(cfg.SweepSpec, func() {
		if err := engine.SweepSummaries(ctx); err != nil {
			logger.Error("summary sweep failed", "err", err)
		}
	}); err != nil {
		log.Fatalf("bad sweep schedule %q: %v", cfg.SweepSpec, err)
	}
	if _, err := c.AddFunc(cfg.PruneSpec, func() {
		n, err := engine.PruneTasks(ctx)
		if err != nil {
			logger.Error("task prune failed", "err", err)
			return
		}
		if n > 0 {
			logger.Info("pruned terminal tasks", "count", n)
		}
	}); err != nil {
		log.Fatalf("bad prune schedule %q: %v", cfg.PruneSpec, err)
	}
	c.Start()
	return c
}
