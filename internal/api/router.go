// Package api serves the local control API: scheduler lifecycle, the
// emergency stop, manual posting and previews, the post and event logs,
// knowledge search and document ingestion.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pinchen147/twitter-persona-agents/internal/account"
	"github.com/pinchen147/twitter-persona-agents/internal/knowledge"
	"github.com/pinchen147/twitter-persona-agents/internal/pipeline"
	"github.com/pinchen147/twitter-persona-agents/internal/retrieval"
	"github.com/pinchen147/twitter-persona-agents/internal/scheduler"
	"github.com/pinchen147/twitter-persona-agents/internal/storage"
)

const maxBodySize = 1 << 20

// Scheduler is the lifecycle surface of the posting scheduler.
type Scheduler interface {
	Status() scheduler.Status
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	TriggerNow(accountIDs ...string) (scheduler.Job, error)
}

// EmergencyStop is the process-wide posting kill switch.
type EmergencyStop interface {
	Engaged() bool
	Reason() (string, time.Time)
	Engage(ctx context.Context, reason string) bool
	Release(ctx context.Context, reason string) bool
}

type Accounts interface {
	IDs() []string
	Get(id string) (account.Account, error)
}

type Previewer interface {
	Preview(ctx context.Context, accountID, persona string) (pipeline.PreviewResult, error)
}

type Searcher interface {
	Search(ctx context.Context, partition, query string, limit int) ([]knowledge.Scored, error)
}

// Records is the read side of the post log, the event log and the
// document registry, plus the ingest queue.
type Records interface {
	ListPostRecords(ctx context.Context, f storage.PostFilter) ([]storage.PostRecord, error)
	ListEvents(ctx context.Context, f storage.EventFilter) ([]storage.SystemEvent, error)
	ListSourceDocuments(ctx context.Context, partition string, limit int) ([]storage.SourceDocument, error)
	SaveSourceDocument(ctx context.Context, d storage.SourceDocument) error
	EnqueueJob(ctx context.Context, job storage.Job) error
}

type Deps struct {
	Token     string
	Scheduler Scheduler
	Stop      EmergencyStop
	Accounts  Accounts
	Previewer Previewer
	Searcher  Searcher
	Records   Records
	Version   string
}

// NewHandler builds the control router. Everything except /health
// requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/status", handleStatus(deps))
		r.Post("/scheduler/pause", handlePause(deps))
		r.Post("/scheduler/resume", handleResume(deps))
		r.Post("/emergency-stop", handleEngageStop(deps))
		r.Delete("/emergency-stop", handleReleaseStop(deps))

		r.Get("/accounts", handleListAccounts(deps))
		r.Post("/accounts/{id}/post", handlePostNow(deps))
		r.Post("/accounts/{id}/preview", handlePreview(deps))

		r.Get("/posts", handleListPosts(deps))
		r.Get("/events", handleListEvents(deps))
		r.Get("/search", handleSearch(deps))

		r.Post("/ingest", handleIngest(deps))
		r.Get("/documents", handleListDocuments(deps))
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response", "error", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

// writeError maps domain errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, account.ErrNotFound), errors.Is(err, knowledge.ErrPartitionNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	case errors.Is(err, scheduler.ErrInvalidTransition), errors.Is(err, scheduler.ErrJobConflict):
		httpError(w, http.StatusConflict, "conflict_error", "%v", err)
	case errors.Is(err, knowledge.ErrPartitionEmpty), errors.Is(err, retrieval.ErrInsufficientContext):
		httpError(w, http.StatusUnprocessableEntity, "knowledge_error", "%v", err)
	default:
		slog.Error("control request failed", "error", err)
		httpError(w, http.StatusInternalServerError, "server_error", "%v", err)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
