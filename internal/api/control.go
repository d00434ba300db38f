package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pinchen147/twitter-persona-agents/internal/scheduler"
)

type stopState struct {
	Engaged bool      `json:"engaged"`
	Reason  string    `json:"reason,omitempty"`
	Since   time.Time `json:"since,omitzero"`
}

type statusResponse struct {
	Scheduler     scheduler.Status `json:"scheduler"`
	EmergencyStop stopState        `json:"emergency_stop"`
	Accounts      []string         `json:"accounts"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type previewRequest struct {
	Persona string `json:"persona"`
}

type previewResponse struct {
	AccountID    string `json:"account_id"`
	Text         string `json:"text"`
	CharCount    int    `json:"char_count"`
	SeedID       string `json:"seed_id"`
	SourceTitle  string `json:"source_title"`
	ContextCount int    `json:"context_count"`
	WasShortened bool   `json:"was_shortened"`
	Safe         bool   `json:"safe"`
	FilterLayer  string `json:"filter_layer,omitempty"`
	FilterReason string `json:"filter_reason,omitempty"`
}

// decodeBody decodes an optional JSON body; an empty body leaves v as is.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func stopSnapshot(deps Deps) stopState {
	reason, since := deps.Stop.Reason()
	return stopState{Engaged: deps.Stop.Engaged(), Reason: reason, Since: since}
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"version":        deps.Version,
			"scheduler":      deps.Scheduler.Status().State,
			"emergency_stop": deps.Stop.Engaged(),
		})
	}
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, statusResponse{
			Scheduler:     deps.Scheduler.Status(),
			EmergencyStop: stopSnapshot(deps),
			Accounts:      deps.Accounts.IDs(),
		})
	}
}

func handlePause(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Scheduler.Pause(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"state": deps.Scheduler.Status().State})
	}
}

func handleResume(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Scheduler.Resume(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"state": deps.Scheduler.Status().State})
	}
}

func handleEngageStop(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reasonRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		changed := deps.Stop.Engage(r.Context(), req.Reason)
		writeJSON(w, http.StatusOK, map[string]any{"changed": changed, "emergency_stop": stopSnapshot(deps)})
	}
}

func handleReleaseStop(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reasonRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		changed := deps.Stop.Release(r.Context(), req.Reason)
		writeJSON(w, http.StatusOK, map[string]any{"changed": changed, "emergency_stop": stopSnapshot(deps)})
	}
}

func handleListAccounts(deps Deps) http.HandlerFunc {
	type summary struct {
		ID          string   `json:"account_id"`
		DisplayName string   `json:"display_name,omitempty"`
		Partition   string   `json:"partition"`
		Platforms   []string `json:"platforms"`
		Exemplars   int      `json:"exemplars"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ids := deps.Accounts.IDs()
		out := make([]summary, 0, len(ids))
		for _, id := range ids {
			acc, err := deps.Accounts.Get(id)
			if err != nil {
				continue
			}
			out = append(out, summary{
				ID:          acc.ID,
				DisplayName: acc.DisplayName,
				Partition:   acc.Partition,
				Platforms:   acc.Platforms,
				Exemplars:   len(acc.Exemplars),
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handlePostNow(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Accounts.Get(id); err != nil {
			writeError(w, err)
			return
		}
		if deps.Stop.Engaged() {
			httpError(w, http.StatusConflict, "conflict_error", "emergency stop is engaged")
			return
		}
		job, err := deps.Scheduler.TriggerNow(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "run_at": job.RunAt})
	}
}

func handlePreview(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req previewRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		res, err := deps.Previewer.Preview(r.Context(), id, req.Persona)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, previewResponse{
			AccountID:    id,
			Text:         res.Text,
			CharCount:    res.CharCount,
			SeedID:       res.SeedID,
			SourceTitle:  res.SourceTitle,
			ContextCount: res.ContextCount,
			WasShortened: res.WasShortened,
			Safe:         res.Verdict.Safe,
			FilterLayer:  res.Verdict.Layer,
			FilterReason: res.Verdict.Reason,
		})
	}
}
