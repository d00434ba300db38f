package api

import (
	"net/http"
	"time"

	"github.com/pinchen147/twitter-persona-agents/internal/ingest"
	"github.com/pinchen147/twitter-persona-agents/internal/storage"
)

type postView struct {
	Seq        int64                     `json:"seq"`
	ID         string                    `json:"id"`
	CreatedAt  time.Time                 `json:"created_at"`
	AccountID  string                    `json:"account_id"`
	Text       string                    `json:"text"`
	SeedHash   string                    `json:"seed_hash,omitempty"`
	Status     storage.PostStatus        `json:"status"`
	Error      string                    `json:"error,omitempty"`
	DurationMs int64                     `json:"duration_ms"`
	Platforms  []storage.PlatformOutcome `json:"platforms,omitempty"`
	Metadata   map[string]any            `json:"metadata,omitempty"`
}

type eventView struct {
	Seq       int64              `json:"seq"`
	CreatedAt time.Time          `json:"created_at"`
	Type      string             `json:"type"`
	Level     storage.EventLevel `json:"level"`
	AccountID string             `json:"account_id,omitempty"`
	Message   string             `json:"message"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
}

type documentView struct {
	ID            string    `json:"id"`
	Partition     string    `json:"partition"`
	Title         string    `json:"title"`
	Source        string    `json:"source"`
	Kind          string    `json:"kind"`
	Status        string    `json:"status"`
	FragmentCount int       `json:"fragment_count"`
	Error         string    `json:"error,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type searchHit struct {
	ID          string  `json:"id"`
	SourceTitle string  `json:"source_title"`
	Text        string  `json:"text"`
	Score       float32 `json:"score"`
}

// IngestRequest queues one source for ingestion into a partition.
type IngestRequest struct {
	Partition string `json:"partition"`
	Kind      string `json:"kind"`
	Source    string `json:"source"`
	Title     string `json:"title"`
}

func handleListPosts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		recs, err := deps.Records.ListPostRecords(r.Context(), storage.PostFilter{
			AccountID: q.Get("account"),
			Status:    storage.PostStatus(q.Get("status")),
			Limit:     parseIntParam(r, "limit", 20, 200),
		})
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]postView, len(recs))
		for i, rec := range recs {
			out[i] = postView(rec)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleListEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		events, err := deps.Records.ListEvents(r.Context(), storage.EventFilter{
			Type:      q.Get("type"),
			AccountID: q.Get("account"),
			Limit:     parseIntParam(r, "limit", 50, 500),
		})
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]eventView, len(events))
		for i, e := range events {
			out[i] = eventView(e)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		partition, query := r.URL.Query().Get("partition"), r.URL.Query().Get("q")
		if partition == "" || query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "partition and q are required")
			return
		}
		results, err := deps.Searcher.Search(r.Context(), partition, query, parseIntParam(r, "limit", 5, 50))
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]searchHit, len(results))
		for i, s := range results {
			out[i] = searchHit{ID: s.ID, SourceTitle: s.SourceTitle, Text: s.Text, Score: s.Score}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req IngestRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Partition == "" || req.Source == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "partition and source are required")
			return
		}
		switch req.Kind {
		case "":
			kind, err := ingest.KindForPath(req.Source)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			req.Kind = kind
		case ingest.KindText, ingest.KindPDF, ingest.KindURL:
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown kind %q", req.Kind)
			return
		}

		doc, err := ingest.Enqueue(r.Context(), deps.Records, req.Partition, req.Kind, req.Source, req.Title)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": doc.ID, "status": "queued"})
	}
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := deps.Records.ListSourceDocuments(r.Context(), r.URL.Query().Get("partition"), parseIntParam(r, "limit", 50, 500))
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]documentView, len(docs))
		for i, d := range docs {
			out[i] = documentView{
				ID:            d.ID,
				Partition:     d.Partition,
				Title:         d.Title,
				Source:        d.Source,
				Kind:          d.Kind,
				Status:        d.Status,
				FragmentCount: d.FragmentCount,
				Error:         d.Error,
				UpdatedAt:     d.UpdatedAt,
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}
