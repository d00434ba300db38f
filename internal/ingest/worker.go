package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pinchen147/twitter-persona-agents/internal/knowledge"
	"github.com/pinchen147/twitter-persona-agents/internal/storage"
)

// JobType is the queue job type the worker claims.
const JobType = "ingest_document"

// Queue is where documents are registered for ingestion.
type Queue interface {
	SaveSourceDocument(ctx context.Context, d storage.SourceDocument) error
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// JobStore abstracts the job queue and document bookkeeping.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	GetSourceDocument(ctx context.Context, id string) (storage.SourceDocument, error)
	UpdateSourceDocumentStatus(ctx context.Context, id, status string, fragments int, errMsg string) error
}

// BatchEmbedder generates embeddings for many texts in input order.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// FragmentInserter stores fragments, skipping content already present.
type FragmentInserter interface {
	Insert(ctx context.Context, partition string, fragments []knowledge.Fragment) (int, error)
}

// Loader returns the plain text of a source.
type Loader interface {
	Load(ctx context.Context, kind, source string) (string, error)
}

type jobPayload struct {
	DocumentID string `json:"document_id"`
}

// Enqueue registers a source document and queues it for ingestion. An
// empty title defaults to the file name or URL.
func Enqueue(ctx context.Context, q Queue, partition, kind, source, title string) (storage.SourceDocument, error) {
	if partition == "" {
		return storage.SourceDocument{}, fmt.Errorf("enqueue: partition is required")
	}
	if title == "" {
		title = source
		if kind != KindURL {
			title = strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
		}
	}
	doc := storage.SourceDocument{
		ID:        uuid.New().String(),
		Partition: partition,
		Title:     title,
		Source:    source,
		Kind:      kind,
		Status:    "pending",
	}
	if err := q.SaveSourceDocument(ctx, doc); err != nil {
		return storage.SourceDocument{}, err
	}
	payload, err := json.Marshal(jobPayload{DocumentID: doc.ID})
	if err != nil {
		return storage.SourceDocument{}, fmt.Errorf("encoding payload: %w", err)
	}
	if err := q.EnqueueJob(ctx, storage.Job{
		ID:          uuid.New().String(),
		Type:        JobType,
		PayloadJSON: string(payload),
	}); err != nil {
		return storage.SourceDocument{}, fmt.Errorf("enqueueing ingest job: %w", err)
	}
	return doc, nil
}

// EnqueueDir queues every supported file under dir.
func EnqueueDir(ctx context.Context, q Queue, partition, dir string) ([]storage.SourceDocument, error) {
	var docs []storage.SourceDocument
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		kind, err := KindForPath(path)
		if err != nil {
			slog.Debug("skipping unsupported file", "path", path)
			return nil
		}
		doc, err := Enqueue(ctx, q, partition, kind, path, "")
		if err != nil {
			return err
		}
		docs = append(docs, doc)
		return nil
	})
	if err != nil {
		return docs, fmt.Errorf("walking %s: %w", dir, err)
	}
	return docs, nil
}

// Worker processes ingest_document jobs from the SQLite job queue.
type Worker struct {
	store     JobStore
	embedder  BatchEmbedder
	fragments FragmentInserter
	loader    Loader
	chunker   Chunker
	batchSize int
	poll      time.Duration
	logger    *slog.Logger
}

// Options tunes a Worker. Zero values pick defaults.
type Options struct {
	ChunkWords   int
	OverlapWords int
	BatchSize    int
	PollInterval time.Duration
}

// NewWorker creates a Worker with the given dependencies.
// If PollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, embedder BatchEmbedder, fragments FragmentInserter, loader Loader, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Worker{
		store:     store,
		embedder:  embedder,
		fragments: fragments,
		loader:    loader,
		chunker:   NewChunker(opts.ChunkWords, opts.OverlapWords),
		batchSize: opts.BatchSize,
		poll:      opts.PollInterval,
		logger:    slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// Drain processes jobs until none is due and returns how many it handled.
// Jobs waiting out a retry backoff are left in the queue.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for ctx.Err() == nil {
		done, err := w.RunOnce(ctx)
		if err != nil {
			return n, err
		}
		if !done {
			return n, nil
		}
		n++
	}
	return n, ctx.Err()
}

// RunOnce claims and processes a single ingest_document job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	docID, inserted, err := w.processJob(ctx, job)
	if err != nil {
		w.logger.Warn("ingest job failed", "job_id", job.ID, "document_id", docID, "attempt", job.Attempts+1, "error", err)
		if docID != "" {
			if uerr := w.store.UpdateSourceDocumentStatus(ctx, docID, "failed", 0, err.Error()); uerr != nil {
				w.logger.Error("failed to mark document as failed", "document_id", docID, "error", uerr)
			}
		}
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.UpdateSourceDocumentStatus(ctx, docID, "completed", inserted, ""); err != nil {
		w.logger.Error("failed to mark document as completed", "document_id", docID, "error", err)
	}
	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) (string, int, error) {
	var payload jobPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return "", 0, fmt.Errorf("parsing payload: %w", err)
	}

	doc, err := w.store.GetSourceDocument(ctx, payload.DocumentID)
	if err != nil {
		return "", 0, fmt.Errorf("loading source document %s: %w", payload.DocumentID, err)
	}
	if err := w.store.UpdateSourceDocumentStatus(ctx, doc.ID, "processing", 0, ""); err != nil {
		return doc.ID, 0, fmt.Errorf("marking document processing: %w", err)
	}

	start := time.Now()
	text, err := w.loader.Load(ctx, doc.Kind, doc.Source)
	if err != nil {
		return doc.ID, 0, err
	}
	chunks := w.chunker.Split(text)
	if len(chunks) == 0 {
		return doc.ID, 0, fmt.Errorf("no text extracted from %s", doc.Source)
	}

	inserted := 0
	for batch := range slices.Chunk(chunks, w.batchSize) {
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vecs, err := w.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return doc.ID, inserted, fmt.Errorf("embedding chunks: %w", err)
		}

		frags := make([]knowledge.Fragment, 0, len(batch))
		for i, c := range batch {
			f, err := knowledge.NewFragment(doc.Partition, c.Text, doc.Title, c.Index, vecs[i])
			if err != nil {
				return doc.ID, inserted, fmt.Errorf("chunk %d: %w", c.Index, err)
			}
			frags = append(frags, f)
		}
		n, err := w.fragments.Insert(ctx, doc.Partition, frags)
		if err != nil {
			return doc.ID, inserted, fmt.Errorf("inserting fragments: %w", err)
		}
		inserted += n
	}

	w.logger.Info("document ingested",
		"document_id", doc.ID, "partition", doc.Partition, "title", doc.Title,
		"chunks", len(chunks), "inserted", inserted, "duplicates", len(chunks)-inserted,
		"duration_ms", time.Since(start).Milliseconds())
	return doc.ID, inserted, nil
}

// IngestFile is a convenience for one-off loads: it enqueues path and
// drains the queue.
func (w *Worker) IngestFile(ctx context.Context, q Queue, partition, path string) (storage.SourceDocument, error) {
	if _, err := os.Stat(path); err != nil {
		return storage.SourceDocument{}, err
	}
	kind, err := KindForPath(path)
	if err != nil {
		return storage.SourceDocument{}, err
	}
	doc, err := Enqueue(ctx, q, partition, kind, path, "")
	if err != nil {
		return storage.SourceDocument{}, err
	}
	if _, err := w.Drain(ctx); err != nil {
		return doc, err
	}
	return w.store.GetSourceDocument(ctx, doc.ID)
}
