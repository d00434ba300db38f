package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Provider turns text into a vector. Callers are responsible for keeping
// input under the provider's limit; Embedder does that.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// BatchProvider is implemented by providers with a native multi-input call.
type BatchProvider interface {
	Provider
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Embedder wraps a Provider with input truncation, per-call timeouts and
// bounded batch concurrency.
type Embedder struct {
	provider Provider
	maxChars int
	timeout  time.Duration
	logger   *slog.Logger
}

// NewEmbedder creates an Embedder. maxChars <= 0 disables truncation and
// timeout <= 0 relies on the caller's context alone.
func NewEmbedder(p Provider, maxChars int, timeout time.Duration) *Embedder {
	return &Embedder{provider: p, maxChars: maxChars, timeout: timeout, logger: slog.Default()}
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	vec, err := e.provider.Embed(ctx, e.truncate(text))
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("embedding text: provider returned an empty vector")
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts in input order.
// Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	truncated := make([]string, len(texts))
	for i, t := range texts {
		truncated[i] = e.truncate(t)
	}

	if bp, ok := e.provider.(BatchProvider); ok {
		ctx, cancel := e.withTimeout(ctx)
		defer cancel()
		vecs, err := bp.EmbedBatch(ctx, truncated)
		if err != nil {
			return nil, fmt.Errorf("embedding batch: %w", err)
		}
		if len(vecs) != len(texts) {
			return nil, fmt.Errorf("embedding batch: got %d vectors for %d texts", len(vecs), len(texts))
		}
		return vecs, nil
	}

	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the provider.

	for i, text := range truncated {
		g.Go(func() error {
			callCtx, cancel := e.withTimeout(gCtx)
			defer cancel()
			vec, err := e.provider.Embed(callCtx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// truncate keeps the head of text within maxChars runes.
func (e *Embedder) truncate(text string) string {
	if e.maxChars <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= e.maxChars {
		return text
	}
	e.logger.Warn("truncating embedding input", "chars", len(runes), "limit", e.maxChars)
	return string(runes[:e.maxChars])
}

func (e *Embedder) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}
