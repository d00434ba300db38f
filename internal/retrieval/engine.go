package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/pinchen147/twitter-persona-agents/internal/knowledge"
)

// ErrInsufficientContext is returned by BuildContext when fewer than the
// configured minimum of neighbors clear the similarity threshold.
var ErrInsufficientContext = errors.New("insufficient related context")

const defaultMaxAttempts = 10

// FragmentStore is the subset of knowledge.Store the engine reads.
type FragmentStore interface {
	Count(ctx context.Context, partition string) (int, error)
	GetByOffset(ctx context.Context, partition string, offset int) (knowledge.Fragment, error)
	NearestNeighbors(ctx context.Context, partition string, vector []float32, k int, excludeID string) ([]knowledge.Scored, error)
	Query(ctx context.Context, partition string, vector []float32, limit int) ([]knowledge.Scored, error)
}

// Embedder turns text into a vector. The embedding.Embedder satisfies it
// and applies input truncation.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Options tune context construction.
type Options struct {
	Threshold    float32
	MinNeighbors int
}

// Engine selects seeds and builds related context from a knowledge store.
type Engine struct {
	store    FragmentStore
	embedder Embedder
	opts     Options

	mu  sync.Mutex
	rng *rand.Rand
}

// NewEngine creates an Engine. A nil rng falls back to a randomly seeded PCG.
func NewEngine(store FragmentStore, embedder Embedder, opts Options, rng *rand.Rand) *Engine {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Engine{store: store, embedder: embedder, opts: opts, rng: rng}
}

func (e *Engine) intN(n int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.IntN(n)
}

// SelectSeed draws fragments uniformly from partition until one whose
// content hash is not in exclude turns up, or maxAttempts draws are used.
// When every draw is excluded the last one is returned anyway.
func (e *Engine) SelectSeed(ctx context.Context, partition string, exclude map[string]struct{}, maxAttempts int) (knowledge.Fragment, error) {
	if maxAttempts < 1 {
		maxAttempts = defaultMaxAttempts
	}
	n, err := e.store.Count(ctx, partition)
	if err != nil {
		return knowledge.Fragment{}, wrap("select_seed", partition, err)
	}
	if n == 0 {
		return knowledge.Fragment{}, wrap("select_seed", partition, knowledge.ErrPartitionEmpty)
	}

	var last knowledge.Fragment
	for attempt := range maxAttempts {
		frag, err := e.store.GetByOffset(ctx, partition, e.intN(n))
		if err != nil {
			return knowledge.Fragment{}, wrap("select_seed", partition, err)
		}
		if _, seen := exclude[frag.ContentHash]; !seen {
			return frag, nil
		}
		last = frag
		if attempt == maxAttempts-1 {
			slog.Warn("all seed draws were recently used",
				"partition", partition, "attempts", maxAttempts, "seed_hash", short(frag.ContentHash))
		}
	}
	return last, nil
}

// BuildContext returns the seed followed by at most contextSize neighbors
// whose similarity clears the threshold, most similar first. The seed is
// scored 1.
func (e *Engine) BuildContext(ctx context.Context, seed knowledge.Fragment, contextSize int) ([]knowledge.Scored, error) {
	out := []knowledge.Scored{{Fragment: seed, Score: 1}}
	if contextSize <= 0 {
		return out, nil
	}

	vec, err := e.embedder.Embed(ctx, seed.Text)
	if err != nil {
		return nil, wrap("build_context", seed.Partition, fmt.Errorf("embedding seed: %w", err))
	}
	candidates, err := e.store.NearestNeighbors(ctx, seed.Partition, vec, contextSize, seed.ID)
	if err != nil {
		return nil, wrap("build_context", seed.Partition, err)
	}

	for _, c := range candidates {
		if c.ID == seed.ID || c.Score < e.opts.Threshold {
			continue
		}
		out = append(out, c)
		if len(out)-1 == contextSize {
			break
		}
	}
	// NearestNeighbors already orders by score; keep it that way after filtering.
	sortNeighbors(out[1:])

	if got := len(out) - 1; got < e.opts.MinNeighbors {
		return out, wrap("build_context", seed.Partition,
			fmt.Errorf("%w: %d of %d neighbors", ErrInsufficientContext, got, e.opts.MinNeighbors))
	}
	return out, nil
}

// Search embeds query and returns the closest fragments in partition.
func (e *Engine) Search(ctx context.Context, partition, query string, limit int) ([]knowledge.Scored, error) {
	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, wrap("search", partition, fmt.Errorf("embedding query: %w", err))
	}
	res, err := e.store.Query(ctx, partition, vec, limit)
	if err != nil {
		return nil, wrap("search", partition, err)
	}
	return res, nil
}

func sortNeighbors(s []knowledge.Scored) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].Score > s[j-1].Score; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// wrap keeps an existing StoreError intact and wraps anything else.
func wrap(op, partition string, err error) error {
	var se *knowledge.StoreError
	if errors.As(err, &se) {
		return err
	}
	return &knowledge.StoreError{Op: op, Partition: partition, Err: err}
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
