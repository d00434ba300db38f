package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pinchen147/twitter-persona-agents/internal/account"
	"github.com/pinchen147/twitter-persona-agents/internal/config"
	"github.com/pinchen147/twitter-persona-agents/internal/control"
	"github.com/pinchen147/twitter-persona-agents/internal/embedding"
	"github.com/pinchen147/twitter-persona-agents/internal/generation"
	"github.com/pinchen147/twitter-persona-agents/internal/ingest"
	"github.com/pinchen147/twitter-persona-agents/internal/knowledge"
	"github.com/pinchen147/twitter-persona-agents/internal/llm"
	"github.com/pinchen147/twitter-persona-agents/internal/ollama"
	"github.com/pinchen147/twitter-persona-agents/internal/pipeline"
	"github.com/pinchen147/twitter-persona-agents/internal/publish"
	"github.com/pinchen147/twitter-persona-agents/internal/retrieval"
	"github.com/pinchen147/twitter-persona-agents/internal/safety"
	"github.com/pinchen147/twitter-persona-agents/internal/scheduler"
	"github.com/pinchen147/twitter-persona-agents/internal/storage"
)

// app holds every wired component of a running bot.
type app struct {
	cfg       config.Config
	store     *storage.Store
	knowledge *knowledge.Store
	embedder  *embedding.Embedder
	retrieval *retrieval.Engine
	accounts  *account.Manager
	stop      *control.StopSwitch
	runner    *pipeline.Runner
	scheduler *scheduler.Scheduler
	worker    *ingest.Worker
}

// openStore opens the SQLite database and the knowledge store that shares it.
func openStore(cfg config.Config) (*storage.Store, *knowledge.Store, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening storage: %w", err)
	}
	return store, knowledge.NewStore(store.DB()), nil
}

// newEmbedder builds the configured embedding provider. With Ollama it
// first makes sure the server runs and the model is pulled, reporting
// progress to w.
func newEmbedder(ctx context.Context, cfg config.EmbeddingConfig, w io.Writer) (*embedding.Embedder, error) {
	var provider embedding.Provider
	switch cfg.Provider {
	case "genai":
		p, err := embedding.NewGenAIProvider(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("creating genai embedder: %w", err)
		}
		provider = p
	default:
		client := ollama.New(cfg.BaseURL)
		if err := ollama.EnsureReady(ctx, client, cfg.Model, w); err != nil {
			return nil, err
		}
		provider = embedding.NewOllamaProvider(client, cfg.Model)
	}
	return embedding.NewEmbedder(provider, cfg.MaxInputChars, cfg.Timeout), nil
}

// newIngestWorker builds a worker that writes into fragments.
func newIngestWorker(cfg config.Config, store *storage.Store, emb *embedding.Embedder, fragments *knowledge.Store) *ingest.Worker {
	return ingest.NewWorker(store, emb, fragments, ingest.NewSourceLoader(cfg.Publish.Timeout), ingest.Options{
		ChunkWords:   cfg.Ingest.ChunkWords,
		OverlapWords: cfg.Ingest.OverlapWords,
		BatchSize:    cfg.Ingest.BatchSize,
	})
}

// buildApp wires storage, retrieval, generation, safety, publication and
// the scheduler. The caller owns a.store and must close it.
func buildApp(ctx context.Context, cfg config.Config, w io.Writer) (*app, error) {
	store, fragments, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: store, knowledge: fragments}

	a.embedder, err = newEmbedder(ctx, cfg.Embedding, w)
	if err != nil {
		store.Close()
		return nil, err
	}

	a.accounts, err = account.NewManager(cfg.Accounts.Dir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("loading accounts: %w", err)
	}

	prompts, err := generation.LoadPrompts(cfg.Generation.PromptsDir)
	if err != nil {
		store.Close()
		return nil, err
	}

	a.stop = control.NewStopSwitch(store)
	a.retrieval = retrieval.NewEngine(fragments, a.embedder, retrieval.Options{
		Threshold:    float32(cfg.Retrieval.SimilarityThreshold),
		MinNeighbors: cfg.Retrieval.MinNeighbors,
	}, nil)

	completer := llm.NewClientWithBaseURL(cfg.LLM.APIKey, cfg.LLM.BaseURL).WithTimeout(cfg.LLM.Timeout)
	gen := generation.New(completer, a.retrieval, prompts, store, generation.Options{
		Model:              cfg.LLM.Model,
		ShorteningModel:    cfg.LLM.ShorteningModel,
		Temperature:        cfg.LLM.Temperature,
		MaxTokens:          cfg.LLM.MaxTokens,
		ReasoningEffort:    cfg.LLM.ReasoningEffort,
		ReasoningPrefixes:  cfg.LLM.ReasoningPrefixes,
		CharLimit:          cfg.Generation.CharLimit,
		ContextSize:        cfg.Retrieval.ContextSize,
		MaxSeedAttempts:    cfg.Retrieval.MaxSeedAttempts,
		ContextRetries:     cfg.Retrieval.ContextRetries,
		FailOnInsufficient: cfg.Retrieval.OnInsufficientContext == "fail",
		Timeout:            cfg.LLM.Timeout,
	})

	safetyOpts := safety.Options{
		Enabled:      cfg.Safety.Enabled,
		BlockedTerms: cfg.Safety.BlockedTerms,
		TopicTerms:   cfg.Safety.TopicTerms,
	}
	if cfg.Moderation.Enabled {
		safetyOpts.Moderator = llm.NewClientWithBaseURL(cfg.Moderation.APIKey, cfg.Moderation.BaseURL).WithTimeout(cfg.Moderation.Timeout)
		safetyOpts.ModerationModel = cfg.Moderation.Model
		safetyOpts.ModerationTimeout = cfg.Moderation.Timeout
	}
	filter := safety.New(safetyOpts, store)

	registry := publish.NewRegistry(a.accounts, publish.RegistryOptions{
		PostEnabled:    cfg.Publish.PostEnabled,
		TwitterBaseURL: cfg.Publish.TwitterBaseURL,
		ThreadsBaseURL: cfg.Publish.ThreadsBaseURL,
		Client: publish.ClientOptions{
			HTTPClient:  &http.Client{},
			Timeout:     cfg.Publish.Timeout,
			MaxRateWait: cfg.Publish.MaxRateWait,
			MinSpacing:  cfg.Publish.MinSpacing,
			Global:      publish.NewGlobalSpacer(cfg.Publish.GlobalSpacing),
		},
	})

	a.runner = pipeline.New(pipeline.Deps{
		Stop:      a.stop,
		Accounts:  a.accounts,
		Ledger:    retrieval.NewLedger(store, cfg.Retrieval.DedupScope, cfg.Retrieval.DedupLookback),
		Generator: gen,
		Safety:    filter,
		Publisher: publish.NewPublisher(registry, store),
		Records:   store,
	})

	a.scheduler = scheduler.New(scheduler.Options{
		Interval:       cfg.Scheduler.Interval(),
		MisfireGrace:   cfg.Scheduler.MisfireGrace,
		CatchUpEnabled: cfg.Scheduler.CatchUpEnabled,
		MaxCatchUp:     cfg.Scheduler.MaxCatchUpPosts,
		CatchUpGrace:   cfg.Scheduler.CatchUpGrace(),
		CatchUpSpacing: cfg.Scheduler.CatchUpSpacing,
		NewAccount:     scheduler.NewAccountPolicy(cfg.Scheduler.NewAccountPolicy),
		HealthInterval: cfg.Scheduler.HealthCheckInterval,
	}, scheduler.Deps{
		Runner:   a.runner,
		Accounts: a.accounts,
		History:  store,
		Stop:     a.stop,
	})

	a.worker = newIngestWorker(cfg, store, a.embedder, fragments)
	return a, nil
}

// shutdown stops the scheduler and waits for the run in flight.
func (a *app) shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if a.scheduler.Status().State == scheduler.StateStopped {
		return nil
	}
	return a.scheduler.Stop(ctx)
}
