package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pinchen147/twitter-persona-agents/internal/knowledge"
	"github.com/pinchen147/twitter-persona-agents/internal/llm"
	"github.com/pinchen147/twitter-persona-agents/internal/retrieval"
	"github.com/pinchen147/twitter-persona-agents/internal/storage"
)

// Stage is a step of one generation attempt.
type Stage int

const (
	StageSeedSelected Stage = iota
	StageContextBuilt
	StagePromptBuilt
	StageModelCalled
	StageLengthChecked
	StageShortened
	StageComplete
	StageFailed
)

var stageNames = [...]string{
	"seed_selected", "context_built", "prompt_built", "model_called",
	"length_checked", "shortened", "complete", "failed",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

const (
	systemPrompt     = "Generate exactly one tweet. Do not include quotes, prefixes, or explanations. Just return the raw tweet text."
	shortenSystem    = "You are a text editor. Shorten the given text while preserving its core message. Return only the shortened text."
	reasoningMaxToks = 300
	shortenMaxToks   = 100
	shortenTemp      = 0.3
	shortenBuffer    = 10
)

// ModelError wraps a failed or empty completion.
type ModelError struct {
	Model string
	Err   error
}

func (e *ModelError) Error() string { return fmt.Sprintf("model %s: %v", e.Model, e.Err) }
func (e *ModelError) Unwrap() error { return e.Err }

// GenerationError reports the stage an attempt failed in. The stage is the
// one that was being attempted.
type GenerationError struct {
	Stage Stage
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed at %s: %v", e.Stage, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Completer sends chat completions. llm.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error)
}

// Retriever selects seeds and related context.
type Retriever interface {
	SelectSeed(ctx context.Context, partition string, exclude map[string]struct{}, maxAttempts int) (knowledge.Fragment, error)
	BuildContext(ctx context.Context, seed knowledge.Fragment, contextSize int) ([]knowledge.Scored, error)
}

// RecordLog appends post records.
type RecordLog interface {
	AppendPostRecord(ctx context.Context, r storage.PostRecord) (storage.PostRecord, error)
}

// Options configures a Generator. Zero values take the documented defaults.
type Options struct {
	Model              string
	ShorteningModel    string
	Temperature        float64
	MaxTokens          int
	ReasoningEffort    string
	ReasoningPrefixes  []string
	CharLimit          int
	ContextSize        int
	MaxSeedAttempts    int
	ContextRetries     int
	FailOnInsufficient bool
	Timeout            time.Duration
}

func (o *Options) setDefaults() {
	if o.Model == "" {
		o.Model = "o3"
	}
	if o.ShorteningModel == "" {
		o.ShorteningModel = "gpt-4.1"
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 150
	}
	if o.ReasoningEffort == "" {
		o.ReasoningEffort = "medium"
	}
	if o.ReasoningPrefixes == nil {
		o.ReasoningPrefixes = []string{"o1", "o3", "o4"}
	}
	if o.CharLimit <= 0 {
		o.CharLimit = 280
	}
	if o.MaxSeedAttempts <= 0 {
		o.MaxSeedAttempts = 10
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
}

// GenerateRequest describes one attempt. Persona and Exemplars come from
// the account, or from the caller when previewing an alternative voice.
type GenerateRequest struct {
	AccountID string
	Partition string
	Persona   string
	Exemplars []string
	Exclude   map[string]struct{}
	// Preview skips writing a generation_failed record on failure.
	Preview bool
}

// Result is a finished post candidate.
type Result struct {
	Text         string
	SeedHash     string
	SeedID       string
	SourceTitle  string
	ContextCount int
	CharCount    int
	DurationMs   int64
	WasShortened bool
	Usage        llm.Usage
}

// Generator turns a knowledge partition and a persona into post text.
type Generator struct {
	llm       Completer
	retriever Retriever
	prompts   *Prompts
	records   RecordLog
	opts      Options
	logger    *slog.Logger
}

// New creates a Generator. records may be nil, in which case failures are
// only returned.
func New(c Completer, r Retriever, p *Prompts, records RecordLog, opts Options) *Generator {
	opts.setDefaults()
	return &Generator{llm: c, retriever: r, prompts: p, records: records, opts: opts, logger: slog.Default()}
}

// Generate runs seed selection through length enforcement.
func (g *Generator) Generate(ctx context.Context, req GenerateRequest) (Result, error) {
	start := time.Now()
	res, stage, err := g.generate(ctx, req)
	res.DurationMs = time.Since(start).Milliseconds()
	if err == nil {
		g.logger.Info("post generated",
			"account_id", req.AccountID,
			"seed_id", res.SeedID,
			"context_count", res.ContextCount,
			"char_count", res.CharCount,
			"was_shortened", res.WasShortened,
			"duration_ms", res.DurationMs,
		)
		return res, nil
	}

	genErr := &GenerationError{Stage: stage, Err: err}
	g.logger.Error("generation failed",
		"account_id", req.AccountID, "stage", stage.String(), "error", err, "duration_ms", res.DurationMs)
	if !req.Preview && g.records != nil {
		_, lerr := g.records.AppendPostRecord(ctx, storage.PostRecord{
			AccountID:  req.AccountID,
			Status:     storage.StatusGenerationFailed,
			Error:      genErr.Error(),
			DurationMs: res.DurationMs,
			Metadata:   map[string]any{"stage": stage.String()},
		})
		if lerr != nil {
			g.logger.Error("recording generation failure", "account_id", req.AccountID, "error", lerr)
		}
	}
	return Result{DurationMs: res.DurationMs}, genErr
}

// Preview generates without recording anything.
func (g *Generator) Preview(ctx context.Context, req GenerateRequest) (Result, error) {
	req.Preview = true
	return g.Generate(ctx, req)
}

func (g *Generator) generate(ctx context.Context, req GenerateRequest) (Result, Stage, error) {
	seed, fragments, stage, err := g.selectContext(ctx, req)
	if err != nil {
		return Result{}, stage, err
	}

	prompt, err := g.prompts.BuildPrompt(req.Persona, req.Exemplars, fragments, g.opts.CharLimit)
	if err != nil {
		return Result{}, StagePromptBuilt, err
	}

	text, usage, err := g.CallModel(ctx, prompt, g.opts.Model)
	if err != nil {
		return Result{}, StageModelCalled, err
	}

	final, shortened := g.EnforceLength(ctx, text, g.opts.CharLimit)
	return Result{
		Text:         final,
		SeedHash:     seed.ContentHash,
		SeedID:       seed.ID,
		SourceTitle:  seed.SourceTitle,
		ContextCount: len(fragments),
		CharCount:    utf8.RuneCountInString(final),
		WasShortened: shortened,
		Usage:        usage,
	}, StageComplete, nil
}

// selectContext picks a seed and its context, drawing a fresh seed when the
// context comes back short and retries remain.
func (g *Generator) selectContext(ctx context.Context, req GenerateRequest) (knowledge.Fragment, []knowledge.Scored, Stage, error) {
	var (
		seed      knowledge.Fragment
		fragments []knowledge.Scored
		err       error
	)
	for attempt := 0; ; attempt++ {
		seed, err = g.retriever.SelectSeed(ctx, req.Partition, req.Exclude, g.opts.MaxSeedAttempts)
		if err != nil {
			return seed, nil, StageSeedSelected, err
		}
		fragments, err = g.retriever.BuildContext(ctx, seed, g.opts.ContextSize)
		if err == nil {
			return seed, fragments, StageContextBuilt, nil
		}
		if !errors.Is(err, retrieval.ErrInsufficientContext) {
			return seed, nil, StageContextBuilt, err
		}
		if attempt < g.opts.ContextRetries {
			g.logger.Info("context too small, drawing a new seed",
				"account_id", req.AccountID, "seed_id", seed.ID, "attempt", attempt+1)
			continue
		}
		if g.opts.FailOnInsufficient {
			return seed, nil, StageContextBuilt, err
		}
		g.logger.Warn("proceeding with reduced context",
			"account_id", req.AccountID, "seed_id", seed.ID, "context_count", len(fragments))
		if len(fragments) == 0 {
			fragments = []knowledge.Scored{{Fragment: seed, Score: 1}}
		}
		return seed, fragments, StageContextBuilt, nil
	}
}

// IsReasoningModel reports whether model belongs to the reasoning family.
func (g *Generator) IsReasoningModel(model string) bool {
	for _, p := range g.opts.ReasoningPrefixes {
		if p != "" && strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

// CallModel asks model for one post. The request shape depends on the
// model family.
func (g *Generator) CallModel(ctx context.Context, prompt, model string) (string, llm.Usage, error) {
	req := llm.ChatRequest{
		Model: model,
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	}
	if g.IsReasoningModel(model) {
		req.Reasoning = &llm.Reasoning{Effort: g.opts.ReasoningEffort}
		req.MaxTokens = reasoningMaxToks
	} else {
		temp := g.opts.Temperature
		if temp == 0 {
			temp = 0.8
		}
		req.Temperature = &temp
		req.MaxTokens = g.opts.MaxTokens
	}

	callCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()
	resp, err := g.llm.Complete(callCtx, req)
	if err != nil {
		return "", llm.Usage{}, &ModelError{Model: model, Err: err}
	}
	text := stripQuotes(strings.TrimSpace(resp.Text()))
	if text == "" {
		return "", resp.Usage, &ModelError{Model: model, Err: errors.New("empty completion")}
	}
	g.logger.Debug("model called", "model", model, "total_tokens", resp.Usage.TotalTokens, "length", utf8.RuneCountInString(text))
	return text, resp.Usage, nil
}

// EnforceLength fits text within limit runes. It first asks the shortening
// model and falls back to truncation, so it never fails.
func (g *Generator) EnforceLength(ctx context.Context, text string, limit int) (string, bool) {
	n := utf8.RuneCountInString(text)
	if n <= limit {
		return text, false
	}
	g.logger.Info("post too long, shortening", "length", n, "limit", limit)

	shortened, err := g.shorten(ctx, text, n, limit-shortenBuffer)
	if err == nil && shortened != "" && utf8.RuneCountInString(shortened) <= limit {
		return shortened, true
	}
	if err != nil {
		g.logger.Warn("shortening failed, truncating", "error", err)
	} else {
		g.logger.Warn("shortened text still too long, truncating", "length", utf8.RuneCountInString(shortened))
	}
	return Truncate(text, limit), true
}

func (g *Generator) shorten(ctx context.Context, text string, current, target int) (string, error) {
	prompt, err := g.prompts.shorteningPrompt(text, current, target)
	if err != nil {
		return "", err
	}
	temp := shortenTemp
	callCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()
	resp, err := g.llm.Complete(callCtx, llm.ChatRequest{
		Model: g.opts.ShorteningModel,
		Messages: []llm.Message{
			{Role: "system", Content: shortenSystem},
			{Role: "user", Content: prompt},
		},
		Temperature: &temp,
		MaxTokens:   shortenMaxToks,
	})
	if err != nil {
		return "", &ModelError{Model: g.opts.ShorteningModel, Err: err}
	}
	return stripQuotes(strings.TrimSpace(resp.Text())), nil
}

// Truncate cuts text to limit runes, ending in "..." when it had to cut.
func Truncate(text string, limit int) string {
	r := []rune(text)
	if len(r) <= limit {
		return text
	}
	if limit <= 3 {
		return string(r[:max(limit, 0)])
	}
	return string(r[:limit-3]) + "..."
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	for _, pair := range [][2]string{{"“", "”"}, {"‘", "’"}} {
		if strings.HasPrefix(s, pair[0]) && strings.HasSuffix(s, pair[1]) && len(s) > len(pair[0])+len(pair[1]) {
			return s[len(pair[0]) : len(s)-len(pair[1])]
		}
	}
	return s
}
