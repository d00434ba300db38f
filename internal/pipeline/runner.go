// Package pipeline runs one posting attempt per account: seed selection,
// generation, safety screening, publication and the post record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/pinchen147/twitter-persona-agents/internal/account"
	"github.com/pinchen147/twitter-persona-agents/internal/generation"
	"github.com/pinchen147/twitter-persona-agents/internal/publish"
	"github.com/pinchen147/twitter-persona-agents/internal/safety"
	"github.com/pinchen147/twitter-persona-agents/internal/storage"
)

// StopChecker reports whether the emergency stop is engaged.
type StopChecker interface {
	Engaged() bool
}

// AccountLookup resolves account ids.
type AccountLookup interface {
	Get(id string) (account.Account, error)
}

// HashSource returns recently used seed hashes.
type HashSource interface {
	RecentHashes(ctx context.Context, accountID string) (map[string]struct{}, error)
}

// Generator produces post text.
type Generator interface {
	Generate(ctx context.Context, req generation.GenerateRequest) (generation.Result, error)
	Preview(ctx context.Context, req generation.GenerateRequest) (generation.Result, error)
}

// Checker screens text.
type Checker interface {
	Check(ctx context.Context, text string) safety.Verdict
}

// Publisher posts text to an account's platforms.
type Publisher interface {
	PublishAll(ctx context.Context, accountID, text string) publish.Summary
}

// RecordLog appends post records and system events.
type RecordLog interface {
	AppendPostRecord(ctx context.Context, r storage.PostRecord) (storage.PostRecord, error)
	LogEvent(ctx context.Context, e storage.SystemEvent) error
}

// Deps are the collaborators of a Runner.
type Deps struct {
	Stop      StopChecker
	Accounts  AccountLookup
	Ledger    HashSource
	Generator Generator
	Safety    Checker
	Publisher Publisher
	Records   RecordLog
}

// Outcome summarizes one RunAccount call.
type Outcome struct {
	AccountID string
	Status    storage.PostStatus
	Record    storage.PostRecord
	Skipped   bool
	Err       error
}

// Runner executes posting attempts. The generator is expected to record
// its own failures, so the runner appends records for every other path.
type Runner struct {
	deps   Deps
	logger *slog.Logger
}

// New creates a Runner.
func New(deps Deps) *Runner {
	return &Runner{deps: deps, logger: slog.Default()}
}

// RunAccount performs one attempt for accountID. It never panics and never
// returns an error; the outcome carries what happened.
func (r *Runner) RunAccount(ctx context.Context, accountID string) (out Outcome) {
	start := time.Now()
	out.AccountID = accountID
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("posting attempt panicked", "account_id", accountID, "panic", p, "stack", string(debug.Stack()))
			out.Err = fmt.Errorf("panic: %v", p)
			out.Status = storage.StatusFailed
			out.Record = r.record(ctx, storage.PostRecord{
				AccountID:  accountID,
				Status:     storage.StatusFailed,
				Error:      out.Err.Error(),
				DurationMs: time.Since(start).Milliseconds(),
			})
		}
	}()

	if r.deps.Stop != nil && r.deps.Stop.Engaged() {
		r.logger.Warn("emergency stop engaged, skipping post", "account_id", accountID)
		r.event(ctx, storage.SystemEvent{
			Type: "post_skipped", Level: storage.LevelWarning, AccountID: accountID,
			Message: "Skipped scheduled post: emergency stop engaged",
		})
		out.Skipped = true
		return out
	}

	acc, err := r.deps.Accounts.Get(accountID)
	if err != nil {
		return r.fail(ctx, out, start, storage.PostRecord{}, fmt.Errorf("loading account: %w", err))
	}

	exclude, err := r.deps.Ledger.RecentHashes(ctx, accountID)
	if err != nil {
		r.logger.Warn("dedup ledger unavailable, proceeding without exclusions", "account_id", accountID, "error", err)
		exclude = nil
	}

	res, err := r.deps.Generator.Generate(ctx, generation.GenerateRequest{
		AccountID: accountID,
		Partition: acc.Partition,
		Persona:   acc.Persona,
		Exemplars: acc.ExemplarTexts(),
		Exclude:   exclude,
	})
	if err != nil {
		// The generator has already recorded this attempt.
		out.Status, out.Err = storage.StatusGenerationFailed, err
		return out
	}

	base := storage.PostRecord{
		AccountID: accountID,
		Text:      res.Text,
		SeedHash:  res.SeedHash,
		Metadata: map[string]any{
			"seed_id":       res.SeedID,
			"seed_source":   res.SourceTitle,
			"context_count": res.ContextCount,
			"char_count":    res.CharCount,
			"was_shortened": res.WasShortened,
			"generation_ms": res.DurationMs,
		},
	}

	if v := r.deps.Safety.Check(ctx, res.Text); !v.Safe {
		base.Status = storage.StatusFiltered
		base.Error = fmt.Sprintf("rejected by %s filter: %s", v.Layer, v.Reason)
		base.DurationMs = time.Since(start).Milliseconds()
		base.Metadata["filter_layer"] = v.Layer
		out.Status = storage.StatusFiltered
		out.Record = r.record(ctx, base)
		return out
	}

	sum := r.deps.Publisher.PublishAll(ctx, accountID, res.Text)
	base.Status = sum.Status
	base.Platforms = sum.Outcomes
	base.DurationMs = time.Since(start).Milliseconds()
	if sum.Status == storage.StatusFailed || sum.Status == storage.StatusPartialSuccess {
		base.Error = platformErrors(sum.Outcomes)
	}
	out.Status = sum.Status
	out.Record = r.record(ctx, base)
	if sum.Status == storage.StatusFailed {
		out.Err = errors.New(base.Error)
	}
	return out
}

// RunAll runs accounts one after another. A failure in one never affects
// the next.
func (r *Runner) RunAll(ctx context.Context, accountIDs []string) []Outcome {
	outcomes := make([]Outcome, 0, len(accountIDs))
	for _, id := range accountIDs {
		if ctx.Err() != nil {
			break
		}
		outcomes = append(outcomes, r.RunAccount(ctx, id))
	}
	return outcomes
}

// PreviewResult is a generated post that was screened but not published.
type PreviewResult struct {
	generation.Result
	Verdict safety.Verdict
}

// Preview generates a post for accountID without publishing or recording
// it. A non-empty persona replaces the account's persona for this call.
func (r *Runner) Preview(ctx context.Context, accountID, persona string) (PreviewResult, error) {
	acc, err := r.deps.Accounts.Get(accountID)
	if err != nil {
		return PreviewResult{}, err
	}
	if persona == "" {
		persona = acc.Persona
	}
	var exclude map[string]struct{}
	if r.deps.Ledger != nil {
		exclude, _ = r.deps.Ledger.RecentHashes(ctx, accountID)
	}
	res, err := r.deps.Generator.Preview(ctx, generation.GenerateRequest{
		AccountID: accountID,
		Partition: acc.Partition,
		Persona:   persona,
		Exemplars: acc.ExemplarTexts(),
		Exclude:   exclude,
	})
	if err != nil {
		return PreviewResult{}, err
	}
	return PreviewResult{Result: res, Verdict: r.deps.Safety.Check(ctx, res.Text)}, nil
}

func (r *Runner) fail(ctx context.Context, out Outcome, start time.Time, rec storage.PostRecord, err error) Outcome {
	r.logger.Error("posting attempt failed", "account_id", out.AccountID, "error", err)
	rec.AccountID = out.AccountID
	rec.Status = storage.StatusFailed
	rec.Error = err.Error()
	rec.DurationMs = time.Since(start).Milliseconds()
	out.Status, out.Err = storage.StatusFailed, err
	out.Record = r.record(ctx, rec)
	return out
}

func (r *Runner) record(ctx context.Context, rec storage.PostRecord) storage.PostRecord {
	saved, err := r.deps.Records.AppendPostRecord(ctx, rec)
	if err != nil {
		r.logger.Error("appending post record", "account_id", rec.AccountID, "status", string(rec.Status), "error", err)
		return rec
	}
	r.logger.Info("post attempt recorded", "account_id", rec.AccountID, "status", string(rec.Status), "duration_ms", rec.DurationMs)
	return saved
}

func (r *Runner) event(ctx context.Context, e storage.SystemEvent) {
	if err := r.deps.Records.LogEvent(ctx, e); err != nil {
		r.logger.Error("recording event", "type", e.Type, "error", err)
	}
}

func platformErrors(outcomes []storage.PlatformOutcome) string {
	var msg string
	for _, o := range outcomes {
		if o.Error == "" {
			continue
		}
		if msg != "" {
			msg += "; "
		}
		msg += o.Platform + ": " + o.Error
	}
	return msg
}
