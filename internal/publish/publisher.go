package publish

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pinchen147/twitter-persona-agents/internal/account"
	"github.com/pinchen147/twitter-persona-agents/internal/storage"
)

// EventLog records per-platform outcomes.
type EventLog interface {
	LogEvent(ctx context.Context, e storage.SystemEvent) error
}

// PosterSource returns the posters configured for an account.
type PosterSource interface {
	Posters(accountID string) ([]Poster, error)
}

// Summary is the combined result of publishing to every platform.
type Summary struct {
	Status     storage.PostStatus
	Text       string
	Outcomes   []storage.PlatformOutcome
	DurationMs int64
}

// Succeeded lists the platforms that posted or simulated.
func (s Summary) Succeeded() []string {
	var out []string
	for _, o := range s.Outcomes {
		if o.Status != OutcomeFailed {
			out = append(out, o.Platform)
		}
	}
	return out
}

// Publisher fans a post out to all of an account's platforms.
type Publisher struct {
	source PosterSource
	events EventLog
	logger *slog.Logger
}

// NewPublisher creates a Publisher. events may be nil.
func NewPublisher(source PosterSource, events EventLog) *Publisher {
	return &Publisher{source: source, events: events, logger: slog.Default()}
}

// PublishAll posts text to every platform of accountID concurrently. One
// platform failing never stops the others; failures are reported in the
// summary rather than returned.
func (p *Publisher) PublishAll(ctx context.Context, accountID, text string) Summary {
	start := time.Now()
	posters, err := p.source.Posters(accountID)
	if err != nil || len(posters) == 0 {
		if err == nil {
			err = fmt.Errorf("no platforms configured")
		}
		p.logger.Error("no posters for account", "account_id", accountID, "error", err)
		return Summary{
			Status:     storage.StatusFailed,
			Text:       text,
			Outcomes:   []storage.PlatformOutcome{{Platform: "none", Status: OutcomeFailed, Error: err.Error()}},
			DurationMs: time.Since(start).Milliseconds(),
		}
	}

	outcomes := make([]storage.PlatformOutcome, len(posters))
	var g errgroup.Group
	for i, poster := range posters {
		g.Go(func() error {
			outcomes[i] = p.postOne(ctx, poster, text)
			return nil
		})
	}
	g.Wait()

	sum := Summary{
		Status:     overallStatus(outcomes),
		Text:       text,
		Outcomes:   outcomes,
		DurationMs: time.Since(start).Milliseconds(),
	}
	for _, o := range outcomes {
		p.logOutcome(ctx, accountID, text, o)
	}
	p.logger.Info("publish complete",
		"account_id", accountID, "status", string(sum.Status),
		"succeeded", sum.Succeeded(), "duration_ms", sum.DurationMs)
	return sum
}

func (p *Publisher) postOne(ctx context.Context, poster Poster, text string) (out storage.PlatformOutcome) {
	out.Platform = poster.Platform()
	defer func() {
		if r := recover(); r != nil {
			out.Status, out.Error = OutcomeFailed, fmt.Sprintf("panic: %v", r)
		}
	}()

	res, err := poster.Post(ctx, Fit(text, poster.CharLimit()))
	if err != nil {
		out.Status, out.Error = OutcomeFailed, err.Error()
		return out
	}
	out.Status, out.PostID, out.URL = res.Status, res.PostID, res.URL
	return out
}

func overallStatus(outcomes []storage.PlatformOutcome) storage.PostStatus {
	var ok, failed, simulated int
	for _, o := range outcomes {
		switch o.Status {
		case OutcomeFailed:
			failed++
		case OutcomeSimulated:
			simulated++
			ok++
		default:
			ok++
		}
	}
	switch {
	case ok == 0:
		return storage.StatusFailed
	case failed > 0:
		return storage.StatusPartialSuccess
	case simulated == len(outcomes):
		return storage.StatusSimulated
	default:
		return storage.StatusSuccess
	}
}

func (p *Publisher) logOutcome(ctx context.Context, accountID, text string, o storage.PlatformOutcome) {
	if p.events == nil {
		return
	}
	level := storage.LevelInfo
	if o.Status == OutcomeFailed {
		level = storage.LevelError
	}
	err := p.events.LogEvent(ctx, storage.SystemEvent{
		Type:      o.Platform + "_post",
		Level:     level,
		AccountID: accountID,
		Message:   fmt.Sprintf("Posted to %s for account %s: %s", o.Platform, accountID, o.Status),
		Metadata: map[string]any{
			"platform":       o.Platform,
			"status":         o.Status,
			"post_id":        o.PostID,
			"error":          o.Error,
			"content_length": len([]rune(text)),
		},
	})
	if err != nil {
		p.logger.Error("recording publish event", "error", err)
	}
}

// TestConnections verifies every poster of accountID that supports it.
// Posters without verification report nil.
func (p *Publisher) TestConnections(ctx context.Context, accountID string) (map[string]error, error) {
	posters, err := p.source.Posters(accountID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]error, len(posters))
	for _, poster := range posters {
		var verr error
		if v, ok := poster.(Verifier); ok {
			verr = v.Verify(ctx)
		}
		out[poster.Platform()] = verr
	}
	return out, nil
}

// Fit cuts text to limit runes, ending in "..." when it had to cut.
func Fit(text string, limit int) string {
	r := []rune(text)
	if limit <= 0 || len(r) <= limit {
		return text
	}
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}

// AccountLookup resolves account ids.
type AccountLookup interface {
	Get(id string) (account.Account, error)
}

// RegistryOptions configures the posters a Registry builds.
type RegistryOptions struct {
	PostEnabled    bool
	TwitterBaseURL string
	ThreadsBaseURL string
	Client         ClientOptions
}

// Registry builds and caches posters per account so spacing state
// survives between runs.
type Registry struct {
	accounts AccountLookup
	opts     RegistryOptions

	mu      sync.Mutex
	posters map[string]cachedPosters
}

type cachedPosters struct {
	acc     account.Account
	posters []Poster
}

// NewRegistry creates a Registry. The global spacer in opts.Client is
// shared by every poster it builds.
func NewRegistry(accounts AccountLookup, opts RegistryOptions) *Registry {
	return &Registry{accounts: accounts, opts: opts, posters: make(map[string]cachedPosters)}
}

// Posters returns the posters for accountID, rebuilding them when the
// account's platforms or credentials changed.
func (r *Registry) Posters(accountID string) ([]Poster, error) {
	acc, err := r.accounts.Get(accountID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.posters[accountID]; ok && sameSetup(c.acc, acc) {
		return c.posters, nil
	}
	posters, err := r.build(acc)
	if err != nil {
		return nil, err
	}
	r.posters[accountID] = cachedPosters{acc: acc, posters: posters}
	return posters, nil
}

func (r *Registry) build(acc account.Account) ([]Poster, error) {
	var out []Poster
	for _, platform := range acc.Platforms {
		switch platform {
		case account.PlatformTwitter:
			if !r.opts.PostEnabled {
				out = append(out, NewSimulatedPoster(platform, TwitterCharLimit))
				continue
			}
			token := acc.Credential(platform, "bearer_token")
			if token == "" {
				return nil, fmt.Errorf("account %s: twitter bearer_token is not set", acc.ID)
			}
			opts := r.opts.Client
			opts.BaseURL = r.opts.TwitterBaseURL
			out = append(out, NewTwitterPoster(token, opts))
		case account.PlatformThreads:
			if !r.opts.PostEnabled {
				out = append(out, NewSimulatedPoster(platform, ThreadsCharLimit))
				continue
			}
			userID, token := acc.Credential(platform, "user_id"), acc.Credential(platform, "access_token")
			if userID == "" || token == "" {
				return nil, fmt.Errorf("account %s: threads user_id and access_token are required", acc.ID)
			}
			opts := r.opts.Client
			opts.BaseURL = r.opts.ThreadsBaseURL
			out = append(out, NewThreadsPoster(userID, token, acc.Credential(platform, "username"), opts))
		default:
			return nil, fmt.Errorf("account %s: unsupported platform %q", acc.ID, platform)
		}
	}
	return out, nil
}

func sameSetup(a, b account.Account) bool {
	if fmt.Sprint(a.Platforms) != fmt.Sprint(b.Platforms) || len(a.Credentials) != len(b.Credentials) {
		return false
	}
	for platform, kv := range a.Credentials {
		other := b.Credentials[platform]
		if len(kv) != len(other) {
			return false
		}
		for k, v := range kv {
			if other[k] != v {
				return false
			}
		}
	}
	return true
}
