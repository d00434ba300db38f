// Package safety screens generated posts and operator-supplied persona text
// before either reaches a platform.
package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/pinchen147/twitter-persona-agents/internal/llm"
	"github.com/pinchen147/twitter-persona-agents/internal/storage"
)

// Layer names, in evaluation order.
const (
	LayerProfanity  = "profanity"
	LayerPattern    = "inappropriate_pattern"
	LayerTopic      = "political_content"
	LayerCaps       = "excessive_caps"
	LayerRepetition = "repetitive_text"
	LayerModeration = "moderation"
	LayerInternal   = "internal_error"
)

const (
	maxPersonaChars  = 5000
	maxExemplarChars = 300
	previewChars     = 100
)

// DefaultBlockedTerms is matched as lowercase substrings.
var DefaultBlockedTerms = []string{
	"damn", "hell", "shit", "fuck", "bitch", "ass", "piss", "crap",
	"bastard", "slut", "whore", "dick", "cock", "pussy", "cunt",
}

// DefaultTopicTerms are political keywords the bot stays away from.
var DefaultTopicTerms = []string{
	"trump", "biden", "republican", "democrat", "liberal", "conservative",
	"election", "vote", "politics", "political", "government", "congress",
	"president", "senator", "politician",
}

var defaultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(kill|murder|suicide|die|death)\b`),
	regexp.MustCompile(`\b(hate|hatred|despise)\s+(people|person|group|race|religion)\b`),
	regexp.MustCompile(`\b(buy|purchase|sale|discount|offer|deal)\b.*\b(now|today|limited)\b`),
	regexp.MustCompile(`\b(click|visit|check\s+out)\s+(link|website|url)\b`),
	regexp.MustCompile(`\b(drugs|cocaine|heroin|meth|marijuana)\b`),
}

// ErrRejected is wrapped by ValidatePersona and ValidateExemplar.
var ErrRejected = errors.New("content rejected")

// Verdict is the outcome of Check.
type Verdict struct {
	Safe   bool
	Layer  string
	Reason string
}

// Moderator classifies text with an external service.
type Moderator interface {
	Moderate(ctx context.Context, model, input string) (llm.ModerationResult, error)
}

// EventLog records filter decisions.
type EventLog interface {
	LogEvent(ctx context.Context, e storage.SystemEvent) error
}

// Options configures a Filter. Nil term lists take the defaults.
type Options struct {
	Enabled           bool
	BlockedTerms      []string
	TopicTerms        []string
	Moderator         Moderator
	ModerationModel   string
	ModerationTimeout time.Duration
}

// Filter runs the ordered, short-circuiting safety layers.
type Filter struct {
	opts     Options
	blocked  []string
	topics   []string
	patterns []*regexp.Regexp
	events   EventLog
	logger   *slog.Logger
}

// New creates a Filter. events may be nil.
func New(opts Options, events EventLog) *Filter {
	if opts.ModerationTimeout <= 0 {
		opts.ModerationTimeout = 10 * time.Second
	}
	f := &Filter{
		opts:     opts,
		blocked:  lowerAll(opts.BlockedTerms, DefaultBlockedTerms),
		topics:   lowerAll(opts.TopicTerms, DefaultTopicTerms),
		patterns: defaultPatterns,
		events:   events,
		logger:   slog.Default(),
	}
	return f
}

func lowerAll(terms, fallback []string) []string {
	if terms == nil {
		terms = fallback
	}
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Check runs every layer against text. Any internal failure rejects the text.
func (f *Filter) Check(ctx context.Context, text string) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("safety filter panicked", "panic", r)
			v = Verdict{Layer: LayerInternal, Reason: fmt.Sprint(r)}
			f.logRejection(ctx, text, v)
		}
	}()

	if !f.opts.Enabled {
		return Verdict{Safe: true}
	}
	if v = f.basic(text); !v.Safe {
		f.logRejection(ctx, text, v)
		return v
	}
	if v = f.moderate(ctx, text); !v.Safe {
		f.logRejection(ctx, text, v)
		return v
	}
	return Verdict{Safe: true}
}

// IsSafe reports whether text passes Check.
func (f *Filter) IsSafe(ctx context.Context, text string) bool {
	return f.Check(ctx, text).Safe
}

// basic runs the local layers. They never perform I/O.
func (f *Filter) basic(text string) Verdict {
	lower := strings.ToLower(text)

	for _, w := range f.blocked {
		if strings.Contains(lower, w) {
			return Verdict{Layer: LayerProfanity, Reason: "contains word: " + w}
		}
	}

	for _, re := range f.patterns {
		if re.MatchString(lower) {
			return Verdict{Layer: LayerPattern, Reason: "matches pattern: " + re.String()}
		}
	}

	var topics []string
	for _, w := range f.topics {
		if strings.Contains(lower, w) {
			topics = append(topics, w)
		}
	}
	if len(topics) > 0 {
		return Verdict{Layer: LayerTopic, Reason: "contains: " + strings.Join(topics, ", ")}
	}

	if n := utf8.RuneCountInString(text); n > 20 {
		var upper int
		for _, r := range text {
			if unicode.IsUpper(r) {
				upper++
			}
		}
		if ratio := float64(upper) / float64(n); ratio > 0.5 {
			return Verdict{Layer: LayerCaps, Reason: fmt.Sprintf("caps ratio: %.2f", ratio)}
		}
	}

	words := strings.Fields(lower)
	if len(words) > 5 {
		unique := make(map[string]struct{}, len(words))
		for _, w := range words {
			unique[w] = struct{}{}
		}
		if float64(len(unique))/float64(len(words)) < 0.5 {
			return Verdict{Layer: LayerRepetition, Reason: "too much word repetition"}
		}
	}

	return Verdict{Safe: true}
}

// moderate consults the external moderator. Transport failures let the
// text through since the local layers have already passed.
func (f *Filter) moderate(ctx context.Context, text string) Verdict {
	if f.opts.Moderator == nil {
		return Verdict{Safe: true}
	}
	mctx, cancel := context.WithTimeout(ctx, f.opts.ModerationTimeout)
	defer cancel()

	res, err := f.opts.Moderator.Moderate(mctx, f.opts.ModerationModel, text)
	if err != nil {
		f.logger.Warn("moderation check failed, relying on local layers", "error", err)
		return Verdict{Safe: true}
	}
	if res.Flagged {
		return Verdict{Layer: LayerModeration, Reason: "flagged categories: " + strings.Join(res.Categories, ", ")}
	}
	return Verdict{Safe: true}
}

func (f *Filter) logRejection(ctx context.Context, text string, v Verdict) {
	f.logger.Warn("content rejected", "layer", v.Layer, "reason", v.Reason)
	if f.events == nil {
		return
	}
	err := f.events.LogEvent(ctx, storage.SystemEvent{
		Type:    "content_filtered",
		Level:   storage.LevelWarning,
		Message: "Content blocked by " + v.Layer + " filter",
		Metadata: map[string]any{
			"filter_type":     v.Layer,
			"reason":          v.Reason,
			"content_preview": Preview(text),
		},
	})
	if err != nil {
		f.logger.Error("recording filter event", "error", err)
	}
}

// Preview returns the first 100 characters of text, with "..." appended
// when it was cut.
func Preview(text string) string {
	r := []rune(text)
	if len(r) <= previewChars {
		return text
	}
	return string(r[:previewChars]) + "..."
}

// ValidatePersona checks operator persona text against the local layers.
func (f *Filter) ValidatePersona(text string) error {
	return f.validate("persona", text, maxPersonaChars)
}

// ValidateExemplar checks an exemplar post against the local layers.
func (f *Filter) ValidateExemplar(text string) error {
	return f.validate("exemplar", text, maxExemplarChars)
}

func (f *Filter) validate(kind, text string, limit int) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: %s text cannot be empty", ErrRejected, kind)
	}
	if utf8.RuneCountInString(text) > limit {
		return fmt.Errorf("%w: %s text too long (max %d characters)", ErrRejected, kind, limit)
	}
	if v := f.basic(text); !v.Safe {
		return fmt.Errorf("%w: %s contains inappropriate content (%s: %s)", ErrRejected, kind, v.Layer, v.Reason)
	}
	return nil
}
