package safety

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinchen147/twitter-persona-agents/internal/llm"
	"github.com/pinchen147/twitter-persona-agents/internal/storage"
)

type mockModerator struct {
	moderateFn func(ctx context.Context, model, input string) (llm.ModerationResult, error)
}

func (m *mockModerator) Moderate(ctx context.Context, model, input string) (llm.ModerationResult, error) {
	return m.moderateFn(ctx, model, input)
}

type eventSink struct {
	events []storage.SystemEvent
}

func (s *eventSink) LogEvent(_ context.Context, e storage.SystemEvent) error {
	s.events = append(s.events, e)
	return nil
}

func newFilter(mod Moderator) (*Filter, *eventSink) {
	sink := &eventSink{}
	return New(Options{Enabled: true, Moderator: mod}, sink), sink
}

func TestCheck_Layers(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		layer string
	}{
		{"clean", "Small bets compound into large outcomes over a decade.", ""},
		{"profanity", "What the fuck is compounding", LayerProfanity},
		{"violence", "This strategy will kill your returns", LayerPattern},
		{"spam", "buy this course now", LayerPattern},
		{"link", "please visit website for more", LayerPattern},
		{"political", "The election changed markets", LayerTopic},
		{"caps", "THIS IS VERY LOUD TEXT FOR SURE", LayerCaps},
		{"repetition", "money money money money money money growth", LayerRepetition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, _ := newFilter(nil)
			v := f.Check(context.Background(), tt.text)
			assert.Equal(t, tt.layer == "", v.Safe, "verdict %+v", v)
			assert.Equal(t, tt.layer, v.Layer)
		})
	}
}

func TestIsSafe_SpamShout(t *testing.T) {
	f, _ := newFilter(nil)
	assert.False(t, f.IsSafe(context.Background(), "BUY NOW CLICK HERE!!!"))
}

func TestCheck_Disabled(t *testing.T) {
	f := New(Options{Enabled: false}, nil)
	assert.True(t, f.IsSafe(context.Background(), "fuck"))
}

func TestCheck_CustomTerms(t *testing.T) {
	f := New(Options{Enabled: true, BlockedTerms: []string{"Crypto"}, TopicTerms: []string{}}, nil)
	v := f.Check(context.Background(), "crypto is the future")
	assert.Equal(t, LayerProfanity, v.Layer)
	assert.True(t, f.IsSafe(context.Background(), "the election was calm"), "topic list was emptied")
}

func TestCheck_ModerationFlagged(t *testing.T) {
	mod := &mockModerator{moderateFn: func(context.Context, string, string) (llm.ModerationResult, error) {
		return llm.ModerationResult{Flagged: true, Categories: []string{"harassment"}}, nil
	}}
	f, sink := newFilter(mod)
	v := f.Check(context.Background(), "a perfectly ordinary sentence about patience")
	assert.False(t, v.Safe)
	assert.Equal(t, LayerModeration, v.Layer)
	assert.Contains(t, v.Reason, "harassment")
	require.Len(t, sink.events, 1)
}

func TestCheck_ModerationFailureIsFailOpen(t *testing.T) {
	mod := &mockModerator{moderateFn: func(context.Context, string, string) (llm.ModerationResult, error) {
		return llm.ModerationResult{}, errors.New("timeout")
	}}
	f, sink := newFilter(mod)
	assert.True(t, f.IsSafe(context.Background(), "a perfectly ordinary sentence about patience"))
	assert.Empty(t, sink.events)
}

func TestCheck_PanicIsFailClosed(t *testing.T) {
	mod := &mockModerator{moderateFn: func(context.Context, string, string) (llm.ModerationResult, error) {
		panic("nil map")
	}}
	f, sink := newFilter(mod)
	v := f.Check(context.Background(), "a perfectly ordinary sentence about patience")
	assert.False(t, v.Safe)
	assert.Equal(t, LayerInternal, v.Layer)
	assert.Len(t, sink.events, 1)
}

func TestCheck_LogsFilterEvent(t *testing.T) {
	f, sink := newFilter(nil)
	text := "The government " + strings.Repeat("x", 150)
	require.False(t, f.IsSafe(context.Background(), text))
	require.Len(t, sink.events, 1)

	e := sink.events[0]
	assert.Equal(t, "content_filtered", e.Type)
	assert.Equal(t, storage.LevelWarning, e.Level)
	assert.Equal(t, LayerTopic, e.Metadata["filter_type"])
	preview := e.Metadata["content_preview"].(string)
	assert.Len(t, []rune(preview), 103)
	assert.True(t, strings.HasSuffix(preview, "..."))
}

func TestValidatePersona(t *testing.T) {
	f, _ := newFilter(nil)
	assert.NoError(t, f.ValidatePersona("A patient investor who writes about long games."))
	assert.ErrorIs(t, f.ValidatePersona("   "), ErrRejected)
	assert.ErrorIs(t, f.ValidatePersona(strings.Repeat("a ", 2501)), ErrRejected)
	assert.ErrorIs(t, f.ValidatePersona("Talks about politics daily"), ErrRejected)
}

func TestValidateExemplar(t *testing.T) {
	f, _ := newFilter(nil)
	assert.NoError(t, f.ValidateExemplar("Play long games with long-term people."))
	assert.ErrorIs(t, f.ValidateExemplar(strings.Repeat("b", 301)), ErrRejected)
	assert.ErrorIs(t, f.ValidateExemplar(""), ErrRejected)
}
