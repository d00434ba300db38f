package generation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"

	"github.com/pinchen147/twitter-persona-agents/internal/knowledge"
	"github.com/pinchen147/twitter-persona-agents/internal/llm"
	"github.com/pinchen147/twitter-persona-agents/internal/retrieval"
	"github.com/pinchen147/twitter-persona-agents/internal/storage"
)

type mockCompleter struct {
	completeFn func(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error)
	calls      []llm.ChatRequest
}

func (m *mockCompleter) Complete(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	m.calls = append(m.calls, req)
	return m.completeFn(ctx, req)
}

func reply(text string) llm.ChatResponse {
	var r llm.ChatResponse
	r.Choices = append(r.Choices, struct {
		Message      llm.Message `json:"message"`
		FinishReason string      `json:"finish_reason"`
	}{Message: llm.Message{Role: "assistant", Content: text}})
	r.Usage = llm.Usage{TotalTokens: 42}
	return r
}

type mockRetriever struct {
	seedFn    func(ctx context.Context, partition string, exclude map[string]struct{}, maxAttempts int) (knowledge.Fragment, error)
	contextFn func(ctx context.Context, seed knowledge.Fragment, size int) ([]knowledge.Scored, error)
}

func (m *mockRetriever) SelectSeed(ctx context.Context, partition string, exclude map[string]struct{}, maxAttempts int) (knowledge.Fragment, error) {
	return m.seedFn(ctx, partition, exclude, maxAttempts)
}

func (m *mockRetriever) BuildContext(ctx context.Context, seed knowledge.Fragment, size int) ([]knowledge.Scored, error) {
	return m.contextFn(ctx, seed, size)
}

var testSeed = knowledge.Fragment{ID: "book_0_abcd", Partition: "p", Text: "Leverage compounds.", SourceTitle: "Almanack", ContentHash: "hash-1"}

func okRetriever() *mockRetriever {
	return &mockRetriever{
		seedFn: func(context.Context, string, map[string]struct{}, int) (knowledge.Fragment, error) {
			return testSeed, nil
		},
		contextFn: func(_ context.Context, seed knowledge.Fragment, _ int) ([]knowledge.Scored, error) {
			return []knowledge.Scored{
				{Fragment: seed, Score: 1},
				{Fragment: knowledge.Fragment{ID: "n1", Text: "Specific knowledge cannot be taught."}, Score: 0.8},
			}, nil
		},
	}
}

type recordSink struct {
	records []storage.PostRecord
}

func (s *recordSink) AppendPostRecord(_ context.Context, r storage.PostRecord) (storage.PostRecord, error) {
	s.records = append(s.records, r)
	return r, nil
}

func mustPrompts(t *testing.T) *Prompts {
	t.Helper()
	p, err := LoadPrompts("")
	if err != nil {
		t.Fatalf("LoadPrompts: %v", err)
	}
	return p
}

func TestBuildPrompt(t *testing.T) {
	p := mustPrompts(t)
	got, err := p.BuildPrompt("A calm investor.", []string{"Play long games."}, []knowledge.Scored{
		{Fragment: knowledge.Fragment{Text: "Leverage compounds.", SourceTitle: "Almanack"}},
	}, 280)
	if err != nil {
		t.Fatalf("BuildPrompt: %v", err)
	}
	for _, want := range []string{"A calm investor.", "Play long games.", "[1] (Almanack)", "Leverage compounds.", "280"} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}

	if _, err := p.BuildPrompt("  ", nil, nil, 280); err == nil {
		t.Error("expected error for empty persona")
	}
}

func TestLoadPrompts_OverrideAndMalformed(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, basePromptName), []byte("VOICE={{.Persona}}"), 0o644)
	p, err := LoadPrompts(dir)
	if err != nil {
		t.Fatalf("LoadPrompts: %v", err)
	}
	got, _ := p.BuildPrompt("x", nil, nil, 280)
	if got != "VOICE=x" {
		t.Errorf("override prompt = %q", got)
	}

	os.WriteFile(filepath.Join(dir, shorteningPromptName), []byte("{{.Text"), 0o644)
	_, err = LoadPrompts(dir)
	var pe *PromptError
	if !errors.As(err, &pe) || pe.Template != shorteningPromptName {
		t.Fatalf("err = %v, want PromptError for %s", err, shorteningPromptName)
	}
}

func TestCallModel_ReasoningFamily(t *testing.T) {
	c := &mockCompleter{completeFn: func(context.Context, llm.ChatRequest) (llm.ChatResponse, error) {
		return reply(`"Compounding is patience with a spreadsheet."`), nil
	}}
	g := New(c, nil, mustPrompts(t), nil, Options{ReasoningEffort: "medium"})

	text, usage, err := g.CallModel(context.Background(), "prompt", "o3-mini")
	if err != nil {
		t.Fatalf("CallModel: %v", err)
	}
	if text != "Compounding is patience with a spreadsheet." {
		t.Errorf("quotes not stripped: %q", text)
	}
	if usage.TotalTokens != 42 {
		t.Errorf("usage = %+v", usage)
	}
	req := c.calls[0]
	if req.Reasoning == nil || req.Reasoning.Effort != "medium" || req.MaxTokens != 300 || req.Temperature != nil {
		t.Errorf("reasoning request = %+v", req)
	}
	if req.Messages[0].Role != "system" || req.Messages[1].Content != "prompt" {
		t.Errorf("messages = %+v", req.Messages)
	}
}

func TestCallModel_DirectFamily(t *testing.T) {
	c := &mockCompleter{completeFn: func(context.Context, llm.ChatRequest) (llm.ChatResponse, error) {
		return reply("plain"), nil
	}}
	g := New(c, nil, mustPrompts(t), nil, Options{Temperature: 0.8, MaxTokens: 150})
	if _, _, err := g.CallModel(context.Background(), "p", "gpt-4.1"); err != nil {
		t.Fatalf("CallModel: %v", err)
	}
	req := c.calls[0]
	if req.Reasoning != nil || req.Temperature == nil || *req.Temperature != 0.8 || req.MaxTokens != 150 {
		t.Errorf("direct request = %+v", req)
	}
}

func TestCallModel_Errors(t *testing.T) {
	tests := []struct {
		name string
		fn   func(context.Context, llm.ChatRequest) (llm.ChatResponse, error)
	}{
		{"transport", func(context.Context, llm.ChatRequest) (llm.ChatResponse, error) {
			return llm.ChatResponse{}, errors.New("connection reset")
		}},
		{"empty", func(context.Context, llm.ChatRequest) (llm.ChatResponse, error) { return reply("  "), nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(&mockCompleter{completeFn: tt.fn}, nil, mustPrompts(t), nil, Options{})
			_, _, err := g.CallModel(context.Background(), "p", "gpt-4.1")
			var me *ModelError
			if !errors.As(err, &me) {
				t.Fatalf("err = %v, want ModelError", err)
			}
		})
	}
}

func TestEnforceLength(t *testing.T) {
	long := strings.Repeat("a", 400)

	t.Run("fits", func(t *testing.T) {
		g := New(&mockCompleter{completeFn: func(context.Context, llm.ChatRequest) (llm.ChatResponse, error) {
			t.Error("model called for text within limit")
			return llm.ChatResponse{}, nil
		}}, nil, mustPrompts(t), nil, Options{})
		got, shortened := g.EnforceLength(context.Background(), "short", 280)
		if got != "short" || shortened {
			t.Errorf("EnforceLength = %q, %v", got, shortened)
		}
	})

	t.Run("shortening model", func(t *testing.T) {
		c := &mockCompleter{completeFn: func(context.Context, llm.ChatRequest) (llm.ChatResponse, error) {
			return reply("tight version"), nil
		}}
		g := New(c, nil, mustPrompts(t), nil, Options{ShorteningModel: "gpt-4.1"})
		got, shortened := g.EnforceLength(context.Background(), long, 280)
		if got != "tight version" || !shortened {
			t.Errorf("EnforceLength = %q, %v", got, shortened)
		}
		req := c.calls[0]
		if req.Model != "gpt-4.1" || *req.Temperature != 0.3 || req.MaxTokens != 100 {
			t.Errorf("shortening request = %+v", req)
		}
		if !strings.Contains(req.Messages[1].Content, "270") {
			t.Errorf("shortening prompt lacks target length: %q", req.Messages[1].Content)
		}
	})

	t.Run("shortened text still too long", func(t *testing.T) {
		g := New(&mockCompleter{completeFn: func(context.Context, llm.ChatRequest) (llm.ChatResponse, error) {
			return reply(strings.Repeat("b", 290)), nil
		}}, nil, mustPrompts(t), nil, Options{})
		got, shortened := g.EnforceLength(context.Background(), long, 280)
		if utf8.RuneCountInString(got) != 280 || !shortened {
			t.Fatalf("EnforceLength = %d chars, %v; want 280, true", utf8.RuneCountInString(got), shortened)
		}
		if got != strings.Repeat("a", 277)+"..." {
			t.Errorf("overshooting model output not replaced by truncated original: %q", got[:10])
		}
	})

	t.Run("fallback truncation", func(t *testing.T) {
		g := New(&mockCompleter{completeFn: func(context.Context, llm.ChatRequest) (llm.ChatResponse, error) {
			return llm.ChatResponse{}, errors.New("down")
		}}, nil, mustPrompts(t), nil, Options{})
		got, shortened := g.EnforceLength(context.Background(), long, 280)
		if utf8.RuneCountInString(got) != 280 || !strings.HasSuffix(got, "...") || !shortened {
			t.Errorf("fallback = %d chars, suffix ok=%v", utf8.RuneCountInString(got), strings.HasSuffix(got, "..."))
		}
	})
}

func TestTruncate_RuneSafe(t *testing.T) {
	got := Truncate(strings.Repeat("日", 10), 6)
	if got != "日日日..." {
		t.Errorf("Truncate = %q", got)
	}
	if Truncate("abc", 5) != "abc" {
		t.Error("short text modified")
	}
}

func TestGenerate_Success(t *testing.T) {
	c := &mockCompleter{completeFn: func(context.Context, llm.ChatRequest) (llm.ChatResponse, error) {
		return reply("Patience is leverage."), nil
	}}
	sink := &recordSink{}
	var gotExclude map[string]struct{}
	r := okRetriever()
	r.seedFn = func(_ context.Context, _ string, ex map[string]struct{}, _ int) (knowledge.Fragment, error) {
		gotExclude = ex
		return testSeed, nil
	}
	g := New(c, r, mustPrompts(t), sink, Options{Model: "gpt-4.1", ContextSize: 3})

	res, err := g.Generate(context.Background(), GenerateRequest{
		AccountID: "alice",
		Partition: "p",
		Persona:   "A calm investor.",
		Exemplars: []string{"Play long games."},
		Exclude:   map[string]struct{}{"old": {}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	want := Result{
		Text:         "Patience is leverage.",
		SeedHash:     "hash-1",
		SeedID:       "book_0_abcd",
		SourceTitle:  "Almanack",
		ContextCount: 2,
		CharCount:    21,
		Usage:        llm.Usage{TotalTokens: 42},
	}
	res.DurationMs = 0
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("Result mismatch (-want +got):\n%s", diff)
	}
	if _, ok := gotExclude["old"]; !ok {
		t.Error("exclude set not passed to seed selection")
	}
	if len(sink.records) != 0 {
		t.Errorf("generator wrote %d records on success", len(sink.records))
	}
	if !strings.Contains(c.calls[0].Messages[1].Content, "A calm investor.") {
		t.Error("persona missing from prompt")
	}
}

func TestGenerate_FailureRecordsAttempt(t *testing.T) {
	r := okRetriever()
	r.seedFn = func(context.Context, string, map[string]struct{}, int) (knowledge.Fragment, error) {
		return knowledge.Fragment{}, &knowledge.StoreError{Op: "select_seed", Partition: "p", Err: knowledge.ErrPartitionEmpty}
	}
	sink := &recordSink{}
	g := New(&mockCompleter{}, r, mustPrompts(t), sink, Options{})

	_, err := g.Generate(context.Background(), GenerateRequest{AccountID: "alice", Partition: "p", Persona: "x"})
	var ge *GenerationError
	if !errors.As(err, &ge) || ge.Stage != StageSeedSelected {
		t.Fatalf("err = %v, want GenerationError at seed_selected", err)
	}
	if !errors.Is(err, knowledge.ErrPartitionEmpty) {
		t.Error("cause not preserved")
	}
	if len(sink.records) != 1 {
		t.Fatalf("records = %d, want 1", len(sink.records))
	}
	rec := sink.records[0]
	if rec.Status != storage.StatusGenerationFailed || rec.Text != "" || rec.Error == "" || rec.AccountID != "alice" {
		t.Errorf("record = %+v", rec)
	}
}

func TestGenerate_PreviewWritesNothing(t *testing.T) {
	sink := &recordSink{}
	c := &mockCompleter{completeFn: func(context.Context, llm.ChatRequest) (llm.ChatResponse, error) {
		return llm.ChatResponse{}, errors.New("down")
	}}
	g := New(c, okRetriever(), mustPrompts(t), sink, Options{})
	_, err := g.Preview(context.Background(), GenerateRequest{AccountID: "alice", Partition: "p", Persona: "x"})
	var ge *GenerationError
	if !errors.As(err, &ge) || ge.Stage != StageModelCalled {
		t.Fatalf("err = %v, want failure at model_called", err)
	}
	if len(sink.records) != 0 {
		t.Errorf("preview wrote %d records", len(sink.records))
	}
}

func TestGenerate_InsufficientContextPolicy(t *testing.T) {
	short := func(_ context.Context, seed knowledge.Fragment, _ int) ([]knowledge.Scored, error) {
		return []knowledge.Scored{{Fragment: seed, Score: 1}},
			&knowledge.StoreError{Op: "build_context", Err: retrieval.ErrInsufficientContext}
	}
	ok := &mockCompleter{completeFn: func(context.Context, llm.ChatRequest) (llm.ChatResponse, error) {
		return reply("fine"), nil
	}}

	t.Run("proceed after retries", func(t *testing.T) {
		var seeds int
		r := okRetriever()
		r.contextFn = short
		r.seedFn = func(context.Context, string, map[string]struct{}, int) (knowledge.Fragment, error) {
			seeds++
			return testSeed, nil
		}
		g := New(ok, r, mustPrompts(t), nil, Options{ContextRetries: 2})
		res, err := g.Generate(context.Background(), GenerateRequest{AccountID: "a", Partition: "p", Persona: "x"})
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if seeds != 3 || res.ContextCount != 1 {
			t.Errorf("seeds=%d context=%d, want 3 and 1", seeds, res.ContextCount)
		}
	})

	t.Run("fail", func(t *testing.T) {
		r := okRetriever()
		r.contextFn = short
		g := New(ok, r, mustPrompts(t), nil, Options{FailOnInsufficient: true})
		_, err := g.Generate(context.Background(), GenerateRequest{AccountID: "a", Partition: "p", Persona: "x"})
		if !errors.Is(err, retrieval.ErrInsufficientContext) {
			t.Fatalf("err = %v, want ErrInsufficientContext", err)
		}
	})
}

func TestStageString(t *testing.T) {
	if StageShortened.String() != "shortened" || Stage(99).String() != "stage(99)" {
		t.Errorf("unexpected stage names: %s %s", StageShortened, Stage(99))
	}
}
