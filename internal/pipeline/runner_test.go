package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/pinchen147/twitter-persona-agents/internal/account"
	"github.com/pinchen147/twitter-persona-agents/internal/control"
	"github.com/pinchen147/twitter-persona-agents/internal/generation"
	"github.com/pinchen147/twitter-persona-agents/internal/publish"
	"github.com/pinchen147/twitter-persona-agents/internal/retrieval"
	"github.com/pinchen147/twitter-persona-agents/internal/safety"
	"github.com/pinchen147/twitter-persona-agents/internal/storage"
)

type mockGenerator struct {
	generateFn func(ctx context.Context, req generation.GenerateRequest) (generation.Result, error)
	lastReq    generation.GenerateRequest
}

func (m *mockGenerator) Generate(ctx context.Context, req generation.GenerateRequest) (generation.Result, error) {
	m.lastReq = req
	return m.generateFn(ctx, req)
}

func (m *mockGenerator) Preview(ctx context.Context, req generation.GenerateRequest) (generation.Result, error) {
	req.Preview = true
	m.lastReq = req
	return m.generateFn(ctx, req)
}

type mockPublisher struct {
	publishFn func(ctx context.Context, accountID, text string) publish.Summary
	calls     int
}

func (m *mockPublisher) PublishAll(ctx context.Context, accountID, text string) publish.Summary {
	m.calls++
	return m.publishFn(ctx, accountID, text)
}

type accountMap map[string]account.Account

func (m accountMap) Get(id string) (account.Account, error) {
	a, ok := m[id]
	if !ok {
		return account.Account{}, account.ErrNotFound
	}
	return a, nil
}

var alice = account.Account{
	ID:        "alice",
	Persona:   "A patient investor.",
	Exemplars: []account.Exemplar{{Text: "Play long games."}},
	Partition: "almanack",
	Platforms: []string{"twitter", "threads"},
}

type fixture struct {
	store  *storage.Store
	stop   *control.StopSwitch
	gen    *mockGenerator
	pub    *mockPublisher
	runner *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		store: st,
		stop:  control.NewStopSwitch(st),
		gen: &mockGenerator{generateFn: func(context.Context, generation.GenerateRequest) (generation.Result, error) {
			return generation.Result{Text: "Patience is leverage.", SeedHash: "seed-1", SeedID: "s1", CharCount: 21}, nil
		}},
		pub: &mockPublisher{publishFn: func(_ context.Context, _ string, text string) publish.Summary {
			return publish.Summary{Status: storage.StatusSuccess, Text: text, Outcomes: []storage.PlatformOutcome{
				{Platform: "twitter", Status: publish.OutcomePosted, PostID: "1"},
			}}
		}},
	}
	f.runner = New(Deps{
		Stop:      f.stop,
		Accounts:  accountMap{"alice": alice},
		Ledger:    retrieval.NewLedger(st, retrieval.ScopeAccount, 50),
		Generator: f.gen,
		Safety:    safety.New(safety.Options{Enabled: true}, st),
		Publisher: f.pub,
		Records:   st,
	})
	return f
}

func (f *fixture) records(t *testing.T) []storage.PostRecord {
	t.Helper()
	recs, err := f.store.ListPostRecords(context.Background(), storage.PostFilter{})
	if err != nil {
		t.Fatalf("ListPostRecords: %v", err)
	}
	return recs
}

func TestRunAccount_Success(t *testing.T) {
	f := newFixture(t)
	out := f.runner.RunAccount(context.Background(), "alice")
	if out.Status != storage.StatusSuccess || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}
	recs := f.records(t)
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	r := recs[0]
	if r.Text != "Patience is leverage." || r.SeedHash != "seed-1" || len(r.Platforms) != 1 {
		t.Errorf("record = %+v", r)
	}
	if f.gen.lastReq.Persona != alice.Persona || f.gen.lastReq.Partition != "almanack" {
		t.Errorf("generate request = %+v", f.gen.lastReq)
	}

	// The successful seed is now excluded from the next attempt.
	f.runner.RunAccount(context.Background(), "alice")
	if _, ok := f.gen.lastReq.Exclude["seed-1"]; !ok {
		t.Error("second attempt did not exclude the used seed")
	}
}

func TestRunAccount_EmergencyStopSkips(t *testing.T) {
	f := newFixture(t)
	f.stop.Engage(context.Background(), "test")

	out := f.runner.RunAccount(context.Background(), "alice")
	if !out.Skipped {
		t.Fatalf("outcome = %+v, want skipped", out)
	}
	if f.pub.calls != 0 {
		t.Error("published while stopped")
	}
	if n := len(f.records(t)); n != 0 {
		t.Errorf("records = %d, want 0", n)
	}
}

func TestRunAccount_FilteredIsNotPublished(t *testing.T) {
	f := newFixture(t)
	f.gen.generateFn = func(context.Context, generation.GenerateRequest) (generation.Result, error) {
		return generation.Result{Text: "BUY NOW CLICK HERE!!!", SeedHash: "seed-2"}, nil
	}
	out := f.runner.RunAccount(context.Background(), "alice")
	if out.Status != storage.StatusFiltered {
		t.Fatalf("status = %s, want filtered", out.Status)
	}
	if f.pub.calls != 0 {
		t.Error("filtered text was published")
	}
	recs := f.records(t)
	if len(recs) != 1 || recs[0].Status != storage.StatusFiltered || recs[0].Error == "" {
		t.Errorf("records = %+v", recs)
	}
}

func TestRunAccount_GenerationFailureNotDoubleRecorded(t *testing.T) {
	f := newFixture(t)
	f.gen.generateFn = func(ctx context.Context, req generation.GenerateRequest) (generation.Result, error) {
		// Mirror the real generator, which records its own failures.
		f.store.AppendPostRecord(ctx, storage.PostRecord{AccountID: req.AccountID, Status: storage.StatusGenerationFailed, Error: "boom"})
		return generation.Result{}, &generation.GenerationError{Stage: generation.StageModelCalled, Err: errors.New("boom")}
	}
	out := f.runner.RunAccount(context.Background(), "alice")
	if out.Status != storage.StatusGenerationFailed || out.Err == nil {
		t.Fatalf("outcome = %+v", out)
	}
	if n := len(f.records(t)); n != 1 {
		t.Errorf("records = %d, want exactly 1", n)
	}
}

func TestRunAccount_UnknownAccount(t *testing.T) {
	f := newFixture(t)
	out := f.runner.RunAccount(context.Background(), "nobody")
	if out.Status != storage.StatusFailed || !errors.Is(out.Err, account.ErrNotFound) {
		t.Fatalf("outcome = %+v", out)
	}
	recs := f.records(t)
	if len(recs) != 1 || recs[0].AccountID != "nobody" {
		t.Errorf("records = %+v", recs)
	}
}

func TestRunAccount_PartialSuccess(t *testing.T) {
	f := newFixture(t)
	f.pub.publishFn = func(_ context.Context, _ string, text string) publish.Summary {
		return publish.Summary{Status: storage.StatusPartialSuccess, Outcomes: []storage.PlatformOutcome{
			{Platform: "twitter", Status: publish.OutcomePosted},
			{Platform: "threads", Status: publish.OutcomeFailed, Error: "timeout"},
		}}
	}
	out := f.runner.RunAccount(context.Background(), "alice")
	if out.Status != storage.StatusPartialSuccess || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}
	rec := f.records(t)[0]
	if rec.Error != "threads: timeout" || len(rec.Platforms) != 2 {
		t.Errorf("record = %+v", rec)
	}
}

func TestRunAccount_PanicBecomesFailedRecord(t *testing.T) {
	f := newFixture(t)
	f.pub.publishFn = func(context.Context, string, string) publish.Summary {
		panic("publisher exploded")
	}
	out := f.runner.RunAccount(context.Background(), "alice")
	if out.Status != storage.StatusFailed || out.Err == nil {
		t.Fatalf("outcome = %+v", out)
	}
	recs := f.records(t)
	if len(recs) != 1 || recs[0].Status != storage.StatusFailed {
		t.Errorf("records = %+v", recs)
	}
}

func TestRunAll_IsolatesAccounts(t *testing.T) {
	f := newFixture(t)
	outs := f.runner.RunAll(context.Background(), []string{"nobody", "alice"})
	if len(outs) != 2 {
		t.Fatalf("outcomes = %d", len(outs))
	}
	if outs[0].Status != storage.StatusFailed || outs[1].Status != storage.StatusSuccess {
		t.Errorf("statuses = %s, %s", outs[0].Status, outs[1].Status)
	}
}

func TestPreview_UsesOverrideAndWritesNothing(t *testing.T) {
	f := newFixture(t)
	res, err := f.runner.Preview(context.Background(), "alice", "A grumpy poet.")
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if f.gen.lastReq.Persona != "A grumpy poet." || !f.gen.lastReq.Preview {
		t.Errorf("preview request = %+v", f.gen.lastReq)
	}
	if !res.Verdict.Safe || res.Text == "" {
		t.Errorf("preview = %+v", res)
	}
	if f.pub.calls != 0 || len(f.records(t)) != 0 {
		t.Error("preview published or recorded")
	}
}
