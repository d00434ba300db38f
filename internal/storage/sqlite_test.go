package storage

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) || len(v1) != 2 {
		t.Errorf("migrations = %v then %v, want 2 both times", v1, v2)
	}
}

func TestTablesExist(t *testing.T) {
	s := openTestStore(t)

	for _, table := range []string{"post_records", "system_events", "jobs", "partitions", "fragments", "source_documents"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Fatalf("query for %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s missing", table)
		}
	}
}

func TestParseMigrationVersion(t *testing.T) {
	v, err := parseMigrationVersion("002_knowledge.sql")
	if err != nil || v != 2 {
		t.Errorf("parseMigrationVersion = %d, %v; want 2, nil", v, err)
	}
	if _, err := parseMigrationVersion("knowledge.sql"); err == nil {
		t.Error("expected error for unnumbered migration")
	}
}

func TestAppendPostRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := PostRecord{
		AccountID:  "zen",
		Text:       "Stillness is a skill.",
		SeedHash:   "abc",
		Status:     StatusPartialSuccess,
		DurationMs: 1234,
		Platforms: []PlatformOutcome{
			{Platform: "twitter", Status: "posted", PostID: "1"},
			{Platform: "threads", Status: "failed", Error: "boom"},
		},
		Metadata: map[string]any{"context_count": 3},
	}
	out, err := s.AppendPostRecord(ctx, in)
	if err != nil {
		t.Fatalf("AppendPostRecord: %v", err)
	}
	if out.ID == "" || out.Seq == 0 || out.CreatedAt.IsZero() {
		t.Fatalf("AppendPostRecord did not fill id/seq/created_at: %+v", out)
	}

	got, err := s.ListPostRecords(ctx, PostFilter{AccountID: "zen"})
	if err != nil {
		t.Fatalf("ListPostRecords: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}
	r := got[0]
	if r.Status != StatusPartialSuccess || r.Text != in.Text || r.DurationMs != 1234 {
		t.Errorf("round trip mismatch: %+v", r)
	}
	if len(r.Platforms) != 2 || r.Platforms[1].Error != "boom" {
		t.Errorf("Platforms = %+v", r.Platforms)
	}
	if r.Metadata["context_count"] != float64(3) {
		t.Errorf("Metadata = %v", r.Metadata)
	}
}

func TestAppendPostRecord_RequiresFields(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.AppendPostRecord(context.Background(), PostRecord{Status: StatusSuccess}); err == nil {
		t.Error("expected error for missing account id")
	}
	if _, err := s.AppendPostRecord(context.Background(), PostRecord{AccountID: "a"}); err == nil {
		t.Error("expected error for missing status")
	}
}

func TestRecentSeedHashes_OnlyPublishedNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Identical timestamps: ordering must come from insertion sequence.
	ts := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	records := []PostRecord{
		{AccountID: "a", SeedHash: "h1", Status: StatusSuccess},
		{AccountID: "a", SeedHash: "h2", Status: StatusFailed},
		{AccountID: "a", SeedHash: "h3", Status: StatusSuccess},
		{AccountID: "b", SeedHash: "h4", Status: StatusSuccess},
		{AccountID: "a", SeedHash: "", Status: StatusSuccess},
		{AccountID: "a", SeedHash: "h5", Status: StatusFiltered},
		{AccountID: "a", SeedHash: "h6", Status: StatusSuccess},
	}
	for _, r := range records {
		r.CreatedAt = ts
		if _, err := s.AppendPostRecord(ctx, r); err != nil {
			t.Fatalf("AppendPostRecord: %v", err)
		}
	}

	got, err := s.RecentSeedHashes(ctx, "a", 10)
	if err != nil {
		t.Fatalf("RecentSeedHashes: %v", err)
	}
	want := []string{"h6", "h3", "h1"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("RecentSeedHashes(a) = %v, want %v", got, want)
	}

	got, err = s.RecentSeedHashes(ctx, "", 2)
	if err != nil {
		t.Fatalf("RecentSeedHashes: %v", err)
	}
	want = []string{"h6", "h4"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("RecentSeedHashes(global, 2) = %v, want %v", got, want)
	}

	if got, _ := s.RecentSeedHashes(ctx, "a", 0); len(got) != 0 {
		t.Errorf("lookback 0 returned %v", got)
	}
}

func TestRecentSeedHashes_CountsSimulatedAndPartial(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, r := range []PostRecord{
		{AccountID: "a", SeedHash: "sim", Status: StatusSimulated},
		{AccountID: "a", SeedHash: "part", Status: StatusPartialSuccess},
		{AccountID: "a", SeedHash: "gen", Status: StatusGenerationFailed},
	} {
		if _, err := s.AppendPostRecord(ctx, r); err != nil {
			t.Fatalf("AppendPostRecord: %v", err)
		}
	}

	got, err := s.RecentSeedHashes(ctx, "a", 10)
	if err != nil {
		t.Fatalf("RecentSeedHashes: %v", err)
	}
	want := []string{"part", "sim"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("RecentSeedHashes(a) = %v, want %v", got, want)
	}

	r, err := s.LastSuccessfulPost(ctx, "a")
	if err != nil {
		t.Fatalf("LastSuccessfulPost: %v", err)
	}
	if r.SeedHash != "part" {
		t.Errorf("LastSuccessfulPost seed = %q, want %q", r.SeedHash, "part")
	}
}

func TestPostStatusPublished(t *testing.T) {
	published := map[PostStatus]bool{
		StatusSuccess:          true,
		StatusPartialSuccess:   true,
		StatusSimulated:        true,
		StatusFailed:           false,
		StatusFiltered:         false,
		StatusGenerationFailed: false,
	}
	for st, want := range published {
		if got := st.Published(); got != want {
			t.Errorf("%s.Published() = %v, want %v", st, got, want)
		}
	}
}

func TestLastSuccessfulPost(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.LastSuccessfulPost(ctx, "a"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	s.AppendPostRecord(ctx, PostRecord{AccountID: "a", Text: "first", Status: StatusSuccess})
	s.AppendPostRecord(ctx, PostRecord{AccountID: "a", Text: "second", Status: StatusSuccess})
	s.AppendPostRecord(ctx, PostRecord{AccountID: "a", Text: "third", Status: StatusFailed})

	r, err := s.LastSuccessfulPost(ctx, "a")
	if err != nil {
		t.Fatalf("LastSuccessfulPost: %v", err)
	}
	if r.Text != "second" {
		t.Errorf("Text = %q, want %q", r.Text, "second")
	}
}

func TestSuccessRate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	since := time.Now().Add(-24 * time.Hour)

	rate, n, err := s.SuccessRate(ctx, since)
	if err != nil {
		t.Fatalf("SuccessRate: %v", err)
	}
	if rate != 1 || n != 0 {
		t.Errorf("empty SuccessRate = %v, %d; want 1, 0", rate, n)
	}

	s.AppendPostRecord(ctx, PostRecord{AccountID: "a", Status: StatusSuccess})
	s.AppendPostRecord(ctx, PostRecord{AccountID: "a", Status: StatusFailed})
	s.AppendPostRecord(ctx, PostRecord{AccountID: "a", Status: StatusFailed})
	s.AppendPostRecord(ctx, PostRecord{AccountID: "a", Status: StatusSuccess})
	s.AppendPostRecord(ctx, PostRecord{AccountID: "a", Status: StatusSuccess, CreatedAt: since.Add(-time.Hour)})

	rate, n, err = s.SuccessRate(ctx, since)
	if err != nil {
		t.Fatalf("SuccessRate: %v", err)
	}
	if rate != 0.5 || n != 4 {
		t.Errorf("SuccessRate = %v, %d; want 0.5, 4", rate, n)
	}

	s.AppendPostRecord(ctx, PostRecord{AccountID: "a", Status: StatusSimulated})
	s.AppendPostRecord(ctx, PostRecord{AccountID: "a", Status: StatusSimulated})
	rate, n, _ = s.SuccessRate(ctx, since)
	if rate != 4.0/6 || n != 6 {
		t.Errorf("SuccessRate with simulated = %v, %d; want %v, 6", rate, n, 4.0/6)
	}
}

func TestListPostRecords_TimeRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		s.AppendPostRecord(ctx, PostRecord{
			AccountID: "a", Status: StatusSuccess, Text: fmt.Sprintf("p%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
	}

	got, err := s.ListPostRecords(ctx, PostFilter{Since: base.Add(time.Hour), Until: base.Add(4 * time.Hour)})
	if err != nil {
		t.Fatalf("ListPostRecords: %v", err)
	}
	if len(got) != 3 || got[0].Text != "p3" || got[2].Text != "p1" {
		t.Errorf("range query = %v", got)
	}

	got, _ = s.ListPostRecords(ctx, PostFilter{Limit: 2})
	if len(got) != 2 || got[0].Text != "p4" {
		t.Errorf("limit query = %v", got)
	}
}

func TestLogAndListEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.LogEvent(ctx, SystemEvent{Type: "content_filtered", Level: LevelWarning, AccountID: "a",
		Message: "blocked", Metadata: map[string]any{"layer": "profanity"}}); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	if err := s.LogEvent(ctx, SystemEvent{Type: "emergency_stop", Message: "engaged"}); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	if err := s.LogEvent(ctx, SystemEvent{}); err == nil {
		t.Error("expected error for missing type")
	}

	all, err := s.ListEvents(ctx, EventFilter{})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(all) != 2 || all[0].Type != "emergency_stop" || all[0].Level != LevelInfo {
		t.Errorf("ListEvents = %+v", all)
	}

	filtered, _ := s.ListEvents(ctx, EventFilter{Type: "content_filtered"})
	if len(filtered) != 1 || filtered[0].Metadata["layer"] != "profanity" {
		t.Errorf("filtered = %+v", filtered)
	}
}

func TestSourceDocuments(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	doc := SourceDocument{ID: "d1", Partition: "zen", Title: "Notes", Source: "/tmp/notes.txt", Kind: "text"}
	if err := s.SaveSourceDocument(ctx, doc); err != nil {
		t.Fatalf("SaveSourceDocument: %v", err)
	}
	if err := s.UpdateSourceDocumentStatus(ctx, "d1", "completed", 7, ""); err != nil {
		t.Fatalf("UpdateSourceDocumentStatus: %v", err)
	}
	got, err := s.GetSourceDocument(ctx, "d1")
	if err != nil {
		t.Fatalf("GetSourceDocument: %v", err)
	}
	if got.Status != "completed" || got.FragmentCount != 7 {
		t.Errorf("document = %+v", got)
	}
	if err := s.UpdateSourceDocumentStatus(ctx, "missing", "failed", 0, "x"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	docs, _ := s.ListSourceDocuments(ctx, "zen", 0)
	if len(docs) != 1 {
		t.Errorf("ListSourceDocuments = %d docs, want 1", len(docs))
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := Job{ID: "j-1", Type: "ingest_document", PayloadJSON: `{"document_id":"d1"}`}
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{"ingest_document"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-1" || got.Status != "running" || got.MaxAttempts != 3 {
		t.Errorf("claimed job = %+v", got)
	}

	again, err := s.ClaimNextJob(ctx, []string{"ingest_document"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if again != nil {
		t.Errorf("running job claimed twice: %+v", again)
	}
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := Job{ID: "j-future", Type: "ingest_document", PayloadJSON: `{}`, RunAfter: time.Now().UTC().Add(time.Hour)}
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	got, err := s.ClaimNextJob(ctx, []string{"ingest_document"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for future run_after, got %+v", got)
	}
}

func TestClaimNextJob_TypeFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.EnqueueJob(ctx, Job{ID: "j-a", Type: "a", PayloadJSON: `{}`})
	s.EnqueueJob(ctx, Job{ID: "j-b", Type: "b", PayloadJSON: `{}`})

	got, err := s.ClaimNextJob(ctx, []string{"b"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil || got.Type != "b" {
		t.Errorf("claimed %+v, want type b", got)
	}
	if none, _ := s.ClaimNextJob(ctx, nil); none != nil {
		t.Errorf("empty type list claimed %+v", none)
	}
}

func TestCompleteJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.EnqueueJob(ctx, Job{ID: "j-done", Type: "x", PayloadJSON: `{}`})
	if err := s.CompleteJob(ctx, "j-done"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if n, _ := s.CountJobs(ctx, "x", "completed"); n != 1 {
		t.Errorf("completed count = %d, want 1", n)
	}
	if err := s.CompleteJob(ctx, "missing"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestFailJob_BackoffThenFailed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.EnqueueJob(ctx, Job{ID: "j-fail", Type: "x", PayloadJSON: `{}`, MaxAttempts: 2})

	before := time.Now().UTC()
	if err := s.FailJob(ctx, "j-fail", "first"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status, runAfter, lastError string
	var attempts int
	s.db.QueryRow(`SELECT status, attempts, run_after, last_error FROM jobs WHERE id = ?`, "j-fail").
		Scan(&status, &attempts, &runAfter, &lastError)
	if status != "pending" || attempts != 1 || lastError != "first" {
		t.Errorf("after first failure: status=%s attempts=%d last_error=%s", status, attempts, lastError)
	}
	ra, _ := time.Parse(time.RFC3339, runAfter)
	if ra.Before(before.Add(time.Second)) {
		t.Errorf("run_after %v not pushed back by backoff", ra)
	}

	if err := s.FailJob(ctx, "j-fail", "second"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if n, _ := s.CountJobs(ctx, "x", "failed"); n != 1 {
		t.Errorf("failed count = %d, want 1", n)
	}
	if err := s.FailJob(ctx, "missing", "x"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
