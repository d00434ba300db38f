package knowledge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/pinchen147/twitter-persona-agents/internal/storage"
)

func openTestStore(t *testing.T) (*Store, *storage.Store) {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewStore(st.DB()), st
}

func frag(t *testing.T, partition, text string, idx int, vec ...float32) Fragment {
	t.Helper()
	f, err := NewFragment(partition, text, "book", idx, vec)
	if err != nil {
		t.Fatalf("NewFragment: %v", err)
	}
	return f
}

func TestHashTextDeterministic(t *testing.T) {
	a := HashText("the quick brown fox")
	b := HashText("the quick brown fox")
	if a != b {
		t.Fatalf("hash not deterministic: %s != %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64", len(a))
	}
	if HashText("the quick brown fox.") == a {
		t.Error("different texts produced the same hash")
	}
}

func TestNewFragmentValidation(t *testing.T) {
	if _, err := NewFragment("", "text", "s", 0, []float32{1}); err == nil {
		t.Error("expected error for missing partition")
	}
	if _, err := NewFragment("p", "   ", "s", 0, []float32{1}); err == nil {
		t.Error("expected error for blank text")
	}
	if _, err := NewFragment("p", "text", "s", 0, nil); err == nil {
		t.Error("expected error for missing embedding")
	}
	f, err := NewFragment("p", "one two three", "My Book.pdf", 4, []float32{1})
	if err != nil {
		t.Fatalf("NewFragment: %v", err)
	}
	if f.WordCount != 3 {
		t.Errorf("WordCount = %d, want 3", f.WordCount)
	}
	want := fmt.Sprintf("My_Book_pdf_4_%s", f.ContentHash[:8])
	if f.ID != want {
		t.Errorf("ID = %q, want %q", f.ID, want)
	}
}

func TestCountDistinguishesMissingAndEmpty(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	_, err := s.Count(ctx, "nope")
	if !errors.Is(err, ErrPartitionNotFound) {
		t.Fatalf("Count(missing) err = %v, want ErrPartitionNotFound", err)
	}
	var se *StoreError
	if !errors.As(err, &se) || se.Partition != "nope" {
		t.Errorf("expected *StoreError for partition nope, got %T %v", err, err)
	}

	if err := s.CreatePartition(ctx, "empty"); err != nil {
		t.Fatalf("CreatePartition: %v", err)
	}
	n, err := s.Count(ctx, "empty")
	if err != nil || n != 0 {
		t.Errorf("Count(empty) = %d, %v; want 0, nil", n, err)
	}
	if _, err := s.GetByOffset(ctx, "empty", 0); !errors.Is(err, ErrPartitionEmpty) {
		t.Errorf("GetByOffset(empty) err = %v, want ErrPartitionEmpty", err)
	}
	if _, err := s.NearestNeighbors(ctx, "empty", []float32{1}, 3, ""); !errors.Is(err, ErrPartitionEmpty) {
		t.Errorf("NearestNeighbors(empty) err = %v, want ErrPartitionEmpty", err)
	}
	if _, err := s.GetByOffset(ctx, "nope", 0); !errors.Is(err, ErrPartitionNotFound) {
		t.Errorf("GetByOffset(missing) err = %v, want ErrPartitionNotFound", err)
	}
}

func TestInsertSkipsDuplicateHashes(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	first := []Fragment{
		frag(t, "p", "alpha", 0, 1, 0),
		frag(t, "p", "beta", 1, 0, 1),
	}
	n, err := s.Insert(ctx, "p", first)
	if err != nil || n != 2 {
		t.Fatalf("Insert = %d, %v; want 2, nil", n, err)
	}

	again := []Fragment{
		frag(t, "p", "alpha", 5, 1, 0),
		frag(t, "p", "gamma", 2, 1, 1),
	}
	n, err = s.Insert(ctx, "p", again)
	if err != nil || n != 1 {
		t.Fatalf("second Insert = %d, %v; want 1, nil", n, err)
	}

	count, _ := s.Count(ctx, "p")
	if count != 3 {
		t.Errorf("Count = %d, want 3", count)
	}
	ok, err := s.HasHash(ctx, "p", HashText("beta"))
	if err != nil || !ok {
		t.Errorf("HasHash(beta) = %v, %v", ok, err)
	}
	ok, _ = s.HasHash(ctx, "other", HashText("beta"))
	if ok {
		t.Error("hash leaked across partitions")
	}
}

func TestInsertSameSourceIntoTwoPartitions(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	for _, p := range []string{"alpha", "beta"} {
		n, err := s.Insert(ctx, p, []Fragment{
			frag(t, p, "shared passage", 0, 1, 0),
			frag(t, p, "another passage", 1, 0.8, 0.2),
		})
		if err != nil || n != 2 {
			t.Fatalf("Insert(%s) = %d, %v; want 2, nil", p, n, err)
		}
	}

	for _, p := range []string{"alpha", "beta"} {
		count, err := s.Count(ctx, p)
		if err != nil || count != 2 {
			t.Errorf("Count(%s) = %d, %v; want 2", p, count, err)
		}
		got, err := s.Query(ctx, p, []float32{1, 0}, 5)
		if err != nil {
			t.Fatalf("Query(%s): %v", p, err)
		}
		if len(got) != 2 {
			t.Fatalf("Query(%s) returned %d results, want 2", p, len(got))
		}
		for _, r := range got {
			if r.Partition != p {
				t.Errorf("Query(%s) returned fragment from %q", p, r.Partition)
			}
		}
	}

	if err := s.DeletePartition(ctx, "alpha"); err != nil {
		t.Fatalf("DeletePartition: %v", err)
	}
	if count, _ := s.Count(ctx, "beta"); count != 2 {
		t.Errorf("Count(beta) after deleting alpha = %d, want 2", count)
	}
}

func TestGetByOffsetInsertionOrder(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	var frags []Fragment
	for i := 0; i < 5; i++ {
		frags = append(frags, frag(t, "p", fmt.Sprintf("fragment %d", i), i, 1, float32(i)))
	}
	if _, err := s.Insert(ctx, "p", frags); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	for i := 0; i < 5; i++ {
		f, err := s.GetByOffset(ctx, "p", i)
		if err != nil {
			t.Fatalf("GetByOffset(%d): %v", i, err)
		}
		if f.Text != fmt.Sprintf("fragment %d", i) {
			t.Errorf("offset %d returned %q", i, f.Text)
		}
	}
	if _, err := s.GetByOffset(ctx, "p", 5); err == nil {
		t.Error("expected out of range error")
	}
}

func TestNearestNeighborsOrderAndExclusion(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	seed := frag(t, "p", "seed", 0, 1, 0, 0)
	near := frag(t, "p", "near", 1, 0.9, 0.1, 0)
	mid := frag(t, "p", "mid", 2, 0.5, 0.5, 0)
	far := frag(t, "p", "far", 3, 0, 0, 1)
	if _, err := s.Insert(ctx, "p", []Fragment{seed, near, mid, far}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.NearestNeighbors(ctx, "p", seed.Embedding, 2, seed.ID)
	if err != nil {
		t.Fatalf("NearestNeighbors: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d neighbors, want 2", len(got))
	}
	if got[0].ID != near.ID || got[1].ID != mid.ID {
		t.Errorf("order = [%s %s], want [%s %s]", got[0].Text, got[1].Text, near.Text, mid.Text)
	}
	for _, r := range got {
		if r.ID == seed.ID {
			t.Error("seed returned among its own neighbors")
		}
	}
	if got[0].Score < got[1].Score {
		t.Error("scores not descending")
	}

	all, err := s.Query(ctx, "p", seed.Embedding, 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != 4 || all[0].ID != seed.ID {
		t.Errorf("Query returned %d results, first %q", len(all), all[0].Text)
	}
	if math.Abs(float64(all[0].Score)-1) > 1e-6 {
		t.Errorf("self similarity = %v, want 1", all[0].Score)
	}
}

// TestContentHashSurvivesReopen checks that a stored fragment's hash equals
// the hash of its text after the database is closed and reopened.
func TestContentHashSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	text := "Attention is the rarest and purest form of generosity."

	st, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := NewStore(st.DB()).Insert(ctx, "p", []Fragment{frag(t, "p", text, 0, 1, 2, 3)}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	st.Close()

	st, err = storage.Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()

	f, err := NewStore(st.DB()).GetByOffset(ctx, "p", 0)
	if err != nil {
		t.Fatalf("GetByOffset: %v", err)
	}
	if f.ContentHash != HashText(text) {
		t.Errorf("ContentHash = %s, want %s", f.ContentHash, HashText(text))
	}
	if len(f.Embedding) != 3 || f.Embedding[2] != 3 {
		t.Errorf("Embedding = %v", f.Embedding)
	}
}

func TestStatsAndDeletePartition(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	s.Insert(ctx, "p", []Fragment{
		frag(t, "p", "one two", 0, 1),
		frag(t, "p", "three four five six", 1, 1),
	})
	st, err := s.Stats(ctx, "p")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Fragments != 2 || st.Sources != 1 || st.AverageWords != 3 {
		t.Errorf("Stats = %+v", st)
	}

	names, _ := s.Partitions(ctx)
	if len(names) != 1 || names[0] != "p" {
		t.Errorf("Partitions = %v", names)
	}

	if err := s.DeletePartition(ctx, "p"); err != nil {
		t.Fatalf("DeletePartition: %v", err)
	}
	if _, err := s.Count(ctx, "p"); !errors.Is(err, ErrPartitionNotFound) {
		t.Errorf("Count after delete err = %v", err)
	}
	if err := s.DeletePartition(ctx, "p"); !errors.Is(err, ErrPartitionNotFound) {
		t.Errorf("second delete err = %v", err)
	}
}

func TestEncodeDecodeFloat32s(t *testing.T) {
	in := []float32{0, 1.5, -2.25, math.MaxFloat32}
	out, err := decodeFloat32s(encodeFloat32s(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("[%d] = %v, want %v", i, out[i], in[i])
		}
	}
	if _, err := decodeFloat32s([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}
