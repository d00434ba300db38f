package knowledge

import (
	"container/heap"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store is a partitioned vector index over the fragments table with
// brute-force cosine similarity search.
type Store struct {
	db *sql.DB
}

// NewStore wraps an existing *sql.DB. The fragments and partitions tables
// must already exist (created via storage migrations).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const fragmentColumns = `id, partition, text, source_title, chunk_index, word_count, content_hash, embedding, created_at`

// CreatePartition registers a partition name. Idempotent.
func (s *Store) CreatePartition(ctx context.Context, name string) error {
	if name == "" {
		return storeErr("create", name, errors.New("partition name is empty"))
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO partitions (name, created_at) VALUES (?, ?)`,
		name, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return storeErr("create", name, err)
	}
	return nil
}

// Count returns the number of fragments in partition.
func (s *Store) Count(ctx context.Context, partition string) (int, error) {
	n, err := s.count(ctx, partition)
	if err != nil {
		return 0, storeErr("count", partition, err)
	}
	return n, nil
}

func (s *Store) count(ctx context.Context, partition string) (int, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM partitions WHERE name = ?`, partition).Scan(&exists); err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, ErrPartitionNotFound
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fragments WHERE partition = ?`, partition).Scan(&n)
	return n, err
}

// nonEmpty returns the fragment count, failing with ErrPartitionEmpty when it is zero.
func (s *Store) nonEmpty(ctx context.Context, partition string) (int, error) {
	n, err := s.count(ctx, partition)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrPartitionEmpty
	}
	return n, nil
}

// GetByOffset returns the fragment at position offset in insertion order.
func (s *Store) GetByOffset(ctx context.Context, partition string, offset int) (Fragment, error) {
	n, err := s.nonEmpty(ctx, partition)
	if err != nil {
		return Fragment{}, storeErr("get", partition, err)
	}
	if offset < 0 || offset >= n {
		return Fragment{}, storeErr("get", partition, fmt.Errorf("offset %d out of range [0,%d)", offset, n))
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+fragmentColumns+` FROM fragments
		WHERE partition = ? ORDER BY seq ASC LIMIT 1 OFFSET ?`, partition, offset)
	f, err := scanFragment(row)
	if err != nil {
		return Fragment{}, storeErr("get", partition, err)
	}
	return f, nil
}

// idScore holds only the ID and score during the scan phase.
// Full fragments are fetched only for the top-k winners.
type idScore struct {
	ID    string
	Score float32
}

// NearestNeighbors returns the k fragments most similar to vector, most
// similar first. A fragment whose id equals excludeID is never returned.
func (s *Store) NearestNeighbors(ctx context.Context, partition string, vector []float32, k int, excludeID string) ([]Scored, error) {
	if _, err := s.nonEmpty(ctx, partition); err != nil {
		return nil, storeErr("search", partition, err)
	}
	if k <= 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, storeErr("search", partition, errors.New("query vector has zero norm"))
	}

	top, err := s.scanTopK(ctx, partition, vector, queryNorm, k, excludeID)
	if err != nil {
		return nil, storeErr("search", partition, err)
	}
	if len(top) == 0 {
		return nil, nil
	}

	results, err := s.fetchScored(ctx, partition, top)
	if err != nil {
		return nil, storeErr("search", partition, err)
	}
	return results, nil
}

// Query is the search path used by operators. It behaves like
// NearestNeighbors without an exclusion.
func (s *Store) Query(ctx context.Context, partition string, vector []float32, limit int) ([]Scored, error) {
	return s.NearestNeighbors(ctx, partition, vector, limit, "")
}

func (s *Store) scanTopK(ctx context.Context, partition string, vector []float32, queryNorm float32, k int, excludeID string) ([]idScore, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM fragments WHERE partition = ?`, partition)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		if id == excludeID {
			continue
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := cosine(vector, buf, queryNorm)
		if h.Len() < k {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	top := make([]idScore, h.Len())
	for i := len(top) - 1; i >= 0; i-- {
		top[i] = heap.Pop(h).(idScore)
	}
	return top, nil
}

// fetchScored loads the winning fragments. Ids are unique per partition
// only, so the lookup is scoped to partition.
func (s *Store) fetchScored(ctx context.Context, partition string, top []idScore) ([]Scored, error) {
	args := make([]any, 0, len(top)+1)
	args = append(args, partition)
	scores := make(map[string]float32, len(top))
	for _, item := range top {
		args = append(args, item.ID)
		scores[item.ID] = item.Score
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+fragmentColumns+` FROM fragments
		WHERE partition = ? AND id IN (?`+strings.Repeat(",?", len(top)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-k fragments: %w", err)
	}
	defer rows.Close()

	var results []Scored
	for rows.Next() {
		f, err := scanFragment(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, Scored{Fragment: f, Score: scores[f.ID]})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating fragments: %w", err)
	}

	// The IN query does not preserve order.
	sortByScore(results)
	return results, nil
}

// Insert adds fragments to partition, creating it if needed. Fragments
// whose content hash is already present in the partition are skipped.
// It returns the number of fragments actually inserted.
func (s *Store) Insert(ctx context.Context, partition string, fragments []Fragment) (int, error) {
	if err := s.CreatePartition(ctx, partition); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("insert", partition, fmt.Errorf("beginning insert transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO fragments (id, partition, text, source_title, chunk_index, word_count, content_hash, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, storeErr("insert", partition, fmt.Errorf("preparing insert statement: %w", err))
	}
	defer stmt.Close()

	inserted := 0
	for _, f := range fragments {
		if f.ContentHash == "" {
			f.ContentHash = HashText(f.Text)
		}
		if f.ID == "" {
			f.ID = FragmentID(f.SourceTitle, f.ChunkIndex, f.ContentHash)
		}
		if len(f.Embedding) == 0 {
			return 0, storeErr("insert", partition, fmt.Errorf("fragment %s has no embedding", f.ID))
		}
		createdAt := f.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		res, err := stmt.ExecContext(ctx, f.ID, partition, f.Text, f.SourceTitle, f.ChunkIndex, f.WordCount,
			f.ContentHash, encodeFloat32s(f.Embedding), createdAt.UTC().Format(time.RFC3339))
		if err != nil {
			return 0, storeErr("insert", partition, fmt.Errorf("inserting fragment %s: %w", f.ID, err))
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, storeErr("insert", partition, err)
	}
	return inserted, nil
}

// HasHash reports whether a fragment with the given content hash exists in partition.
func (s *Store) HasHash(ctx context.Context, partition, hash string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fragments WHERE partition = ? AND content_hash = ?`,
		partition, hash).Scan(&n)
	if err != nil {
		return false, storeErr("lookup", partition, err)
	}
	return n > 0, nil
}

// Stats summarizes one partition.
type Stats struct {
	Partition    string  `json:"partition"`
	Fragments    int     `json:"fragments"`
	Sources      int     `json:"sources"`
	AverageWords float64 `json:"average_words"`
}

// Stats returns fragment, source and word statistics for partition.
func (s *Store) Stats(ctx context.Context, partition string) (Stats, error) {
	if _, err := s.count(ctx, partition); err != nil {
		return Stats{}, storeErr("stats", partition, err)
	}
	st := Stats{Partition: partition}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT source_title), COALESCE(AVG(word_count), 0)
		FROM fragments WHERE partition = ?`, partition,
	).Scan(&st.Fragments, &st.Sources, &st.AverageWords)
	if err != nil {
		return Stats{}, storeErr("stats", partition, err)
	}
	return st, nil
}

// Partitions returns the names of all partitions in ascending order.
func (s *Store) Partitions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM partitions ORDER BY name ASC`)
	if err != nil {
		return nil, storeErr("list", "", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, storeErr("list", "", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// DeletePartition removes a partition and all of its fragments.
func (s *Store) DeletePartition(ctx context.Context, partition string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("delete", partition, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM partitions WHERE name = ?`, partition)
	if err != nil {
		return storeErr("delete", partition, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storeErr("delete", partition, ErrPartitionNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM fragments WHERE partition = ?`, partition); err != nil {
		return storeErr("delete", partition, err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("delete", partition, err)
	}
	return nil
}

func scanFragment(sc interface{ Scan(...any) error }) (Fragment, error) {
	var f Fragment
	var blob []byte
	var createdAt string
	if err := sc.Scan(&f.ID, &f.Partition, &f.Text, &f.SourceTitle, &f.ChunkIndex, &f.WordCount,
		&f.ContentHash, &blob, &createdAt); err != nil {
		return Fragment{}, err
	}
	embedding, err := decodeFloat32s(blob)
	if err != nil {
		return Fragment{}, fmt.Errorf("decoding embedding for %s: %w", f.ID, err)
	}
	f.Embedding = embedding
	if f.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Fragment{}, fmt.Errorf("parsing created_at for %s: %w", f.ID, err)
	}
	return f, nil
}
