package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const postColumns = `seq, id, created_at, account_id, text, seed_hash, status, error, duration_ms, platforms, metadata`

// AppendPostRecord inserts r and returns it with ID, CreatedAt and Seq filled in.
func (s *Store) AppendPostRecord(ctx context.Context, r PostRecord) (PostRecord, error) {
	if r.AccountID == "" {
		return PostRecord{}, fmt.Errorf("post record requires an account id")
	}
	if r.Status == "" {
		return PostRecord{}, fmt.Errorf("post record requires a status")
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	r.CreatedAt = r.CreatedAt.UTC()

	platforms, err := marshalJSON(r.Platforms, "[]")
	if err != nil {
		return PostRecord{}, fmt.Errorf("encoding platforms: %w", err)
	}
	metadata, err := marshalJSON(r.Metadata, "{}")
	if err != nil {
		return PostRecord{}, fmt.Errorf("encoding metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO post_records (id, created_at, account_id, text, seed_hash, status, error, duration_ms, platforms, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, formatTime(r.CreatedAt), r.AccountID, r.Text, r.SeedHash, string(r.Status),
		r.Error, r.DurationMs, platforms, metadata,
	)
	if err != nil {
		return PostRecord{}, fmt.Errorf("inserting post record: %w", err)
	}
	if r.Seq, err = res.LastInsertId(); err != nil {
		return PostRecord{}, fmt.Errorf("reading post record seq: %w", err)
	}
	return r, nil
}

// publishedFilter is an IN clause over publishedStatuses with its args.
func publishedFilter() (string, []any) {
	args := make([]any, len(publishedStatuses))
	for i, st := range publishedStatuses {
		args[i] = string(st)
	}
	return `status IN (?` + strings.Repeat(",?", len(args)-1) + `)`, args
}

// RecentSeedHashes returns the seed hashes of the lookback most recent
// published records, newest first by insertion order. An empty accountID
// spans all accounts. Duplicates are preserved; callers build the set.
func (s *Store) RecentSeedHashes(ctx context.Context, accountID string, lookback int) ([]string, error) {
	if lookback <= 0 {
		return nil, nil
	}
	filter, args := publishedFilter()
	query := `SELECT seed_hash FROM post_records WHERE ` + filter + ` AND seed_hash != ''`
	if accountID != "" {
		query += ` AND account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, lookback)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying recent seed hashes: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// LastSuccessfulPost returns the newest published record for accountID or ErrNotFound.
func (s *Store) LastSuccessfulPost(ctx context.Context, accountID string) (PostRecord, error) {
	filter, args := publishedFilter()
	row := s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM post_records
		WHERE account_id = ? AND `+filter+` ORDER BY seq DESC LIMIT 1`,
		append([]any{accountID}, args...)...)
	r, err := scanPostRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PostRecord{}, ErrNotFound
	}
	return r, err
}

// SuccessRate returns the fraction of attempts since the given time that
// were published, and the attempt count. With no attempts the rate is 1.
func (s *Store) SuccessRate(ctx context.Context, since time.Time) (float64, int, error) {
	var total, ok int
	filter, args := publishedFilter()
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN `+filter+` THEN 1 ELSE 0 END), 0)
		FROM post_records WHERE created_at >= ?`,
		append(args, formatTime(since))...,
	).Scan(&total, &ok)
	if err != nil {
		return 0, 0, fmt.Errorf("computing success rate: %w", err)
	}
	if total == 0 {
		return 1, 0, nil
	}
	return float64(ok) / float64(total), total, nil
}

// ListPostRecords returns records matching f, newest first.
func (s *Store) ListPostRecords(ctx context.Context, f PostFilter) ([]PostRecord, error) {
	var where []string
	var args []any
	if f.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(f.Until))
	}

	query := `SELECT ` + postColumns + ` FROM post_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing post records: %w", err)
	}
	defer rows.Close()

	var results []PostRecord
	for rows.Next() {
		r, err := scanPostRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPostRecord(sc scanner) (PostRecord, error) {
	var r PostRecord
	var createdAt, status, platforms, metadata string
	if err := sc.Scan(&r.Seq, &r.ID, &createdAt, &r.AccountID, &r.Text, &r.SeedHash,
		&status, &r.Error, &r.DurationMs, &platforms, &metadata); err != nil {
		return PostRecord{}, err
	}
	r.Status = PostStatus(status)

	t, err := parseTime(createdAt)
	if err != nil {
		return PostRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	r.CreatedAt = t
	if err := json.Unmarshal([]byte(platforms), &r.Platforms); err != nil {
		return PostRecord{}, fmt.Errorf("decoding platforms for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(metadata), &r.Metadata); err != nil {
		return PostRecord{}, fmt.Errorf("decoding metadata for %s: %w", r.ID, err)
	}
	return r, nil
}
