package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LogEvent appends a system event. A zero CreatedAt is set to now and an
// empty level defaults to info.
func (s *Store) LogEvent(ctx context.Context, e SystemEvent) error {
	if e.Type == "" {
		return fmt.Errorf("system event requires a type")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}
	metadata, err := marshalJSON(e.Metadata, "{}")
	if err != nil {
		return fmt.Errorf("encoding event metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO system_events (created_at, type, level, account_id, message, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		formatTime(e.CreatedAt), e.Type, string(e.Level), e.AccountID, e.Message, metadata,
	)
	if err != nil {
		return fmt.Errorf("inserting system event: %w", err)
	}
	return nil
}

// ListEvents returns events matching f, newest first.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]SystemEvent, error) {
	var where []string
	var args []any
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(f.Since))
	}

	query := `SELECT seq, created_at, type, level, account_id, message, metadata FROM system_events`
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
		return nil, fmt.Errorf("listing system events: %w", err)
	}
	defer rows.Close()

	var events []SystemEvent
	for rows.Next() {
		var e SystemEvent
		var createdAt, level, metadata string
		if err := rows.Scan(&e.Seq, &createdAt, &e.Type, &level, &e.AccountID, &e.Message, &metadata); err != nil {
			return nil, err
		}
		e.Level = EventLevel(level)
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decoding event metadata: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
