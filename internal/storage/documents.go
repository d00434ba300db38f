package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

func (s *Store) SaveSourceDocument(ctx context.Context, d SourceDocument) error {
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.Status == "" {
		d.Status = "pending"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO source_documents (id, partition, title, source, kind, status, fragment_count, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Partition, d.Title, d.Source, d.Kind, d.Status, d.FragmentCount, d.Error,
		formatTime(d.CreatedAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("inserting source document: %w", err)
	}
	return nil
}

// UpdateSourceDocumentStatus records the ingestion outcome for a document.
func (s *Store) UpdateSourceDocumentStatus(ctx context.Context, id, status string, fragments int, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE source_documents SET status = ?, fragment_count = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, fragments, errMsg, formatTime(time.Now()), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetSourceDocument(ctx context.Context, id string) (SourceDocument, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM source_documents WHERE id = ?`, id)
	d, err := scanSourceDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SourceDocument{}, ErrNotFound
	}
	return d, err
}

// ListSourceDocuments returns documents newest first; an empty partition lists all.
func (s *Store) ListSourceDocuments(ctx context.Context, partition string, limit int) ([]SourceDocument, error) {
	var clauses []string
	var args []any
	query := `SELECT ` + documentColumns + ` FROM source_documents`
	if partition != "" {
		clauses = append(clauses, "partition = ?")
		args = append(args, partition)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing source documents: %w", err)
	}
	defer rows.Close()

	var docs []SourceDocument
	for rows.Next() {
		d, err := scanSourceDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

const documentColumns = `id, partition, title, source, kind, status, fragment_count, error, created_at, updated_at`

func scanSourceDocument(sc scanner) (SourceDocument, error) {
	var d SourceDocument
	var createdAt, updatedAt string
	if err := sc.Scan(&d.ID, &d.Partition, &d.Title, &d.Source, &d.Kind, &d.Status,
		&d.FragmentCount, &d.Error, &createdAt, &updatedAt); err != nil {
		return SourceDocument{}, err
	}
	var err error
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return SourceDocument{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return SourceDocument{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return d, nil
}
