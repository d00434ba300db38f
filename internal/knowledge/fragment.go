package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrPartitionNotFound means the partition was never created; the
	// account points at the wrong name or ingestion has not been set up.
	ErrPartitionNotFound = errors.New("partition not found")
	// ErrPartitionEmpty means the partition exists but holds no fragments;
	// ingestion has not run yet.
	ErrPartitionEmpty = errors.New("partition is empty")
)

// StoreError is returned by every Store operation.
type StoreError struct {
	Op        string
	Partition string
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("knowledge %s %q: %v", e.Op, e.Partition, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op, partition string, err error) error {
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Partition: partition, Err: err}
}

// Fragment is an immutable unit of ingested knowledge.
type Fragment struct {
	ID          string
	Partition   string
	Text        string
	SourceTitle string
	ChunkIndex  int
	WordCount   int
	ContentHash string
	Embedding   []float32
	CreatedAt   time.Time
}

// Scored is a fragment with its cosine similarity to a query vector.
type Scored struct {
	Fragment
	Score float32
}

// HashText returns the hex SHA-256 digest of text.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// NewFragment validates the required fields and derives the content hash,
// word count and id when they are not provided.
func NewFragment(partition, text, sourceTitle string, chunkIndex int, embedding []float32) (Fragment, error) {
	if partition == "" {
		return Fragment{}, errors.New("fragment requires a partition")
	}
	if strings.TrimSpace(text) == "" {
		return Fragment{}, errors.New("fragment requires text")
	}
	if len(embedding) == 0 {
		return Fragment{}, errors.New("fragment requires an embedding")
	}
	hash := HashText(text)
	return Fragment{
		ID:          FragmentID(sourceTitle, chunkIndex, hash),
		Partition:   partition,
		Text:        text,
		SourceTitle: sourceTitle,
		ChunkIndex:  chunkIndex,
		WordCount:   len(strings.Fields(text)),
		ContentHash: hash,
		Embedding:   embedding,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// FragmentID builds "<source>_<index>_<hash prefix>", with the source
// reduced to a filesystem and URL safe slug.
func FragmentID(source string, index int, hash string) string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '_'
	}, source)
	if slug == "" {
		slug = "source"
	}
	if len(hash) > 8 {
		hash = hash[:8]
	}
	return fmt.Sprintf("%s_%d_%s", slug, index, hash)
}
