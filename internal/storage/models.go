package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// PostStatus is the terminal outcome of one generation and publication attempt.
type PostStatus string

const (
	StatusSuccess          PostStatus = "success"
	StatusPartialSuccess   PostStatus = "partial_success"
	StatusFailed           PostStatus = "failed"
	StatusSimulated        PostStatus = "simulated"
	StatusFiltered         PostStatus = "filtered"
	StatusGenerationFailed PostStatus = "generation_failed"
)

// publishedStatuses are the outcomes where text reached at least one
// platform, simulated ones included. They feed dedup, catch-up and health.
var publishedStatuses = []PostStatus{StatusSuccess, StatusPartialSuccess, StatusSimulated}

// Published reports whether s means the text went out to at least one platform.
func (s PostStatus) Published() bool {
	for _, p := range publishedStatuses {
		if s == p {
			return true
		}
	}
	return false
}

// PlatformOutcome is one platform's entry in a Post Record's breakdown.
type PlatformOutcome struct {
	Platform string `json:"platform"`
	Status   string `json:"status"`
	PostID   string `json:"post_id,omitempty"`
	URL      string `json:"url,omitempty"`
	Error    string `json:"error,omitempty"`
}

// PostRecord is an append-only log entry of one attempt. Seq reflects
// insertion order and is assigned by the database.
type PostRecord struct {
	Seq        int64
	ID         string
	CreatedAt  time.Time
	AccountID  string
	Text       string
	SeedHash   string
	Status     PostStatus
	Error      string
	DurationMs int64
	Platforms  []PlatformOutcome
	Metadata   map[string]any
}

// PostFilter narrows ListPostRecords. Zero values mean "no constraint".
type PostFilter struct {
	AccountID string
	Status    PostStatus
	Since     time.Time
	Until     time.Time
	Limit     int
}

type EventLevel string

const (
	LevelInfo    EventLevel = "info"
	LevelWarning EventLevel = "warning"
	LevelError   EventLevel = "error"
)

// SystemEvent is an append-only operational event (filter rejections,
// platform posts, emergency stop toggles, health warnings).
type SystemEvent struct {
	Seq       int64
	CreatedAt time.Time
	Type      string
	Level     EventLevel
	AccountID string
	Message   string
	Metadata  map[string]any
}

type EventFilter struct {
	Type      string
	AccountID string
	Since     time.Time
	Limit     int
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// SourceDocument tracks one ingested source and its ingestion status.
type SourceDocument struct {
	ID            string
	Partition     string
	Title         string
	Source        string // file path or URL
	Kind          string // "text", "pdf", "url"
	Status        string // "pending", "processing", "completed", "failed"
	FragmentCount int
	Error         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
