package store

import (
	"context"
	"time"
)

// Record statuses mirror the outward lifecycle of an evaluation request.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// FeedbackRecord is the result payload embedded in a completed Record,
// decoupled from the persistence model so stored JSON stays stable.
type FeedbackRecord struct {
	Score            int       `json:"score"`
	Feedback         string    `json:"feedback"`
	Strengths        []string  `json:"strengths"`
	Improvements     []string  `json:"improvements"`
	Model            string    `json:"model"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
	GeneratedAt      time.Time `json:"generated_at"`
}

// Record is the idempotency envelope stored per requestID. A pending record
// marks an in-flight evaluation and carries the jobID late arrivals join; a
// terminal record replays the stored outcome without rerunning anything.
type Record struct {
	RequestID    string          `json:"request_id"`
	JobID        string          `json:"job_id"`
	SubmissionID string          `json:"submission_id"`
	Status       string          `json:"status"`
	Feedback     *FeedbackRecord `json:"feedback,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	StoredAt     time.Time       `json:"stored_at"`
}

// Terminal reports whether the record replays a settled outcome.
func (r Record) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// ResultStore keeps one Record per requestID. Reserve is the concurrency
// gate: exactly one caller stores the pending record for a fresh requestID,
// everyone else receives the existing one.
type ResultStore interface {
	// Get returns the record for requestID, reporting whether one exists.
	Get(ctx context.Context, requestID string) (Record, bool, error)
	// Reserve stores record only if requestID is absent. It returns the
	// record now held under the key and whether this caller stored it.
	Reserve(ctx context.Context, requestID string, record Record) (Record, bool, error)
	// Complete overwrites the record with a completed terminal outcome.
	Complete(ctx context.Context, requestID string, record Record) error
	// Fail overwrites the record with a failed terminal outcome.
	Fail(ctx context.Context, requestID string, record Record) error
	// Delete releases the key. Intake uses it to roll back a reservation
	// whose job was never enqueued, so the caller may retry the requestID.
	Delete(ctx context.Context, requestID string) error
}
