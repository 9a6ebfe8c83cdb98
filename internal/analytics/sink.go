package analytics

import (
	"context"
	"time"
)

// Event is the shared payload for pipeline analytics. Only the fields
// relevant to a given event type are populated.
type Event struct {
	Type         string    `json:"type"`
	RequestID    string    `json:"request_id,omitempty"`
	JobID        string    `json:"job_id,omitempty"`
	SubmissionID string    `json:"submission_id,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	QuestionID   string    `json:"question_id,omitempty"`
	Dependency   string    `json:"dependency,omitempty"`
	Attempt      int       `json:"attempt,omitempty"`
	Model        string    `json:"model,omitempty"`
	Score        int       `json:"score,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	DurationMs   int64     `json:"duration_ms,omitempty"`
	SentAt       time.Time `json:"sent_at"`
}

// Sink receives pipeline lifecycle events. Every method is fire-and-forget:
// implementations swallow and log their own failures, an evaluation never
// fails because analytics did.
type Sink interface {
	SubmissionStarted(ctx context.Context, event Event)
	SubmissionCompleted(ctx context.Context, event Event)
	SubmissionFailed(ctx context.Context, event Event)
	RetryAttempted(ctx context.Context, event Event)
	CircuitOpened(ctx context.Context, event Event)
	CircuitClosed(ctx context.Context, event Event)
	FallbackUsed(ctx context.Context, event Event)
}
