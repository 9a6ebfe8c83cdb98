package models

import (
	"errors"
	"fmt"
	"time"
)

// EvaluationRequest statuses. Completed and failed are terminal.
const (
	EvaluationRequestStatusPending    = "pending"
	EvaluationRequestStatusProcessing = "processing"
	EvaluationRequestStatusCompleted  = "completed"
	EvaluationRequestStatusFailed     = "failed"
	EvaluationRequestStatusRetrying   = "retrying"
)

// ErrTerminalState indicates an attempted mutation of a completed or failed
// evaluation request.
var ErrTerminalState = errors.New("evaluation request is in a terminal state")

// ErrRetryOutsideRetrying indicates a retry-count bump while the request was
// not in the retrying state.
var ErrRetryOutsideRetrying = errors.New("retry count may only increase while retrying")

// EvaluationRequest is the idempotency and retry envelope for one submission.
// Its ID is the caller-supplied request identifier, which is what makes
// duplicate submissions collapse onto a single row.
type EvaluationRequest struct {
	ID           string    `gorm:"size:36;primaryKey" json:"id"`
	SubmissionID string    `gorm:"size:36;not null;index" json:"submission_id"`
	JobID        string    `gorm:"size:36;not null;index" json:"job_id"`
	RequestedAt  time.Time `json:"requested_at"`
	RetryCount   int       `gorm:"default:0" json:"retry_count"`
	Status       string    `gorm:"size:32;not null" json:"status"`
	ErrorCode    string    `gorm:"size:64" json:"error_code"`
	ErrorMessage string    `gorm:"type:text" json:"error_message"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

var evaluationRequestTransitions = map[string]map[string]struct{}{
	EvaluationRequestStatusPending: {
		EvaluationRequestStatusProcessing: {},
		EvaluationRequestStatusFailed:     {},
	},
	EvaluationRequestStatusProcessing: {
		EvaluationRequestStatusRetrying:  {},
		EvaluationRequestStatusCompleted: {},
		EvaluationRequestStatusFailed:    {},
	},
	EvaluationRequestStatusRetrying: {
		EvaluationRequestStatusProcessing: {},
		EvaluationRequestStatusCompleted:  {},
		EvaluationRequestStatusFailed:     {},
	},
}

// Terminal reports whether the request reached a final state.
func (r EvaluationRequest) Terminal() bool {
	return r.Status == EvaluationRequestStatusCompleted || r.Status == EvaluationRequestStatusFailed
}

// Transition moves the request to the next lifecycle status, rejecting any
// move out of a terminal state or outside the legal transition table.
func (r *EvaluationRequest) Transition(next string) error {
	if r.Terminal() {
		return fmt.Errorf("transition %s -> %s: %w", r.Status, next, ErrTerminalState)
	}
	allowed, ok := evaluationRequestTransitions[r.Status]
	if !ok {
		return fmt.Errorf("unknown evaluation request status %q", r.Status)
	}
	if _, ok := allowed[next]; !ok {
		return fmt.Errorf("illegal evaluation request transition %s -> %s", r.Status, next)
	}
	r.Status = next
	return nil
}

// BumpRetry increments the retry counter. The counter is monotonic and may
// only move while the request is in the retrying state.
func (r *EvaluationRequest) BumpRetry() error {
	if r.Terminal() {
		return fmt.Errorf("bump retry: %w", ErrTerminalState)
	}
	if r.Status != EvaluationRequestStatusRetrying {
		return ErrRetryOutsideRetrying
	}
	r.RetryCount++
	return nil
}
