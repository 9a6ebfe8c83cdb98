package models

import (
	"fmt"
	"time"
)

// EvaluationStatus statuses exposed to polling clients. The retrying
// sub-state of the request envelope is deliberately not surfaced here; a
// retry in flight still reads as processing from the outside.
const (
	EvaluationStatusPending    = "pending"
	EvaluationStatusProcessing = "processing"
	EvaluationStatusCompleted  = "completed"
	EvaluationStatusFailed     = "failed"
)

// Progress checkpoints published by the evaluation worker.
const (
	ProgressAccepted     = 10
	ProgressAudioFetched = 20
	ProgressTranscribed  = 30
	ProgressAnalyzing    = 50
	ProgressAnalyzed     = 80
	ProgressDone         = 100
)

// EvaluationStatus is the polling-facing lifecycle record for one evaluation
// job. It is kept separate from EvaluationRequest so that client polling
// cadence is decoupled from internal retry bookkeeping.
type EvaluationStatus struct {
	ID           string    `gorm:"size:36;primaryKey" json:"id"`
	SubmissionID string    `gorm:"size:36;not null;index" json:"submission_id"`
	Status       string    `gorm:"size:32;not null" json:"status"`
	Progress     int       `gorm:"default:0" json:"progress"`
	Message      string    `gorm:"size:512" json:"message"`
	UserID       string    `gorm:"size:64;not null;index" json:"user_id"`
	QuestionID   string    `gorm:"size:64;not null" json:"question_id"`
	HasAudio     bool      `json:"has_audio"`
	ErrorCode    string    `gorm:"size:64" json:"error_code"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Terminal reports whether the status reached a final state.
func (s EvaluationStatus) Terminal() bool {
	return s.Status == EvaluationStatusCompleted || s.Status == EvaluationStatusFailed
}

// Advance moves the record forward. Progress is monotonically non-decreasing
// within one evaluation and terminal records refuse further updates.
func (s *EvaluationStatus) Advance(status string, progress int, message string) error {
	if s.Terminal() {
		return fmt.Errorf("advance %s -> %s: %w", s.Status, status, ErrTerminalState)
	}
	if progress < s.Progress {
		return fmt.Errorf("progress may not decrease: %d -> %d", s.Progress, progress)
	}
	if progress > 100 {
		progress = 100
	}
	s.Status = status
	s.Progress = progress
	s.Message = message
	return nil
}
