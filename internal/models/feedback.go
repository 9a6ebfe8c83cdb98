package models

import (
	"fmt"
	"time"
	"unicode/utf8"

	"gorm.io/datatypes"
)

// FeedbackMinLength is the minimum feedback text length in runes. Analysis
// results with shorter feedback are rejected as a quality gate.
const FeedbackMinLength = 20

// FallbackModel marks feedback produced by the degraded fallback path rather
// than a real provider.
const FallbackModel = "fallback/self-assessment"

// Feedback is the result of one completed evaluation.
type Feedback struct {
	ID               string                      `gorm:"size:36;primaryKey" json:"id"`
	SubmissionID     string                      `gorm:"size:36;not null;index" json:"submission_id"`
	Score            int                         `gorm:"not null" json:"score"`
	Feedback         string                      `gorm:"type:text" json:"feedback"`
	Strengths        datatypes.JSONSlice[string] `json:"strengths"`
	Improvements     datatypes.JSONSlice[string] `json:"improvements"`
	Model            string                      `gorm:"size:128" json:"model"`
	ProcessingTimeMs int64                       `gorm:"default:0" json:"processing_time_ms"`
	GeneratedAt      time.Time                   `json:"generated_at"`
	CreatedAt        time.Time                   `json:"created_at"`
}

// Validate enforces the feedback quality invariants. A violation means the
// analysis result is unusable, not that it should be clamped into shape.
func (f Feedback) Validate() error {
	if f.Score < 0 || f.Score > 100 {
		return fmt.Errorf("score %d outside [0,100]", f.Score)
	}
	if utf8.RuneCountInString(f.Feedback) < FeedbackMinLength {
		return fmt.Errorf("feedback text shorter than %d characters", FeedbackMinLength)
	}
	if len(f.Strengths) == 0 {
		return fmt.Errorf("strengths must not be empty")
	}
	if len(f.Improvements) == 0 {
		return fmt.Errorf("improvements must not be empty")
	}
	if f.Model == "" {
		return fmt.Errorf("model identifier is required")
	}
	return nil
}

// IsFallback reports whether the feedback came from the degraded path.
func (f Feedback) IsFallback() bool {
	return f.Model == FallbackModel
}
