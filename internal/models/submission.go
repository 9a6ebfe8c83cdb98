package models

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Submission represents one user-provided interview answer, as text or as a
// reference to an uploaded audio recording. Submissions are immutable once
// created; the evaluation pipeline derives everything else from them.
type Submission struct {
	ID             string            `gorm:"size:36;primaryKey" json:"id"`
	UserID         string            `gorm:"size:64;not null;index" json:"user_id"`
	QuestionID     string            `gorm:"size:64;not null" json:"question_id"`
	Question       string            `gorm:"type:text" json:"question"`
	Content        string            `gorm:"type:text" json:"content"`
	AudioReference string            `gorm:"size:512" json:"audio_reference"`
	SubmittedAt    time.Time         `json:"submitted_at"`
	Metadata       datatypes.JSONMap `json:"metadata"`
	CreatedAt      time.Time         `json:"created_at"`
}

// HasAudio reports whether the submission carries an audio reference that
// still needs transcription.
func (s Submission) HasAudio() bool {
	return strings.TrimSpace(s.AudioReference) != ""
}

// HasContent reports whether the submission already carries answer text.
func (s Submission) HasContent() bool {
	return strings.TrimSpace(s.Content) != ""
}
