package dto

import (
	"time"

	"github.com/prepstack/eval-go-api/internal/models"
	"github.com/prepstack/eval-go-api/internal/store"
)

// Evaluation outcome statuses exposed on the submit endpoint.
const (
	EvaluateStatusCompleted = "completed"
	EvaluateStatusFailed    = "failed"
	EvaluateStatusQueued    = "queued"
)

// EvaluateRequest is the submit payload. The caller supplies the request_id
// used for deduplication; at least one of text and audio_url must be present.
type EvaluateRequest struct {
	RequestID  string                 `json:"request_id" validate:"required,uuid"`
	QuestionID string                 `json:"question_id" validate:"required"`
	Question   string                 `json:"question" validate:"omitempty,max=2000"`
	Text       string                 `json:"text" validate:"required_without=AudioURL"`
	AudioURL   string                 `json:"audio_url" validate:"omitempty,url"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// EvaluationError is the serializable error an evaluation settled with.
type EvaluationError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// FeedbackResponse is the evaluation result returned to API clients.
type FeedbackResponse struct {
	SubmissionID     string    `json:"submission_id"`
	Score            int       `json:"score"`
	Feedback         string    `json:"feedback"`
	Strengths        []string  `json:"strengths"`
	Improvements     []string  `json:"improvements"`
	Model            string    `json:"model"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
	GeneratedAt      time.Time `json:"generated_at"`
}

// EvaluateResponse is returned by the submit endpoint. Status is completed,
// failed, or queued; queued responses carry the poll location. Replayed marks
// outcomes served from the idempotency store rather than produced by this
// call, which the handler uses when choosing the HTTP status.
type EvaluateResponse struct {
	Status   string            `json:"status"`
	JobID    string            `json:"job_id"`
	PollURL  string            `json:"poll_url,omitempty"`
	Result   *FeedbackResponse `json:"result,omitempty"`
	Error    *EvaluationError  `json:"error,omitempty"`
	Replayed bool              `json:"-"`
}

// EvaluationStatusResponse is the polling payload for one evaluation job.
// Result is embedded once the evaluation completed.
type EvaluationStatusResponse struct {
	JobID        string            `json:"job_id"`
	SubmissionID string            `json:"submission_id"`
	QuestionID   string            `json:"question_id"`
	Status       string            `json:"status"`
	Progress     int               `json:"progress"`
	Message      string            `json:"message"`
	HasAudio     bool              `json:"has_audio"`
	Error        *EvaluationError  `json:"error,omitempty"`
	Result       *FeedbackResponse `json:"result,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// NewFeedbackResponse converts a Feedback model into a DTO.
func NewFeedbackResponse(model models.Feedback) FeedbackResponse {
	return FeedbackResponse{
		SubmissionID:     model.SubmissionID,
		Score:            model.Score,
		Feedback:         model.Feedback,
		Strengths:        model.Strengths,
		Improvements:     model.Improvements,
		Model:            model.Model,
		ProcessingTimeMs: model.ProcessingTimeMs,
		GeneratedAt:      model.GeneratedAt,
	}
}

// NewFeedbackFromRecord converts the stored idempotency record's feedback
// payload into a DTO, or nil when the record carries none.
func NewFeedbackFromRecord(record store.Record) *FeedbackResponse {
	if record.Feedback == nil {
		return nil
	}
	return &FeedbackResponse{
		SubmissionID:     record.SubmissionID,
		Score:            record.Feedback.Score,
		Feedback:         record.Feedback.Feedback,
		Strengths:        record.Feedback.Strengths,
		Improvements:     record.Feedback.Improvements,
		Model:            record.Feedback.Model,
		ProcessingTimeMs: record.Feedback.ProcessingTimeMs,
		GeneratedAt:      record.Feedback.GeneratedAt,
	}
}

// NewEvaluationStatusResponse converts a status model, plus the feedback once
// one exists, into the polling DTO.
func NewEvaluationStatusResponse(status models.EvaluationStatus, feedback *models.Feedback) EvaluationStatusResponse {
	response := EvaluationStatusResponse{
		JobID:        status.ID,
		SubmissionID: status.SubmissionID,
		QuestionID:   status.QuestionID,
		Status:       status.Status,
		Progress:     status.Progress,
		Message:      status.Message,
		HasAudio:     status.HasAudio,
		UpdatedAt:    status.UpdatedAt,
	}

	if status.Status == models.EvaluationStatusFailed && status.ErrorCode != "" {
		response.Error = &EvaluationError{
			Code:    status.ErrorCode,
			Message: status.Message,
		}
	}

	if feedback != nil {
		result := NewFeedbackResponse(*feedback)
		response.Result = &result
	}

	return response
}
