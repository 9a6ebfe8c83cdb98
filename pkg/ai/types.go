package ai

import "context"

// AnalysisInput carries the answer text and its question context to the
// analysis provider.
type AnalysisInput struct {
	Answer     string
	QuestionID string
	Question   string
	UserID     string
	Language   string
}

// AnalysisResult is the structured assessment returned by the provider. The
// adapter range-checks it but never repairs it; enforcing the feedback
// invariants is the pipeline's job.
type AnalysisResult struct {
	Score        int                    `json:"score"`
	Feedback     string                 `json:"feedback"`
	Strengths    []string               `json:"strengths"`
	Improvements []string               `json:"improvements"`
	Model        string                 `json:"model"`
	Raw          map[string]interface{} `json:"raw,omitempty"`
}

// Analyzer describes an AI model capable of scoring interview answers.
type Analyzer interface {
	Analyze(ctx context.Context, input AnalysisInput) (AnalysisResult, error)
}
