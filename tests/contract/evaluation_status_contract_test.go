package contract_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prepstack/eval-go-api/internal/dto"
)

func TestEvaluationStatusCompletedContract(t *testing.T) {
	schema := compileSchema(t, "evaluation_status.schema.json")

	svc := stubEvaluationService{
		statusResponse: dto.EvaluationStatusResponse{
			JobID:        "7b61c7e4-3f2e-4f93-bb0a-93e8cbb7e2d4",
			SubmissionID: "0b9d2f64-8a15-4a64-9c1e-2f6f0c5f7e21",
			QuestionID:   "q-system-design-3",
			Status:       "completed",
			Progress:     100,
			Message:      "evaluation completed",
			HasAudio:     true,
			Result: &dto.FeedbackResponse{
				SubmissionID:     "0b9d2f64-8a15-4a64-9c1e-2f6f0c5f7e21",
				Score:            76,
				Feedback:         "Covers the main failure modes but skips capacity planning entirely.",
				Strengths:        []string{"failure modes named"},
				Improvements:     []string{"estimate traffic before sizing"},
				Model:            "openai/gpt-4o-mini",
				ProcessingTimeMs: 2310,
				GeneratedAt:      time.Now().UTC(),
			},
			UpdatedAt: time.Now().UTC(),
		},
	}

	app := newEvaluationApp(svc)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/evaluate/status/7b61c7e4-3f2e-4f93-bb0a-93e8cbb7e2d4", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, schema.Validate(decodePayload(t, resp)))
}

func TestEvaluationStatusFailedContract(t *testing.T) {
	schema := compileSchema(t, "evaluation_status.schema.json")

	svc := stubEvaluationService{
		statusResponse: dto.EvaluationStatusResponse{
			JobID:        "9f0a1c4d-66f0-4f3e-8a0c-5d2b7f8e1a23",
			SubmissionID: "1c2d3e4f-5a6b-4c7d-8e9f-0a1b2c3d4e5f",
			QuestionID:   "q-behavioral-1",
			Status:       "failed",
			Progress:     30,
			Message:      "transcript is empty",
			HasAudio:     true,
			Error: &dto.EvaluationError{
				Code:    "VALIDATION_ERROR",
				Message: "transcript is empty",
			},
			UpdatedAt: time.Now().UTC(),
		},
	}

	app := newEvaluationApp(svc)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/evaluate/status/9f0a1c4d-66f0-4f3e-8a0c-5d2b7f8e1a23", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, schema.Validate(decodePayload(t, resp)))
}
