package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prepstack/eval-go-api/internal/dto"
	"github.com/prepstack/eval-go-api/internal/errs"
	"github.com/prepstack/eval-go-api/internal/handler"
	"github.com/prepstack/eval-go-api/internal/queue"
	"github.com/prepstack/eval-go-api/internal/service"
)

type mockEvaluationService struct {
	submitResponse dto.EvaluateResponse
	submitErr      error
	lastUserID     string
	lastPayload    dto.EvaluateRequest

	statusResponse dto.EvaluationStatusResponse
	statusErr      error
	lastJobID      string

	historyResponses []dto.EvaluationStatusResponse
	historyErr       error
	lastLimit        int
	lastOffset       int
}

func (m *mockEvaluationService) Submit(_ context.Context, userID string, payload dto.EvaluateRequest) (dto.EvaluateResponse, error) {
	m.lastUserID = userID
	m.lastPayload = payload
	if m.submitErr != nil {
		return dto.EvaluateResponse{}, m.submitErr
	}
	return m.submitResponse, nil
}

func (m *mockEvaluationService) Status(_ context.Context, userID, jobID string) (dto.EvaluationStatusResponse, error) {
	m.lastUserID = userID
	m.lastJobID = jobID
	if m.statusErr != nil {
		return dto.EvaluationStatusResponse{}, m.statusErr
	}
	return m.statusResponse, nil
}

func (m *mockEvaluationService) History(_ context.Context, userID string, limit, offset int) ([]dto.EvaluationStatusResponse, error) {
	m.lastUserID = userID
	m.lastLimit = limit
	m.lastOffset = offset
	if m.historyErr != nil {
		return nil, m.historyErr
	}
	return m.historyResponses, nil
}

func newEvaluationApp(svc service.EvaluationService, userID string) *fiber.App {
	app := fiber.New()

	var handlers []fiber.Handler
	if userID != "" {
		handlers = append(handlers, func(c *fiber.Ctx) error {
			c.Locals("user_id", userID)
			return c.Next()
		})
	}

	group := app.Group("/api/v1/evaluate", handlers...)
	handler.NewEvaluationHandler(svc, zerolog.New(io.Discard)).Register(group)
	return app
}

type evaluateEnvelope struct {
	Success bool                 `json:"success"`
	Message string               `json:"message"`
	Data    dto.EvaluateResponse `json:"data"`
	Error   *struct {
		Code         string `json:"code"`
		Message      string `json:"message"`
		RetryAfterMs int64  `json:"retry_after_ms"`
	} `json:"error"`
}

func postEvaluate(t *testing.T, app *fiber.App, payload interface{}) *http.Response {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/evaluate", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, json.Unmarshal(body, target))
}

func evaluatePayload() dto.EvaluateRequest {
	return dto.EvaluateRequest{
		RequestID:  "6fa1f7a2-51cf-4fd3-9a6f-0f0a41d2e7a8",
		QuestionID: "q-1",
		Text:       "I would shard by tenant and cache the hot partitions.",
	}
}

func TestEvaluationHandler_SubmitCompleted(t *testing.T) {
	svc := &mockEvaluationService{
		submitResponse: dto.EvaluateResponse{
			Status: dto.EvaluateStatusCompleted,
			JobID:  "job-1",
			Result: &dto.FeedbackResponse{
				SubmissionID: "sub-1",
				Score:        78,
				Feedback:     "Solid answer with a clear scaling story.",
				Strengths:    []string{"tradeoff discussion"},
				Improvements: []string{"mention failure modes"},
				Model:        "openai/gpt-4o-mini",
				GeneratedAt:  time.Now().UTC(),
			},
		},
	}
	app := newEvaluationApp(svc, "user-42")

	resp := postEvaluate(t, app, evaluatePayload())
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var envelope evaluateEnvelope
	decodeResponse(t, resp, &envelope)

	require.True(t, envelope.Success)
	require.Equal(t, "evaluation completed", envelope.Message)
	require.Equal(t, dto.EvaluateStatusCompleted, envelope.Data.Status)
	require.NotNil(t, envelope.Data.Result)
	require.Equal(t, 78, envelope.Data.Result.Score)
	require.Equal(t, "user-42", svc.lastUserID)
	require.Equal(t, "q-1", svc.lastPayload.QuestionID)
}

func TestEvaluationHandler_SubmitQueued(t *testing.T) {
	svc := &mockEvaluationService{
		submitResponse: dto.EvaluateResponse{
			Status:  dto.EvaluateStatusQueued,
			JobID:   "job-2",
			PollURL: "/api/v1/evaluate/status/job-2",
		},
	}
	app := newEvaluationApp(svc, "user-42")

	resp := postEvaluate(t, app, evaluatePayload())
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)

	var envelope evaluateEnvelope
	decodeResponse(t, resp, &envelope)

	require.True(t, envelope.Success)
	require.Equal(t, "evaluation queued", envelope.Message)
	require.Equal(t, "/api/v1/evaluate/status/job-2", envelope.Data.PollURL)
}

func TestEvaluationHandler_SubmitFreshFailureMapsStatus(t *testing.T) {
	cases := []struct {
		name       string
		code       errs.Code
		retryMs    int64
		statusCode int
		retryAfter string
	}{
		{name: "validation", code: errs.CodeValidation, statusCode: fiber.StatusBadRequest},
		{name: "business logic", code: errs.CodeBusinessLogic, statusCode: fiber.StatusUnprocessableEntity},
		{name: "rate limit", code: errs.CodeRateLimit, retryMs: 1500, statusCode: fiber.StatusTooManyRequests, retryAfter: "2"},
		{name: "provider", code: errs.CodeLLMService, statusCode: fiber.StatusBadGateway},
		{name: "timeout", code: errs.CodeTimeout, statusCode: fiber.StatusGatewayTimeout},
		{name: "circuit open", code: errs.CodeCircuitOpen, retryMs: 30000, statusCode: fiber.StatusServiceUnavailable, retryAfter: "30"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &mockEvaluationService{
				submitResponse: dto.EvaluateResponse{
					Status: dto.EvaluateStatusFailed,
					JobID:  "job-3",
					Error: &dto.EvaluationError{
						Code:         string(tc.code),
						Message:      "evaluation settled with an error",
						RetryAfterMs: tc.retryMs,
					},
				},
			}
			app := newEvaluationApp(svc, "user-42")

			resp := postEvaluate(t, app, evaluatePayload())
			require.Equal(t, tc.statusCode, resp.StatusCode)
			require.Equal(t, tc.retryAfter, resp.Header.Get(fiber.HeaderRetryAfter))

			var envelope evaluateEnvelope
			decodeResponse(t, resp, &envelope)

			require.False(t, envelope.Success)
			require.NotNil(t, envelope.Error)
			require.Equal(t, string(tc.code), envelope.Error.Code)
			require.Equal(t, tc.retryMs, envelope.Error.RetryAfterMs)
			// The settled job state still rides along for polling clients.
			require.Equal(t, "job-3", envelope.Data.JobID)
		})
	}
}

func TestEvaluationHandler_SubmitReplayedFailureIsOK(t *testing.T) {
	svc := &mockEvaluationService{
		submitResponse: dto.EvaluateResponse{
			Status:   dto.EvaluateStatusFailed,
			JobID:    "job-4",
			Error:    &dto.EvaluationError{Code: string(errs.CodeLLMService), Message: "provider down"},
			Replayed: true,
		},
	}
	app := newEvaluationApp(svc, "user-42")

	resp := postEvaluate(t, app, evaluatePayload())
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var envelope evaluateEnvelope
	decodeResponse(t, resp, &envelope)

	require.True(t, envelope.Success)
	require.Equal(t, "evaluation previously failed", envelope.Message)
	require.NotNil(t, envelope.Data.Error)
	require.Equal(t, string(errs.CodeLLMService), envelope.Data.Error.Code)
}

func TestEvaluationHandler_SubmitRequiresAuth(t *testing.T) {
	svc := &mockEvaluationService{}
	app := newEvaluationApp(svc, "")

	resp := postEvaluate(t, app, evaluatePayload())
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	var envelope evaluateEnvelope
	decodeResponse(t, resp, &envelope)

	require.False(t, envelope.Success)
	require.NotNil(t, envelope.Error)
	require.Equal(t, string(errs.CodeAuthentication), envelope.Error.Code)
	require.Empty(t, svc.lastUserID)
}

func TestEvaluationHandler_SubmitRejectsMalformedBody(t *testing.T) {
	svc := &mockEvaluationService{}
	app := newEvaluationApp(svc, "user-42")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/evaluate", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	var envelope evaluateEnvelope
	decodeResponse(t, resp, &envelope)
	require.NotNil(t, envelope.Error)
	require.Equal(t, string(errs.CodeValidation), envelope.Error.Code)
}

func TestEvaluationHandler_SubmitValidationErrors(t *testing.T) {
	validationErr := validator.New(validator.WithRequiredStructEnabled()).Struct(dto.EvaluateRequest{})
	require.Error(t, validationErr)

	svc := &mockEvaluationService{submitErr: validationErr}
	app := newEvaluationApp(svc, "user-42")

	resp := postEvaluate(t, app, evaluatePayload())
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	var envelope evaluateEnvelope
	decodeResponse(t, resp, &envelope)
	require.NotNil(t, envelope.Error)
	require.Equal(t, string(errs.CodeValidation), envelope.Error.Code)
}

func TestEvaluationHandler_SubmitQueueFull(t *testing.T) {
	svc := &mockEvaluationService{submitErr: queue.ErrQueueFull}
	app := newEvaluationApp(svc, "user-42")

	resp := postEvaluate(t, app, evaluatePayload())
	require.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)

	var envelope evaluateEnvelope
	decodeResponse(t, resp, &envelope)

	require.False(t, envelope.Success)
	require.Equal(t, "evaluation queue is full, retry shortly", envelope.Message)
}

func TestEvaluationHandler_SubmitUnknownErrorIs500(t *testing.T) {
	svc := &mockEvaluationService{submitErr: errors.New("boom")}
	app := newEvaluationApp(svc, "user-42")

	resp := postEvaluate(t, app, evaluatePayload())
	require.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}

func TestEvaluationHandler_Status(t *testing.T) {
	svc := &mockEvaluationService{
		statusResponse: dto.EvaluationStatusResponse{
			JobID:    "job-9",
			Status:   "processing",
			Progress: 50,
			Message:  "analyzing answer",
		},
	}
	app := newEvaluationApp(svc, "user-42")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/evaluate/status/job-9", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var envelope struct {
		Success bool                         `json:"success"`
		Data    dto.EvaluationStatusResponse `json:"data"`
	}
	decodeResponse(t, resp, &envelope)

	require.True(t, envelope.Success)
	require.Equal(t, "job-9", envelope.Data.JobID)
	require.Equal(t, 50, envelope.Data.Progress)
	require.Equal(t, "job-9", svc.lastJobID)
	require.Equal(t, "user-42", svc.lastUserID)
}

func TestEvaluationHandler_StatusNotFound(t *testing.T) {
	svc := &mockEvaluationService{statusErr: errs.New(errs.CodeNotFound, "evaluation job not found")}
	app := newEvaluationApp(svc, "user-42")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/evaluate/status/missing", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	var envelope evaluateEnvelope
	decodeResponse(t, resp, &envelope)
	require.NotNil(t, envelope.Error)
	require.Equal(t, string(errs.CodeNotFound), envelope.Error.Code)
}

func TestEvaluationHandler_History(t *testing.T) {
	svc := &mockEvaluationService{
		historyResponses: []dto.EvaluationStatusResponse{
			{JobID: "job-1", Status: "completed", Progress: 100},
			{JobID: "job-2", Status: "failed", Progress: 50},
		},
	}
	app := newEvaluationApp(svc, "user-42")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/evaluate/history?limit=5&offset=2", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var envelope struct {
		Success bool                           `json:"success"`
		Data    []dto.EvaluationStatusResponse `json:"data"`
	}
	decodeResponse(t, resp, &envelope)

	require.True(t, envelope.Success)
	require.Len(t, envelope.Data, 2)
	require.Equal(t, 5, svc.lastLimit)
	require.Equal(t, 2, svc.lastOffset)
}

func TestEvaluationHandler_HistoryRejectsBadPaging(t *testing.T) {
	svc := &mockEvaluationService{}
	app := newEvaluationApp(svc, "user-42")

	for _, target := range []string{
		"/api/v1/evaluate/history?limit=abc",
		"/api/v1/evaluate/history?offset=1.5",
	} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		resp, err := app.Test(req)
		require.NoError(t, err)
		require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	}
}
