package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/prepstack/eval-go-api/internal/errs"
)

var (
	aiDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "eval",
		Subsystem: "ai",
		Name:      "analysis_duration_seconds",
		Help:      "Duration of answer analysis requests",
	}, []string{"model"})

	aiFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eval",
		Subsystem: "ai",
		Name:      "analysis_failures_total",
		Help:      "Number of answer analysis failures",
	}, []string{"model"})
)

// OpenAIConfig defines configuration options for the OpenAI analyzer.
type OpenAIConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	MaxTokens   int
	Temperature float32
	Logger      zerolog.Logger
}

// OpenAIAnalyzer implements Analyzer against the OpenAI chat completion API.
type OpenAIAnalyzer struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAIAnalyzer builds a new analyzer using the provided configuration.
func NewOpenAIAnalyzer(cfg OpenAIConfig) (*OpenAIAnalyzer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}

	tracer := otel.Tracer("github.com/prepstack/eval-go-api/pkg/ai/openai")
	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	client := openai.NewClientWithConfig(config)

	return &OpenAIAnalyzer{
		client: client,
		cfg:    cfg,
		tracer: tracer,
		logger: logger,
	}, nil
}

// Analyze sends the answer to OpenAI and parses the structured assessment.
func (a *OpenAIAnalyzer) Analyze(parent context.Context, input AnalysisInput) (AnalysisResult, error) {
	ctx, span := a.tracer.Start(parent, "ai.analyze", trace.WithAttributes(
		attribute.String("model", a.cfg.Model),
		attribute.String("question_id", input.QuestionID),
	))
	defer span.End()

	request := openai.ChatCompletionRequest{
		Model:       a.cfg.Model,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: analyzerSystemPrompt(),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildAnalysisPrompt(input),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}

	start := time.Now()
	resp, err := a.client.CreateChatCompletion(ctx, request)
	duration := time.Since(start)
	aiDuration.WithLabelValues(a.cfg.Model).Observe(duration.Seconds())
	if err != nil {
		aiFailures.WithLabelValues(a.cfg.Model).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return AnalysisResult{}, MapProviderError(err)
	}

	if len(resp.Choices) == 0 {
		failure := errs.New(errs.CodeLLMService, "no choices returned from openai")
		aiFailures.WithLabelValues(a.cfg.Model).Inc()
		span.RecordError(failure)
		span.SetStatus(codes.Error, failure.Error())
		return AnalysisResult{}, failure
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	result, err := parseAnalysisResponse(content)
	if err != nil {
		aiFailures.WithLabelValues(a.cfg.Model).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return AnalysisResult{}, err
	}

	model := resp.Model
	if model == "" {
		model = a.cfg.Model
	}
	result.Model = model
	result.Raw = map[string]interface{}{
		"usage": resp.Usage,
	}

	return result, nil
}

func analyzerSystemPrompt() string {
	return "You are an experienced interview coach grading one candidate answer. Respond with a JSON object containing score " +
		"(an integer from 0 to 100), feedback (a constructive paragraph of at least three sentences), strengths (a non-empty " +
		"array of short strings), and improvements (a non-empty array of short strings). Judge structure, relevance, depth, " +
		"and delivery."
}

func buildAnalysisPrompt(input AnalysisInput) string {
	builder := strings.Builder{}
	builder.WriteString("# Question\n")
	if input.Question != "" {
		builder.WriteString(input.Question)
	} else {
		builder.WriteString("(question ")
		builder.WriteString(input.QuestionID)
		builder.WriteString(")")
	}
	builder.WriteString("\n\n## Candidate Answer\n")
	builder.WriteString(input.Answer)
	if input.Language != "" {
		builder.WriteString("\n\n## Answer Language\n")
		builder.WriteString(input.Language)
	}
	builder.WriteString("\nReturn JSON.")
	return builder.String()
}

func parseAnalysisResponse(content string) (AnalysisResult, error) {
	type payload struct {
		Score        float64  `json:"score"`
		Feedback     string   `json:"feedback"`
		Strengths    []string `json:"strengths"`
		Improvements []string `json:"improvements"`
	}

	var data payload
	if err := json.Unmarshal([]byte(content), &data); err != nil {
		return AnalysisResult{}, errs.Wrap(errs.CodeBusinessLogic, err, "provider returned malformed analysis")
	}

	if data.Score < 0 || data.Score > 100 {
		return AnalysisResult{}, errs.Newf(errs.CodeBusinessLogic, "provider score %.1f outside [0,100]", data.Score)
	}
	if len(data.Strengths) == 0 {
		return AnalysisResult{}, errs.New(errs.CodeBusinessLogic, "provider returned no strengths")
	}
	if len(data.Improvements) == 0 {
		return AnalysisResult{}, errs.New(errs.CodeBusinessLogic, "provider returned no improvements")
	}

	return AnalysisResult{
		Score:        int(math.Round(data.Score)),
		Feedback:     data.Feedback,
		Strengths:    data.Strengths,
		Improvements: data.Improvements,
	}, nil
}

// MapProviderError normalizes transport and API failures from the OpenAI
// client into the pipeline's closed error set.
func MapProviderError(err error) *errs.Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return mapHTTPStatus(apiErr.HTTPStatusCode, err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return mapHTTPStatus(reqErr.HTTPStatusCode, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.CodeTimeout, err, "provider call timed out")
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errs.Wrap(errs.CodeTimeout, err, "provider call timed out")
	}

	return errs.Wrap(errs.CodeLLMService, err, "provider call failed")
}

func mapHTTPStatus(status int, err error) *errs.Error {
	switch {
	case status == http.StatusTooManyRequests:
		return errs.Wrap(errs.CodeRateLimit, err, "provider throttled the request")
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.Wrap(errs.CodeAuthentication, err, "provider rejected the credentials")
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return errs.Wrap(errs.CodeTimeout, err, "provider call timed out")
	case status >= http.StatusInternalServerError:
		return errs.Wrap(errs.CodeLLMService, err, "provider returned a server error")
	case status >= http.StatusBadRequest:
		return errs.Wrap(errs.CodeBusinessLogic, err, "provider rejected the request")
	default:
		return errs.Wrap(errs.CodeLLMService, err, "provider call failed")
	}
}
