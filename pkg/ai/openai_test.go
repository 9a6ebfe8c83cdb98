package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prepstack/eval-go-api/internal/errs"
)

func TestNewOpenAIAnalyzerRequiresKey(t *testing.T) {
	_, err := NewOpenAIAnalyzer(OpenAIConfig{})
	require.Error(t, err)

	analyzer, err := NewOpenAIAnalyzer(OpenAIConfig{APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", analyzer.cfg.Model)
	assert.Equal(t, 1024, analyzer.cfg.MaxTokens)
}

func TestParseAnalysisResponse(t *testing.T) {
	content := `{
		"score": 86.4,
		"feedback": "A thorough answer that walks through the tradeoffs clearly.",
		"strengths": ["structure", "depth"],
		"improvements": ["mention monitoring"]
	}`

	result, err := parseAnalysisResponse(content)
	require.NoError(t, err)
	assert.Equal(t, 86, result.Score, "fractional provider scores round to the nearest integer")
	assert.Equal(t, []string{"structure", "depth"}, result.Strengths)
	assert.Equal(t, []string{"mention monitoring"}, result.Improvements)
}

func TestParseAnalysisResponseRejectsBadPayloads(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed json", `{"score": `},
		{"score above range", `{"score": 140, "feedback": "x", "strengths": ["a"], "improvements": ["b"]}`},
		{"score below range", `{"score": -3, "feedback": "x", "strengths": ["a"], "improvements": ["b"]}`},
		{"no strengths", `{"score": 50, "feedback": "x", "strengths": [], "improvements": ["b"]}`},
		{"no improvements", `{"score": 50, "feedback": "x", "strengths": ["a"], "improvements": []}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseAnalysisResponse(tc.content)
			require.Error(t, err)
			assert.Equal(t, errs.CodeBusinessLogic, errs.CodeOf(err))
		})
	}
}

func TestBuildAnalysisPrompt(t *testing.T) {
	withQuestion := buildAnalysisPrompt(AnalysisInput{
		Question: "How do you debug a memory leak?",
		Answer:   "Start with a heap profile.",
		Language: "en",
	})
	assert.Contains(t, withQuestion, "How do you debug a memory leak?")
	assert.Contains(t, withQuestion, "Start with a heap profile.")
	assert.Contains(t, withQuestion, "Answer Language")

	withoutQuestion := buildAnalysisPrompt(AnalysisInput{QuestionID: "q-9", Answer: "An answer."})
	assert.Contains(t, withoutQuestion, "q-9")
	assert.NotContains(t, withoutQuestion, "Answer Language")
}

type fakeNetError struct{}

func (fakeNetError) Error() string   { return "dial tcp: i/o timeout" }
func (fakeNetError) Timeout() bool   { return true }
func (fakeNetError) Temporary() bool { return true }

func TestMapProviderError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code errs.Code
	}{
		{"throttled", &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}, errs.CodeRateLimit},
		{"bad credentials", &openai.APIError{HTTPStatusCode: http.StatusUnauthorized}, errs.CodeAuthentication},
		{"forbidden", &openai.APIError{HTTPStatusCode: http.StatusForbidden}, errs.CodeAuthentication},
		{"server error", &openai.APIError{HTTPStatusCode: http.StatusInternalServerError}, errs.CodeLLMService},
		{"rejected request", &openai.APIError{HTTPStatusCode: http.StatusBadRequest}, errs.CodeBusinessLogic},
		{"gateway timeout", &openai.RequestError{HTTPStatusCode: http.StatusGatewayTimeout, Err: errors.New("504")}, errs.CodeTimeout},
		{"context deadline", fmt.Errorf("do request: %w", context.DeadlineExceeded), errs.CodeTimeout},
		{"network timeout", fakeNetError{}, errs.CodeTimeout},
		{"opaque", errors.New("tls handshake broke"), errs.CodeLLMService},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mapped := MapProviderError(tc.err)
			require.NotNil(t, mapped)
			assert.Equal(t, tc.code, mapped.Code)
		})
	}
}

func chatCompletionBody(t *testing.T, content string) []byte {
	t.Helper()

	body, err := json.Marshal(map[string]interface{}{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "gpt-4o-mini-2024-07-18",
		"choices": []map[string]interface{}{
			{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{"prompt_tokens": 42, "completion_tokens": 96, "total_tokens": 138},
	})
	require.NoError(t, err)
	return body
}

func TestOpenAIAnalyzerAnalyze(t *testing.T) {
	var captured openai.ChatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(chatCompletionBody(t, `{
			"score": 74,
			"feedback": "A reasonable answer that could use more concrete detail.",
			"strengths": ["covers the basics"],
			"improvements": ["add an example"]
		}`))
	}))
	defer server.Close()

	analyzer, err := NewOpenAIAnalyzer(OpenAIConfig{APIKey: "sk-test", BaseURL: server.URL + "/v1"})
	require.NoError(t, err)

	result, err := analyzer.Analyze(context.Background(), AnalysisInput{
		QuestionID: "q-1",
		Question:   "Why does this service exist?",
		Answer:     "It scores interview answers.",
	})
	require.NoError(t, err)

	assert.Equal(t, 74, result.Score)
	assert.Equal(t, "gpt-4o-mini-2024-07-18", result.Model, "model comes from the provider response")
	assert.NotNil(t, result.Raw)

	require.Len(t, captured.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, captured.Messages[0].Role)
	assert.Contains(t, captured.Messages[1].Content, "It scores interview answers.")
	require.NotNil(t, captured.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, captured.ResponseFormat.Type)
}

func TestOpenAIAnalyzerMapsProviderFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "rate limit exceeded", "type": "rate_limit_exceeded"}}`))
	}))
	defer server.Close()

	analyzer, err := NewOpenAIAnalyzer(OpenAIConfig{APIKey: "sk-test", BaseURL: server.URL + "/v1"})
	require.NoError(t, err)

	_, err = analyzer.Analyze(context.Background(), AnalysisInput{Answer: "hello"})
	require.Error(t, err)
	assert.Equal(t, errs.CodeRateLimit, errs.CodeOf(err))
}

func TestOpenAIAnalyzerRejectsEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "chatcmpl-test", "object": "chat.completion", "model": "gpt-4o-mini", "choices": []}`))
	}))
	defer server.Close()

	analyzer, err := NewOpenAIAnalyzer(OpenAIConfig{APIKey: "sk-test", BaseURL: server.URL + "/v1"})
	require.NoError(t, err)

	_, err = analyzer.Analyze(context.Background(), AnalysisInput{Answer: "hello"})
	require.Error(t, err)
	assert.Equal(t, errs.CodeLLMService, errs.CodeOf(err))
}

func TestAnthropicAnalyzerIsStubbed(t *testing.T) {
	_, err := NewAnthropicAnalyzer(AnthropicConfig{})
	require.Error(t, err)

	analyzer, err := NewAnthropicAnalyzer(AnthropicConfig{APIKey: "key"})
	require.NoError(t, err)

	_, err = analyzer.Analyze(context.Background(), AnalysisInput{Answer: "x"})
	require.Error(t, err)
}
