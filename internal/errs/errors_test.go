package errs

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(CodeLLMService, cause, "provider call failed")

	assert.Equal(t, "LLM_SERVICE_ERROR: provider call failed: connection reset", err.Error())
	assert.ErrorIs(t, err, cause)

	wrapped := fmt.Errorf("analyze answer: %w", err)
	var structured *Error
	require.ErrorAs(t, wrapped, &structured)
	assert.Equal(t, CodeLLMService, structured.Code)
}

func TestIsMatchesByCode(t *testing.T) {
	a := New(CodeRateLimit, "slow down")
	b := New(CodeRateLimit, "different message")
	c := New(CodeTimeout, "deadline hit")

	assert.ErrorIs(t, a, b)
	assert.NotErrorIs(t, a, c)
}

func TestCodeOfDefaultsToServiceError(t *testing.T) {
	assert.Equal(t, CodeValidation, CodeOf(New(CodeValidation, "bad input")))
	assert.Equal(t, CodeTimeout, CodeOf(fmt.Errorf("outer: %w", New(CodeTimeout, "deadline"))))
	assert.Equal(t, CodeLLMService, CodeOf(errors.New("something opaque")))
}

func TestRetryableSet(t *testing.T) {
	retryable := []Code{CodeLLMService, CodeTimeout, CodeRateLimit}
	for _, code := range retryable {
		assert.True(t, Retryable(New(code, "x")), "code %s should be retryable", code)
	}

	terminal := []Code{CodeValidation, CodeAuthentication, CodeNotFound, CodeBusinessLogic, CodeCircuitOpen}
	for _, code := range terminal {
		assert.False(t, Retryable(New(code, "x")), "code %s should not be retryable", code)
	}

	// Unclassified errors default to a retryable service failure.
	assert.True(t, Retryable(errors.New("opaque")))
}

func TestRetryAfterOf(t *testing.T) {
	err := New(CodeRateLimit, "throttled").WithRetryAfter(1200 * time.Millisecond)
	assert.Equal(t, 1200*time.Millisecond, RetryAfterOf(err))
	assert.Equal(t, 1200*time.Millisecond, RetryAfterOf(fmt.Errorf("outer: %w", err)))
	assert.Zero(t, RetryAfterOf(errors.New("no hint")))

	unchanged := New(CodeRateLimit, "throttled").WithRetryAfter(0)
	assert.Zero(t, unchanged.RetryAfter)
}

func TestNormalize(t *testing.T) {
	assert.Nil(t, Normalize(nil))

	structured := New(CodeValidation, "bad input")
	assert.Same(t, structured, Normalize(structured))
	assert.Same(t, structured, Normalize(fmt.Errorf("outer: %w", structured)))

	foreign := Normalize(errors.New("socket hang up"))
	require.NotNil(t, foreign)
	assert.Equal(t, CodeLLMService, foreign.Code)
	assert.ErrorContains(t, foreign, "socket hang up")
}

func TestMarshalJSON(t *testing.T) {
	err := Wrap(CodeCircuitOpen, errors.New("5 consecutive failures"), "speech dependency unavailable").
		WithRetryAfter(30 * time.Second).
		WithContext("dependency", "speech")

	raw, merr := json.Marshal(err)
	require.NoError(t, merr)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &payload))

	assert.Equal(t, "CIRCUIT_BREAKER_OPEN", payload["code"])
	assert.Equal(t, "speech dependency unavailable", payload["message"])
	assert.EqualValues(t, 30000, payload["retry_after_ms"])
	assert.Equal(t, "5 consecutive failures", payload["cause"])

	context, ok := payload["context"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "speech", context["dependency"])

	plain, merr := json.Marshal(New(CodeValidation, "bad input"))
	require.NoError(t, merr)
	assert.NotContains(t, string(plain), "retry_after_ms")
	assert.NotContains(t, string(plain), "cause")
}
