package errs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Code identifies a class of evaluation pipeline failure. The set is closed:
// every error crossing a component boundary carries exactly one of these.
type Code string

const (
	CodeValidation     Code = "VALIDATION_ERROR"
	CodeAuthentication Code = "AUTHENTICATION_ERROR"
	CodeNotFound       Code = "NOT_FOUND"
	CodeRateLimit      Code = "RATE_LIMIT_ERROR"
	CodeBusinessLogic  Code = "BUSINESS_LOGIC_ERROR"
	CodeLLMService     Code = "LLM_SERVICE_ERROR"
	CodeTimeout        Code = "TIMEOUT_ERROR"
	CodeCircuitOpen    Code = "CIRCUIT_BREAKER_OPEN"
)

// Error is the structured error exchanged between the pipeline components.
// RetryAfter is only meaningful for rate-limit and circuit-open errors.
type Error struct {
	Code       Code              `json:"code"`
	Message    string            `json:"message"`
	RetryAfter time.Duration     `json:"retry_after,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Context    map[string]string `json:"context,omitempty"`
	cause      error
}

// New builds an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// Newf builds an error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code Code, cause error, message string) *Error {
	err := New(code, message)
	err.cause = cause
	return err
}

// WithRetryAfter records the minimum delay a caller should wait before retrying.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	if d > 0 {
		e.RetryAfter = d
	}
	return e
}

// WithContext adds a key/value pair to the serializable error context.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches two errors by code so sentinel comparisons work across wrapping.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// MarshalJSON serializes the error including the flattened cause message.
func (e *Error) MarshalJSON() ([]byte, error) {
	type payload struct {
		Code       Code              `json:"code"`
		Message    string            `json:"message"`
		RetryAfter int64             `json:"retry_after_ms,omitempty"`
		Timestamp  time.Time         `json:"timestamp"`
		Context    map[string]string `json:"context,omitempty"`
		Cause      string            `json:"cause,omitempty"`
	}

	body := payload{
		Code:      e.Code,
		Message:   e.Message,
		Timestamp: e.Timestamp,
		Context:   e.Context,
	}
	if e.RetryAfter > 0 {
		body.RetryAfter = e.RetryAfter.Milliseconds()
	}
	if e.cause != nil {
		body.Cause = e.cause.Error()
	}

	return json.Marshal(body)
}

// CodeOf extracts the pipeline code from err, or CodeLLMService when err is
// not a structured error. Unknown failures from providers are service errors
// until something classifies them more precisely.
func CodeOf(err error) Code {
	var structured *Error
	if errors.As(err, &structured) {
		return structured.Code
	}
	return CodeLLMService
}

// RetryAfterOf returns the retry-after hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var structured *Error
	if errors.As(err, &structured) {
		return structured.RetryAfter
	}
	return 0
}

// Retryable reports whether the resilience wrapper may retry err. Validation,
// authentication, business-logic, and not-found failures are deterministic;
// circuit-open failures are the breaker telling us to stop.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeLLMService, CodeTimeout, CodeRateLimit:
		return true
	default:
		return false
	}
}

// Normalize coerces err into a structured error, wrapping foreign errors as
// service failures so downstream branching never sees an unclassified error.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	var structured *Error
	if errors.As(err, &structured) {
		return structured
	}
	return Wrap(CodeLLMService, err, "provider call failed")
}
