package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prepstack/eval-go-api/internal/errs"
)

func TestWrapperRetriesThroughBreaker(t *testing.T) {
	breaker := NewBreaker("analysis", 5, time.Minute)
	w := NewWrapper(Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Strategy: StrategyFixed}, breaker)

	calls := 0
	err := w.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errs.New(errs.CodeLLMService, "flaky provider")
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, StateClosed, breaker.State())
}

func TestWrapperFailsFastWhenBreakerOpen(t *testing.T) {
	breaker := NewBreaker("analysis", 2, time.Minute)
	breaker.RecordFailure()
	breaker.RecordFailure()
	require.Equal(t, StateOpen, breaker.State())

	w := NewWrapper(Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Strategy: StrategyFixed}, breaker)

	calls := 0
	err := w.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})

	require.Error(t, err)
	require.Equal(t, errs.CodeCircuitOpen, errs.CodeOf(err))
	require.Zero(t, calls)
}

func TestWrapperOpensBreakerMidSequenceAndStopsRetrying(t *testing.T) {
	breaker := NewBreaker("analysis", 2, time.Minute)
	w := NewWrapper(Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, Strategy: StrategyFixed}, breaker)

	calls := 0
	err := w.Do(context.Background(), func(context.Context) error {
		calls++
		return errs.New(errs.CodeLLMService, "provider down")
	})

	require.Error(t, err)
	require.Equal(t, errs.CodeCircuitOpen, errs.CodeOf(err))
	require.Equal(t, 2, calls)
	require.Equal(t, StateOpen, breaker.State())
}

func TestWrapperDoesNotCountCallerErrorsAgainstBreaker(t *testing.T) {
	breaker := NewBreaker("analysis", 1, time.Minute)
	w := NewWrapper(Policy{MaxAttempts: 1}, breaker)

	err := w.Do(context.Background(), func(context.Context) error {
		return errs.New(errs.CodeValidation, "empty answer")
	})

	require.Error(t, err)
	require.Equal(t, StateClosed, breaker.State())
}
