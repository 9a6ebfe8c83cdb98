package resilience

import (
	"context"

	"github.com/prepstack/eval-go-api/internal/errs"
)

// Wrapper composes a retry policy around a circuit breaker for one
// dependency. The breaker is consulted before every attempt, including
// retries, and circuit-open rejections are never retried regardless of the
// policy's own filter.
type Wrapper struct {
	policy  Policy
	breaker *Breaker
}

// NewWrapper binds policy and breaker. The breaker is required; a nil policy
// field set falls back to the package defaults through normalization.
func NewWrapper(policy Policy, breaker *Breaker) *Wrapper {
	inner := policy.RetryIf
	if inner == nil {
		inner = errs.Retryable
	}
	policy.RetryIf = func(err error) bool {
		if errs.CodeOf(err) == errs.CodeCircuitOpen {
			return false
		}
		return inner(err)
	}
	return &Wrapper{policy: policy, breaker: breaker}
}

// Breaker exposes the guarded breaker for state inspection.
func (w *Wrapper) Breaker() *Breaker { return w.breaker }

// Do runs op under the retry policy with every attempt gated by the breaker.
// Retryable failures count toward the breaker threshold; errors the caller
// caused (validation, auth, business rejections) leave provider health
// untouched and settle a pending half-open trial as a success, since the
// dependency answered.
func (w *Wrapper) Do(ctx context.Context, op func(context.Context) error) error {
	return w.policy.Do(ctx, func(ctx context.Context) error {
		if err := w.breaker.Allow(); err != nil {
			return err
		}
		if err := op(ctx); err != nil {
			if errs.Retryable(err) {
				w.breaker.RecordFailure()
			} else {
				w.breaker.RecordSuccess()
			}
			return err
		}
		w.breaker.RecordSuccess()
		return nil
	})
}
