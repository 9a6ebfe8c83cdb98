package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/prepstack/eval-go-api/internal/errs"
)

// Strategy selects how inter-attempt delays grow.
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
	StrategyCustom      Strategy = "custom"
)

// Attempt is the diagnostic record of one attempt in a retry sequence: its
// number, what it failed with (nil on the closing success), and the delay
// applied before the next attempt (zero when the sequence ends here).
type Attempt struct {
	Number int
	Delay  time.Duration
	Err    error
	At     time.Time
}

// Policy describes a bounded retry loop. The zero value is not usable on its
// own; Do normalizes missing fields to the package defaults.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Strategy    Strategy
	// Jitter in [0,1) adds up to Jitter*delay of positive random noise to
	// each delay before clamping to MaxDelay.
	Jitter float64
	// Custom supplies the delay after failed attempt n when Strategy is
	// StrategyCustom.
	Custom func(attempt int) time.Duration
	// RetryIf filters which errors are worth another attempt. Defaults to
	// errs.Retryable.
	RetryIf func(error) bool
	// OnAttempt observes every attempt, failed or not. Diagnostic only;
	// panics are not recovered, so hooks must be cheap and safe.
	OnAttempt func(Attempt)
}

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 10 * time.Second
)

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.Strategy == "" {
		p.Strategy = StrategyExponential
	}
	if p.Strategy == StrategyCustom && p.Custom == nil {
		p.Strategy = StrategyExponential
	}
	if p.RetryIf == nil {
		p.RetryIf = errs.Retryable
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	return p
}

// Delay computes the backoff applied after failed attempt n (1-based),
// including jitter and the MaxDelay clamp.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch p.Strategy {
	case StrategyFixed:
		delay = p.BaseDelay
	case StrategyLinear:
		delay = p.BaseDelay * time.Duration(attempt)
	case StrategyCustom:
		delay = p.Custom(attempt)
	default:
		factor := math.Pow(2, float64(attempt-1))
		delay = time.Duration(float64(p.BaseDelay) * factor)
	}

	if delay < 0 {
		delay = 0
	}
	if p.Jitter > 0 && delay > 0 {
		delay += time.Duration(rand.Float64() * p.Jitter * float64(delay))
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Do runs op up to MaxAttempts times. Only errors passing RetryIf are
// retried; the final attempt's error is surfaced unmodified. A rate-limit
// error carrying a retry-after hint raises the next delay to at least that
// hint. The inter-attempt sleep aborts early when ctx is done.
func (p Policy) Do(ctx context.Context, op func(context.Context) error) error {
	p = p.normalized()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			if p.OnAttempt != nil {
				p.OnAttempt(Attempt{Number: attempt, At: time.Now().UTC()})
			}
			return nil
		}

		retryable := p.RetryIf(lastErr)
		final := attempt == p.MaxAttempts

		var delay time.Duration
		if retryable && !final {
			delay = p.Delay(attempt)
			if hint := errs.RetryAfterOf(lastErr); hint > delay {
				delay = hint
			}
		}

		if p.OnAttempt != nil {
			p.OnAttempt(Attempt{Number: attempt, Delay: delay, Err: lastErr, At: time.Now().UTC()})
		}

		if !retryable || final {
			return lastErr
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}

	return lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
