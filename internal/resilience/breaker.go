package resilience

import (
	"sync/atomic"
	"time"

	"github.com/prepstack/eval-go-api/internal/errs"
)

// State is the circuit breaker's lifecycle position.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker guards one dependency with consecutive-failure tripping. All
// methods are safe for concurrent use; transitions happen lazily inside
// Allow and the Record methods, never from a timer goroutine.
type Breaker struct {
	name      string
	threshold int32
	openFor   time.Duration

	state    atomic.Int32
	failures atomic.Int32
	openedAt atomic.Int64

	onChange func(name string, from, to State)
	now      func() time.Time
}

// NewBreaker builds a closed breaker tripping after threshold consecutive
// recorded failures and staying open for openFor before admitting a trial.
func NewBreaker(name string, threshold int, openFor time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{
		name:      name,
		threshold: int32(threshold),
		openFor:   openFor,
		now:       time.Now,
	}
}

// OnStateChange registers a hook observing every transition. Call before the
// breaker is shared between goroutines.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.onChange = fn
}

// Name reports the dependency this breaker guards.
func (b *Breaker) Name() string { return b.name }

// State reports the stored state. An elapsed cooldown still reads as open
// until a call claims the half-open trial slot through Allow.
func (b *Breaker) State() State { return State(b.state.Load()) }

// Allow reports whether a call may proceed. While open it fails fast with a
// circuit-open error carrying the remaining cooldown as a retry-after hint.
// Once the cooldown elapses exactly one caller wins the half-open trial
// slot; everyone else keeps failing fast until the trial is recorded.
func (b *Breaker) Allow() error {
	switch State(b.state.Load()) {
	case StateClosed:
		return nil
	case StateHalfOpen:
		return b.rejection(b.openFor)
	default:
	}

	openedAt := time.Unix(0, b.openedAt.Load())
	remaining := b.openFor - b.now().Sub(openedAt)
	if remaining > 0 {
		return b.rejection(remaining)
	}
	if b.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
		b.notify(StateOpen, StateHalfOpen)
		return nil
	}
	return b.rejection(b.openFor)
}

// RecordSuccess closes the breaker after a successful half-open trial and
// resets the consecutive-failure count while closed.
func (b *Breaker) RecordSuccess() {
	switch State(b.state.Load()) {
	case StateHalfOpen:
		if b.state.CompareAndSwap(int32(StateHalfOpen), int32(StateClosed)) {
			b.failures.Store(0)
			b.notify(StateHalfOpen, StateClosed)
		}
	case StateClosed:
		b.failures.Store(0)
	default:
	}
}

// RecordFailure counts a failure toward the threshold while closed and
// reopens immediately on a failed half-open trial.
func (b *Breaker) RecordFailure() {
	switch State(b.state.Load()) {
	case StateHalfOpen:
		b.trip(StateHalfOpen)
	case StateClosed:
		if b.failures.Add(1) >= b.threshold {
			b.trip(StateClosed)
		}
	default:
	}
}

func (b *Breaker) trip(from State) {
	if b.state.CompareAndSwap(int32(from), int32(StateOpen)) {
		b.openedAt.Store(b.now().UnixNano())
		b.failures.Store(0)
		b.notify(from, StateOpen)
	}
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

func (b *Breaker) rejection(retryAfter time.Duration) error {
	return errs.New(errs.CodeCircuitOpen, "circuit breaker open for "+b.name).
		WithRetryAfter(retryAfter).
		WithContext("dependency", b.name)
}
