package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/prepstack/eval-go-api/internal/observability"
)

var (
	// ErrQueueFull signals the buffered queue rejected a job; callers map it
	// to a retryable 503 at the boundary.
	ErrQueueFull = errors.New("queue: buffer full")
	// ErrWaitTimeout signals the bounded wait elapsed before the job
	// settled. The job keeps running.
	ErrWaitTimeout = errors.New("queue: wait deadline elapsed")
	// ErrUnknownJob signals no live job carries the given id, usually
	// because it already settled and was evicted.
	ErrUnknownJob = errors.New("queue: unknown job id")
	// ErrDuplicateJob signals a job id is already registered.
	ErrDuplicateJob = errors.New("queue: duplicate job id")
)

// Job is one unit of queued work. It receives the dispatcher's lifecycle
// context, never an HTTP request context, so a caller abandoning its wait
// cannot cancel the work.
type Job func(ctx context.Context) error

type job struct {
	id       string
	fn       Job
	attempts int
	err      error
	done     chan struct{}
}

func (j *job) settle(err error) {
	j.err = err
	close(j.done)
}

// Dispatcher runs jobs on a fixed worker pool with a bounded buffer.
// Delivery is at-least-once: a panicking run is recovered and redelivered up
// to the configured limit, so job bodies must be re-entrant.
type Dispatcher struct {
	workers        int
	redeliverLimit int
	logger         zerolog.Logger

	mu     sync.Mutex
	jobs   map[string]*job
	queue  chan *job
	closed bool

	running atomic.Bool
	baseCtx context.Context
	wg      sync.WaitGroup
}

// NewDispatcher builds a stopped dispatcher; call Start before enqueueing.
func NewDispatcher(workers, buffer, redeliverLimit int, logger zerolog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if buffer <= 0 {
		buffer = 64
	}
	if redeliverLimit < 0 {
		redeliverLimit = 0
	}
	return &Dispatcher{
		workers:        workers,
		redeliverLimit: redeliverLimit,
		logger:         logger.With().Str("component", "queue").Logger(),
		jobs:           make(map[string]*job),
		queue:          make(chan *job, buffer),
	}
}

// Start launches the worker pool. Jobs execute under ctx; cancelling it
// aborts in-flight work but workers still drain until Shutdown.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	d.baseCtx = ctx
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.logger.Info().Int("workers", d.workers).Int("buffer", cap(d.queue)).Msg("dispatcher started")
}

// Shutdown stops intake and waits for the workers to drain the buffer, up
// to ctx's deadline.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info().Msg("dispatcher drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue registers fn under id and queues it. The id must be unused; a
// full buffer or a stopped dispatcher rejects the job with ErrQueueFull.
func (d *Dispatcher) Enqueue(id string, fn Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrQueueFull
	}
	if _, exists := d.jobs[id]; exists {
		return ErrDuplicateJob
	}

	j := &job{id: id, fn: fn, done: make(chan struct{})}
	select {
	case d.queue <- j:
		d.jobs[id] = j
		observability.QueueDepth().Inc()
		return nil
	default:
		return ErrQueueFull
	}
}

// Wait blocks until the job settles, wait elapses, or ctx is done. It
// observes only: the job keeps running after ErrWaitTimeout. A settled job's
// terminal error (nil on success) is returned; ids already evicted yield
// ErrUnknownJob and callers should consult their own stores.
func (d *Dispatcher) Wait(ctx context.Context, id string, wait time.Duration) error {
	d.mu.Lock()
	j, ok := d.jobs[id]
	d.mu.Unlock()
	if !ok {
		return ErrUnknownJob
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-j.done:
		return j.err
	case <-timer.C:
		observability.WaitTimeouts().Inc()
		return ErrWaitTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth reports the number of queued, not yet picked up jobs.
func (d *Dispatcher) Depth() int {
	return len(d.queue)
}

func (d *Dispatcher) worker(n int) {
	defer d.wg.Done()
	log := d.logger.With().Int("worker", n).Logger()

	for j := range d.queue {
		observability.QueueDepth().Dec()
		d.run(log, j)
	}
}

func (d *Dispatcher) run(log zerolog.Logger, j *job) {
	observability.QueueJobsInflight().Inc()
	defer observability.QueueJobsInflight().Dec()

	for {
		j.attempts++
		err, panicked := d.invoke(j)
		if panicked && j.attempts <= d.redeliverLimit {
			log.Warn().
				Str("job_id", j.id).
				Int("attempt", j.attempts).
				Err(err).
				Msg("job panicked, redelivering")
			continue
		}
		if err != nil {
			log.Error().Str("job_id", j.id).Int("attempts", j.attempts).Err(err).Msg("job settled with error")
		}
		d.mu.Lock()
		delete(d.jobs, j.id)
		d.mu.Unlock()
		j.settle(err)
		return
	}
}

func (d *Dispatcher) invoke(j *job) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("job %s panicked: %v", j.id, r)
		}
	}()
	err = j.fn(d.baseCtx)
	return err, false
}
