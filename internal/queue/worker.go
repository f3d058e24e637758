// Package queue implements the broker's execution queue worker (spec.md
// C9): when executionMode=queue, the orchestrator enqueues a job
// instead of executing inline, and a worker pool dequeues it with
// bounded concurrency, retrying transient cartridge failures with
// exponential backoff and dead-lettering after QUEUE_MAX_ATTEMPTS.
package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is the queue payload (spec.md §6).
type Job struct {
	EnvelopeID string
	EnqueuedAt time.Time
	TraceID    string
}

// Attempt records one execution attempt outcome for the dead-letter
// list and for tests.
type Attempt struct {
	Job       Job
	Number    int
	Err       error
	Transient bool
}

// ExecuteFunc is the operation the worker retries; it returns
// transient=true when the error should trigger a retry rather than a
// terminal failure (spec.md §4.8 step 5's transient-pattern match,
// reused here so the classifier lives in one place).
type ExecuteFunc func(ctx context.Context, envelopeID string) (transient bool, err error)

// Options configures a Worker.
type Options struct {
	Concurrency        int
	MaxAttempts        int
	InitialBackoff     time.Duration
	BackoffCoefficient float64
}

func DefaultOptions() Options {
	return Options{
		Concurrency:        5,
		MaxAttempts:        3,
		InitialBackoff:     2 * time.Second,
		BackoffCoefficient: 2.0,
	}
}

// Worker is the abstraction the orchestrator enqueues against.
// InProcessWorker satisfies it; temporal.go defines a Temporal workflow
// and activity but no type that implements Worker.
type Worker interface {
	Enqueue(ctx context.Context, job Job) error
	Start(ctx context.Context)
	Stop()
}

// InProcessWorker is a buffered-channel + goroutine-pool fallback
// worker for tests and Temporal-less deployments, grounded in the
// teacher's db.Client writeWorker/workerWg pattern
// (internal/db/client.go).
type InProcessWorker struct {
	opts    Options
	exec    ExecuteFunc
	logger  *zap.Logger
	sleep   func(time.Duration)
	jobs    chan Job
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu          sync.Mutex
	deadLetters []Attempt
	attempts    []Attempt
}

func NewInProcessWorker(opts Options, exec ExecuteFunc, logger *zap.Logger) *InProcessWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultOptions().Concurrency
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions().MaxAttempts
	}
	return &InProcessWorker{
		opts:   opts,
		exec:   exec,
		logger: logger,
		sleep:  time.Sleep,
		jobs:   make(chan Job, 256),
		stopCh: make(chan struct{}),
	}
}

func (w *InProcessWorker) Enqueue(ctx context.Context, job Job) error {
	select {
	case w.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *InProcessWorker) Start(ctx context.Context) {
	for i := 0; i < w.opts.Concurrency; i++ {
		w.wg.Add(1)
		go w.loop(ctx, i)
	}
}

// Stop signals all workers to drain their current job and return, then
// waits for them, matching the "stop signal, finish current iteration"
// contract spec.md §5 requires of background workers.
func (w *InProcessWorker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *InProcessWorker) loop(ctx context.Context, id int) {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case job := <-w.jobs:
			w.runWithRetry(ctx, job)
		}
	}
}

func (w *InProcessWorker) runWithRetry(ctx context.Context, job Job) {
	backoff := w.opts.InitialBackoff
	for attempt := 1; attempt <= w.opts.MaxAttempts; attempt++ {
		transient, err := w.exec(ctx, job.EnvelopeID)
		rec := Attempt{Job: job, Number: attempt, Err: err, Transient: transient}
		w.mu.Lock()
		w.attempts = append(w.attempts, rec)
		w.mu.Unlock()

		if err == nil {
			return
		}
		if !transient {
			w.logger.Warn("execution attempt failed terminally, not retrying",
				zap.String("envelopeId", job.EnvelopeID), zap.Error(err))
			return
		}
		if attempt == w.opts.MaxAttempts {
			w.logger.Error("execution exhausted retries, moving to dead letter",
				zap.String("envelopeId", job.EnvelopeID), zap.Int("attempts", attempt), zap.Error(err))
			w.mu.Lock()
			w.deadLetters = append(w.deadLetters, rec)
			w.mu.Unlock()
			return
		}
		w.sleep(backoff)
		backoff = time.Duration(float64(backoff) * w.opts.BackoffCoefficient)
	}
}

// DeadLetters returns attempts that exhausted all retries, preserved
// for inspection per spec.md §4.9.
func (w *InProcessWorker) DeadLetters() []Attempt {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Attempt, len(w.deadLetters))
	copy(out, w.deadLetters)
	return out
}

// Attempts returns every attempt recorded so far, for tests.
func (w *InProcessWorker) Attempts() []Attempt {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Attempt, len(w.attempts))
	copy(out, w.attempts)
	return out
}
