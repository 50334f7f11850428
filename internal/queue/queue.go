// Package queue defines the durable job-queue contract the tracker consumes.
// The queue owns all task state: dedup by job id, delayed scheduling, bounded
// attempts with backoff, and retention of completed/failed history. Handlers
// signal outcomes through their returned error: an error classified terminal
// by the retry package fails the job permanently, anything else reschedules
// it until the attempt budget is exhausted.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrJobNotFound is returned by GetJob when no job exists for the id,
// including jobs already dropped by retention.
var ErrJobNotFound = errors.New("queue: job not found")

type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

type Backoff struct {
	Type  BackoffType
	Delay time.Duration
}

// NextDelay returns the delay before the given attempt (1-based) is retried.
func (b Backoff) NextDelay(attempt int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Type != BackoffExponential {
		return b.Delay
	}
	delay := b.Delay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// Options controls scheduling, retries and retention for an enqueued job.
type Options struct {
	// Delay postpones the first attempt.
	Delay time.Duration

	// Attempts is the total attempt budget, including the first run.
	// Zero means a single attempt.
	Attempts int

	// Backoff spaces retries of failed attempts.
	Backoff Backoff

	// KeepCompleted and KeepFailed cap how many finished jobs remain
	// queryable before the oldest are dropped. Zero keeps none.
	KeepCompleted int
	KeepFailed    int
}

// Job is a handle to one enqueued unit of work.
type Job interface {
	ID() string
	Payload() []byte

	// EnqueuedAt is the creation time of the job. It is set once and never
	// changes across retries; deadline checks are computed from it.
	EnqueuedAt() time.Time

	// AttemptsStarted counts attempts that have begun, including the
	// current one while inside a handler.
	AttemptsStarted() int

	IsFailed(ctx context.Context) (bool, error)

	// Retry re-arms a terminally failed job for a fresh attempt budget.
	Retry(ctx context.Context) error

	UpdateProgress(ctx context.Context, percent int) error

	// Log attaches a human-readable line to the job's history.
	Log(ctx context.Context, message string) error
}

// Handler processes a single delivery of a job.
type Handler func(ctx context.Context, job Job) error

// Queue is the external work-queue collaborator.
type Queue interface {
	// Enqueue adds a job. A job id that already exists (in any state) is
	// not re-added; the existing job's handle is returned.
	Enqueue(ctx context.Context, queueName, jobID string, payload []byte, opts Options) (Job, error)

	// GetJob looks up a job by id, returning ErrJobNotFound when absent.
	GetJob(ctx context.Context, queueName, jobID string) (Job, error)

	// RegisterWorker binds a handler to a queue with the given number of
	// concurrent job slots. Must be called before Run.
	RegisterWorker(queueName string, concurrency int, handler Handler) error

	// Run processes jobs until ctx is canceled.
	Run(ctx context.Context) error
}
