// Package memqueue is an in-process implementation of the queue contract.
// It honors delay, attempt budgets, backoff, terminal-error classification
// and retention the same way the redis-backed implementation does, which
// makes it the backend for tests and for dev runs without a REDIS_URL.
package memqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rachhen/khqr-webhook/internal/queue"
	"github.com/rachhen/khqr-webhook/internal/retry"
)

const defaultPollInterval = 25 * time.Millisecond

type jobState string

const (
	stateWaiting   jobState = "waiting"
	stateActive    jobState = "active"
	stateCompleted jobState = "completed"
	stateFailed    jobState = "failed"
)

type jobRecord struct {
	id         string
	queueName  string
	payload    []byte
	opts       queue.Options
	state      jobState
	attempts   int
	enqueuedAt time.Time
	runAt      time.Time
	progress   int
	logs       []string
	lastError  string
}

type workerReg struct {
	concurrency int
	handler     queue.Handler
}

type queueState struct {
	jobs      map[string]*jobRecord
	completed []string
	failed    []string
}

// Queue is an in-memory queue.Queue.
type Queue struct {
	mu           sync.Mutex
	logger       *slog.Logger
	clock        func() time.Time
	pollInterval time.Duration
	queues       map[string]*queueState
	workers      map[string]workerReg
	wake         chan struct{}
}

type Option func(*Queue)

// WithClock overrides the time source. Deadlines, delays and backoff are all
// evaluated against it.
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) {
		q.clock = clock
	}
}

// WithPollInterval overrides how often idle workers re-check for due jobs.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		q.pollInterval = d
	}
}

func New(logger *slog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		logger:       logger.With("component", "memqueue"),
		clock:        time.Now,
		pollInterval: defaultPollInterval,
		queues:       make(map[string]*queueState),
		workers:      make(map[string]workerReg),
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

func (q *Queue) Enqueue(ctx context.Context, queueName, jobID string, payload []byte, opts queue.Options) (queue.Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("memqueue: empty job id")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	qs := q.queueState(queueName)
	if existing, ok := qs.jobs[jobID]; ok {
		return &jobHandle{q: q, rec: existing}, nil
	}

	now := q.clock()
	rec := &jobRecord{
		id:         jobID,
		queueName:  queueName,
		payload:    append([]byte(nil), payload...),
		opts:       opts,
		state:      stateWaiting,
		enqueuedAt: now,
		runAt:      now.Add(opts.Delay),
	}
	qs.jobs[jobID] = rec
	q.wakeWorkers()

	return &jobHandle{q: q, rec: rec}, nil
}

func (q *Queue) GetJob(ctx context.Context, queueName, jobID string) (queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	qs, ok := q.queues[queueName]
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	rec, ok := qs.jobs[jobID]
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	return &jobHandle{q: q, rec: rec}, nil
}

func (q *Queue) RegisterWorker(queueName string, concurrency int, handler queue.Handler) error {
	if handler == nil {
		return fmt.Errorf("memqueue: nil handler for queue %q", queueName)
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.workers[queueName]; exists {
		return fmt.Errorf("memqueue: worker already registered for queue %q", queueName)
	}
	q.workers[queueName] = workerReg{concurrency: concurrency, handler: handler}
	return nil
}

// Run processes jobs until ctx is canceled. Context cancellation is the
// normal shutdown path and is not reported as an error.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	regs := make(map[string]workerReg, len(q.workers))
	for name, reg := range q.workers {
		regs[name] = reg
	}
	q.mu.Unlock()

	g, gCtx := errgroup.WithContext(ctx)
	for name, reg := range regs {
		name, reg := name, reg
		for i := 0; i < reg.concurrency; i++ {
			g.Go(func() error {
				return q.worker(gCtx, name, reg.handler)
			})
		}
	}

	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func (q *Queue) worker(ctx context.Context, queueName string, handler queue.Handler) error {
	for {
		rec := q.claim(queueName)
		if rec == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.wake:
			case <-time.After(q.pollInterval):
			}
			continue
		}
		q.process(ctx, rec, handler)
	}
}

// claim picks the due waiting job with the earliest runAt and marks it
// active, which is what guarantees a single in-flight attempt per job id.
func (q *Queue) claim(queueName string) *jobRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	qs, ok := q.queues[queueName]
	if !ok {
		return nil
	}

	now := q.clock()
	var picked *jobRecord
	for _, rec := range qs.jobs {
		if rec.state != stateWaiting || rec.runAt.After(now) {
			continue
		}
		if picked == nil || rec.runAt.Before(picked.runAt) {
			picked = rec
		}
	}
	if picked == nil {
		return nil
	}

	picked.state = stateActive
	picked.attempts++
	return picked
}

func (q *Queue) process(ctx context.Context, rec *jobRecord, handler queue.Handler) {
	err := handler(ctx, &jobHandle{q: q, rec: rec})

	q.mu.Lock()
	defer q.mu.Unlock()

	qs := q.queueState(rec.queueName)

	if err == nil {
		rec.state = stateCompleted
		qs.completed = appendCapped(qs.jobs, qs.completed, rec.id, rec.opts.KeepCompleted)
		return
	}

	decision := retry.Classify(err)
	attempts := rec.opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	if !decision.IsTransient() || rec.attempts >= attempts {
		rec.state = stateFailed
		rec.lastError = err.Error()
		qs.failed = appendCapped(qs.jobs, qs.failed, rec.id, rec.opts.KeepFailed)
		q.logger.Warn("job failed",
			"queue", rec.queueName,
			"job_id", rec.id,
			"attempts", rec.attempts,
			"classification", decision.Class,
			"classification_reason", decision.Reason,
			"error", err,
		)
		return
	}

	rec.state = stateWaiting
	rec.runAt = q.clock().Add(rec.opts.Backoff.NextDelay(rec.attempts))
	q.logger.Debug("job rescheduled",
		"queue", rec.queueName,
		"job_id", rec.id,
		"attempt", rec.attempts,
		"next_run_at", rec.runAt,
		"error", err,
	)
	q.wakeWorkers()
}

// appendCapped records a finished job id and evicts the oldest finished jobs
// beyond the retention cap. A cap of zero drops the job immediately.
func appendCapped(jobs map[string]*jobRecord, history []string, id string, keep int) []string {
	history = append(history, id)
	for len(history) > keep {
		delete(jobs, history[0])
		history = history[1:]
	}
	return history
}

func (q *Queue) queueState(name string) *queueState {
	qs, ok := q.queues[name]
	if !ok {
		qs = &queueState{jobs: make(map[string]*jobRecord)}
		q.queues[name] = qs
	}
	return qs
}

func (q *Queue) wakeWorkers() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

type jobHandle struct {
	q   *Queue
	rec *jobRecord
}

func (j *jobHandle) ID() string {
	return j.rec.id
}

func (j *jobHandle) Payload() []byte {
	return j.rec.payload
}

func (j *jobHandle) EnqueuedAt() time.Time {
	j.q.mu.Lock()
	defer j.q.mu.Unlock()
	return j.rec.enqueuedAt
}

func (j *jobHandle) AttemptsStarted() int {
	j.q.mu.Lock()
	defer j.q.mu.Unlock()
	return j.rec.attempts
}

func (j *jobHandle) IsFailed(ctx context.Context) (bool, error) {
	j.q.mu.Lock()
	defer j.q.mu.Unlock()
	return j.rec.state == stateFailed, nil
}

func (j *jobHandle) Retry(ctx context.Context) error {
	j.q.mu.Lock()
	defer j.q.mu.Unlock()

	if j.rec.state != stateFailed {
		return fmt.Errorf("memqueue: job %q is not failed", j.rec.id)
	}

	qs := j.q.queueState(j.rec.queueName)
	qs.failed = removeID(qs.failed, j.rec.id)

	j.rec.state = stateWaiting
	j.rec.attempts = 0
	j.rec.lastError = ""
	j.rec.runAt = j.q.clock()
	j.q.wakeWorkers()
	return nil
}

func (j *jobHandle) UpdateProgress(ctx context.Context, percent int) error {
	j.q.mu.Lock()
	defer j.q.mu.Unlock()
	j.rec.progress = percent
	return nil
}

func (j *jobHandle) Log(ctx context.Context, message string) error {
	j.q.mu.Lock()
	defer j.q.mu.Unlock()
	j.rec.logs = append(j.rec.logs, message)
	return nil
}

func removeID(history []string, id string) []string {
	out := history[:0]
	for _, h := range history {
		if h != id {
			out = append(out, h)
		}
	}
	return out
}
