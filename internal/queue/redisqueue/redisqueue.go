// Package redisqueue is the durable, redis-backed implementation of the
// queue contract. Jobs live in one hash per job id (which doubles as the
// dedup key via HSETNX), scheduling uses a ready list plus a delayed zset
// with a promoter loop, and finished jobs are retained in capped history
// lists. Queue keys share a hash tag per queue name so the whole queue maps
// to one cluster slot.
package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/rachhen/khqr-webhook/internal/queue"
	"github.com/rachhen/khqr-webhook/internal/retry"
)

const (
	defaultPollInterval = 250 * time.Millisecond
	promoteBatchSize    = 128
)

type jobState string

const (
	stateWaiting   jobState = "waiting"
	stateActive    jobState = "active"
	stateCompleted jobState = "completed"
	stateFailed    jobState = "failed"
)

type workerReg struct {
	concurrency int
	handler     queue.Handler
}

// Queue is a redis-backed queue.Queue.
type Queue struct {
	client       *redis.Client
	logger       *slog.Logger
	clock        func() time.Time
	pollInterval time.Duration
	workers      map[string]workerReg
}

type Option func(*Queue)

func WithClock(clock func() time.Time) Option {
	return func(q *Queue) {
		q.clock = clock
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		q.pollInterval = d
	}
}

func New(client *redis.Client, logger *slog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		client:       client,
		logger:       logger.With("component", "redisqueue"),
		clock:        time.Now,
		pollInterval: defaultPollInterval,
		workers:      make(map[string]workerReg),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

func jobKey(queueName, id string) string {
	return fmt.Sprintf("khqr:{%s}:job:%s", queueName, id)
}

func logsKey(queueName, id string) string {
	return fmt.Sprintf("khqr:{%s}:job:%s:logs", queueName, id)
}

func waitKey(queueName string) string {
	return fmt.Sprintf("khqr:{%s}:wait", queueName)
}

func delayedKey(queueName string) string {
	return fmt.Sprintf("khqr:{%s}:delayed", queueName)
}

func finishedKey(queueName string, state jobState) string {
	return fmt.Sprintf("khqr:{%s}:%s", queueName, state)
}

// enqueueScript creates the job hash only if the key is absent, writing
// every field in one step. A concurrent GetJob therefore sees either no job
// or a complete one, never a reserved key with an empty payload.
var enqueueScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV))
return 1
`)

func (q *Queue) Enqueue(ctx context.Context, queueName, jobID string, payload []byte, opts queue.Options) (queue.Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("redisqueue: empty job id")
	}

	now := q.clock()
	runAt := now.Add(opts.Delay)
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	key := jobKey(queueName, jobID)
	created, err := enqueueScript.Run(ctx, q.client, []string{key},
		"state", string(stateWaiting),
		"payload", string(payload),
		"attempts", 0,
		"max_attempts", attempts,
		"backoff_type", string(opts.Backoff.Type),
		"backoff_ms", opts.Backoff.Delay.Milliseconds(),
		"enqueued_at_ms", now.UnixMilli(),
		"run_at_ms", runAt.UnixMilli(),
		"progress", 0,
		"keep_completed", opts.KeepCompleted,
		"keep_failed", opts.KeepFailed,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("redisqueue: write job %s: %w", jobID, err)
	}
	if created == 0 {
		return q.GetJob(ctx, queueName, jobID)
	}

	if opts.Delay > 0 {
		err = q.client.ZAdd(ctx, delayedKey(queueName), redis.Z{
			Score:  float64(runAt.UnixMilli()),
			Member: jobID,
		}).Err()
	} else {
		err = q.client.LPush(ctx, waitKey(queueName), jobID).Err()
	}
	if err != nil {
		return nil, fmt.Errorf("redisqueue: schedule job %s: %w", jobID, err)
	}

	return &jobHandle{
		q:          q,
		queueName:  queueName,
		id:         jobID,
		payload:    append([]byte(nil), payload...),
		enqueuedAt: now,
	}, nil
}

func (q *Queue) GetJob(ctx context.Context, queueName, jobID string) (queue.Job, error) {
	data, err := q.client.HGetAll(ctx, jobKey(queueName, jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisqueue: load job %s: %w", jobID, err)
	}
	if len(data) == 0 {
		return nil, queue.ErrJobNotFound
	}

	return &jobHandle{
		q:          q,
		queueName:  queueName,
		id:         jobID,
		payload:    []byte(data["payload"]),
		enqueuedAt: time.UnixMilli(parseInt(data["enqueued_at_ms"])),
		attempts:   int(parseInt(data["attempts"])),
	}, nil
}

func (q *Queue) RegisterWorker(queueName string, concurrency int, handler queue.Handler) error {
	if handler == nil {
		return fmt.Errorf("redisqueue: nil handler for queue %q", queueName)
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if _, exists := q.workers[queueName]; exists {
		return fmt.Errorf("redisqueue: worker already registered for queue %q", queueName)
	}
	q.workers[queueName] = workerReg{concurrency: concurrency, handler: handler}
	return nil
}

// Run processes jobs until ctx is canceled. Each registered queue gets one
// promoter goroutine (delayed zset to ready list) and concurrency worker
// goroutines blocking on the ready list.
func (q *Queue) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	for name, reg := range q.workers {
		name, reg := name, reg
		g.Go(func() error {
			return q.promoter(gCtx, name)
		})
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

// promoter moves due delayed jobs to the ready list. ZRem arbitrates between
// competing promoters: whoever removes the member owns the push.
func (q *Queue) promoter(ctx context.Context, queueName string) error {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		nowMs := strconv.FormatInt(q.clock().UnixMilli(), 10)
		ids, err := q.client.ZRangeByScore(ctx, delayedKey(queueName), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   nowMs,
			Count: promoteBatchSize,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Warn("promote scan failed", "queue", queueName, "error", err)
			continue
		}

		for _, id := range ids {
			removed, err := q.client.ZRem(ctx, delayedKey(queueName), id).Result()
			if err != nil {
				q.logger.Warn("promote remove failed", "queue", queueName, "job_id", id, "error", err)
				continue
			}
			if removed == 0 {
				continue
			}
			if err := q.client.LPush(ctx, waitKey(queueName), id).Err(); err != nil {
				q.logger.Error("promote push failed", "queue", queueName, "job_id", id, "error", err)
			}
		}
	}
}

func (q *Queue) worker(ctx context.Context, queueName string, handler queue.Handler) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		res, err := q.client.BRPop(ctx, q.pollInterval, waitKey(queueName)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Warn("ready pop failed", "queue", queueName, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(q.pollInterval):
			}
			continue
		}
		if len(res) < 2 {
			continue
		}

		q.runJob(ctx, queueName, res[1], handler)
	}
}

func (q *Queue) runJob(ctx context.Context, queueName, jobID string, handler queue.Handler) {
	key := jobKey(queueName, jobID)

	data, err := q.client.HGetAll(ctx, key).Result()
	if err != nil {
		q.logger.Error("load job failed", "queue", queueName, "job_id", jobID, "error", err)
		return
	}
	if len(data) == 0 || jobState(data["state"]) == stateCompleted || jobState(data["state"]) == stateFailed {
		return
	}

	attempts, err := q.client.HIncrBy(ctx, key, "attempts", 1).Result()
	if err != nil {
		q.logger.Error("start attempt failed", "queue", queueName, "job_id", jobID, "error", err)
		return
	}
	if err := q.client.HSet(ctx, key, "state", string(stateActive)).Err(); err != nil {
		q.logger.Error("mark active failed", "queue", queueName, "job_id", jobID, "error", err)
		return
	}

	handle := &jobHandle{
		q:          q,
		queueName:  queueName,
		id:         jobID,
		payload:    []byte(data["payload"]),
		enqueuedAt: time.UnixMilli(parseInt(data["enqueued_at_ms"])),
		attempts:   int(attempts),
	}

	handlerErr := handler(ctx, handle)
	q.settle(ctx, queueName, jobID, data, int(attempts), handlerErr)
}

func (q *Queue) settle(ctx context.Context, queueName, jobID string, data map[string]string, attempts int, handlerErr error) {
	key := jobKey(queueName, jobID)

	if handlerErr == nil {
		if err := q.client.HSet(ctx, key, "state", string(stateCompleted)).Err(); err != nil {
			q.logger.Error("mark completed failed", "queue", queueName, "job_id", jobID, "error", err)
			return
		}
		q.finish(ctx, queueName, jobID, stateCompleted, int(parseInt(data["keep_completed"])))
		return
	}

	decision := retry.Classify(handlerErr)
	maxAttempts := int(parseInt(data["max_attempts"]))
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	if !decision.IsTransient() || attempts >= maxAttempts {
		err := q.client.HSet(ctx, key,
			"state", string(stateFailed),
			"last_error", handlerErr.Error(),
		).Err()
		if err != nil {
			q.logger.Error("mark failed failed", "queue", queueName, "job_id", jobID, "error", err)
			return
		}
		q.finish(ctx, queueName, jobID, stateFailed, int(parseInt(data["keep_failed"])))
		q.logger.Warn("job failed",
			"queue", queueName,
			"job_id", jobID,
			"attempts", attempts,
			"classification", decision.Class,
			"classification_reason", decision.Reason,
			"error", handlerErr,
		)
		return
	}

	backoff := queue.Backoff{
		Type:  queue.BackoffType(data["backoff_type"]),
		Delay: time.Duration(parseInt(data["backoff_ms"])) * time.Millisecond,
	}
	runAt := q.clock().Add(backoff.NextDelay(attempts))

	err := q.client.HSet(ctx, key,
		"state", string(stateWaiting),
		"run_at_ms", runAt.UnixMilli(),
	).Err()
	if err != nil {
		q.logger.Error("reschedule write failed", "queue", queueName, "job_id", jobID, "error", err)
		return
	}
	err = q.client.ZAdd(ctx, delayedKey(queueName), redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: jobID,
	}).Err()
	if err != nil {
		q.logger.Error("reschedule push failed", "queue", queueName, "job_id", jobID, "error", err)
	}
}

// finish records a finished job in its history list and evicts the oldest
// entries beyond the retention cap, deleting their job hashes.
func (q *Queue) finish(ctx context.Context, queueName, jobID string, state jobState, keep int) {
	listKey := finishedKey(queueName, state)

	if keep <= 0 {
		if err := q.client.Del(ctx, jobKey(queueName, jobID), logsKey(queueName, jobID)).Err(); err != nil {
			q.logger.Warn("drop finished job failed", "queue", queueName, "job_id", jobID, "error", err)
		}
		return
	}

	if err := q.client.LPush(ctx, listKey, jobID).Err(); err != nil {
		q.logger.Warn("record finished job failed", "queue", queueName, "job_id", jobID, "error", err)
		return
	}

	evicted, err := q.client.LRange(ctx, listKey, int64(keep), -1).Result()
	if err != nil {
		q.logger.Warn("retention scan failed", "queue", queueName, "error", err)
		return
	}
	if len(evicted) == 0 {
		return
	}
	if err := q.client.LTrim(ctx, listKey, 0, int64(keep-1)).Err(); err != nil {
		q.logger.Warn("retention trim failed", "queue", queueName, "error", err)
		return
	}
	keys := make([]string, 0, len(evicted)*2)
	for _, id := range evicted {
		keys = append(keys, jobKey(queueName, id), logsKey(queueName, id))
	}
	if err := q.client.Del(ctx, keys...).Err(); err != nil {
		q.logger.Warn("retention delete failed", "queue", queueName, "error", err)
	}
}

type jobHandle struct {
	q          *Queue
	queueName  string
	id         string
	payload    []byte
	enqueuedAt time.Time
	attempts   int
}

func (j *jobHandle) ID() string {
	return j.id
}

func (j *jobHandle) Payload() []byte {
	return j.payload
}

func (j *jobHandle) EnqueuedAt() time.Time {
	return j.enqueuedAt
}

func (j *jobHandle) AttemptsStarted() int {
	return j.attempts
}

func (j *jobHandle) IsFailed(ctx context.Context) (bool, error) {
	state, err := j.q.client.HGet(ctx, jobKey(j.queueName, j.id), "state").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, queue.ErrJobNotFound
		}
		return false, fmt.Errorf("redisqueue: read state of %s: %w", j.id, err)
	}
	return jobState(state) == stateFailed, nil
}

func (j *jobHandle) Retry(ctx context.Context) error {
	key := jobKey(j.queueName, j.id)

	state, err := j.q.client.HGet(ctx, key, "state").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return queue.ErrJobNotFound
		}
		return fmt.Errorf("redisqueue: read state of %s: %w", j.id, err)
	}
	if jobState(state) != stateFailed {
		return fmt.Errorf("redisqueue: job %q is not failed", j.id)
	}

	if err := j.q.client.LRem(ctx, finishedKey(j.queueName, stateFailed), 0, j.id).Err(); err != nil {
		return fmt.Errorf("redisqueue: unlist failed job %s: %w", j.id, err)
	}
	err = j.q.client.HSet(ctx, key,
		"state", string(stateWaiting),
		"attempts", 0,
		"last_error", "",
	).Err()
	if err != nil {
		return fmt.Errorf("redisqueue: re-arm job %s: %w", j.id, err)
	}
	if err := j.q.client.LPush(ctx, waitKey(j.queueName), j.id).Err(); err != nil {
		return fmt.Errorf("redisqueue: requeue job %s: %w", j.id, err)
	}
	return nil
}

func (j *jobHandle) UpdateProgress(ctx context.Context, percent int) error {
	return j.q.client.HSet(ctx, jobKey(j.queueName, j.id), "progress", percent).Err()
}

func (j *jobHandle) Log(ctx context.Context, message string) error {
	return j.q.client.RPush(ctx, logsKey(j.queueName, j.id), message).Err()
}

func parseInt(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
