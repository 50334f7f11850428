package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rachhen/khqr-webhook/internal/domain/model"
	"github.com/rachhen/khqr-webhook/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeJob struct {
	id         string
	payload    []byte
	enqueuedAt time.Time
	attempts   int
	failed     bool
	retried    int
	progress   int
	logs       []string
}

func (j *fakeJob) ID() string            { return j.id }
func (j *fakeJob) Payload() []byte       { return j.payload }
func (j *fakeJob) EnqueuedAt() time.Time { return j.enqueuedAt }
func (j *fakeJob) AttemptsStarted() int  { return j.attempts }

func (j *fakeJob) IsFailed(ctx context.Context) (bool, error) {
	return j.failed, nil
}
func (j *fakeJob) Retry(ctx context.Context) error {
	j.retried++
	j.failed = false
	return nil
}
func (j *fakeJob) UpdateProgress(ctx context.Context, percent int) error {
	j.progress = percent
	return nil
}
func (j *fakeJob) Log(ctx context.Context, message string) error {
	j.logs = append(j.logs, message)
	return nil
}

type fakeQueue struct {
	jobs        map[string]*fakeJob
	enqueued    int
	lastOptions queue.Options
	getJobErr   error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: make(map[string]*fakeJob)}
}

func (q *fakeQueue) Enqueue(ctx context.Context, queueName, jobID string, payload []byte, opts queue.Options) (queue.Job, error) {
	if existing, ok := q.jobs[jobID]; ok {
		return existing, nil
	}
	q.enqueued++
	q.lastOptions = opts
	job := &fakeJob{id: jobID, payload: payload, enqueuedAt: time.Now()}
	q.jobs[jobID] = job
	return job, nil
}

func (q *fakeQueue) GetJob(ctx context.Context, queueName, jobID string) (queue.Job, error) {
	if q.getJobErr != nil {
		return nil, q.getJobErr
	}
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	return job, nil
}

func (q *fakeQueue) RegisterWorker(queueName string, concurrency int, handler queue.Handler) error {
	return nil
}

func (q *fakeQueue) Run(ctx context.Context) error { return nil }

func sampleTask() model.WebhookTask {
	return model.WebhookTask{
		JobID:      "order-42",
		WebhookURL: "https://hooks.example.com/khqr",
		MD5:        "d60f3db96913c7db7ec9efad24ffa90d",
		Status:     model.StatusSuccess,
		Data: &model.TransactionRecord{
			Hash:     "d60f3db96913c7db7ec9efad24ffa90d",
			Currency: "KHR",
			Amount:   1000,
		},
	}
}

func TestDispatch_NewTaskCreatesJob(t *testing.T) {
	q := newFakeQueue()
	d := NewDispatcher(q, testLogger())

	require.NoError(t, d.Dispatch(context.Background(), sampleTask()))
	assert.Equal(t, 1, q.enqueued)

	assert.Equal(t, 5, q.lastOptions.Attempts)
	assert.Equal(t, queue.BackoffExponential, q.lastOptions.Backoff.Type)
	assert.Equal(t, 500*time.Millisecond, q.lastOptions.Backoff.Delay)

	var got model.WebhookTask
	require.NoError(t, json.Unmarshal(q.jobs["order-42"].payload, &got))
	assert.Equal(t, sampleTask(), got)
}

func TestDispatch_PendingJobIsNoOp(t *testing.T) {
	q := newFakeQueue()
	d := NewDispatcher(q, testLogger())

	require.NoError(t, d.Dispatch(context.Background(), sampleTask()))
	require.NoError(t, d.Dispatch(context.Background(), sampleTask()))

	assert.Equal(t, 1, q.enqueued)
	assert.Equal(t, 0, q.jobs["order-42"].retried)
}

func TestDispatch_FailedJobIsReArmedNotDuplicated(t *testing.T) {
	q := newFakeQueue()
	d := NewDispatcher(q, testLogger())

	require.NoError(t, d.Dispatch(context.Background(), sampleTask()))
	q.jobs["order-42"].failed = true

	require.NoError(t, d.Dispatch(context.Background(), sampleTask()))

	assert.Equal(t, 1, q.enqueued, "re-dispatch must not create a second job")
	assert.Equal(t, 1, q.jobs["order-42"].retried)
}

func TestDispatch_LookupErrorPropagates(t *testing.T) {
	q := newFakeQueue()
	q.getJobErr = errors.New("redis gone")
	d := NewDispatcher(q, testLogger())

	err := d.Dispatch(context.Background(), sampleTask())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis gone")
	assert.Equal(t, 0, q.enqueued)
}
