// Package poller drives the tracking state machine. Each poll job asks
// Bakong for the settlement status of one transaction and either finishes
// with a terminal outcome handed to the webhook dispatcher, or reschedules
// itself through the queue's backoff until the staleness window closes.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/rachhen/khqr-webhook/internal/bakong"
	"github.com/rachhen/khqr-webhook/internal/domain/model"
	"github.com/rachhen/khqr-webhook/internal/metrics"
	"github.com/rachhen/khqr-webhook/internal/queue"
	"github.com/rachhen/khqr-webhook/internal/retry"
	"github.com/rachhen/khqr-webhook/internal/tracing"
)

// QueueName is the poll queue.
const QueueName = "transaction"

// Concurrency is the number of simultaneous poll slots.
const Concurrency = 20

// DefaultStalenessWindow bounds how long a transaction is tracked. It is
// measured from the job's enqueue time, wall clock, not from attempt counts;
// a stalled queue burns the window without consuming attempts.
const DefaultStalenessWindow = 5 * time.Minute

const (
	firstPollDelay = 5 * time.Second
	pollAttempts   = 120
	pollBackoff    = 3200 * time.Millisecond

	keepCompleted = 5500
	keepFailed    = 8500
)

// EnqueueOptions is the scheduling policy for poll jobs. The fixed backoff
// times 120 attempts roughly covers the staleness window with headroom; the
// window check is what actually ends tracking.
func EnqueueOptions() queue.Options {
	return queue.Options{
		Delay:    firstPollDelay,
		Attempts: pollAttempts,
		Backoff: queue.Backoff{
			Type:  queue.BackoffFixed,
			Delay: pollBackoff,
		},
		KeepCompleted: keepCompleted,
		KeepFailed:    keepFailed,
	}
}

// OutcomeDispatcher receives the terminal outcome of a tracking attempt.
type OutcomeDispatcher interface {
	Dispatch(ctx context.Context, task model.WebhookTask) error
}

// Poller handles poll jobs.
type Poller struct {
	api        bakong.API
	dispatcher OutcomeDispatcher
	window     time.Duration
	clock      func() time.Time
	logger     *slog.Logger
}

func New(api bakong.API, dispatcher OutcomeDispatcher, window time.Duration, logger *slog.Logger) *Poller {
	if window <= 0 {
		window = DefaultStalenessWindow
	}
	return &Poller{
		api:        api,
		dispatcher: dispatcher,
		window:     window,
		clock:      time.Now,
		logger:     logger.With("component", "poller"),
	}
}

// WithClock overrides the time source used for the staleness check.
func (p *Poller) WithClock(clock func() time.Time) *Poller {
	p.clock = clock
	return p
}

// Handle runs one poll attempt. The staleness check comes before the remote
// call: an expired job reports timeout even if the transaction would have
// resolved on this very attempt.
func (p *Poller) Handle(ctx context.Context, job queue.Job) error {
	var task model.PollTask
	if err := json.Unmarshal(job.Payload(), &task); err != nil {
		metrics.PollAttemptsTotal.WithLabelValues("malformed").Inc()
		return retry.Terminal(fmt.Errorf("decode poll task %s: %w", job.ID(), err))
	}

	ctx, span := tracing.Tracer("poller").Start(ctx, "poller.poll",
		otelTrace.WithAttributes(
			attribute.String("job_id", task.JobID),
			attribute.String("md5", task.MD5),
			attribute.Int("attempt", job.AttemptsStarted()),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.PollAttemptLatency.Observe(time.Since(start).Seconds())
	}()

	log := p.logger.With("job_id", task.JobID, "md5", task.MD5, "attempt", job.AttemptsStarted())

	if age := p.clock().Sub(job.EnqueuedAt()); age > p.window {
		if err := p.dispatch(ctx, task, model.StatusTimeout, nil); err != nil {
			return retry.Transient(err)
		}
		if err := job.Log(ctx, fmt.Sprintf("tracking window of %s expired", p.window)); err != nil {
			log.Warn("record job log", "error", err)
		}
		metrics.PollAttemptsTotal.WithLabelValues("timeout").Inc()
		log.Info("tracking expired", "age", age.String())
		return retry.Terminal(fmt.Errorf("transaction %s unresolved after %s", task.MD5, p.window))
	}

	resp, err := p.api.CheckTransactionByMD5(ctx, task.Token, task.MD5)
	if err != nil {
		if retry.Classify(err).IsTransient() {
			metrics.PollAttemptsTotal.WithLabelValues("remote_transient").Inc()
		} else {
			metrics.PollAttemptsTotal.WithLabelValues("remote_terminal").Inc()
		}
		return fmt.Errorf("check transaction %s: %w", task.MD5, err)
	}

	switch {
	case resp.Settled():
		if err := p.dispatch(ctx, task, model.StatusSuccess, resp.Data); err != nil {
			return retry.Transient(err)
		}
		if err := job.UpdateProgress(ctx, 100); err != nil {
			log.Warn("record job progress", "error", err)
		}
		metrics.PollAttemptsTotal.WithLabelValues("success").Inc()
		log.Info("transaction settled")
		return nil

	case resp.Failed():
		// Failure notifications never carry settlement data, whatever the
		// remote body contained.
		if err := p.dispatch(ctx, task, model.StatusFailed, nil); err != nil {
			return retry.Transient(err)
		}
		metrics.PollAttemptsTotal.WithLabelValues("failed").Inc()
		log.Info("transaction failed definitively")
		return retry.Terminal(fmt.Errorf("transaction %s failed: %s", task.MD5, resp.ResponseMessage))

	case resp.ResponseCode == bakong.ResponseCodeError:
		metrics.PollAttemptsTotal.WithLabelValues("pending").Inc()
		log.Debug("transaction not resolved yet", "response_message", resp.ResponseMessage)
		return retry.Transient(fmt.Errorf("transaction %s not resolved: %s", task.MD5, resp.ResponseMessage))

	default:
		// Unknown responseCode. Keep polling; the window still bounds us.
		metrics.PollAttemptsTotal.WithLabelValues("unexpected").Inc()
		log.Warn("unexpected response code", "response_code", resp.ResponseCode)
		return retry.Transient(fmt.Errorf("transaction %s: unexpected response code %d", task.MD5, resp.ResponseCode))
	}
}

// dispatch forwards the terminal outcome. data is the settlement record for
// success and nil for timeouts and failures.
func (p *Poller) dispatch(ctx context.Context, task model.PollTask, status model.Status, data *model.TransactionRecord) error {
	err := p.dispatcher.Dispatch(ctx, model.WebhookTask{
		JobID:      task.JobID,
		WebhookURL: task.WebhookURL,
		MD5:        task.MD5,
		Status:     status,
		Data:       data,
	})
	if err != nil {
		metrics.PollAttemptsTotal.WithLabelValues("dispatch_error").Inc()
		return fmt.Errorf("dispatch %s outcome for %s: %w", status, task.JobID, err)
	}
	return nil
}
