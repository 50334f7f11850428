package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rachhen/khqr-webhook/internal/domain/model"
	"github.com/rachhen/khqr-webhook/internal/queue"
)

// Dispatcher hands terminal outcomes to the webhook queue. Per job id it
// creates at most one delivery job: a repeat dispatch while a delivery is
// waiting or running is a no-op, and a repeat dispatch after the delivery
// failed terminally re-arms that job instead of creating a duplicate.
type Dispatcher struct {
	queue  queue.Queue
	logger *slog.Logger
}

func NewDispatcher(q queue.Queue, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		queue:  q,
		logger: logger.With("component", "webhook_dispatcher"),
	}
}

// EnqueueOptions is the retry policy for webhook deliveries.
func EnqueueOptions() queue.Options {
	return queue.Options{
		Attempts: deliveryAttempts,
		Backoff: queue.Backoff{
			Type:  queue.BackoffExponential,
			Delay: deliveryBackoff,
		},
		KeepCompleted: keepCompleted,
		KeepFailed:    keepFailed,
	}
}

// Dispatch schedules delivery of task, deduplicating on task.JobID.
func (d *Dispatcher) Dispatch(ctx context.Context, task model.WebhookTask) error {
	log := d.logger.With("job_id", task.JobID, "status", task.Status.String())

	existing, err := d.queue.GetJob(ctx, QueueName, task.JobID)
	if err != nil {
		if !errors.Is(err, queue.ErrJobNotFound) {
			return fmt.Errorf("look up webhook job %s: %w", task.JobID, err)
		}

		payload, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("encode webhook task %s: %w", task.JobID, err)
		}
		if _, err := d.queue.Enqueue(ctx, QueueName, task.JobID, payload, EnqueueOptions()); err != nil {
			return fmt.Errorf("enqueue webhook job %s: %w", task.JobID, err)
		}
		log.Info("webhook delivery scheduled")
		return nil
	}

	failed, err := existing.IsFailed(ctx)
	if err != nil {
		return fmt.Errorf("inspect webhook job %s: %w", task.JobID, err)
	}
	if failed {
		if err := existing.Retry(ctx); err != nil {
			return fmt.Errorf("retry webhook job %s: %w", task.JobID, err)
		}
		log.Info("failed webhook delivery re-armed")
		return nil
	}

	log.Debug("webhook delivery already pending")
	return nil
}
