package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/rachhen/khqr-webhook/internal/circuitbreaker"
	"github.com/rachhen/khqr-webhook/internal/domain/model"
	"github.com/rachhen/khqr-webhook/internal/metrics"
	"github.com/rachhen/khqr-webhook/internal/queue"
	"github.com/rachhen/khqr-webhook/internal/retry"
	"github.com/rachhen/khqr-webhook/internal/tracing"
)

// deliveryBody is the JSON document POSTed to the receiver. The webhook URL
// itself never appears in the body.
type deliveryBody struct {
	Status model.Status             `json:"status"`
	Data   *model.TransactionRecord `json:"data"`
	MD5    string                   `json:"md5"`
	JobID  string                   `json:"jobId"`
}

// Deliverer executes webhook delivery jobs: one HTTP POST per attempt,
// gated by the receiver host's circuit breaker. Every failure is reported
// transient; exhausting the attempt budget is what parks the job as failed,
// where a later dispatch of the same id can re-arm it.
type Deliverer struct {
	httpClient *http.Client
	breakers   *circuitbreaker.Registry
	logger     *slog.Logger
}

func NewDeliverer(timeout time.Duration, breakers *circuitbreaker.Registry, logger *slog.Logger) *Deliverer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Deliverer{
		httpClient: &http.Client{Timeout: timeout},
		breakers:   breakers,
		logger:     logger.With("component", "webhook_deliverer"),
	}
}

// Handle processes one delivery attempt.
func (d *Deliverer) Handle(ctx context.Context, job queue.Job) error {
	var task model.WebhookTask
	if err := json.Unmarshal(job.Payload(), &task); err != nil {
		return retry.Terminal(fmt.Errorf("decode webhook task %s: %w", job.ID(), err))
	}

	ctx, span := tracing.Tracer("notifier").Start(ctx, "notifier.deliver",
		otelTrace.WithAttributes(
			attribute.String("job_id", task.JobID),
			attribute.String("status", task.Status.String()),
			attribute.Int("attempt", job.AttemptsStarted()),
		),
	)
	defer span.End()

	log := d.logger.With("job_id", task.JobID, "status", task.Status.String(), "attempt", job.AttemptsStarted())

	target, err := url.Parse(task.WebhookURL)
	if err == nil && target.Host == "" {
		err = fmt.Errorf("missing host")
	}
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("bad_url").Inc()
		return retry.Terminal(fmt.Errorf("webhook url %q: %w", task.WebhookURL, err))
	}

	breaker := d.breakers.For(target.Host)
	if err := breaker.Allow(); err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("circuit_open").Inc()
		log.Warn("delivery skipped, receiver circuit open", "host", target.Host)
		return retry.Transient(fmt.Errorf("webhook to %s: %w", target.Host, err))
	}

	start := time.Now()
	status, err := d.post(ctx, task)
	metrics.WebhookDeliveryLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		breaker.RecordFailure()
		metrics.WebhookDeliveriesTotal.WithLabelValues("transport_error").Inc()
		log.Warn("delivery transport failure", "error", err)
		return retry.Transient(fmt.Errorf("webhook to %s: %w", target.Host, err))
	}
	if status < 200 || status >= 300 {
		breaker.RecordFailure()
		metrics.WebhookDeliveriesTotal.WithLabelValues(fmt.Sprintf("http_%d", status)).Inc()
		log.Warn("delivery rejected by receiver", "http_status", status)
		return retry.Transient(fmt.Errorf("webhook to %s: http status %d", target.Host, status))
	}

	breaker.RecordSuccess()
	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	if err := job.UpdateProgress(ctx, 100); err != nil {
		log.Warn("record delivery progress", "error", err)
	}
	log.Info("webhook delivered", "http_status", status)
	return nil
}

// post sends the outcome and returns the receiver's HTTP status. The
// response body is drained but its content is advisory only; a 2xx with an
// unreadable or non-JSON body still counts as delivered.
func (d *Deliverer) post(ctx context.Context, task model.WebhookTask) (int, error) {
	body, err := json.Marshal(deliveryBody{
		Status: task.Status,
		Data:   task.Data,
		MD5:    task.MD5,
		JobID:  task.JobID,
	})
	if err != nil {
		return 0, fmt.Errorf("encode delivery body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16)); err == nil && len(raw) > 0 {
		var ack map[string]any
		if err := json.Unmarshal(raw, &ack); err != nil {
			d.logger.Debug("receiver response is not json", "job_id", task.JobID)
		}
	}

	return resp.StatusCode, nil
}
