// Package notifier owns the outbound half of the tracker: once a tracking
// attempt reaches a terminal status, a webhook job carries the outcome to
// the receiver. Dispatch is idempotent per job id, delivery is retried on a
// short exponential backoff, and per-host circuit breakers keep one dead
// receiver from burning attempt budgets elsewhere.
package notifier

import "time"

// QueueName is the webhook delivery queue.
const QueueName = "webhook"

// Concurrency is the number of simultaneous delivery slots.
const Concurrency = 20

const (
	deliveryAttempts = 5
	deliveryBackoff  = 500 * time.Millisecond

	keepCompleted = 5500
	keepFailed    = 8500
)
