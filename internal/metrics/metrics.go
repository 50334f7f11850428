package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters and histograms for the poll state machine, webhook delivery and
// the Bakong client, partitioned by outcome.

var (
	// Poll worker
	PollAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "khqr",
		Subsystem: "poll",
		Name:      "attempts_total",
		Help:      "Total poll attempts by classified outcome",
	}, []string{"outcome"})

	PollAttemptLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "khqr",
		Subsystem: "poll",
		Name:      "attempt_duration_seconds",
		Help:      "Poll attempt processing duration",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// Webhook delivery
	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "khqr",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Total webhook delivery attempts by result",
	}, []string{"result"})

	WebhookDeliveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "khqr",
		Subsystem: "webhook",
		Name:      "delivery_duration_seconds",
		Help:      "Webhook POST duration",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// Bakong client
	BakongCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "khqr",
		Subsystem: "bakong",
		Name:      "calls_total",
		Help:      "Total Bakong API calls by endpoint and status",
	}, []string{"endpoint", "status"})

	BakongRateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "khqr",
		Subsystem: "bakong",
		Name:      "rate_limit_waits_total",
		Help:      "Total Bakong API calls delayed by the client rate limiter",
	})

	// Tracking surface
	TrackRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "khqr",
		Subsystem: "tracker",
		Name:      "track_requests_total",
		Help:      "Total track requests by outcome",
	}, []string{"outcome"})

	TokenCacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "khqr",
		Subsystem: "tracker",
		Name:      "token_cache_lookups_total",
		Help:      "Total token cache lookups by result",
	}, []string{"result"})
)
