// Package tracker is the entry point for tracking attempts: it validates
// the request, obtains a Bakong credential, and seeds the poll queue. It
// also offers a one-shot status lookup that bypasses the queue entirely.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/rachhen/khqr-webhook/internal/bakong"
	"github.com/rachhen/khqr-webhook/internal/domain/model"
	"github.com/rachhen/khqr-webhook/internal/metrics"
	"github.com/rachhen/khqr-webhook/internal/poller"
	"github.com/rachhen/khqr-webhook/internal/queue"
	"github.com/rachhen/khqr-webhook/internal/tokencache"
)

var (
	// ErrInvalidRequest marks client-side validation failures.
	ErrInvalidRequest = errors.New("tracker: invalid request")

	// ErrTransactionNotFound is returned by Lookup when Bakong has not seen
	// the transaction (yet).
	ErrTransactionNotFound = errors.New("tracker: transaction not found")

	// ErrTransactionFailed is returned by Lookup for definitively failed
	// transactions.
	ErrTransactionFailed = errors.New("tracker: transaction failed")
)

// TrackRequest asks to follow one transaction until it settles, fails or
// times out.
type TrackRequest struct {
	// JobID is the caller's correlation id. Empty means generate one.
	JobID string

	// MD5 identifies the transaction in Bakong.
	MD5 string

	// WebhookURL receives the terminal outcome.
	WebhookURL string
}

// TrackResult reports the accepted tracking attempt.
type TrackResult struct {
	JobID string

	// Duplicate is set when a job with this id already existed; the
	// original attempt keeps running untouched.
	Duplicate bool
}

// Service coordinates request validation, credential management and queue
// seeding.
type Service struct {
	queue  queue.Queue
	cache  tokencache.Cache
	api    bakong.API
	email  string
	clock  func() time.Time
	logger *slog.Logger
}

func NewService(q queue.Queue, cache tokencache.Cache, api bakong.API, email string, logger *slog.Logger) *Service {
	return &Service{
		queue:  q,
		cache:  cache,
		api:    api,
		email:  email,
		clock:  time.Now,
		logger: logger.With("component", "tracker"),
	}
}

// WithClock overrides the time source used for token expiry checks.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Track seeds a poll job for the transaction. Seeding is synchronous up to
// and including credential issuance, so a caller with a bad registration
// finds out immediately instead of via a dead queue job.
func (s *Service) Track(ctx context.Context, req TrackRequest) (TrackResult, error) {
	if err := validate(req); err != nil {
		metrics.TrackRequestsTotal.WithLabelValues("invalid").Inc()
		return TrackResult{}, err
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	log := s.logger.With("job_id", jobID, "md5", req.MD5)

	if _, err := s.queue.GetJob(ctx, poller.QueueName, jobID); err == nil {
		metrics.TrackRequestsTotal.WithLabelValues("duplicate").Inc()
		log.Info("tracking attempt already exists")
		return TrackResult{JobID: jobID, Duplicate: true}, nil
	} else if !errors.Is(err, queue.ErrJobNotFound) {
		metrics.TrackRequestsTotal.WithLabelValues("queue_error").Inc()
		return TrackResult{}, fmt.Errorf("look up poll job %s: %w", jobID, err)
	}

	token, err := s.credential(ctx)
	if err != nil {
		metrics.TrackRequestsTotal.WithLabelValues("token_error").Inc()
		return TrackResult{}, fmt.Errorf("obtain credential: %w", err)
	}

	payload, err := json.Marshal(model.PollTask{
		JobID:      jobID,
		MD5:        req.MD5,
		WebhookURL: req.WebhookURL,
		Token:      token,
	})
	if err != nil {
		return TrackResult{}, fmt.Errorf("encode poll task %s: %w", jobID, err)
	}

	if _, err := s.queue.Enqueue(ctx, poller.QueueName, jobID, payload, poller.EnqueueOptions()); err != nil {
		metrics.TrackRequestsTotal.WithLabelValues("queue_error").Inc()
		return TrackResult{}, fmt.Errorf("enqueue poll job %s: %w", jobID, err)
	}

	metrics.TrackRequestsTotal.WithLabelValues("accepted").Inc()
	log.Info("tracking attempt accepted", "webhook_url", req.WebhookURL)
	return TrackResult{JobID: jobID}, nil
}

// Lookup asks Bakong for the current settlement status once, without
// touching the queue.
func (s *Service) Lookup(ctx context.Context, md5 string) (*model.TransactionRecord, error) {
	if md5 == "" {
		return nil, fmt.Errorf("%w: md5 is required", ErrInvalidRequest)
	}

	token, err := s.credential(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtain credential: %w", err)
	}

	resp, err := s.api.CheckTransactionByMD5(ctx, token, md5)
	if err != nil {
		return nil, fmt.Errorf("check transaction %s: %w", md5, err)
	}

	switch {
	case resp.Settled():
		return resp.Data, nil
	case resp.Failed():
		return nil, fmt.Errorf("%w: %s", ErrTransactionFailed, resp.ResponseMessage)
	default:
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, resp.ResponseMessage)
	}
}

// credential returns a token valid now, from cache when possible. Concurrent
// misses may race to renew; last write wins and every returned token is
// usable.
func (s *Service) credential(ctx context.Context) (string, error) {
	token, ok, err := s.cache.Get(ctx, s.email)
	if err != nil {
		s.logger.Warn("token cache lookup failed", "error", err)
	}
	if ok && !bakong.TokenExpired(token, s.clock()) {
		metrics.TokenCacheLookupsTotal.WithLabelValues("hit").Inc()
		return token, nil
	}
	metrics.TokenCacheLookupsTotal.WithLabelValues("miss").Inc()

	cred, err := s.api.RenewToken(ctx, s.email)
	if err != nil {
		return "", err
	}
	if err := s.cache.Set(ctx, s.email, cred.Token, cred.ExpiresAt); err != nil {
		s.logger.Warn("token cache write failed", "error", err)
	}
	return cred.Token, nil
}

func validate(req TrackRequest) error {
	if req.MD5 == "" {
		return fmt.Errorf("%w: md5 is required", ErrInvalidRequest)
	}
	if req.WebhookURL == "" {
		return fmt.Errorf("%w: webhookUrl is required", ErrInvalidRequest)
	}
	target, err := url.Parse(req.WebhookURL)
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		return fmt.Errorf("%w: webhookUrl must be an absolute http(s) url", ErrInvalidRequest)
	}
	return nil
}
