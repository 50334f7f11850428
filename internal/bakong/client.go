package bakong

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/rachhen/khqr-webhook/internal/metrics"
	"github.com/rachhen/khqr-webhook/internal/ratelimit"
	"github.com/rachhen/khqr-webhook/internal/retry"
)

// API is the Bakong settlement API surface the tracker depends on.
type API interface {
	// CheckTransactionByMD5 queries the settlement status of a transaction.
	CheckTransactionByMD5(ctx context.Context, token, md5 string) (*TransactionResponse, error)

	// RenewToken issues a fresh bearer token for a registered email.
	RenewToken(ctx context.Context, email string) (Credential, error)
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
	limiter    *ratelimit.Limiter
}

func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: baseURL,
		logger:  logger.With("component", "bakong"),
	}
}

// SetRateLimiter sets the outbound rate limiter for this client.
func (c *Client) SetRateLimiter(l *ratelimit.Limiter) {
	c.limiter = l
}

func (c *Client) CheckTransactionByMD5(ctx context.Context, token, md5 string) (*TransactionResponse, error) {
	const endpoint = "check_transaction_by_md5"

	body, err := c.post(ctx, endpoint, "/v1/check_transaction_by_md5", token, map[string]string{"md5": md5}, true)
	if err != nil {
		return nil, err
	}

	var resp TransactionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, retry.Transient(fmt.Errorf("bakong: decode %s response: %w", endpoint, err))
	}
	return &resp, nil
}

func (c *Client) RenewToken(ctx context.Context, email string) (Credential, error) {
	const endpoint = "renew_token"

	body, err := c.post(ctx, endpoint, "/v1/renew_token", "", map[string]string{"email": email}, false)
	if err != nil {
		return Credential{}, err
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Credential{}, fmt.Errorf("bakong: decode %s response: %w", endpoint, err)
	}

	if resp.ResponseCode != ResponseCodeSuccess || resp.Data == nil {
		if resp.ErrorCode != nil && *resp.ErrorCode == ErrorCodeNotRegistered {
			return Credential{}, fmt.Errorf("%w: %s", ErrNotRegistered, resp.ResponseMessage)
		}
		return Credential{}, fmt.Errorf("bakong: token issuance refused: %s", resp.ResponseMessage)
	}

	expiresAt, err := DecodeTokenExpiry(resp.Data.Token)
	if err != nil {
		return Credential{}, fmt.Errorf("bakong: issued token: %w", err)
	}

	return Credential{Token: resp.Data.Token, ExpiresAt: expiresAt}, nil
}

// post sends one JSON request and returns the raw response body. Transport
// errors always come back marked transient. Non-2xx classification depends
// on the call site: with retryAnyStatus every status is transient, so the
// poll path keeps rescheduling through auth or routing hiccups and the
// tracking window stays the only thing that ends a job without an outcome.
// Token issuance runs synchronously and surfaces client errors instead.
func (c *Client) post(ctx context.Context, endpoint, path, token string, payload any, retryAnyStatus bool) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("bakong: rate limiter: %w", err)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("bakong: marshal %s request: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("bakong: create %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.BakongCallsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return nil, retry.Transient(fmt.Errorf("bakong: %s request: %w", endpoint, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.BakongCallsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return nil, retry.Transient(fmt.Errorf("bakong: read %s response: %w", endpoint, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.BakongCallsTotal.WithLabelValues(endpoint, fmt.Sprintf("http_%d", resp.StatusCode)).Inc()
		statusErr := fmt.Errorf("bakong: %s returned http status %d", endpoint, resp.StatusCode)
		if retryAnyStatus || retry.ClassifyHTTPStatus(resp.StatusCode).IsTransient() {
			return nil, retry.Transient(statusErr)
		}
		return nil, retry.Terminal(statusErr)
	}

	metrics.BakongCallsTotal.WithLabelValues(endpoint, "ok").Inc()
	return respBody, nil
}
