package bakong

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rachhen/khqr-webhook/internal/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func signedToken(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"data": map[string]string{"id": "acct-1"},
		"exp":  expiresAt.Unix(),
		"iat":  time.Now().Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func TestCheckTransactionByMD5_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/check_transaction_by_md5", r.URL.Path)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "d60f3db96913c7db7ec9efad24ffa90d", body["md5"])

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"responseCode": 0,
			"responseMessage": "Getting transaction successfully.",
			"errorCode": null,
			"data": {
				"hash": "d60f3db96913c7db7ec9efad24ffa90d",
				"fromAccountId": "payer@bank",
				"toAccountId": "merchant@bank",
				"currency": "KHR",
				"amount": 1000,
				"description": "coffee",
				"createdDateMs": 1717200000000,
				"acknowledgedDateMs": 1717200004000
			}
		}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, testLogger())
	resp, err := c.CheckTransactionByMD5(context.Background(), "tok-123", "d60f3db96913c7db7ec9efad24ffa90d")
	require.NoError(t, err)

	assert.True(t, resp.Settled())
	assert.False(t, resp.Failed())
	require.NotNil(t, resp.Data)
	assert.Equal(t, "merchant@bank", resp.Data.ToAccountID)
	assert.Equal(t, float64(1000), resp.Data.Amount)
}

func TestCheckTransactionByMD5_Classification(t *testing.T) {
	testCases := []struct {
		name    string
		body    string
		settled bool
		failed  bool
	}{
		{
			name:    "definitively failed",
			body:    `{"responseCode":1,"responseMessage":"Transaction failed.","errorCode":3,"data":null}`,
			settled: false,
			failed:  true,
		},
		{
			name:    "not found yet",
			body:    `{"responseCode":1,"responseMessage":"Transaction could not be found.","errorCode":1,"data":null}`,
			settled: false,
			failed:  false,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			c := NewClient(srv.URL, time.Second, testLogger())
			resp, err := c.CheckTransactionByMD5(context.Background(), "tok", "abc")
			require.NoError(t, err)
			assert.Equal(t, tc.settled, resp.Settled())
			assert.Equal(t, tc.failed, resp.Failed())
		})
	}
}

func TestCheckTransactionByMD5_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, testLogger())
	_, err := c.CheckTransactionByMD5(context.Background(), "tok", "abc")
	require.Error(t, err)
	assert.True(t, retry.Classify(err).IsTransient())
}

func TestCheckTransactionByMD5_ClientErrorKeepsPolling(t *testing.T) {
	// An expired token or a routing mishap on the check path must not park
	// the poll job; the tracking window is the only deadline, and it still
	// owes the receiver a timeout notification.
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			}))
			defer srv.Close()

			c := NewClient(srv.URL, time.Second, testLogger())
			_, err := c.CheckTransactionByMD5(context.Background(), "expired", "abc")
			require.Error(t, err)
			assert.True(t, retry.Classify(err).IsTransient())
		})
	}
}

func TestRenewToken_UnauthorizedIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, testLogger())
	_, err := c.RenewToken(context.Background(), "merchant@example.com")
	require.Error(t, err)
	assert.False(t, retry.Classify(err).IsTransient())
}

func TestRenewToken_Success(t *testing.T) {
	expiresAt := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	token := signedToken(t, expiresAt)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/renew_token", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "merchant@example.com", body["email"])

		resp := map[string]any{
			"responseCode":    0,
			"responseMessage": "Token has been issued",
			"errorCode":       nil,
			"data":            map[string]string{"token": token},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, testLogger())
	cred, err := c.RenewToken(context.Background(), "merchant@example.com")
	require.NoError(t, err)
	assert.Equal(t, token, cred.Token)
	assert.WithinDuration(t, expiresAt, cred.ExpiresAt, time.Second)
}

func TestRenewToken_NotRegistered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"responseCode":1,"responseMessage":"Not registered yet","errorCode":10,"data":null}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, testLogger())
	_, err := c.RenewToken(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestDecodeTokenExpiry(t *testing.T) {
	expiresAt := time.Now().Add(time.Hour).Truncate(time.Second)
	got, err := DecodeTokenExpiry(signedToken(t, expiresAt))
	require.NoError(t, err)
	assert.WithinDuration(t, expiresAt, got, time.Second)

	_, err = DecodeTokenExpiry("not-a-jwt")
	assert.Error(t, err)
}

func TestTokenExpired(t *testing.T) {
	now := time.Now()
	assert.False(t, TokenExpired(signedToken(t, now.Add(time.Hour)), now))
	assert.True(t, TokenExpired(signedToken(t, now.Add(-time.Hour)), now))
	assert.True(t, TokenExpired("garbage", now))
}
