package tracker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rachhen/khqr-webhook/internal/bakong"
	"github.com/rachhen/khqr-webhook/internal/domain/model"
	"github.com/rachhen/khqr-webhook/internal/poller"
	"github.com/rachhen/khqr-webhook/internal/queue"
	"github.com/rachhen/khqr-webhook/internal/queue/memqueue"
	"github.com/rachhen/khqr-webhook/internal/tokencache"
)

const testEmail = "merchant@example.com"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAPI struct {
	cred       bakong.Credential
	credErr    error
	renewCalls int

	response *bakong.TransactionResponse
	checkErr error
}

func (a *fakeAPI) CheckTransactionByMD5(ctx context.Context, token, md5 string) (*bakong.TransactionResponse, error) {
	if a.checkErr != nil {
		return nil, a.checkErr
	}
	return a.response, nil
}

func (a *fakeAPI) RenewToken(ctx context.Context, email string) (bakong.Credential, error) {
	a.renewCalls++
	if a.credErr != nil {
		return bakong.Credential{}, a.credErr
	}
	return a.cred, nil
}

func newTestService(api *fakeAPI) (*Service, *memqueue.Queue) {
	q := memqueue.New(testLogger())
	svc := NewService(q, tokencache.NewMemoryCache(), api, testEmail, testLogger())
	return svc, q
}

func validRequest() TrackRequest {
	return TrackRequest{
		JobID:      "order-42",
		MD5:        "d60f3db96913c7db7ec9efad24ffa90d",
		WebhookURL: "https://hooks.example.com/khqr",
	}
}

// freshCredential issues a real signed token so the expiry embedded in its
// claims survives the cache round trip.
func freshCredential(t *testing.T) bakong.Credential {
	t.Helper()
	expiresAt := time.Now().Add(24 * time.Hour)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"data": map[string]string{"id": "acct-1"},
		"exp":  expiresAt.Unix(),
		"iat":  time.Now().Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return bakong.Credential{Token: signed, ExpiresAt: expiresAt}
}

func TestTrack_SeedsPollJob(t *testing.T) {
	api := &fakeAPI{cred: freshCredential(t)}
	svc, q := newTestService(api)

	res, err := svc.Track(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, "order-42", res.JobID)
	assert.False(t, res.Duplicate)

	job, err := q.GetJob(context.Background(), poller.QueueName, "order-42")
	require.NoError(t, err)

	var task model.PollTask
	require.NoError(t, json.Unmarshal(job.Payload(), &task))
	assert.Equal(t, "order-42", task.JobID)
	assert.Equal(t, "d60f3db96913c7db7ec9efad24ffa90d", task.MD5)
	assert.Equal(t, "https://hooks.example.com/khqr", task.WebhookURL)
	assert.Equal(t, api.cred.Token, task.Token)
}

func TestTrack_GeneratesJobIDWhenMissing(t *testing.T) {
	api := &fakeAPI{cred: freshCredential(t)}
	svc, _ := newTestService(api)

	req := validRequest()
	req.JobID = ""
	res, err := svc.Track(context.Background(), req)
	require.NoError(t, err)

	_, err = uuid.Parse(res.JobID)
	assert.NoError(t, err, "generated job ids are uuids")
}

func TestTrack_DuplicateJobIDLeavesOriginalAlone(t *testing.T) {
	api := &fakeAPI{cred: freshCredential(t)}
	svc, q := newTestService(api)

	_, err := svc.Track(context.Background(), validRequest())
	require.NoError(t, err)

	second := validRequest()
	second.WebhookURL = "https://elsewhere.example.com/khqr"
	res, err := svc.Track(context.Background(), second)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	job, err := q.GetJob(context.Background(), poller.QueueName, "order-42")
	require.NoError(t, err)
	var task model.PollTask
	require.NoError(t, json.Unmarshal(job.Payload(), &task))
	assert.Equal(t, "https://hooks.example.com/khqr", task.WebhookURL)
}

func TestTrack_Validation(t *testing.T) {
	svc, _ := newTestService(&fakeAPI{cred: freshCredential(t)})

	testCases := []struct {
		name   string
		mutate func(*TrackRequest)
	}{
		{"missing md5", func(r *TrackRequest) { r.MD5 = "" }},
		{"missing webhook url", func(r *TrackRequest) { r.WebhookURL = "" }},
		{"relative webhook url", func(r *TrackRequest) { r.WebhookURL = "/hooks/khqr" }},
		{"non-http scheme", func(r *TrackRequest) { r.WebhookURL = "ftp://hooks.example.com" }},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)
			_, err := svc.Track(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestTrack_TokenIssuanceFailureIsSynchronous(t *testing.T) {
	api := &fakeAPI{credErr: bakong.ErrNotRegistered}
	svc, q := newTestService(api)

	_, err := svc.Track(context.Background(), validRequest())
	require.ErrorIs(t, err, bakong.ErrNotRegistered)

	_, err = q.GetJob(context.Background(), poller.QueueName, "order-42")
	assert.ErrorIs(t, err, queue.ErrJobNotFound, "no job is seeded without a credential")
}

func TestTrack_ReusesCachedToken(t *testing.T) {
	api := &fakeAPI{cred: freshCredential(t)}
	svc, _ := newTestService(api)

	_, err := svc.Track(context.Background(), validRequest())
	require.NoError(t, err)

	req := validRequest()
	req.JobID = "order-43"
	_, err = svc.Track(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1, api.renewCalls, "second track must hit the token cache")
}

func TestTrack_ExpiredCachedTokenIsRenewed(t *testing.T) {
	api := &fakeAPI{cred: freshCredential(t)}
	q := memqueue.New(testLogger())
	cache := tokencache.NewMemoryCache()
	svc := NewService(q, cache, api, testEmail, testLogger())

	// A token whose embedded expiry has passed must not be reused even if
	// the cache still returns it.
	require.NoError(t, cache.Set(context.Background(), testEmail, "not-a-decodable-jwt", time.Now().Add(time.Hour)))

	_, err := svc.Track(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, api.renewCalls)
}

func TestLookup(t *testing.T) {
	record := &model.TransactionRecord{Hash: "abc", Currency: "KHR", Amount: 500}

	testCases := []struct {
		name     string
		response *bakong.TransactionResponse
		want     *model.TransactionRecord
		wantErr  error
	}{
		{
			name:     "settled",
			response: &bakong.TransactionResponse{ResponseCode: bakong.ResponseCodeSuccess, Data: record},
			want:     record,
		},
		{
			name: "failed",
			response: &bakong.TransactionResponse{
				ResponseCode: bakong.ResponseCodeError,
				ErrorCode:    func() *int { v := bakong.ErrorCodeTransactionFailed; return &v }(),
			},
			wantErr: ErrTransactionFailed,
		},
		{
			name: "not found",
			response: &bakong.TransactionResponse{
				ResponseCode: bakong.ResponseCodeError,
				ErrorCode:    func() *int { v := bakong.ErrorCodeNotFound; return &v }(),
			},
			wantErr: ErrTransactionNotFound,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			api := &fakeAPI{cred: freshCredential(t), response: tc.response}
			svc, _ := newTestService(api)

			got, err := svc.Lookup(context.Background(), "abc")
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestLookup_RequiresMD5(t *testing.T) {
	svc, _ := newTestService(&fakeAPI{cred: freshCredential(t)})
	_, err := svc.Lookup(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
