package bakong

import (
	"errors"
	"time"

	"github.com/rachhen/khqr-webhook/internal/domain/model"
)

// DefaultBaseURL is the production Bakong API. A custom base URL can be
// configured for testing against a stub.
const DefaultBaseURL = "https://api-bakong.nbc.gov.kh"

// Response codes shared by all Bakong endpoints.
const (
	ResponseCodeSuccess = 0
	ResponseCodeError   = 1
)

// Error codes carried when responseCode is 1.
const (
	ErrorCodeNotFound          = 1
	ErrorCodeTransactionFailed = 3
	ErrorCodeNotRegistered     = 10
)

// ErrNotRegistered means the principal email has no Bakong registration and
// can never be issued a token.
var ErrNotRegistered = errors.New("bakong: email not registered")

// TransactionResponse is the raw check_transaction_by_md5 payload.
type TransactionResponse struct {
	ResponseCode    int                      `json:"responseCode"`
	ResponseMessage string                   `json:"responseMessage"`
	ErrorCode       *int                     `json:"errorCode"`
	Data            *model.TransactionRecord `json:"data"`
}

// Settled reports a definitive successful settlement.
func (r *TransactionResponse) Settled() bool {
	return r.ResponseCode == ResponseCodeSuccess
}

// Failed reports a definitive failed transaction, which is terminal: no
// amount of further polling can change it.
func (r *TransactionResponse) Failed() bool {
	return r.ResponseCode == ResponseCodeError &&
		r.ErrorCode != nil && *r.ErrorCode == ErrorCodeTransactionFailed
}

type tokenResponse struct {
	ResponseCode    int    `json:"responseCode"`
	ResponseMessage string `json:"responseMessage"`
	ErrorCode       *int   `json:"errorCode"`
	Data            *struct {
		Token string `json:"token"`
	} `json:"data"`
}

// Credential is an issued bearer token together with the expiry recovered
// from its embedded claims.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}
