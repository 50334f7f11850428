package model

// TransactionRecord is the settlement payload returned by the Bakong API for
// a settled transaction. It is forwarded to the webhook receiver verbatim and
// never mutated by this service.
type TransactionRecord struct {
	Hash               string  `json:"hash"`
	FromAccountID      string  `json:"fromAccountId"`
	ToAccountID        string  `json:"toAccountId"`
	Currency           string  `json:"currency"`
	Amount             float64 `json:"amount"`
	Description        string  `json:"description"`
	CreatedDateMs      int64   `json:"createdDateMs"`
	AcknowledgedDateMs int64   `json:"acknowledgedDateMs"`
}
