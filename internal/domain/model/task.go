package model

// Status is the terminal outcome delivered to the webhook receiver.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
)

func (s Status) String() string {
	return string(s)
}

func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimeout:
		return true
	default:
		return false
	}
}

// PollTask is one unit of tracking work. It is the payload of a poll job;
// the job's enqueue timestamp plus the staleness window is the hard deadline
// for the whole tracking attempt.
type PollTask struct {
	// JobID is the caller-supplied correlation id, unique per logical
	// tracking attempt. It doubles as the queue dedup key for the poll job
	// and as the idempotency key of the eventual webhook delivery.
	JobID string `json:"jobId"`

	// MD5 is the content hash identifying the transaction in Bakong.
	MD5 string `json:"md5"`

	// WebhookURL receives the terminal outcome.
	WebhookURL string `json:"webhookUrl"`

	// Token is the bearer credential authorizing status queries. It may be
	// short-lived; it only has to outlive the staleness window.
	Token string `json:"token"`
}

// WebhookTask is the outcome to deliver. JobID is the dedup key: at most one
// in-flight, non-terminally-failed delivery exists per JobID at a time.
type WebhookTask struct {
	JobID      string             `json:"jobId"`
	WebhookURL string             `json:"webhookUrl"`
	MD5        string             `json:"md5"`
	Status     Status             `json:"status"`
	Data       *TransactionRecord `json:"data"`
}
