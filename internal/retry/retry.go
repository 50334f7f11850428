package retry

import (
	"context"
	"errors"
	"net"
	"strings"
)

type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

type classifiedError struct {
	err    error
	class  Class
	reason string
}

func (e *classifiedError) Error() string {
	return e.err.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.err
}

// Transient marks err as retryable: the queue reschedules the job per its
// backoff policy until the attempt budget is exhausted.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{
		err:    err,
		class:  ClassTransient,
		reason: "explicit_transient",
	}
}

// Terminal marks err as unrecoverable: the queue fails the job permanently
// and never reschedules it.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{
		err:    err,
		class:  ClassTerminal,
		reason: "explicit_terminal",
	}
}

// Classify decides whether an error returned by a worker handler should stop
// the job or reschedule it. Only errors explicitly marked Terminal (or a
// canceled context) stop a job; everything else, including unknown errors,
// is treated as retryable so that a transient outage never silently eats a
// tracking attempt.
func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassTerminal, Reason: "nil_error"}
	}

	var marked *classifiedError
	if errors.As(err, &marked) {
		return Decision{Class: marked.class, Reason: marked.reason}
	}

	if errors.Is(err, context.Canceled) {
		return Decision{Class: ClassTerminal, Reason: "context_canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Class: ClassTransient, Reason: "context_deadline_exceeded"}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Decision{Class: ClassTransient, Reason: "net_timeout"}
		}
		return Decision{Class: ClassTransient, Reason: "net_error"}
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, terminalMessageTokens) {
		return Decision{Class: ClassTerminal, Reason: "message_terminal"}
	}
	if containsAny(lower, transientMessageTokens) {
		return Decision{Class: ClassTransient, Reason: "message_transient"}
	}

	return Decision{Class: ClassTransient, Reason: "unknown_transient_default"}
}

// ClassifyHTTPStatus maps a remote HTTP status code to a retry class:
// 5xx and 429 are transient, other non-2xx codes are terminal.
func ClassifyHTTPStatus(status int) Decision {
	switch {
	case status >= 200 && status < 300:
		return Decision{Class: ClassTerminal, Reason: "http_success"}
	case status == 429:
		return Decision{Class: ClassTransient, Reason: "http_rate_limited"}
	case status >= 500:
		return Decision{Class: ClassTransient, Reason: "http_server_error"}
	default:
		return Decision{Class: ClassTerminal, Reason: "http_client_error"}
	}
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var transientMessageTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"econnreset",
	"econnrefused",
	"too many requests",
	"rate limit",
	"http status 429",
	"http status 502",
	"http status 503",
	"http status 504",
	"server closed idle connection",
}

var terminalMessageTokens = []string{
	"unauthorized",
	"invalid token",
	"not registered",
	"invalid argument",
	"malformed payload",
}
