// Package circuitbreaker guards outbound webhook deliveries. Each receiver
// host gets its own breaker so one dead endpoint cannot starve deliveries
// to healthy ones.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow while the breaker is rejecting calls.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker lifecycle state.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // rejecting calls until the cooldown passes
	StateHalfOpen              // probing whether the endpoint recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a breaker. Zero values fall back to defaults suited to
// webhook receivers: trip after 5 consecutive failures, cool down for 30s,
// close again after 2 probe successes.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
	OnStateChange    func(host string, from, to State)

	now func() time.Time
}

// Breaker is a consecutive-failure circuit breaker for a single host.
type Breaker struct {
	host          string
	mu            sync.Mutex
	state         State
	failures      int
	probeHits     int
	lastFailureAt time.Time
	cfg           Config
}

func New(host string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &Breaker{host: host, state: StateClosed, cfg: cfg}
}

// Allow reports whether a call may proceed, moving an open breaker to
// half-open once the cooldown has elapsed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.cfg.now().Sub(b.lastFailureAt) > b.cfg.OpenTimeout {
			b.setState(StateHalfOpen)
			return nil
		}
		return ErrOpen
	}
	return nil
}

// RecordSuccess clears the failure streak and, in half-open, counts toward
// closing the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.probeHits++
		if b.probeHits >= b.cfg.SuccessThreshold {
			b.setState(StateClosed)
		}
	}
}

// RecordFailure extends the failure streak. A failure during a half-open
// probe reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.probeHits = 0
	b.lastFailureAt = b.cfg.now()

	switch {
	case b.state == StateHalfOpen:
		b.setState(StateOpen)
	case b.state == StateClosed && b.failures >= b.cfg.FailureThreshold:
		b.setState(StateOpen)
	}
}

// CurrentState returns the state, applying the open-to-half-open transition
// when the cooldown has elapsed.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.cfg.now().Sub(b.lastFailureAt) > b.cfg.OpenTimeout {
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.probeHits = 0
	if to == StateClosed {
		b.failures = 0
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.host, from, to)
	}
}
