package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move through the open cooldown without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(cfg Config, clock *fakeClock) *Breaker {
	cfg.now = clock.Now
	return New("hooks.example.com", cfg)
}

func TestBreaker_Defaults(t *testing.T) {
	b := New("hooks.example.com", Config{})
	assert.Equal(t, StateClosed, b.CurrentState())
	assert.Equal(t, 5, b.cfg.FailureThreshold)
	assert.Equal(t, 2, b.cfg.SuccessThreshold)
	assert.Equal(t, 30*time.Second, b.cfg.OpenTimeout)
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := newTestBreaker(Config{FailureThreshold: 3}, newFakeClock())

	b.RecordFailure()
	b.RecordFailure()
	require.NoError(t, b.Allow(), "below threshold must stay closed")

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.CurrentState())
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestBreaker_SuccessBreaksTheStreak(t *testing.T) {
	b := newTestBreaker(Config{FailureThreshold: 3}, newFakeClock())

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	require.NoError(t, b.Allow())
	assert.Equal(t, StateClosed, b.CurrentState())
}

func TestBreaker_CooldownMovesToHalfOpen(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(Config{FailureThreshold: 1, OpenTimeout: 10 * time.Second}, clock)

	b.RecordFailure()
	assert.ErrorIs(t, b.Allow(), ErrOpen)

	clock.Advance(11 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.CurrentState())
}

func TestBreaker_HalfOpenClosesAfterProbes(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		OpenTimeout:      10 * time.Second,
	}, clock)

	b.RecordFailure()
	clock.Advance(11 * time.Second)
	require.NoError(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.CurrentState(), "one probe is not enough")

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.CurrentState())
}

func TestBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		OpenTimeout:      10 * time.Second,
	}, clock)

	b.RecordFailure()
	clock.Advance(11 * time.Second)
	require.NoError(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.CurrentState())
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestBreaker_StateChangeCallbackCarriesHost(t *testing.T) {
	type transition struct {
		host     string
		from, to State
	}
	var transitions []transition

	clock := newFakeClock()
	cfg := Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		OpenTimeout:      10 * time.Second,
		OnStateChange: func(host string, from, to State) {
			transitions = append(transitions, transition{host, from, to})
		},
		now: clock.Now,
	}
	b := New("hooks.example.com", cfg)

	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(11 * time.Second)
	_ = b.Allow()
	b.RecordSuccess()

	require.Len(t, transitions, 3)
	assert.Equal(t, transition{"hooks.example.com", StateClosed, StateOpen}, transitions[0])
	assert.Equal(t, transition{"hooks.example.com", StateOpen, StateHalfOpen}, transitions[1])
	assert.Equal(t, transition{"hooks.example.com", StateHalfOpen, StateClosed}, transitions[2])
}

func TestRegistry_OneBreakerPerHost(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 1})

	a := reg.For("a.example.com")
	b := reg.For("b.example.com")
	assert.NotSame(t, a, b)
	assert.Same(t, a, reg.For("a.example.com"))

	a.RecordFailure()
	assert.ErrorIs(t, a.Allow(), ErrOpen)
	assert.NoError(t, b.Allow(), "tripping one host must not block another")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := newTestBreaker(Config{FailureThreshold: 10, SuccessThreshold: 5}, newFakeClock())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				switch id % 4 {
				case 0:
					b.RecordSuccess()
				case 1:
					b.RecordFailure()
				case 2:
					_ = b.Allow()
				case 3:
					_ = b.CurrentState()
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Contains(t, []State{StateClosed, StateOpen, StateHalfOpen}, b.CurrentState())
}
