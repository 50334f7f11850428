package circuitbreaker

import "sync"

// Registry lazily creates one breaker per webhook host, all sharing the
// same Config. Breakers are never evicted; the host set is bounded by the
// number of distinct receiver endpoints configured by callers.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for host, creating it on first use.
func (r *Registry) For(host string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[host]
	if !ok {
		b = New(host, r.cfg)
		r.breakers[host] = b
	}
	return b
}
