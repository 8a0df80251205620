package breaker

import (
	"sync"

	"github.com/butlerfleet/butlerd/pkg/config"
	"github.com/butlerfleet/butlerd/pkg/metrics"
)

// Set lazily creates one breaker per provider key. Breakers are
// process-local and reset on daemon restart.
type Set struct {
	cfg     *config.BreakerConfig
	metrics *metrics.Metrics

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewSet creates an empty breaker set sharing one config.
func NewSet(cfg *config.BreakerConfig, m *metrics.Metrics) *Set {
	return &Set{
		cfg:      cfg,
		metrics:  m,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for the provider, creating it on first use.
func (s *Set) For(provider string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[provider]
	if !ok {
		b = New(provider, s.cfg, s.metrics)
		s.breakers[provider] = b
	}
	return b
}

// Statuses returns snapshots of every breaker created so far.
func (s *Set) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.breakers))
	for _, b := range s.breakers {
		out = append(out, b.Status())
	}
	return out
}
