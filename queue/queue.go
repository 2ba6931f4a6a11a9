// Package queue throttles the dequeue side of the generation pipeline.
//
// The admission-side fixed window caps how fast a tenant may create jobs;
// the Manager here additionally caps how fast the local worker pool drains
// them, with a token-bucket rate (golang.org/x/time/rate) and an
// active-count concurrency gate per tenant. A throttled job is returned to
// the queue with a short delay rather than dropped.
//
//	m := queue.NewManager(queue.Config{RateLimit: 2, MaxConcurrency: 1})
//	if m.Acquire(tenantID) {
//	    defer m.Release(tenantID)
//	    // process the job
//	}
//
// A Manager with a zero Config admits everything.
package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config defines the per-tenant dequeue limits. The same limits apply to
// every tenant; tenants not yet seen get fresh state on first Acquire.
type Config struct {
	// RateLimit is the maximum sustained jobs per second dequeued for one
	// tenant. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int

	// MaxConcurrency limits how many of one tenant's jobs may run
	// simultaneously in the local pool. Zero means no limit beyond the
	// pool-wide concurrency.
	MaxConcurrency int
}

// tenantState tracks runtime state for a single tenant.
type tenantState struct {
	limiter *rate.Limiter
	active  int
}

// Manager enforces per-tenant dequeue rate limiting and concurrency.
// It is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	config  Config
	tenants map[string]*tenantState
}

// NewManager creates a Manager with the given limits.
func NewManager(cfg Config) *Manager {
	return &Manager{
		config:  cfg,
		tenants: make(map[string]*tenantState),
	}
}

// Acquire checks rate and concurrency limits for the tenant. If the job is
// allowed to proceed it increments the active counter and returns true. The
// caller MUST call Release when the job completes.
func (m *Manager) Acquire(tenantID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.state(tenantID)

	if ts.limiter != nil && !ts.limiter.Allow() {
		return false
	}
	if m.config.MaxConcurrency > 0 && ts.active >= m.config.MaxConcurrency {
		return false
	}

	ts.active++
	return true
}

// Release decrements the active job count for the tenant.
func (m *Manager) Release(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ts, ok := m.tenants[tenantID]; ok && ts.active > 0 {
		ts.active--
	}
}

// ActiveCount returns the current number of active jobs for a tenant.
func (m *Manager) ActiveCount(tenantID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ts, ok := m.tenants[tenantID]; ok {
		return ts.active
	}
	return 0
}

// state returns (or lazily creates) the tenant's runtime state.
// Caller must hold m.mu.
func (m *Manager) state(tenantID string) *tenantState {
	ts, ok := m.tenants[tenantID]
	if !ok {
		ts = &tenantState{}
		if m.config.RateLimit > 0 {
			burst := m.config.RateBurst
			if burst <= 0 {
				burst = 1
			}
			ts.limiter = rate.NewLimiter(rate.Limit(m.config.RateLimit), burst)
		}
		m.tenants[tenantID] = ts
	}
	return ts
}
