// Package throttle provides per-tenant rate limiting and concurrency
// caps for the claim loop. The poller calls Acquire before dispatching a
// claimed item and Release after processing completes; a denied tenant's
// items stay claimable for the next cycle.
package throttle

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config defines the limits for one tenant. The zero value of either
// field disables that limit.
type Config struct {
	// TenantID is the tenant this config applies to.
	TenantID string

	// RateLimit is the maximum sustained dispatches per second.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int

	// MaxConcurrency limits simultaneous in-flight items for the tenant
	// on this replica (the pool-wide in-flight bound still applies).
	MaxConcurrency int
}

// tenantState tracks runtime state for a single tenant.
type tenantState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

// Manager enforces per-tenant limits. Safe for concurrent use. Tenants
// without a config have no limits.
type Manager struct {
	mu      sync.Mutex
	tenants map[string]*tenantState
}

// NewManager creates a Manager with the given tenant configurations.
func NewManager(configs ...Config) *Manager {
	m := &Manager{tenants: make(map[string]*tenantState, len(configs))}
	for _, cfg := range configs {
		m.tenants[cfg.TenantID] = newTenantState(cfg)
	}
	return m
}

func newTenantState(cfg Config) *tenantState {
	ts := &tenantState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ts.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return ts
}

// Acquire checks the tenant's rate limit and concurrency cap. If the
// item may proceed it increments the active counter and returns true.
// The caller MUST call Release when processing completes.
func (m *Manager) Acquire(tenantID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.tenants[tenantID]
	if ts == nil {
		return true
	}
	if ts.limiter != nil && !ts.limiter.Allow() {
		return false
	}
	if ts.config.MaxConcurrency > 0 && ts.active >= ts.config.MaxConcurrency {
		return false
	}
	ts.active++
	return true
}

// Release decrements the tenant's active count.
func (m *Manager) Release(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ts := m.tenants[tenantID]; ts != nil && ts.active > 0 {
		ts.active--
	}
}

// SetConfig dynamically updates (or creates) a tenant configuration,
// preserving the current active count.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.tenants[cfg.TenantID]
	ts := newTenantState(cfg)
	if existing != nil {
		ts.active = existing.active
	}
	m.tenants[cfg.TenantID] = ts
}

// ActiveCount returns the tenant's current number of in-flight items.
func (m *Manager) ActiveCount(tenantID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts := m.tenants[tenantID]; ts != nil {
		return ts.active
	}
	return 0
}
