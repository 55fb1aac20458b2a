package lease

import (
	"context"
	"log/slog"
	"time"

	execution "github.com/uengine-oss/process-gpt-execution"
)

// Manager wraps a Store with the holder identity of one replica and the
// TTL policy of the claim loop.
type Manager struct {
	store    Store
	holderID string
	ttl      time.Duration
	logger   *slog.Logger
}

// NewManager creates a Manager. holderID is the replica's identity; ttl
// is the claim lease lifetime.
func NewManager(store Store, holderID string, ttl time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		holderID: holderID,
		ttl:      ttl,
		logger:   logger,
	}
}

// HolderID returns the manager's holder identity.
func (m *Manager) HolderID() string { return m.holderID }

// Acquire attempts to claim the resource for one TTL period. A false
// return is a lost race — an expected outcome, not an error — and the
// caller must treat the resource as unavailable for the rest of the
// poll cycle.
func (m *Manager) Acquire(ctx context.Context, resourceID, tenantID string) (bool, error) {
	expiresAt := time.Now().UTC().Add(m.ttl)
	acquired, err := m.store.AcquireLease(ctx, resourceID, tenantID, m.holderID, &expiresAt)
	if err != nil {
		return false, err
	}
	if !acquired {
		m.logger.Debug("lease conflict",
			slog.String("resource_id", resourceID),
			slog.String("tenant_id", tenantID),
		)
	}
	return acquired, nil
}

// AcquireDurable attempts to claim the resource without an expiry. A
// durable lease never lapses on its own: it fences the resource to its
// holder until released explicitly, which suits long-running batch work
// where the holder set is an administrative allow-list rather than a
// liveness signal.
func (m *Manager) AcquireDurable(ctx context.Context, resourceID, tenantID string) (bool, error) {
	acquired, err := m.store.AcquireLease(ctx, resourceID, tenantID, m.holderID, nil)
	if err != nil {
		return false, err
	}
	if !acquired {
		m.logger.Debug("durable lease conflict",
			slog.String("resource_id", resourceID),
			slog.String("tenant_id", tenantID),
		)
	}
	return acquired, nil
}

// Renew extends the caller's lease by one TTL period. Returns
// execution.ErrLeaseNotHolder when the lease has been lost — the caller
// should stop touching the resource and let the new holder proceed.
func (m *Manager) Renew(ctx context.Context, resourceID, tenantID string) error {
	expiresAt := time.Now().UTC().Add(m.ttl)
	renewed, err := m.store.RenewLease(ctx, resourceID, tenantID, m.holderID, expiresAt)
	if err != nil {
		return err
	}
	if !renewed {
		return execution.ErrLeaseNotHolder
	}
	return nil
}

// Release drops the caller's lease so the resource becomes reclaimable.
// Idempotent: releasing twice, or after expiry and takeover, never
// errors and never touches another holder's lease.
func (m *Manager) Release(ctx context.Context, resourceID, tenantID string) error {
	return m.store.ReleaseLease(ctx, resourceID, tenantID, m.holderID)
}
