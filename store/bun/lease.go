package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/uengine-oss/process-gpt-execution/lease"
)

// AcquireLease claims (resourceID, tenantID) for holderID with one
// INSERT ... ON CONFLICT upsert whose WHERE clause encodes the liveness
// predicate. Raw SQL keeps the conditional visible.
func (s *Store) AcquireLease(ctx context.Context, resourceID, tenantID, holderID string, expiresAt *time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (resource_id, tenant_id, holder_id, acquired_at, expires_at)
		VALUES (?, ?, ?, NOW(), ?)
		ON CONFLICT (resource_id, tenant_id) DO UPDATE
		SET holder_id = EXCLUDED.holder_id,
		    acquired_at = NOW(),
		    expires_at = EXCLUDED.expires_at
		WHERE leases.holder_id = EXCLUDED.holder_id
		   OR (leases.expires_at IS NOT NULL AND leases.expires_at <= NOW())`,
		resourceID, tenantID, holderID, expiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("execution/bun: acquire lease: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows > 0, nil
}

// RenewLease extends the expiry of a lease held by holderID.
func (s *Store) RenewLease(ctx context.Context, resourceID, tenantID, holderID string, expiresAt time.Time) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*leaseModel)(nil)).
		Set("expires_at = ?", expiresAt).
		Where("resource_id = ?", resourceID).
		Where("tenant_id = ?", tenantID).
		Where("holder_id = ?", holderID).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("execution/bun: renew lease: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows > 0, nil
}

// ReleaseLease deletes the lease if holderID is the current holder.
func (s *Store) ReleaseLease(ctx context.Context, resourceID, tenantID, holderID string) error {
	_, err := s.db.NewDelete().
		Model((*leaseModel)(nil)).
		Where("resource_id = ?", resourceID).
		Where("tenant_id = ?", tenantID).
		Where("holder_id = ?", holderID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("execution/bun: release lease: %w", err)
	}
	return nil
}

// GetLease returns the current lease row for the key, or nil when none
// exists.
func (s *Store) GetLease(ctx context.Context, resourceID, tenantID string) (*lease.Lease, error) {
	m := new(leaseModel)
	err := s.db.NewSelect().Model(m).
		Where("resource_id = ?", resourceID).
		Where("tenant_id = ?", tenantID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("execution/bun: get lease: %w", err)
	}
	return fromLeaseModel(m), nil
}
