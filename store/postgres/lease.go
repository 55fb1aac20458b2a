package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/uengine-oss/process-gpt-execution/lease"
)

// AcquireLease claims (resourceID, tenantID) for holderID with one
// INSERT ... ON CONFLICT upsert. The DO UPDATE's WHERE clause encodes
// the liveness predicate: the update only fires when the existing lease
// has expired or already belongs to the caller, so under concurrent
// acquirers the unique key picks exactly one winner.
func (s *Store) AcquireLease(ctx context.Context, resourceID, tenantID, holderID string, expiresAt *time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO leases (resource_id, tenant_id, holder_id, acquired_at, expires_at)
		VALUES ($1, $2, $3, NOW(), $4)
		ON CONFLICT (resource_id, tenant_id) DO UPDATE
		SET holder_id = EXCLUDED.holder_id,
		    acquired_at = NOW(),
		    expires_at = EXCLUDED.expires_at
		WHERE leases.holder_id = EXCLUDED.holder_id
		   OR (leases.expires_at IS NOT NULL AND leases.expires_at <= NOW())`,
		resourceID, tenantID, holderID, expiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("execution/postgres: acquire lease: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RenewLease extends the expiry of a lease held by holderID.
func (s *Store) RenewLease(ctx context.Context, resourceID, tenantID, holderID string, expiresAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE leases
		SET expires_at = $4
		WHERE resource_id = $1 AND tenant_id = $2 AND holder_id = $3`,
		resourceID, tenantID, holderID, expiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("execution/postgres: renew lease: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseLease deletes the lease if holderID is the current holder.
// Releasing a lease you no longer hold is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, resourceID, tenantID, holderID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM leases
		WHERE resource_id = $1 AND tenant_id = $2 AND holder_id = $3`,
		resourceID, tenantID, holderID,
	)
	if err != nil {
		return fmt.Errorf("execution/postgres: release lease: %w", err)
	}
	return nil
}

// GetLease returns the current lease row for the key, or nil when none
// exists.
func (s *Store) GetLease(ctx context.Context, resourceID, tenantID string) (*lease.Lease, error) {
	var l lease.Lease
	err := s.pool.QueryRow(ctx, `
		SELECT resource_id, tenant_id, holder_id, acquired_at, expires_at
		FROM leases
		WHERE resource_id = $1 AND tenant_id = $2`,
		resourceID, tenantID,
	).Scan(&l.ResourceID, &l.TenantID, &l.HolderID, &l.AcquiredAt, &l.ExpiresAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("execution/postgres: get lease: %w", err)
	}
	return &l, nil
}
