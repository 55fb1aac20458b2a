package lease

import (
	"context"
	"time"
)

// Store defines the persistence contract for leases. Acquire MUST be a
// single atomic conditional write (insert-or-update guarded by the
// liveness predicate): under concurrent callers for the same key the
// store's row-uniqueness guarantee decides exactly one winner.
type Store interface {
	// AcquireLease claims (resourceID, tenantID) for holderID until
	// expiresAt (nil for a durable lease). It succeeds when no lease
	// exists for the key, the existing lease has expired, or the caller
	// already holds it (re-acquire extends). Returns false when a
	// different holder's live lease excludes the caller.
	AcquireLease(ctx context.Context, resourceID, tenantID, holderID string, expiresAt *time.Time) (bool, error)

	// RenewLease extends the expiry of a lease currently held by
	// holderID. Returns false when the caller is not the current holder
	// (including when the lease has already been taken over).
	RenewLease(ctx context.Context, resourceID, tenantID, holderID string, expiresAt time.Time) (bool, error)

	// ReleaseLease deletes the lease if holderID is the current holder.
	// Releasing a lease you do not hold is a no-op, not an error.
	ReleaseLease(ctx context.Context, resourceID, tenantID, holderID string) error

	// GetLease returns the current lease row for the key, or nil when
	// none exists.
	GetLease(ctx context.Context, resourceID, tenantID string) (*Lease, error)
}
