// Package lease provides exclusive claims on shared resources, used for
// mutual exclusion across stateless replicas. All exclusivity comes from
// a single atomic conditional write against the shared store — there is
// no external coordinator.
//
// Two lease shapes share one table:
//
//   - TTL leases: ExpiresAt is set; the lease dies at expiry, which is
//     how a crashed holder's claim self-heals.
//   - Durable leases: ExpiresAt is nil; the lease never expires and acts
//     as a holder allow-list. The migration batch protocol uses these so
//     a worker can crash and re-invoke safely without a TTL race.
package lease

import (
	"time"
)

// Lease is an exclusive claim on (ResourceID, TenantID). At most one
// live lease exists per key at any instant.
type Lease struct {
	// ResourceID is the claimed resource: a work item ID for the claim
	// loop, or a target row ID for migration locking.
	ResourceID string    `json:"resource_id"`
	TenantID   string    `json:"tenant_id"`
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`

	// ExpiresAt is nil for durable (allow-list) leases.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Live reports whether the lease excludes the given caller at the given
// instant. A holder is never excluded by its own lease, so re-acquiring
// extends rather than conflicts. For other callers a TTL lease is live
// until expiry and a durable lease is live forever.
func (l *Lease) Live(holderID string, now time.Time) bool {
	if l == nil || l.HolderID == "" || l.HolderID == holderID {
		return false
	}
	if l.ExpiresAt == nil {
		return true
	}
	return l.ExpiresAt.After(now)
}

// Expired reports whether a TTL lease has lapsed. Durable leases never
// expire.
func (l *Lease) Expired(now time.Time) bool {
	return l != nil && l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}
