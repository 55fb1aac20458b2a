// Package store defines the composite persistence contract a backend
// must satisfy to power a replica: work items, claim leases, dead
// letters, and the definition-migration scan, all against one store so
// the conditional writes that coordinate replicas share a single source
// of truth.
package store

import (
	"context"

	"github.com/uengine-oss/process-gpt-execution/deadletter"
	"github.com/uengine-oss/process-gpt-execution/lease"
	"github.com/uengine-oss/process-gpt-execution/migration"
	"github.com/uengine-oss/process-gpt-execution/workitem"
)

// Store is the full backend contract. Implementations live in the
// backend subpackages (memory, postgres, bun); callers that need only
// one concern should depend on that concern's interface instead.
type Store interface {
	workitem.Store
	lease.Store
	deadletter.Store
	migration.Store

	// Migrate brings the backend schema up to date. Safe to call on
	// every start.
	Migrate(ctx context.Context) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources. The store is unusable
	// afterwards.
	Close() error
}
