package workitem

import (
	"context"
	"time"

	"github.com/uengine-oss/process-gpt-execution/id"
)

// PollOpts controls the claimable-item query.
type PollOpts struct {
	// Limit is the maximum number of items to return (the poll batch
	// size). Zero means the store default.
	Limit int
	// TenantID restricts the poll to one tenant. Empty means all tenants.
	TenantID string
}

// ListOpts controls pagination and filtering for list queries.
type ListOpts struct {
	// Limit is the maximum number of items to return. Zero means no limit.
	Limit int
	// Offset is the number of items to skip.
	Offset int
	// TenantID filters by tenant. Empty means all tenants.
	TenantID string
}

// CountOpts controls filtering for count queries.
type CountOpts struct {
	// TenantID filters by tenant. Empty means all tenants.
	TenantID string
	// Status filters by status. Empty means all statuses.
	Status Status
}

// Store defines the persistence contract for work items.
//
// The transition methods (Claim, Start, Complete, Retry, DeadLetter,
// Resubmit) are each a single atomic conditional update guarded by the
// current status. They return false — with no error — when the guard did
// not match, which callers use both to respect the status machine and to
// gate exactly-once side effects on who actually performed the
// transition.
type Store interface {
	// CreateWorkItem persists a new item in SUBMITTED state.
	CreateWorkItem(ctx context.Context, w *WorkItem) error

	// CreateWorkItems persists a batch of new items (fan-out). Items are
	// independent; a duplicate-ID failure on one does not undo the others.
	CreateWorkItems(ctx context.Context, items []*WorkItem) error

	// GetWorkItem retrieves an item by ID.
	GetWorkItem(ctx context.Context, itemID id.WorkItemID) (*WorkItem, error)

	// UpdateWorkItem persists changes to an existing item. It does not
	// enforce transition guards; use the conditional methods for status
	// changes.
	UpdateWorkItem(ctx context.Context, w *WorkItem) error

	// PollClaimable returns up to opts.Limit items whose status is
	// SUBMITTED or RETRY_PENDING and whose RetryAt has passed, ordered
	// by creation time ascending. It never mutates — claiming happens
	// through the lease store plus ClaimWorkItem.
	PollClaimable(ctx context.Context, opts PollOpts) ([]*WorkItem, error)

	// ClaimWorkItem transitions SUBMITTED/RETRY_PENDING → CLAIMED and
	// records the consumer.
	ClaimWorkItem(ctx context.Context, itemID id.WorkItemID, consumer id.ReplicaID) (bool, error)

	// StartWorkItem transitions CLAIMED → PROCESSING, guarded by the
	// consumer recorded at claim time, and stamps StartedAt.
	StartWorkItem(ctx context.Context, itemID id.WorkItemID, consumer id.ReplicaID) (bool, error)

	// CompleteWorkItem transitions PROCESSING → DONE, storing the result
	// draft and CompletedAt. Guarded by the recorded consumer so a
	// replica that lost its lease mid-processing cannot overwrite a
	// re-claimed run. The returned bool reports whether THIS call
	// performed the transition — fan-out must only happen when it did.
	CompleteWorkItem(ctx context.Context, itemID id.WorkItemID, consumer id.ReplicaID, result *Draft) (bool, error)

	// RetryWorkItem transitions PROCESSING → RETRY_PENDING, persisting
	// the incremented attempt count, the error detail, and the time the
	// item becomes claimable again. Consumer-guarded like Complete.
	RetryWorkItem(ctx context.Context, itemID id.WorkItemID, consumer id.ReplicaID, attemptCount int, errorDetail string, retryAt time.Time) (bool, error)

	// DeadLetterWorkItem transitions PROCESSING → DEAD_LETTER with the
	// final attempt count and error detail. Consumer-guarded like
	// Complete.
	DeadLetterWorkItem(ctx context.Context, itemID id.WorkItemID, consumer id.ReplicaID, attemptCount int, errorDetail string) (bool, error)

	// ResubmitWorkItem resets a DEAD_LETTER item to SUBMITTED with a
	// zero attempt count (administrative replay).
	ResubmitWorkItem(ctx context.Context, itemID id.WorkItemID) (bool, error)

	// FailWorkItem transitions any non-terminal item to FAILED with the
	// given reason. This is external cancellation — the retry path never
	// produces FAILED.
	FailWorkItem(ctx context.Context, itemID id.WorkItemID, reason string) (bool, error)

	// SweepExpiredClaims resets items stuck in CLAIMED or PROCESSING
	// whose lease is no longer live back to SUBMITTED, clearing the
	// consumer but keeping the attempt count. Returns how many items
	// were reset. This is the crash-recovery path for replicas that
	// died without releasing their claims.
	SweepExpiredClaims(ctx context.Context, now time.Time) (int64, error)

	// ListWorkItemsByStatus returns items matching the given status.
	ListWorkItemsByStatus(ctx context.Context, status Status, opts ListOpts) ([]*WorkItem, error)

	// CountWorkItems returns the number of items matching the options.
	CountWorkItems(ctx context.Context, opts CountOpts) (int64, error)
}
