// Package hook defines lifecycle hooks for the claim-and-process loop.
// Hooks are notified of item lifecycle events (claimed, started,
// completed, retrying, dead-lettered) and can react to them — audit
// trails, notifications, metrics, etc.
//
// Each lifecycle event is a separate interface so hooks opt in only to
// the events they care about.
package hook

import (
	"context"
	"time"

	"github.com/uengine-oss/process-gpt-execution/workitem"
)

// Hook is the base interface all hooks must implement.
type Hook interface {
	// Name returns a unique human-readable name for the hook.
	Name() string
}

// ItemClaimed is called after a replica wins the claim race for an item.
type ItemClaimed interface {
	OnItemClaimed(ctx context.Context, w *workitem.WorkItem) error
}

// ItemStarted is called when the dispatcher begins processing an item.
type ItemStarted interface {
	OnItemStarted(ctx context.Context, w *workitem.WorkItem) error
}

// ItemCompleted is called after an item finishes successfully and its
// DONE status is durably committed.
type ItemCompleted interface {
	OnItemCompleted(ctx context.Context, w *workitem.WorkItem, elapsed time.Duration) error
}

// ItemRetrying is called when an item fails recoverably and is scheduled
// for retry.
type ItemRetrying interface {
	OnItemRetrying(ctx context.Context, w *workitem.WorkItem, attempt int, retryAt time.Time) error
}

// ItemDeadLettered is called when an item exhausts its retry budget.
type ItemDeadLettered interface {
	OnItemDeadLettered(ctx context.Context, w *workitem.WorkItem, err error) error
}

// Shutdown is called when the replica shuts down.
type Shutdown interface {
	OnShutdown(ctx context.Context)
}
