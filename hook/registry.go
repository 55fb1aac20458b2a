package hook

import (
	"context"
	"log/slog"
	"time"

	"github.com/uengine-oss/process-gpt-execution/workitem"
)

// Named entry types pair a hook implementation with the name captured at
// registration time. This avoids type-asserting back to Hook inside the
// emit methods.
type itemClaimedEntry struct {
	name string
	hook ItemClaimed
}

type itemStartedEntry struct {
	name string
	hook ItemStarted
}

type itemCompletedEntry struct {
	name string
	hook ItemCompleted
}

type itemRetryingEntry struct {
	name string
	hook ItemRetrying
}

type itemDeadLetteredEntry struct {
	name string
	hook ItemDeadLettered
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered hooks and dispatches lifecycle events to
// them. It type-caches hooks at registration time so emit calls iterate
// only over hooks that implement the relevant event. Hook errors are
// logged, never propagated — lifecycle notification must not affect the
// item's outcome.
type Registry struct {
	hooks  []Hook
	logger *slog.Logger

	// Type-cached slices for each lifecycle event.
	itemClaimed      []itemClaimedEntry
	itemStarted      []itemStartedEntry
	itemCompleted    []itemCompletedEntry
	itemRetrying     []itemRetryingEntry
	itemDeadLettered []itemDeadLetteredEntry
	shutdown         []shutdownEntry
}

// NewRegistry creates a hook registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds a hook and type-asserts it into all applicable event
// caches. Hooks are notified in registration order.
func (r *Registry) Register(h Hook) {
	r.hooks = append(r.hooks, h)
	name := h.Name()

	if hk, ok := h.(ItemClaimed); ok {
		r.itemClaimed = append(r.itemClaimed, itemClaimedEntry{name, hk})
	}
	if hk, ok := h.(ItemStarted); ok {
		r.itemStarted = append(r.itemStarted, itemStartedEntry{name, hk})
	}
	if hk, ok := h.(ItemCompleted); ok {
		r.itemCompleted = append(r.itemCompleted, itemCompletedEntry{name, hk})
	}
	if hk, ok := h.(ItemRetrying); ok {
		r.itemRetrying = append(r.itemRetrying, itemRetryingEntry{name, hk})
	}
	if hk, ok := h.(ItemDeadLettered); ok {
		r.itemDeadLettered = append(r.itemDeadLettered, itemDeadLetteredEntry{name, hk})
	}
	if hk, ok := h.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, hk})
	}
}

// Hooks returns all registered hooks.
func (r *Registry) Hooks() []Hook { return r.hooks }

// EmitItemClaimed notifies all hooks that implement ItemClaimed.
func (r *Registry) EmitItemClaimed(ctx context.Context, w *workitem.WorkItem) {
	for _, e := range r.itemClaimed {
		if err := e.hook.OnItemClaimed(ctx, w); err != nil {
			r.logHookError("OnItemClaimed", e.name, err)
		}
	}
}

// EmitItemStarted notifies all hooks that implement ItemStarted.
func (r *Registry) EmitItemStarted(ctx context.Context, w *workitem.WorkItem) {
	for _, e := range r.itemStarted {
		if err := e.hook.OnItemStarted(ctx, w); err != nil {
			r.logHookError("OnItemStarted", e.name, err)
		}
	}
}

// EmitItemCompleted notifies all hooks that implement ItemCompleted.
func (r *Registry) EmitItemCompleted(ctx context.Context, w *workitem.WorkItem, elapsed time.Duration) {
	for _, e := range r.itemCompleted {
		if err := e.hook.OnItemCompleted(ctx, w, elapsed); err != nil {
			r.logHookError("OnItemCompleted", e.name, err)
		}
	}
}

// EmitItemRetrying notifies all hooks that implement ItemRetrying.
func (r *Registry) EmitItemRetrying(ctx context.Context, w *workitem.WorkItem, attempt int, retryAt time.Time) {
	for _, e := range r.itemRetrying {
		if err := e.hook.OnItemRetrying(ctx, w, attempt, retryAt); err != nil {
			r.logHookError("OnItemRetrying", e.name, err)
		}
	}
}

// EmitItemDeadLettered notifies all hooks that implement ItemDeadLettered.
func (r *Registry) EmitItemDeadLettered(ctx context.Context, w *workitem.WorkItem, itemErr error) {
	for _, e := range r.itemDeadLettered {
		if err := e.hook.OnItemDeadLettered(ctx, w, itemErr); err != nil {
			r.logHookError("OnItemDeadLettered", e.name, err)
		}
	}
}

// EmitShutdown notifies all hooks that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		e.hook.OnShutdown(ctx)
	}
}

func (r *Registry) logHookError(event, name string, err error) {
	r.logger.Warn("hook error",
		slog.String("event", event),
		slog.String("hook", name),
		slog.String("error", err.Error()),
	)
}
