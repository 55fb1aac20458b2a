package hook_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/uengine-oss/process-gpt-execution/hook"
	"github.com/uengine-oss/process-gpt-execution/workitem"
)

// recordingHook implements every lifecycle event and counts calls.
type recordingHook struct {
	claimed, started, completed, retrying, deadLettered, shutdown int
	err                                                           error
}

func (h *recordingHook) Name() string { return "recording" }

func (h *recordingHook) OnItemClaimed(context.Context, *workitem.WorkItem) error {
	h.claimed++
	return h.err
}

func (h *recordingHook) OnItemStarted(context.Context, *workitem.WorkItem) error {
	h.started++
	return h.err
}

func (h *recordingHook) OnItemCompleted(context.Context, *workitem.WorkItem, time.Duration) error {
	h.completed++
	return h.err
}

func (h *recordingHook) OnItemRetrying(context.Context, *workitem.WorkItem, int, time.Time) error {
	h.retrying++
	return h.err
}

func (h *recordingHook) OnItemDeadLettered(context.Context, *workitem.WorkItem, error) error {
	h.deadLettered++
	return h.err
}

func (h *recordingHook) OnShutdown(context.Context) { h.shutdown++ }

// claimOnlyHook implements a single event.
type claimOnlyHook struct{ claimed int }

func (h *claimOnlyHook) Name() string { return "claim-only" }

func (h *claimOnlyHook) OnItemClaimed(context.Context, *workitem.WorkItem) error {
	h.claimed++
	return nil
}

func testItem() *workitem.WorkItem {
	return workitem.New(workitem.Spec{
		TenantID:     "acme",
		ProcInstID:   "vacation.1",
		ActivityID:   "approve",
		ActivityName: "Approve Request",
	}, 3, time.Now().UTC())
}

func TestRegistry_EmitsToImplementingHooksOnly(t *testing.T) {
	reg := hook.NewRegistry(slog.Default())
	full := &recordingHook{}
	partial := &claimOnlyHook{}
	reg.Register(full)
	reg.Register(partial)

	ctx := context.Background()
	w := testItem()

	reg.EmitItemClaimed(ctx, w)
	reg.EmitItemStarted(ctx, w)
	reg.EmitItemCompleted(ctx, w, time.Second)
	reg.EmitItemRetrying(ctx, w, 1, time.Now())
	reg.EmitItemDeadLettered(ctx, w, errors.New("boom"))
	reg.EmitShutdown(ctx)

	if full.claimed != 1 || full.started != 1 || full.completed != 1 ||
		full.retrying != 1 || full.deadLettered != 1 || full.shutdown != 1 {
		t.Errorf("full hook counts = %+v, want all 1", *full)
	}
	if partial.claimed != 1 {
		t.Errorf("partial hook claimed = %d, want 1", partial.claimed)
	}
}

func TestRegistry_HookErrorsAreSwallowed(t *testing.T) {
	reg := hook.NewRegistry(slog.Default())
	failing := &recordingHook{err: errors.New("hook failure")}
	after := &claimOnlyHook{}
	reg.Register(failing)
	reg.Register(after)

	// Must not panic, and must still notify the hook registered after
	// the failing one.
	reg.EmitItemClaimed(context.Background(), testItem())

	if after.claimed != 1 {
		t.Errorf("hook after failing one not notified: claimed = %d", after.claimed)
	}
}

func TestRegistry_HooksAccessor(t *testing.T) {
	reg := hook.NewRegistry(nil)
	reg.Register(&recordingHook{})

	if got := len(reg.Hooks()); got != 1 {
		t.Errorf("len(Hooks()) = %d, want 1", got)
	}
}
