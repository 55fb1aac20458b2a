package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/uengine-oss/process-gpt-execution/backoff"
	"github.com/uengine-oss/process-gpt-execution/deadletter"
	"github.com/uengine-oss/process-gpt-execution/hook"
	"github.com/uengine-oss/process-gpt-execution/id"
	"github.com/uengine-oss/process-gpt-execution/lease"
	"github.com/uengine-oss/process-gpt-execution/workitem"
)

// TransitionerOptions configures a Transitioner.
type TransitionerOptions struct {
	Store      workitem.Store
	Leases     *lease.Manager
	DeadLetter *deadletter.Service
	Planner    Planner
	Backoff    backoff.Strategy
	Hooks      *hook.Registry
	Logger     *slog.Logger
	ConsumerID id.ReplicaID
}

// Transitioner resolves the outcome of a processing attempt with atomic
// conditional writes. Every terminal-for-this-attempt outcome releases
// the item's lease so the item becomes reclaimable immediately; fan-out
// of follow-on items happens only on the single call whose conditional
// DONE write actually fired.
type Transitioner struct {
	store      workitem.Store
	leases     *lease.Manager
	dlq        *deadletter.Service
	planner    Planner
	backoff    backoff.Strategy
	hooks      *hook.Registry
	logger     *slog.Logger
	consumerID id.ReplicaID
}

// NewTransitioner builds a Transitioner. Backoff defaults to a 1s-base
// exponential strategy when nil.
func NewTransitioner(opts TransitionerOptions) *Transitioner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	strategy := opts.Backoff
	if strategy == nil {
		strategy = backoff.NewExponential(time.Second, 5*time.Minute)
	}
	return &Transitioner{
		store:      opts.Store,
		leases:     opts.Leases,
		dlq:        opts.DeadLetter,
		planner:    opts.Planner,
		backoff:    strategy,
		hooks:      opts.Hooks,
		logger:     logger,
		consumerID: opts.ConsumerID,
	}
}

// Resolve applies the outcome of one processing attempt. A nil procErr
// completes the item; a non-nil procErr either schedules a retry or
// dead-letters the item depending on the attempt budget.
func (t *Transitioner) Resolve(ctx context.Context, item *workitem.WorkItem, result *workitem.Draft, procErr error, elapsed time.Duration) error {
	if procErr == nil {
		return t.complete(ctx, item, result, elapsed)
	}
	return t.fail(ctx, item, procErr)
}

// complete commits the DONE transition and, when this call won the
// conditional write, fans out the planner's follow-on items. Lease
// release happens before fan-out so the terminal item stops consuming
// claim capacity while follow-ons are created.
func (t *Transitioner) complete(ctx context.Context, item *workitem.WorkItem, result *workitem.Draft, elapsed time.Duration) error {
	committed, err := t.store.CompleteWorkItem(ctx, item.ID, t.consumerID, result)
	if err != nil {
		return fmt.Errorf("complete work item %s: %w", item.ID, err)
	}
	t.releaseLease(ctx, item)
	if !committed {
		t.logger.Debug("completion lost conditional write, skipping fan-out",
			slog.String("item_id", item.ID.String()),
			slog.String("consumer", t.consumerID.String()))
		return nil
	}

	now := time.Now().UTC()
	item.Status = workitem.StatusDone
	item.Draft = result
	item.CompletedAt = &now

	t.logger.Info("work item completed",
		slog.String("item_id", item.ID.String()),
		slog.String("activity", item.ActivityName),
		slog.Duration("elapsed", elapsed))
	if t.hooks != nil {
		t.hooks.EmitItemCompleted(ctx, item, elapsed)
	}
	return t.fanOut(ctx, item, result)
}

// fanOut asks the planner for follow-on items and creates them in one
// batch write. A planner or create error surfaces to the caller but the
// DONE transition stands: the item is complete either way.
func (t *Transitioner) fanOut(ctx context.Context, item *workitem.WorkItem, result *workitem.Draft) error {
	if t.planner == nil {
		return nil
	}
	specs, err := t.planner.OnItemDone(ctx, item, result)
	if err != nil {
		return fmt.Errorf("plan follow-on items for %s: %w", item.ID, err)
	}
	if len(specs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	items := make([]*workitem.WorkItem, len(specs))
	for i, spec := range specs {
		items[i] = workitem.New(spec, item.MaxAttempts, now)
	}
	if err := t.store.CreateWorkItems(ctx, items); err != nil {
		return fmt.Errorf("create follow-on items for %s: %w", item.ID, err)
	}
	t.logger.Info("fanned out follow-on work items",
		slog.String("item_id", item.ID.String()),
		slog.Int("count", len(items)))
	return nil
}

// fail resolves a failed attempt: schedule a retry while the attempt
// budget allows, dead-letter when it is exhausted. The attempt count is
// incremented once per failure and ends equal to MaxAttempts on the
// dead-lettering failure.
func (t *Transitioner) fail(ctx context.Context, item *workitem.WorkItem, procErr error) error {
	attempt := item.AttemptCount + 1
	if attempt < item.MaxAttempts {
		return t.scheduleRetry(ctx, item, attempt, procErr)
	}
	return t.deadLetter(ctx, item, attempt, procErr)
}

func (t *Transitioner) scheduleRetry(ctx context.Context, item *workitem.WorkItem, attempt int, procErr error) error {
	delay := t.backoff.Delay(attempt)
	retryAt := time.Now().UTC().Add(delay)
	committed, err := t.store.RetryWorkItem(ctx, item.ID, t.consumerID, attempt, procErr.Error(), retryAt)
	if err != nil {
		return fmt.Errorf("schedule retry for %s: %w", item.ID, err)
	}
	t.releaseLease(ctx, item)
	if !committed {
		return nil
	}
	item.Status = workitem.StatusRetryPending
	item.AttemptCount = attempt
	item.ErrorDetail = procErr.Error()
	item.RetryAt = retryAt

	t.logger.Warn("work item attempt failed, retry scheduled",
		slog.String("item_id", item.ID.String()),
		slog.Int("attempt", attempt),
		slog.Int("max_attempts", item.MaxAttempts),
		slog.Duration("delay", delay),
		slog.Any("error", procErr))
	if t.hooks != nil {
		t.hooks.EmitItemRetrying(ctx, item, attempt, retryAt)
	}
	return nil
}

func (t *Transitioner) deadLetter(ctx context.Context, item *workitem.WorkItem, attempt int, procErr error) error {
	committed, err := t.store.DeadLetterWorkItem(ctx, item.ID, t.consumerID, attempt, procErr.Error())
	if err != nil {
		return fmt.Errorf("dead-letter work item %s: %w", item.ID, err)
	}
	t.releaseLease(ctx, item)
	if !committed {
		return nil
	}
	item.Status = workitem.StatusDeadLetter
	item.AttemptCount = attempt
	item.ErrorDetail = procErr.Error()

	t.logger.Error("work item exhausted attempts, dead-lettered",
		slog.String("item_id", item.ID.String()),
		slog.Int("attempts", attempt),
		slog.Any("error", procErr))
	if t.dlq != nil {
		if err := t.dlq.Push(ctx, item, procErr); err != nil {
			t.logger.Error("dead letter push failed",
				slog.String("item_id", item.ID.String()),
				slog.Any("error", err))
		}
	}
	if t.hooks != nil {
		t.hooks.EmitItemDeadLettered(ctx, item, procErr)
	}
	return nil
}

func (t *Transitioner) releaseLease(ctx context.Context, item *workitem.WorkItem) {
	if t.leases == nil {
		return
	}
	if err := t.leases.Release(ctx, item.ID.String(), item.TenantID); err != nil {
		t.logger.Warn("lease release failed",
			slog.String("item_id", item.ID.String()),
			slog.Any("error", err))
	}
}
