// Package dispatcher drives a claimed work item through its processing
// attempt: it flips the item to PROCESSING under the claiming consumer,
// keeps the item's lease renewed while the processor runs, and hands the
// outcome to the transitioner for durable state resolution.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	execution "github.com/uengine-oss/process-gpt-execution"
	"github.com/uengine-oss/process-gpt-execution/hook"
	"github.com/uengine-oss/process-gpt-execution/id"
	"github.com/uengine-oss/process-gpt-execution/lease"
	"github.com/uengine-oss/process-gpt-execution/middleware"
	"github.com/uengine-oss/process-gpt-execution/workitem"
)

// Processor executes the business logic for a single work item attempt.
// A nil error marks the attempt successful; the returned draft, when
// non-nil, is persisted as the item's result. Implementations must
// honor ctx cancellation — the dispatcher cancels it when the process
// timeout elapses or the item's lease is lost.
type Processor interface {
	Process(ctx context.Context, item *workitem.WorkItem) (*workitem.Draft, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, item *workitem.WorkItem) (*workitem.Draft, error)

func (f ProcessorFunc) Process(ctx context.Context, item *workitem.WorkItem) (*workitem.Draft, error) {
	return f(ctx, item)
}

// Planner decides which follow-on work items an item's completion
// produces. It is invoked exactly once per completed item, strictly
// after the DONE transition has been durably committed, and only by the
// replica whose conditional update performed that transition.
type Planner interface {
	OnItemDone(ctx context.Context, item *workitem.WorkItem, result *workitem.Draft) ([]workitem.Spec, error)
}

// PlannerFunc adapts a function to the Planner interface.
type PlannerFunc func(ctx context.Context, item *workitem.WorkItem, result *workitem.Draft) ([]workitem.Spec, error)

func (f PlannerFunc) OnItemDone(ctx context.Context, item *workitem.WorkItem, result *workitem.Draft) ([]workitem.Spec, error) {
	return f(ctx, item, result)
}

// ──────────────────────────────────────────────────────────────────────
// Dispatcher
// ──────────────────────────────────────────────────────────────────────

// Options configures a Dispatcher.
type Options struct {
	Store          workitem.Store
	Leases         *lease.Manager
	Transitioner   *Transitioner
	Processor      Processor
	Hooks          *hook.Registry
	Logger         *slog.Logger
	ConsumerID     id.ReplicaID
	ProcessTimeout time.Duration
	RenewInterval  time.Duration
	Middleware     []middleware.Middleware
}

// Dispatcher runs processing attempts for items claimed by one replica.
type Dispatcher struct {
	store        workitem.Store
	leases       *lease.Manager
	transitioner *Transitioner
	processor    Processor
	hooks        *hook.Registry
	logger       *slog.Logger
	consumerID   id.ReplicaID

	processTimeout time.Duration
	renewInterval  time.Duration
	chain          []middleware.Middleware
}

// New builds a Dispatcher. The middleware chain always ends with panic
// recovery and the process timeout, applied innermost so user-supplied
// middleware observes the real outcome.
func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	chain := make([]middleware.Middleware, 0, len(opts.Middleware)+2)
	chain = append(chain, opts.Middleware...)
	chain = append(chain,
		middleware.Recover(logger),
		middleware.Timeout(opts.ProcessTimeout),
	)
	return &Dispatcher{
		store:          opts.Store,
		leases:         opts.Leases,
		transitioner:   opts.Transitioner,
		processor:      opts.Processor,
		hooks:          opts.Hooks,
		logger:         logger,
		consumerID:     opts.ConsumerID,
		processTimeout: opts.ProcessTimeout,
		renewInterval:  opts.RenewInterval,
		chain:          chain,
	}
}

// Dispatch runs one processing attempt for a claimed item and resolves
// its outcome. The item must already be CLAIMED by this dispatcher's
// consumer; if the PROCESSING guard fails (for example the claim was
// swept while the item sat in the in-flight queue) the attempt is
// abandoned and the lease released.
func (d *Dispatcher) Dispatch(ctx context.Context, item *workitem.WorkItem) error {
	ok, err := d.store.StartWorkItem(ctx, item.ID, d.consumerID)
	if err != nil {
		return err
	}
	if !ok {
		d.logger.Debug("work item no longer claimed, abandoning attempt",
			slog.String("item_id", item.ID.String()),
			slog.String("consumer", d.consumerID.String()))
		d.releaseLease(ctx, item)
		return nil
	}

	now := time.Now().UTC()
	item.Status = workitem.StatusProcessing
	item.Consumer = d.consumerID
	item.StartedAt = &now

	if d.hooks != nil {
		d.hooks.EmitItemStarted(ctx, item)
	}

	procCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopRenew := d.keepLeaseAlive(procCtx, cancel, item)

	start := time.Now()
	result, procErr := d.invoke(procCtx, item)
	elapsed := time.Since(start)
	stopRenew()

	return d.transitioner.Resolve(ctx, item, result, procErr, elapsed)
}

// invoke runs the processor through the middleware chain. The terminal
// handler captures the result draft so middleware only sees the error
// path, matching the Handler signature.
func (d *Dispatcher) invoke(ctx context.Context, item *workitem.WorkItem) (*workitem.Draft, error) {
	var result *workitem.Draft
	terminal := middleware.Handler(func(ctx context.Context) error {
		draft, err := d.processor.Process(ctx, item)
		if err != nil {
			return err
		}
		result = draft
		return nil
	})
	err := middleware.Chain(d.chain...)(ctx, item, terminal)
	return result, err
}

// keepLeaseAlive renews the item's lease on the renew interval until
// the returned stop func is called. Losing holdership cancels the
// processing context; transient renewal errors are logged and retried
// on the next tick so the lease can expire naturally if the store stays
// unreachable.
func (d *Dispatcher) keepLeaseAlive(ctx context.Context, cancel context.CancelFunc, item *workitem.WorkItem) func() {
	if d.leases == nil || d.renewInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(d.renewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.leases.Renew(ctx, item.ID.String(), item.TenantID); err != nil {
					if err == execution.ErrLeaseNotHolder {
						d.logger.Warn("lease lost during processing, cancelling attempt",
							slog.String("item_id", item.ID.String()),
							slog.String("consumer", d.consumerID.String()))
						cancel()
						return
					}
					d.logger.Warn("lease renewal failed",
						slog.String("item_id", item.ID.String()),
						slog.Any("error", err))
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (d *Dispatcher) releaseLease(ctx context.Context, item *workitem.WorkItem) {
	if d.leases == nil {
		return
	}
	if err := d.leases.Release(ctx, item.ID.String(), item.TenantID); err != nil {
		d.logger.Warn("lease release failed",
			slog.String("item_id", item.ID.String()),
			slog.Any("error", err))
	}
}
