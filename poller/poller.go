// Package poller runs the claim side of a replica: it periodically
// queries the store for claimable work items, races other replicas for
// each item's lease, and hands won items to the dispatcher under a
// bounded in-flight budget. A companion sweeper loop reclaims items
// whose holders died without releasing them.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/uengine-oss/process-gpt-execution/hook"
	"github.com/uengine-oss/process-gpt-execution/id"
	"github.com/uengine-oss/process-gpt-execution/lease"
	"github.com/uengine-oss/process-gpt-execution/throttle"
	"github.com/uengine-oss/process-gpt-execution/workitem"
)

// ItemDispatcher runs one processing attempt for a claimed item.
type ItemDispatcher interface {
	Dispatch(ctx context.Context, item *workitem.WorkItem) error
}

// Options configures a Poller.
type Options struct {
	Store         workitem.Store
	Leases        *lease.Manager
	Dispatcher    ItemDispatcher
	Hooks         *hook.Registry
	Throttle      *throttle.Manager
	Logger        *slog.Logger
	ConsumerID    id.ReplicaID
	PollInterval  time.Duration
	BatchSize     int
	MaxInFlight   int
	SweepInterval time.Duration
	// TenantID restricts polling to one tenant. Empty polls all tenants.
	TenantID string
}

// Poller is the claim loop of one replica.
type Poller struct {
	store      workitem.Store
	leases     *lease.Manager
	dispatcher ItemDispatcher
	hooks      *hook.Registry
	throttle   *throttle.Manager
	logger     *slog.Logger
	consumerID id.ReplicaID

	pollInterval  time.Duration
	batchSize     int
	sweepInterval time.Duration
	tenantID      string

	inFlight chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Poller from options.
func New(opts Options) *Poller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxInFlight := opts.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &Poller{
		store:         opts.Store,
		leases:        opts.Leases,
		dispatcher:    opts.Dispatcher,
		hooks:         opts.Hooks,
		throttle:      opts.Throttle,
		logger:        logger,
		consumerID:    opts.ConsumerID,
		pollInterval:  opts.PollInterval,
		batchSize:     opts.BatchSize,
		sweepInterval: opts.SweepInterval,
		tenantID:      opts.TenantID,
		inFlight:      make(chan struct{}, maxInFlight),
		stopCh:        make(chan struct{}),
	}
}

// Start launches the poll and sweep loops. It returns immediately.
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.pollLoop(ctx)
	if p.sweepInterval > 0 {
		p.wg.Add(1)
		go p.sweepLoop(ctx)
	}
}

// Stop signals the loops to exit and waits for in-flight dispatches to
// finish. Safe to call more than once.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Poller) pollLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		if p.stopped(ctx) {
			return
		}
		p.pollOnce(ctx)
		if !p.sleep(ctx, p.pollInterval) {
			return
		}
	}
}

// pollOnce runs one poll cycle. Transient store errors are logged and
// the cycle skipped; the next tick retries.
func (p *Poller) pollOnce(ctx context.Context) {
	items, err := p.store.PollClaimable(ctx, workitem.PollOpts{
		Limit:    p.batchSize,
		TenantID: p.tenantID,
	})
	if err != nil {
		p.logger.Warn("poll for claimable items failed", slog.Any("error", err))
		return
	}
	for _, item := range items {
		if p.stopped(ctx) {
			return
		}
		p.tryClaim(ctx, item)
	}
}

// tryClaim races other replicas for one item. Losing the lease race or
// the status guard is silent — the item is simply someone else's.
func (p *Poller) tryClaim(ctx context.Context, item *workitem.WorkItem) {
	if p.throttle != nil && !p.throttle.Acquire(item.TenantID) {
		p.logger.Debug("tenant throttled, skipping item",
			slog.String("item_id", item.ID.String()),
			slog.String("tenant_id", item.TenantID))
		return
	}
	release := func() {
		if p.throttle != nil {
			p.throttle.Release(item.TenantID)
		}
	}

	won, err := p.leases.Acquire(ctx, item.ID.String(), item.TenantID)
	if err != nil {
		p.logger.Warn("lease acquire failed",
			slog.String("item_id", item.ID.String()),
			slog.Any("error", err))
		release()
		return
	}
	if !won {
		release()
		return
	}

	claimed, err := p.store.ClaimWorkItem(ctx, item.ID, p.consumerID)
	if err != nil || !claimed {
		if err != nil {
			p.logger.Warn("claim failed",
				slog.String("item_id", item.ID.String()),
				slog.Any("error", err))
		}
		p.releaseLease(ctx, item)
		release()
		return
	}

	item.Status = workitem.StatusClaimed
	item.Consumer = p.consumerID
	p.logger.Debug("work item claimed",
		slog.String("item_id", item.ID.String()),
		slog.String("consumer", p.consumerID.String()))
	if p.hooks != nil {
		p.hooks.EmitItemClaimed(ctx, item)
	}

	// Block here, not in the goroutine, so the poll cycle naturally
	// pauses once the in-flight budget is exhausted.
	select {
	case p.inFlight <- struct{}{}:
	case <-p.stopCh:
		p.releaseLease(ctx, item)
		release()
		return
	case <-ctx.Done():
		p.releaseLease(ctx, item)
		release()
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.inFlight }()
		defer release()
		if err := p.dispatcher.Dispatch(ctx, item); err != nil {
			p.logger.Error("dispatch failed",
				slog.String("item_id", item.ID.String()),
				slog.Any("error", err))
		}
	}()
}

func (p *Poller) sweepLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		if !p.sleep(ctx, p.sweepInterval) {
			return
		}
		swept, err := p.store.SweepExpiredClaims(ctx, time.Now().UTC())
		if err != nil {
			p.logger.Warn("sweep of expired claims failed", slog.Any("error", err))
			continue
		}
		if swept > 0 {
			p.logger.Info("reclaimed expired work item claims", slog.Int64("count", swept))
		}
	}
}

func (p *Poller) releaseLease(ctx context.Context, item *workitem.WorkItem) {
	if err := p.leases.Release(ctx, item.ID.String(), item.TenantID); err != nil {
		p.logger.Warn("lease release failed",
			slog.String("item_id", item.ID.String()),
			slog.Any("error", err))
	}
}

func (p *Poller) stopped(ctx context.Context) bool {
	select {
	case <-p.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// sleep waits for d, returning false if stopped first.
func (p *Poller) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-p.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}
