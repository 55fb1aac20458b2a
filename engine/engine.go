// Package engine wires the execution subsystems together: the hook
// registry, lease manager, dispatcher, transitioner, and claim loop.
//
// This package exists to break the import cycle: the root execution
// package defines Entity (imported by workitem, lease, etc.) and so
// cannot import those packages back. The engine package sits above all
// subsystem packages and below the application layer.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	execution "github.com/uengine-oss/process-gpt-execution"
	"github.com/uengine-oss/process-gpt-execution/backoff"
	"github.com/uengine-oss/process-gpt-execution/deadletter"
	"github.com/uengine-oss/process-gpt-execution/dispatcher"
	"github.com/uengine-oss/process-gpt-execution/hook"
	"github.com/uengine-oss/process-gpt-execution/id"
	"github.com/uengine-oss/process-gpt-execution/lease"
	mw "github.com/uengine-oss/process-gpt-execution/middleware"
	"github.com/uengine-oss/process-gpt-execution/migration"
	"github.com/uengine-oss/process-gpt-execution/poller"
	"github.com/uengine-oss/process-gpt-execution/throttle"
	"github.com/uengine-oss/process-gpt-execution/workitem"
)

// Engine wraps a Replica with typed subsystem access. Use Build() to
// create one from a Replica.
type Engine struct {
	r          *execution.Replica
	hooks      *hook.Registry
	itemStore  workitem.Store
	migStore   migration.Store
	leases     *lease.Manager
	dlqService *deadletter.Service
	bo         backoff.Strategy
	processor  dispatcher.Processor
	planner    dispatcher.Planner
	pol        *poller.Poller
	mws        []mw.Middleware
	logger     *slog.Logger
	consumerID id.ReplicaID
	tenantID   string

	// Throttle subsystem.
	throttleConfigs []throttle.Config
	throttleManager *throttle.Manager

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithProcessor sets the business-logic collaborator that executes
// claimed work items. Build fails without one.
func WithProcessor(p dispatcher.Processor) Option {
	return func(eng *Engine) {
		eng.processor = p
	}
}

// WithPlanner sets the fan-out collaborator invoked after each durably
// completed item. Without one, completed items produce no follow-ons.
func WithPlanner(p dispatcher.Planner) Option {
	return func(eng *Engine) {
		eng.planner = p
	}
}

// WithHook registers a lifecycle hook with the engine.
func WithHook(h hook.Hook) Option {
	return func(eng *Engine) {
		eng.hooks.Register(h)
	}
}

// WithMiddleware adds middleware to the engine's processing chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets the retry backoff strategy. If not set, an
// exponential strategy shaped by the replica's RetryBase and RetryCap
// is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.bo = b
	}
}

// WithThrottleConfig registers per-tenant rate limiting and concurrency
// configurations. Tenants not listed have no limits.
func WithThrottleConfig(configs ...throttle.Config) Option {
	return func(eng *Engine) {
		eng.throttleConfigs = append(eng.throttleConfigs, configs...)
	}
}

// WithTenant restricts this replica's polling to one tenant. Empty (the
// default) polls all tenants.
func WithTenant(tenantID string) Option {
	return func(eng *Engine) {
		eng.tenantID = tenantID
	}
}

// WithConsumerID overrides the generated replica identity, for
// deterministic identities in tests and fixed fleets.
func WithConsumerID(consumerID id.ReplicaID) Option {
	return func(eng *Engine) {
		eng.consumerID = consumerID
	}
}

// WithTracerProvider sets a custom OTel TracerProvider. When set, the
// tracing middleware uses this provider instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the metrics
// middleware. If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from an existing Replica. The Replica's store
// must implement the workitem, lease, and deadletter store interfaces;
// the migration store is optional and only needed for definition
// migration runs.
func Build(r *execution.Replica, opts ...Option) (*Engine, error) {
	logger := r.Logger()
	store := r.Store()

	if store == nil {
		return nil, execution.ErrNoStore
	}

	is, ok := store.(workitem.Store)
	if !ok {
		return nil, fmt.Errorf("execution: store does not implement workitem.Store")
	}
	ls, ok := store.(lease.Store)
	if !ok {
		return nil, fmt.Errorf("execution: store does not implement lease.Store")
	}
	ds, ok := store.(deadletter.Store)
	if !ok {
		return nil, fmt.Errorf("execution: store does not implement deadletter.Store")
	}

	eng := &Engine{
		r:          r,
		hooks:      hook.NewRegistry(logger),
		itemStore:  is,
		logger:     logger,
		consumerID: id.NewReplicaID(),
	}
	if ms, ok := store.(migration.Store); ok {
		eng.migStore = ms
	}

	for _, opt := range opts {
		opt(eng)
	}

	if eng.processor == nil {
		return nil, execution.ErrNoProcessor
	}

	config := r.Config()
	if eng.bo == nil {
		eng.bo = backoff.NewExponential(config.RetryBase, config.RetryCap)
	}

	eng.leases = lease.NewManager(ls, eng.consumerID.String(), config.LeaseTTL, logger)
	eng.dlqService = deadletter.NewService(ds, is)

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/uengine-oss/process-gpt-execution")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/uengine-oss/process-gpt-execution")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Default middleware stack: tracing → metrics → logging, then any
	// user-supplied middleware. Recovery and the process timeout are
	// appended by the dispatcher itself.
	allMws := make([]mw.Middleware, 0, 3+len(eng.mws))
	allMws = append(allMws, tracingMw, metricsMw, mw.Logging(logger))
	allMws = append(allMws, eng.mws...)

	trans := dispatcher.NewTransitioner(dispatcher.TransitionerOptions{
		Store:      is,
		Leases:     eng.leases,
		DeadLetter: eng.dlqService,
		Planner:    eng.planner,
		Backoff:    eng.bo,
		Hooks:      eng.hooks,
		Logger:     logger,
		ConsumerID: eng.consumerID,
	})

	disp := dispatcher.New(dispatcher.Options{
		Store:          is,
		Leases:         eng.leases,
		Transitioner:   trans,
		Processor:      eng.processor,
		Hooks:          eng.hooks,
		Logger:         logger,
		ConsumerID:     eng.consumerID,
		ProcessTimeout: config.ProcessTimeout,
		RenewInterval:  config.RenewInterval,
		Middleware:     allMws,
	})

	if len(eng.throttleConfigs) > 0 {
		eng.throttleManager = throttle.NewManager(eng.throttleConfigs...)
	}

	eng.pol = poller.New(poller.Options{
		Store:         is,
		Leases:        eng.leases,
		Dispatcher:    disp,
		Hooks:         eng.hooks,
		Throttle:      eng.throttleManager,
		Logger:        logger,
		ConsumerID:    eng.consumerID,
		PollInterval:  config.PollInterval,
		BatchSize:     config.BatchSize,
		MaxInFlight:   config.MaxInFlight,
		SweepInterval: config.SweepInterval,
		TenantID:      eng.tenantID,
	})

	r.SetLoop(eng.pol)
	r.SetHooks(eng.hooks)

	return eng, nil
}

// ConsumerID returns the replica identity used for claims.
func (eng *Engine) ConsumerID() id.ReplicaID { return eng.consumerID }

// Hooks returns the engine's hook registry.
func (eng *Engine) Hooks() *hook.Registry { return eng.hooks }

// DeadLetters returns the dead letter service for inspection, replay,
// and purge.
func (eng *Engine) DeadLetters() *deadletter.Service { return eng.dlqService }

// Leases returns the lease manager bound to this replica's identity.
func (eng *Engine) Leases() *lease.Manager { return eng.leases }

// Submit creates a new work item from a spec and persists it in
// SUBMITTED state, from where any replica may claim it.
func (eng *Engine) Submit(ctx context.Context, spec workitem.Spec) (*workitem.WorkItem, error) {
	w := workitem.New(spec, eng.r.Config().MaxAttempts, time.Now().UTC())
	if err := eng.itemStore.CreateWorkItem(ctx, w); err != nil {
		return nil, err
	}
	eng.logger.Info("work item submitted",
		slog.String("item_id", w.ID.String()),
		slog.String("activity", w.ActivityName),
		slog.String("tenant_id", w.TenantID))
	return w, nil
}

// Fail cancels a work item externally, marking it FAILED with the given
// reason. The retry path never produces FAILED; this is the manual
// escape hatch for items that must not run again. Returns
// ErrInvalidTransition when the item is already terminal.
func (eng *Engine) Fail(ctx context.Context, itemID id.WorkItemID, reason string) error {
	ok, err := eng.itemStore.FailWorkItem(ctx, itemID, reason)
	if err != nil {
		return err
	}
	if !ok {
		return execution.ErrInvalidTransition
	}
	eng.logger.Info("work item failed externally",
		slog.String("item_id", itemID.String()),
		slog.String("reason", reason))
	return nil
}

// SubmitAll creates a batch of work items in one store write.
func (eng *Engine) SubmitAll(ctx context.Context, specs []workitem.Spec) ([]*workitem.WorkItem, error) {
	now := time.Now().UTC()
	maxAttempts := eng.r.Config().MaxAttempts
	items := make([]*workitem.WorkItem, len(specs))
	for i, spec := range specs {
		items[i] = workitem.New(spec, maxAttempts, now)
	}
	if err := eng.itemStore.CreateWorkItems(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

// MigrationRunner builds a runner for a definition-format migration
// scan using this engine's store and lease identity. Returns an error
// when the store has no migration support.
func (eng *Engine) MigrationRunner(transform migration.Transform, opts migration.RunnerOptions) (*migration.Runner, error) {
	if eng.migStore == nil {
		return nil, fmt.Errorf("execution: store does not implement migration.Store")
	}
	if opts.Batcher == nil {
		opts.Batcher = migration.NewBatcher(migration.BatcherOptions{
			Store:    eng.migStore,
			Leases:   eng.leases,
			Logger:   eng.logger,
			TenantID: eng.tenantID,
		})
	}
	opts.Transform = transform
	if opts.Logger == nil {
		opts.Logger = eng.logger
	}
	return migration.NewRunner(opts), nil
}
