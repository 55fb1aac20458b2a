package execution

import (
	"context"
	"log/slog"
)

// Storer is the minimal store interface held by the Replica. It covers
// lifecycle operations only. The full composite interface (store.Store)
// is used in subsystem layers that don't create import cycles;
// implementations satisfy store.Store which embeds all subsystem stores.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// loopRunner is an internal interface for the claim loop lifecycle.
type loopRunner interface {
	Start(ctx context.Context)
	Stop()
}

// shutdownEmitter is an internal interface for hook lifecycle events.
type shutdownEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Replica is one stateless member of the claim-and-process fleet. It
// holds the configuration, store, and logger; the engine package wires
// the claim loop, dispatcher, and hooks onto it.
//
// Create one with New() and functional options, then hand it to
// engine.Build to attach the processing machinery.
type Replica struct {
	config Config
	logger *slog.Logger
	store  Storer
	hooks  shutdownEmitter
	loop   loopRunner

	started bool
}

// New creates a new Replica with the given options.
func New(opts ...Option) (*Replica, error) {
	r := &Replica{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Logger returns the replica's logger.
func (r *Replica) Logger() *slog.Logger { return r.logger }

// Store returns the replica's store.
func (r *Replica) Store() Storer { return r.store }

// Config returns a copy of the replica's configuration.
func (r *Replica) Config() Config { return r.config }

// SetLoop sets the claim loop (called by the engine package).
func (r *Replica) SetLoop(l loopRunner) { r.loop = l }

// SetHooks sets the hook emitter (called by the engine package).
func (r *Replica) SetHooks(h shutdownEmitter) { r.hooks = h }

// Start begins polling and processing work items. The claim loop is
// wired by engine.Build; starting an unbuilt replica returns
// ErrNotBuilt.
func (r *Replica) Start(ctx context.Context) error {
	if r.loop == nil {
		return ErrNotBuilt
	}
	r.loop.Start(ctx)
	r.started = true
	return nil
}

// Stop gracefully shuts down the replica: the claim loop drains its
// in-flight items, hooks observe the shutdown, and the store closes.
func (r *Replica) Stop(ctx context.Context) error {
	if r.loop != nil && r.started {
		r.loop.Stop()
	}
	if r.hooks != nil {
		r.hooks.EmitShutdown(ctx)
	}
	if r.store != nil {
		return r.store.Close()
	}
	return nil
}
