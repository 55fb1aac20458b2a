package execution

import (
	"log/slog"
	"time"
)

// Option configures a Replica.
type Option func(*Replica) error

// WithStore sets the persistence backend for the replica. The store
// must implement Storer at minimum; typically it will be a store.Store
// which embeds all subsystem store interfaces.
func WithStore(s Storer) Option {
	return func(r *Replica) error {
		r.store = s
		return nil
	}
}

// WithLogger sets the structured logger for the replica.
func WithLogger(l *slog.Logger) Option {
	return func(r *Replica) error {
		r.logger = l
		return nil
	}
}

// WithConfig replaces the replica's configuration wholesale.
func WithConfig(cfg Config) Option {
	return func(r *Replica) error {
		r.config = cfg
		return nil
	}
}

// WithPollInterval sets how often the poller scans for claimable items.
func WithPollInterval(d time.Duration) Option {
	return func(r *Replica) error {
		r.config.PollInterval = d
		return nil
	}
}

// WithBatchSize sets the maximum claimable items fetched per poll cycle.
func WithBatchSize(n int) Option {
	return func(r *Replica) error {
		r.config.BatchSize = n
		return nil
	}
}

// WithMaxInFlight bounds how many claimed items the replica processes
// concurrently.
func WithMaxInFlight(n int) Option {
	return func(r *Replica) error {
		r.config.MaxInFlight = n
		return nil
	}
}

// WithLeaseTTL sets the claim lease lifetime.
func WithLeaseTTL(d time.Duration) Option {
	return func(r *Replica) error {
		r.config.LeaseTTL = d
		return nil
	}
}

// WithProcessTimeout sets the hard deadline for one processor invocation.
func WithProcessTimeout(d time.Duration) Option {
	return func(r *Replica) error {
		r.config.ProcessTimeout = d
		return nil
	}
}

// WithMaxAttempts sets the default retry budget per work item.
func WithMaxAttempts(n int) Option {
	return func(r *Replica) error {
		r.config.MaxAttempts = n
		return nil
	}
}
