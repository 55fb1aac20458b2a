package execution

import "time"

// Config holds configuration for a Replica. Every coordination knob the
// claim loop depends on — poll cadence, lease TTL, retry budget, backoff
// shape — is externally configured here, never hard-coded.
type Config struct {
	// PollInterval is how often the poller scans for claimable items.
	PollInterval time.Duration

	// BatchSize is the maximum number of claimable items fetched per
	// poll cycle.
	BatchSize int

	// MaxInFlight bounds how many claimed items this replica processes
	// concurrently.
	MaxInFlight int

	// LeaseTTL is the lifetime of a claim lease. It should cover the
	// expected processing time plus margin; a crashed replica's claims
	// become reclaimable after this long.
	LeaseTTL time.Duration

	// RenewInterval is how often the dispatcher renews the lease of an
	// item that is still processing. Must be shorter than LeaseTTL.
	RenewInterval time.Duration

	// ProcessTimeout is the hard deadline for a single processor
	// invocation. Exceeding it counts as a recoverable failure.
	ProcessTimeout time.Duration

	// MaxAttempts is the retry budget per work item. An item failing
	// this many times is dead-lettered.
	MaxAttempts int

	// RetryBase and RetryCap shape the exponential retry backoff:
	// delay = RetryBase * 2^attempt, capped at RetryCap.
	RetryBase time.Duration
	RetryCap  time.Duration

	// SweepInterval is how often the sweeper resets items whose lease
	// expired without a terminal transition (crash recovery). Zero
	// disables sweeping.
	SweepInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for in-flight items
	// during graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:    5 * time.Second,
		BatchSize:       10,
		MaxInFlight:     3,
		LeaseTTL:        2 * time.Minute,
		RenewInterval:   30 * time.Second,
		ProcessTimeout:  90 * time.Second,
		MaxAttempts:     3,
		RetryBase:       time.Second,
		RetryCap:        5 * time.Minute,
		SweepInterval:   time.Minute,
		ShutdownTimeout: 30 * time.Second,
	}
}
