package execution

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("execution: no store configured")
	ErrNoProcessor = errors.New("execution: no processor configured")
	ErrNotBuilt    = errors.New("execution: replica not built, call engine.Build first")
	ErrStoreClosed = errors.New("execution: store closed")

	// Not found errors.
	ErrItemNotFound       = errors.New("execution: work item not found")
	ErrLeaseNotFound      = errors.New("execution: lease not found")
	ErrDeadLetterNotFound = errors.New("execution: dead letter entry not found")

	// Conflict errors.
	ErrItemAlreadyExists = errors.New("execution: work item already exists")

	// Lease errors. Conflict is an expected outcome of a lost claim race,
	// not a store failure; callers skip the resource for the cycle.
	ErrLeaseConflict  = errors.New("execution: lease held by another holder")
	ErrLeaseNotHolder = errors.New("execution: lease not held by caller")

	// State errors.
	ErrInvalidTransition  = errors.New("execution: invalid status transition")
	ErrMaxAttemptsReached = errors.New("execution: max attempts reached")
)
