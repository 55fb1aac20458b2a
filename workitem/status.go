package workitem

// Status represents the lifecycle state of a work item.
type Status string

const (
	// StatusSubmitted means the item is waiting to be claimed.
	StatusSubmitted Status = "SUBMITTED"
	// StatusClaimed means a replica holds the item's lease but has not
	// started processing yet.
	StatusClaimed Status = "CLAIMED"
	// StatusProcessing means the lease holder is executing the item.
	StatusProcessing Status = "PROCESSING"
	// StatusDone means the item finished successfully.
	StatusDone Status = "DONE"
	// StatusRetryPending means the item failed recoverably and becomes
	// claimable again after its backoff delay.
	StatusRetryPending Status = "RETRY_PENDING"
	// StatusFailed means the item was failed externally (manual
	// cancellation). The retry path never produces it.
	StatusFailed Status = "FAILED"
	// StatusDeadLetter means the item exhausted its retry budget. It is
	// never re-polled; replaying it requires explicit intervention.
	StatusDeadLetter Status = "DEAD_LETTER"
)

// transitions is the closed set of forward edges in the status machine.
var transitions = map[Status][]Status{
	StatusSubmitted:    {StatusClaimed, StatusFailed},
	StatusRetryPending: {StatusClaimed, StatusFailed},
	// CLAIMED/PROCESSING → SUBMITTED is the sweeper reclaiming items
	// whose holder died without releasing the claim.
	StatusClaimed:    {StatusProcessing, StatusSubmitted, StatusFailed},
	StatusProcessing: {StatusDone, StatusRetryPending, StatusDeadLetter, StatusSubmitted, StatusFailed},
	StatusDone:       {},
	StatusFailed:     {},
	// DEAD_LETTER → SUBMITTED is intentionally absent: replay is an
	// explicit administrative reset, not a machine transition.
	StatusDeadLetter: {},
}

// CanTransition reports whether moving from s to next is a legal edge of
// the status machine. Statuses only move forward; no edge skips a state
// except the external failure path.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is an end state for the item.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusDeadLetter
}

// Claimable reports whether items in this status are eligible for the
// poll query (subject to their RetryAt eligibility time).
func (s Status) Claimable() bool {
	return s == StatusSubmitted || s == StatusRetryPending
}

// Valid reports whether s is one of the closed status enum values.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}
