// Package workitem defines the work item model, its status state machine,
// the tagged draft payload, and the persistence contract for the work
// item store.
package workitem

import (
	"time"

	execution "github.com/uengine-oss/process-gpt-execution"
	"github.com/uengine-oss/process-gpt-execution/id"
)

// WorkItem represents one pending activity of a running process instance.
// Items are created when an activity becomes ready and are only ever
// advanced through the status machine — the core never deletes them; an
// item is archived together with its owning process instance.
type WorkItem struct {
	execution.Entity

	ID       id.WorkItemID `json:"id"`
	TenantID string        `json:"tenant_id"`

	// ProcInstID is the owning process instance. A work item never
	// outlives its instance.
	ProcInstID string `json:"proc_inst_id"`
	ProcDefID  string `json:"proc_def_id,omitempty"`

	ActivityID   string `json:"activity_id"`
	ActivityName string `json:"activity_name"`

	// Assignee is the human or agent responsible for the activity.
	Assignee string `json:"assignee,omitempty"`

	// Consumer is the replica currently holding the claim, if any.
	Consumer id.ReplicaID `json:"consumer,omitempty"`

	Status Status `json:"status"`

	// Draft is the structured payload produced by and consumed by the
	// processing collaborator.
	Draft *Draft `json:"draft,omitempty"`

	AttemptCount int `json:"attempt_count"`
	MaxAttempts  int `json:"max_attempts"`

	// ErrorDetail records the last processing failure. For dead-lettered
	// items it stays queryable until manual intervention.
	ErrorDetail string `json:"error_detail,omitempty"`

	// RetryAt is when the item becomes claimable again after a retry.
	// For SUBMITTED items it is the creation time.
	RetryAt time.Time `json:"retry_at"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
}

// Spec describes a work item to be created, either by the external
// process-definition collaborator when an activity becomes ready, or as
// fan-out after a successful item.
type Spec struct {
	TenantID     string     `json:"tenant_id"`
	ProcInstID   string     `json:"proc_inst_id"`
	ProcDefID    string     `json:"proc_def_id,omitempty"`
	ActivityID   string     `json:"activity_id"`
	ActivityName string     `json:"activity_name"`
	Assignee     string     `json:"assignee,omitempty"`
	Draft        *Draft     `json:"draft,omitempty"`
	MaxAttempts  int        `json:"max_attempts,omitempty"`
	DueDate      *time.Time `json:"due_date,omitempty"`
}

// New builds a SUBMITTED work item from a spec. Zero MaxAttempts falls
// back to defaultMaxAttempts.
func New(spec Spec, defaultMaxAttempts int, now time.Time) *WorkItem {
	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	w := &WorkItem{
		ID:           id.NewWorkItemID(),
		TenantID:     spec.TenantID,
		ProcInstID:   spec.ProcInstID,
		ProcDefID:    spec.ProcDefID,
		ActivityID:   spec.ActivityID,
		ActivityName: spec.ActivityName,
		Assignee:     spec.Assignee,
		Status:       StatusSubmitted,
		Draft:        spec.Draft,
		MaxAttempts:  maxAttempts,
		RetryAt:      now,
		DueDate:      spec.DueDate,
	}
	w.Touch(now)
	return w
}

// AttemptsExhausted reports whether the item has used up its retry budget.
func (w *WorkItem) AttemptsExhausted() bool {
	return w.AttemptCount >= w.MaxAttempts
}
