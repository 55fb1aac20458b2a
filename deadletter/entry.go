// Package deadletter records work items that exhausted their retry
// budget, keeps them queryable with their error detail, and supports
// administrative replay and purge. Dead-lettered items are never
// auto-retried.
package deadletter

import (
	"time"

	"github.com/uengine-oss/process-gpt-execution/id"
	"github.com/uengine-oss/process-gpt-execution/workitem"
)

// Entry represents a dead-lettered work item held for inspection,
// replay, or purge.
type Entry struct {
	ID           id.DeadLetterID `json:"id"`
	ItemID       id.WorkItemID   `json:"item_id"`
	TenantID     string          `json:"tenant_id"`
	ProcInstID   string          `json:"proc_inst_id"`
	ActivityName string          `json:"activity_name"`
	Draft        *workitem.Draft `json:"draft,omitempty"`
	Error        string          `json:"error"`
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"`
	FailedAt     time.Time       `json:"failed_at"`
	ReplayedAt   *time.Time      `json:"replayed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
