package deadletter

import (
	"context"
	"fmt"
	"time"

	execution "github.com/uengine-oss/process-gpt-execution"
	"github.com/uengine-oss/process-gpt-execution/id"
	"github.com/uengine-oss/process-gpt-execution/workitem"
)

// Service provides high-level dead letter operations over a Store.
type Service struct {
	store     Store
	itemStore workitem.Store
}

// NewService creates a dead letter service.
func NewService(store Store, itemStore workitem.Store) *Service {
	return &Service{store: store, itemStore: itemStore}
}

// Push builds an Entry from an exhausted work item and persists it.
// The error string is captured from the final processing failure.
func (s *Service) Push(ctx context.Context, w *workitem.WorkItem, itemErr error) error {
	now := time.Now().UTC()
	entry := &Entry{
		ID:           id.NewDeadLetterID(),
		ItemID:       w.ID,
		TenantID:     w.TenantID,
		ProcInstID:   w.ProcInstID,
		ActivityName: w.ActivityName,
		Draft:        w.Draft,
		Error:        itemErr.Error(),
		AttemptCount: w.AttemptCount,
		MaxAttempts:  w.MaxAttempts,
		FailedAt:     now,
		CreatedAt:    now,
	}
	return s.store.PushDeadLetter(ctx, entry)
}

// Replay resets a dead-lettered item back to SUBMITTED with a fresh
// attempt budget and stamps the entry as replayed. Replay is the only
// way out of DEAD_LETTER; the poller never touches it.
func (s *Service) Replay(ctx context.Context, entryID id.DeadLetterID) error {
	entry, err := s.store.GetDeadLetter(ctx, entryID)
	if err != nil {
		return err
	}
	if entry.ReplayedAt != nil {
		return fmt.Errorf("execution/deadletter: entry %s already replayed", entryID.String())
	}

	reset, err := s.itemStore.ResubmitWorkItem(ctx, entry.ItemID)
	if err != nil {
		return fmt.Errorf("execution/deadletter: resubmit item %s: %w", entry.ItemID.String(), err)
	}
	if !reset {
		// The item is not in DEAD_LETTER anymore (already replayed by
		// someone else, or archived with its instance).
		return execution.ErrInvalidTransition
	}

	return s.store.MarkReplayed(ctx, entryID)
}

// DeadLetterStore returns the underlying store for direct access to
// List, Get, Purge, and Count operations.
func (s *Service) DeadLetterStore() Store {
	return s.store
}
