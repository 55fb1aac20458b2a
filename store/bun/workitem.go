package bunstore

import (
	"context"
	"fmt"
	"time"

	execution "github.com/uengine-oss/process-gpt-execution"
	"github.com/uengine-oss/process-gpt-execution/id"
	"github.com/uengine-oss/process-gpt-execution/workitem"
)

// CreateWorkItem persists a new item in SUBMITTED state.
func (s *Store) CreateWorkItem(ctx context.Context, w *workitem.WorkItem) error {
	m, err := toWorkItemModel(w)
	if err != nil {
		return err
	}
	_, err = s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return execution.ErrItemAlreadyExists
		}
		return fmt.Errorf("execution/bun: create work item: %w", err)
	}
	return nil
}

// CreateWorkItems persists a batch of new items. Duplicate IDs are
// skipped so a retried fan-out cannot double-create siblings.
func (s *Store) CreateWorkItems(ctx context.Context, items []*workitem.WorkItem) error {
	if len(items) == 0 {
		return nil
	}
	models := make([]*workItemModel, 0, len(items))
	for _, w := range items {
		m, err := toWorkItemModel(w)
		if err != nil {
			return err
		}
		models = append(models, m)
	}
	_, err := s.db.NewInsert().Model(&models).
		On("CONFLICT (id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("execution/bun: create work items: %w", err)
	}
	return nil
}

// GetWorkItem retrieves an item by ID.
func (s *Store) GetWorkItem(ctx context.Context, itemID id.WorkItemID) (*workitem.WorkItem, error) {
	m := new(workItemModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", itemID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, execution.ErrItemNotFound
		}
		return nil, fmt.Errorf("execution/bun: get work item: %w", err)
	}
	return fromWorkItemModel(m)
}

// UpdateWorkItem persists changes to an existing item.
func (s *Store) UpdateWorkItem(ctx context.Context, w *workitem.WorkItem) error {
	m, err := toWorkItemModel(w)
	if err != nil {
		return err
	}
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.NewUpdate().Model(m).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("execution/bun: update work item: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return execution.ErrItemNotFound
	}
	return nil
}

// PollClaimable returns claimable items ordered by creation time.
func (s *Store) PollClaimable(ctx context.Context, opts workitem.PollOpts) ([]*workitem.WorkItem, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	var models []workItemModel
	q := s.db.NewSelect().Model(&models).
		Where("status IN ('SUBMITTED', 'RETRY_PENDING')").
		Where("retry_at <= NOW()")
	if opts.TenantID != "" {
		q = q.Where("tenant_id = ?", opts.TenantID)
	}
	err := q.Order("created_at ASC").Limit(limit).Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("execution/bun: poll claimable: %w", err)
	}
	return convertWorkItems(models)
}

// ClaimWorkItem transitions SUBMITTED/RETRY_PENDING → CLAIMED.
func (s *Store) ClaimWorkItem(ctx context.Context, itemID id.WorkItemID, consumer id.ReplicaID) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*workItemModel)(nil)).
		Set("status = 'CLAIMED'").
		Set("consumer = ?", consumer.String()).
		Set("updated_at = NOW()").
		Where("id = ?", itemID.String()).
		Where("status IN ('SUBMITTED', 'RETRY_PENDING')").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("execution/bun: claim work item: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows > 0, nil
}

// StartWorkItem transitions CLAIMED → PROCESSING for the claiming consumer.
func (s *Store) StartWorkItem(ctx context.Context, itemID id.WorkItemID, consumer id.ReplicaID) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*workItemModel)(nil)).
		Set("status = 'PROCESSING'").
		Set("started_at = NOW()").
		Set("updated_at = NOW()").
		Where("id = ?", itemID.String()).
		Where("status = 'CLAIMED'").
		Where("consumer = ?", consumer.String()).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("execution/bun: start work item: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows > 0, nil
}

// CompleteWorkItem transitions PROCESSING → DONE for the claiming consumer.
func (s *Store) CompleteWorkItem(ctx context.Context, itemID id.WorkItemID, consumer id.ReplicaID, result *workitem.Draft) (bool, error) {
	draft, err := marshalDraftRaw(result)
	if err != nil {
		return false, err
	}
	res, err := s.db.NewUpdate().
		Model((*workItemModel)(nil)).
		Set("status = 'DONE'").
		Set("draft = COALESCE(?, draft)", draft).
		Set("consumer = ''").
		Set("completed_at = NOW()").
		Set("updated_at = NOW()").
		Where("id = ?", itemID.String()).
		Where("status = 'PROCESSING'").
		Where("consumer = ?", consumer.String()).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("execution/bun: complete work item: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows > 0, nil
}

// RetryWorkItem transitions PROCESSING → RETRY_PENDING for the claiming
// consumer.
func (s *Store) RetryWorkItem(ctx context.Context, itemID id.WorkItemID, consumer id.ReplicaID, attemptCount int, errorDetail string, retryAt time.Time) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*workItemModel)(nil)).
		Set("status = 'RETRY_PENDING'").
		Set("attempt_count = ?", attemptCount).
		Set("error_detail = ?", errorDetail).
		Set("retry_at = ?", retryAt).
		Set("consumer = ''").
		Set("started_at = NULL").
		Set("updated_at = NOW()").
		Where("id = ?", itemID.String()).
		Where("status = 'PROCESSING'").
		Where("consumer = ?", consumer.String()).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("execution/bun: retry work item: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows > 0, nil
}

// DeadLetterWorkItem transitions PROCESSING → DEAD_LETTER for the
// claiming consumer.
func (s *Store) DeadLetterWorkItem(ctx context.Context, itemID id.WorkItemID, consumer id.ReplicaID, attemptCount int, errorDetail string) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*workItemModel)(nil)).
		Set("status = 'DEAD_LETTER'").
		Set("attempt_count = ?", attemptCount).
		Set("error_detail = ?", errorDetail).
		Set("consumer = ''").
		Set("updated_at = NOW()").
		Where("id = ?", itemID.String()).
		Where("status = 'PROCESSING'").
		Where("consumer = ?", consumer.String()).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("execution/bun: dead-letter work item: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows > 0, nil
}

// ResubmitWorkItem resets a DEAD_LETTER item to SUBMITTED for replay.
func (s *Store) ResubmitWorkItem(ctx context.Context, itemID id.WorkItemID) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*workItemModel)(nil)).
		Set("status = 'SUBMITTED'").
		Set("attempt_count = 0").
		Set("error_detail = ''").
		Set("retry_at = NOW()").
		Set("started_at = NULL").
		Set("completed_at = NULL").
		Set("updated_at = NOW()").
		Where("id = ?", itemID.String()).
		Where("status = 'DEAD_LETTER'").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("execution/bun: resubmit work item: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows > 0, nil
}

// FailWorkItem marks any non-terminal item FAILED with the given
// reason. External cancellation only; the retry path never writes this
// status.
func (s *Store) FailWorkItem(ctx context.Context, itemID id.WorkItemID, reason string) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*workItemModel)(nil)).
		Set("status = 'FAILED'").
		Set("error_detail = ?", reason).
		Set("consumer = ''").
		Set("updated_at = NOW()").
		Where("id = ?", itemID.String()).
		Where("status NOT IN ('DONE', 'FAILED', 'DEAD_LETTER')").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("execution/bun: fail work item: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows > 0, nil
}

// SweepExpiredClaims resets items stuck in CLAIMED or PROCESSING whose
// lease has expired or vanished back to SUBMITTED via raw SQL.
func (s *Store) SweepExpiredClaims(ctx context.Context, now time.Time) (int64, error) {
	var swept int64
	err := s.db.QueryRowContext(ctx, `
		WITH swept AS (
			UPDATE work_items w
			SET status = 'SUBMITTED', consumer = '', started_at = NULL,
			    updated_at = NOW()
			WHERE w.status IN ('CLAIMED', 'PROCESSING')
			  AND NOT EXISTS (
				SELECT 1 FROM leases l
				WHERE l.resource_id = w.id
				  AND l.tenant_id = w.tenant_id
				  AND (l.expires_at IS NULL OR l.expires_at > ?)
			  )
			RETURNING w.id, w.tenant_id
		), purged AS (
			DELETE FROM leases l
			USING swept
			WHERE l.resource_id = swept.id AND l.tenant_id = swept.tenant_id
		)
		SELECT COUNT(*) FROM swept`,
		now,
	).Scan(&swept)
	if err != nil {
		return 0, fmt.Errorf("execution/bun: sweep expired claims: %w", err)
	}
	return swept, nil
}

// ListWorkItemsByStatus returns items matching the given status.
func (s *Store) ListWorkItemsByStatus(ctx context.Context, status workitem.Status, opts workitem.ListOpts) ([]*workitem.WorkItem, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	var models []workItemModel
	q := s.db.NewSelect().Model(&models).
		Where("status = ?", string(status))
	if opts.TenantID != "" {
		q = q.Where("tenant_id = ?", opts.TenantID)
	}
	err := q.Order("created_at ASC").Limit(limit).Offset(opts.Offset).Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("execution/bun: list work items: %w", err)
	}
	return convertWorkItems(models)
}

// CountWorkItems returns the number of items matching the options.
func (s *Store) CountWorkItems(ctx context.Context, opts workitem.CountOpts) (int64, error) {
	q := s.db.NewSelect().Model((*workItemModel)(nil))
	if opts.TenantID != "" {
		q = q.Where("tenant_id = ?", opts.TenantID)
	}
	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	count, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("execution/bun: count work items: %w", err)
	}
	return int64(count), nil
}

func convertWorkItems(models []workItemModel) ([]*workitem.WorkItem, error) {
	items := make([]*workitem.WorkItem, 0, len(models))
	for i := range models {
		w, err := fromWorkItemModel(&models[i])
		if err != nil {
			return nil, err
		}
		items = append(items, w)
	}
	return items, nil
}
