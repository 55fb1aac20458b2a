package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	execution "github.com/uengine-oss/process-gpt-execution"
	"github.com/uengine-oss/process-gpt-execution/id"
	"github.com/uengine-oss/process-gpt-execution/workitem"
)

const workItemColumns = `
	id, tenant_id, proc_inst_id, proc_def_id, activity_id, activity_name,
	assignee, consumer, status, draft, attempt_count, max_attempts,
	error_detail, retry_at, started_at, completed_at, due_date,
	created_at, updated_at`

// CreateWorkItem persists a new item in SUBMITTED state.
func (s *Store) CreateWorkItem(ctx context.Context, w *workitem.WorkItem) error {
	draft, err := marshalDraft(w.Draft)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO work_items (
			id, tenant_id, proc_inst_id, proc_def_id, activity_id, activity_name,
			assignee, consumer, status, draft, attempt_count, max_attempts,
			error_detail, retry_at, started_at, completed_at, due_date,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19
		)`,
		w.ID.String(), w.TenantID, w.ProcInstID, w.ProcDefID, w.ActivityID, w.ActivityName,
		w.Assignee, w.Consumer.String(), string(w.Status), draft, w.AttemptCount, w.MaxAttempts,
		w.ErrorDetail, w.RetryAt, w.StartedAt, w.CompletedAt, w.DueDate,
		w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return execution.ErrItemAlreadyExists
		}
		return fmt.Errorf("execution/postgres: create work item: %w", err)
	}
	return nil
}

// CreateWorkItems persists a batch of new items. Duplicate IDs are
// skipped rather than failing the batch, so a retried fan-out cannot
// double-create siblings.
func (s *Store) CreateWorkItems(ctx context.Context, items []*workitem.WorkItem) error {
	if len(items) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, w := range items {
		draft, err := marshalDraft(w.Draft)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO work_items (
				id, tenant_id, proc_inst_id, proc_def_id, activity_id, activity_name,
				assignee, consumer, status, draft, attempt_count, max_attempts,
				error_detail, retry_at, started_at, completed_at, due_date,
				created_at, updated_at
			) VALUES (
				$1, $2, $3, $4, $5, $6,
				$7, $8, $9, $10, $11, $12,
				$13, $14, $15, $16, $17,
				$18, $19
			) ON CONFLICT (id) DO NOTHING`,
			w.ID.String(), w.TenantID, w.ProcInstID, w.ProcDefID, w.ActivityID, w.ActivityName,
			w.Assignee, w.Consumer.String(), string(w.Status), draft, w.AttemptCount, w.MaxAttempts,
			w.ErrorDetail, w.RetryAt, w.StartedAt, w.CompletedAt, w.DueDate,
			w.CreatedAt, w.UpdatedAt,
		)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range items {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("execution/postgres: create work items: %w", err)
		}
	}
	return nil
}

// GetWorkItem retrieves an item by ID.
func (s *Store) GetWorkItem(ctx context.Context, itemID id.WorkItemID) (*workitem.WorkItem, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+workItemColumns+` FROM work_items WHERE id = $1`,
		itemID.String(),
	)
	w, err := scanWorkItem(row)
	if err != nil {
		if isNoRows(err) {
			return nil, execution.ErrItemNotFound
		}
		return nil, fmt.Errorf("execution/postgres: get work item: %w", err)
	}
	return w, nil
}

// UpdateWorkItem persists changes to an existing item.
func (s *Store) UpdateWorkItem(ctx context.Context, w *workitem.WorkItem) error {
	draft, err := marshalDraft(w.Draft)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items SET
			tenant_id = $2, proc_inst_id = $3, proc_def_id = $4, activity_id = $5,
			activity_name = $6, assignee = $7, consumer = $8, status = $9,
			draft = $10, attempt_count = $11, max_attempts = $12, error_detail = $13,
			retry_at = $14, started_at = $15, completed_at = $16, due_date = $17,
			updated_at = NOW()
		WHERE id = $1`,
		w.ID.String(), w.TenantID, w.ProcInstID, w.ProcDefID, w.ActivityID,
		w.ActivityName, w.Assignee, w.Consumer.String(), string(w.Status),
		draft, w.AttemptCount, w.MaxAttempts, w.ErrorDetail,
		w.RetryAt, w.StartedAt, w.CompletedAt, w.DueDate,
	)
	if err != nil {
		return fmt.Errorf("execution/postgres: update work item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return execution.ErrItemNotFound
	}
	return nil
}

// PollClaimable returns claimable items ordered by creation time. It is
// a plain read: claiming happens through the lease table plus the
// conditional ClaimWorkItem update, never here.
func (s *Store) PollClaimable(ctx context.Context, opts workitem.PollOpts) ([]*workitem.WorkItem, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+workItemColumns+`
		FROM work_items
		WHERE status IN ('SUBMITTED', 'RETRY_PENDING')
		  AND retry_at <= NOW()
		  AND ($1 = '' OR tenant_id = $1)
		ORDER BY created_at ASC
		LIMIT $2`,
		opts.TenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("execution/postgres: poll claimable: %w", err)
	}
	defer rows.Close()

	return collectWorkItems(rows)
}

// ClaimWorkItem transitions SUBMITTED/RETRY_PENDING → CLAIMED. The
// status guard in the WHERE clause makes the transition atomic; the
// returned bool is the row count.
func (s *Store) ClaimWorkItem(ctx context.Context, itemID id.WorkItemID, consumer id.ReplicaID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items
		SET status = 'CLAIMED', consumer = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('SUBMITTED', 'RETRY_PENDING')`,
		itemID.String(), consumer.String(),
	)
	if err != nil {
		return false, fmt.Errorf("execution/postgres: claim work item: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// StartWorkItem transitions CLAIMED → PROCESSING for the claiming consumer.
func (s *Store) StartWorkItem(ctx context.Context, itemID id.WorkItemID, consumer id.ReplicaID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items
		SET status = 'PROCESSING', started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'CLAIMED' AND consumer = $2`,
		itemID.String(), consumer.String(),
	)
	if err != nil {
		return false, fmt.Errorf("execution/postgres: start work item: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CompleteWorkItem transitions PROCESSING → DONE for the claiming consumer.
func (s *Store) CompleteWorkItem(ctx context.Context, itemID id.WorkItemID, consumer id.ReplicaID, result *workitem.Draft) (bool, error) {
	draft, err := marshalDraft(result)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items
		SET status = 'DONE', draft = COALESCE($3, draft), consumer = '',
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING' AND consumer = $2`,
		itemID.String(), consumer.String(), draft,
	)
	if err != nil {
		return false, fmt.Errorf("execution/postgres: complete work item: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RetryWorkItem transitions PROCESSING → RETRY_PENDING for the claiming
// consumer.
func (s *Store) RetryWorkItem(ctx context.Context, itemID id.WorkItemID, consumer id.ReplicaID, attemptCount int, errorDetail string, retryAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items
		SET status = 'RETRY_PENDING', attempt_count = $3, error_detail = $4,
		    retry_at = $5, consumer = '', started_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING' AND consumer = $2`,
		itemID.String(), consumer.String(), attemptCount, errorDetail, retryAt,
	)
	if err != nil {
		return false, fmt.Errorf("execution/postgres: retry work item: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeadLetterWorkItem transitions PROCESSING → DEAD_LETTER for the
// claiming consumer.
func (s *Store) DeadLetterWorkItem(ctx context.Context, itemID id.WorkItemID, consumer id.ReplicaID, attemptCount int, errorDetail string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items
		SET status = 'DEAD_LETTER', attempt_count = $3, error_detail = $4,
		    consumer = '', updated_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING' AND consumer = $2`,
		itemID.String(), consumer.String(), attemptCount, errorDetail,
	)
	if err != nil {
		return false, fmt.Errorf("execution/postgres: dead-letter work item: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ResubmitWorkItem resets a DEAD_LETTER item to SUBMITTED for replay.
func (s *Store) ResubmitWorkItem(ctx context.Context, itemID id.WorkItemID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items
		SET status = 'SUBMITTED', attempt_count = 0, error_detail = '',
		    retry_at = NOW(), started_at = NULL, completed_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'DEAD_LETTER'`,
		itemID.String(),
	)
	if err != nil {
		return false, fmt.Errorf("execution/postgres: resubmit work item: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FailWorkItem marks any non-terminal item FAILED with the given
// reason. External cancellation only; the retry path never writes this
// status.
func (s *Store) FailWorkItem(ctx context.Context, itemID id.WorkItemID, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items
		SET status = 'FAILED', error_detail = $2, consumer = '',
		    updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('DONE', 'FAILED', 'DEAD_LETTER')`,
		itemID.String(), reason,
	)
	if err != nil {
		return false, fmt.Errorf("execution/postgres: fail work item: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SweepExpiredClaims resets items stuck in CLAIMED or PROCESSING whose
// lease has expired or vanished back to SUBMITTED, and drops the dead
// lease rows in the same statement.
func (s *Store) SweepExpiredClaims(ctx context.Context, now time.Time) (int64, error) {
	var swept int64
	err := s.pool.QueryRow(ctx, `
		WITH swept AS (
			UPDATE work_items w
			SET status = 'SUBMITTED', consumer = '', started_at = NULL,
			    updated_at = NOW()
			WHERE w.status IN ('CLAIMED', 'PROCESSING')
			  AND NOT EXISTS (
				SELECT 1 FROM leases l
				WHERE l.resource_id = w.id
				  AND l.tenant_id = w.tenant_id
				  AND (l.expires_at IS NULL OR l.expires_at > $1)
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
		return 0, fmt.Errorf("execution/postgres: sweep expired claims: %w", err)
	}
	return swept, nil
}

// ListWorkItemsByStatus returns items matching the given status.
func (s *Store) ListWorkItemsByStatus(ctx context.Context, status workitem.Status, opts workitem.ListOpts) ([]*workitem.WorkItem, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+workItemColumns+`
		FROM work_items
		WHERE status = $1
		  AND ($2 = '' OR tenant_id = $2)
		ORDER BY created_at ASC
		LIMIT $3 OFFSET $4`,
		string(status), opts.TenantID, limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("execution/postgres: list work items: %w", err)
	}
	defer rows.Close()

	return collectWorkItems(rows)
}

// CountWorkItems returns the number of items matching the options.
func (s *Store) CountWorkItems(ctx context.Context, opts workitem.CountOpts) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM work_items
		WHERE ($1 = '' OR tenant_id = $1)
		  AND ($2 = '' OR status = $2)`,
		opts.TenantID, string(opts.Status),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("execution/postgres: count work items: %w", err)
	}
	return count, nil
}

func scanWorkItem(row pgx.Row) (*workitem.WorkItem, error) {
	var (
		w           workitem.WorkItem
		idStr       string
		consumerStr string
		statusStr   string
		draftRaw    []byte
	)
	err := row.Scan(
		&idStr, &w.TenantID, &w.ProcInstID, &w.ProcDefID, &w.ActivityID, &w.ActivityName,
		&w.Assignee, &consumerStr, &statusStr, &draftRaw, &w.AttemptCount, &w.MaxAttempts,
		&w.ErrorDetail, &w.RetryAt, &w.StartedAt, &w.CompletedAt, &w.DueDate,
		&w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	w.Status = workitem.Status(statusStr)

	parsedID, parseErr := id.ParseWorkItemID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("execution/postgres: parse work item id %q: %w", idStr, parseErr)
	}
	w.ID = parsedID

	if consumerStr != "" {
		parsedConsumer, consumerErr := id.ParseReplicaID(consumerStr)
		if consumerErr == nil {
			w.Consumer = parsedConsumer
		}
	}

	draft, draftErr := unmarshalDraft(draftRaw)
	if draftErr != nil {
		return nil, draftErr
	}
	w.Draft = draft

	return &w, nil
}

// collectWorkItems collects all items from query rows.
func collectWorkItems(rows pgx.Rows) ([]*workitem.WorkItem, error) {
	var items []*workitem.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("execution/postgres: scan work item row: %w", err)
		}
		items = append(items, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("execution/postgres: iterate work item rows: %w", err)
	}
	return items, nil
}
