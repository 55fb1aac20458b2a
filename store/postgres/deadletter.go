package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	execution "github.com/uengine-oss/process-gpt-execution"
	"github.com/uengine-oss/process-gpt-execution/deadletter"
	"github.com/uengine-oss/process-gpt-execution/id"
)

const deadLetterColumns = `
	id, item_id, tenant_id, proc_inst_id, activity_name, draft,
	error, attempt_count, max_attempts, failed_at, replayed_at, created_at`

// PushDeadLetter adds an entry for an exhausted work item.
func (s *Store) PushDeadLetter(ctx context.Context, entry *deadletter.Entry) error {
	draft, err := marshalDraft(entry.Draft)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO dead_letters (
			id, item_id, tenant_id, proc_inst_id, activity_name, draft,
			error, attempt_count, max_attempts, failed_at, replayed_at, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12
		)`,
		entry.ID.String(), entry.ItemID.String(), entry.TenantID, entry.ProcInstID,
		entry.ActivityName, draft,
		entry.Error, entry.AttemptCount, entry.MaxAttempts,
		entry.FailedAt, entry.ReplayedAt, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("execution/postgres: push dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns entries matching the options, newest failures
// first.
func (s *Store) ListDeadLetters(ctx context.Context, opts deadletter.ListOpts) ([]*deadletter.Entry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+deadLetterColumns+`
		FROM dead_letters
		WHERE ($1 = '' OR tenant_id = $1)
		ORDER BY failed_at DESC
		LIMIT $2 OFFSET $3`,
		opts.TenantID, limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("execution/postgres: list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []*deadletter.Entry
	for rows.Next() {
		e, scanErr := scanDeadLetter(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("execution/postgres: scan dead letter row: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("execution/postgres: iterate dead letter rows: %w", err)
	}
	return entries, nil
}

// GetDeadLetter retrieves an entry by ID.
func (s *Store) GetDeadLetter(ctx context.Context, entryID id.DeadLetterID) (*deadletter.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = $1`,
		entryID.String(),
	)
	e, err := scanDeadLetter(row)
	if err != nil {
		if isNoRows(err) {
			return nil, execution.ErrDeadLetterNotFound
		}
		return nil, fmt.Errorf("execution/postgres: get dead letter: %w", err)
	}
	return e, nil
}

// MarkReplayed stamps ReplayedAt on an entry.
func (s *Store) MarkReplayed(ctx context.Context, entryID id.DeadLetterID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letters SET replayed_at = NOW() WHERE id = $1`,
		entryID.String(),
	)
	if err != nil {
		return fmt.Errorf("execution/postgres: mark dead letter replayed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return execution.ErrDeadLetterNotFound
	}
	return nil
}

// PurgeDeadLetters removes entries with FailedAt before the given time.
func (s *Store) PurgeDeadLetters(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM dead_letters WHERE failed_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("execution/postgres: purge dead letters: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountDeadLetters returns the total number of entries.
func (s *Store) CountDeadLetters(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("execution/postgres: count dead letters: %w", err)
	}
	return count, nil
}

func scanDeadLetter(row pgx.Row) (*deadletter.Entry, error) {
	var (
		e        deadletter.Entry
		idStr    string
		itemStr  string
		draftRaw []byte
	)
	err := row.Scan(
		&idStr, &itemStr, &e.TenantID, &e.ProcInstID, &e.ActivityName, &draftRaw,
		&e.Error, &e.AttemptCount, &e.MaxAttempts, &e.FailedAt, &e.ReplayedAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseDeadLetterID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("execution/postgres: parse dead letter id %q: %w", idStr, parseErr)
	}
	e.ID = parsedID

	parsedItem, itemErr := id.ParseWorkItemID(itemStr)
	if itemErr != nil {
		return nil, fmt.Errorf("execution/postgres: parse dead letter item id %q: %w", itemStr, itemErr)
	}
	e.ItemID = parsedItem

	draft, draftErr := unmarshalDraft(draftRaw)
	if draftErr != nil {
		return nil, draftErr
	}
	e.Draft = draft

	return &e, nil
}
