package bunstore

import (
	"context"
	"fmt"
	"time"

	execution "github.com/uengine-oss/process-gpt-execution"
	"github.com/uengine-oss/process-gpt-execution/deadletter"
	"github.com/uengine-oss/process-gpt-execution/id"
)

// PushDeadLetter adds an entry for an exhausted work item.
func (s *Store) PushDeadLetter(ctx context.Context, entry *deadletter.Entry) error {
	m, err := toDeadLetterModel(entry)
	if err != nil {
		return err
	}
	_, err = s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		return fmt.Errorf("execution/bun: push dead letter: %w", err)
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
	var models []deadLetterModel
	q := s.db.NewSelect().Model(&models)
	if opts.TenantID != "" {
		q = q.Where("tenant_id = ?", opts.TenantID)
	}
	err := q.Order("failed_at DESC").Limit(limit).Offset(opts.Offset).Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("execution/bun: list dead letters: %w", err)
	}
	entries := make([]*deadletter.Entry, 0, len(models))
	for i := range models {
		e, convErr := fromDeadLetterModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// GetDeadLetter retrieves an entry by ID.
func (s *Store) GetDeadLetter(ctx context.Context, entryID id.DeadLetterID) (*deadletter.Entry, error) {
	m := new(deadLetterModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", entryID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, execution.ErrDeadLetterNotFound
		}
		return nil, fmt.Errorf("execution/bun: get dead letter: %w", err)
	}
	return fromDeadLetterModel(m)
}

// MarkReplayed stamps ReplayedAt on an entry.
func (s *Store) MarkReplayed(ctx context.Context, entryID id.DeadLetterID) error {
	res, err := s.db.NewUpdate().
		Model((*deadLetterModel)(nil)).
		Set("replayed_at = NOW()").
		Where("id = ?", entryID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("execution/bun: mark dead letter replayed: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return execution.ErrDeadLetterNotFound
	}
	return nil
}

// PurgeDeadLetters removes entries with FailedAt before the given time.
func (s *Store) PurgeDeadLetters(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.NewDelete().
		Model((*deadLetterModel)(nil)).
		Where("failed_at < ?", before).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("execution/bun: purge dead letters: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows, nil
}

// CountDeadLetters returns the total number of entries.
func (s *Store) CountDeadLetters(ctx context.Context) (int64, error) {
	count, err := s.db.NewSelect().Model((*deadLetterModel)(nil)).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("execution/bun: count dead letters: %w", err)
	}
	return int64(count), nil
}
