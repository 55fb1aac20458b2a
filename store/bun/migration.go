package bunstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/uengine-oss/process-gpt-execution/migration"
)

// NextMigrationBatch returns the next page of unmigrated definition
// rows, ordered by ID and strictly after the cursor, excluding rows
// fenced by a different holder's lease.
func (s *Store) NextMigrationBatch(ctx context.Context, opts migration.BatchOpts) ([]*migration.TargetRow, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = migration.DefaultBatchSize
	}
	var models []procDefModel
	q := s.db.NewSelect().Model(&models).
		Where("NOT migrated")
	if opts.CursorAfterID != "" {
		q = q.Where("id > ?", opts.CursorAfterID)
	}
	if opts.TenantID != "" {
		q = q.Where("tenant_id = ?", opts.TenantID)
	}
	q = q.Where(`NOT EXISTS (
		SELECT 1 FROM leases l
		WHERE l.resource_id = proc_defs.id
		  AND l.tenant_id = proc_defs.tenant_id
		  AND l.holder_id <> ?
	)`, opts.AllowedHolderID)

	err := q.Order("id ASC").Limit(batchSize).Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("execution/bun: next migration batch: %w", err)
	}

	out := make([]*migration.TargetRow, 0, len(models))
	for i := range models {
		out = append(out, fromProcDefModel(&models[i]))
	}
	return out, nil
}

// MarkMigrated replaces the row's definition and flags it migrated,
// guarded on the row still being unmigrated.
func (s *Store) MarkMigrated(ctx context.Context, rowID string, definition json.RawMessage) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*procDefModel)(nil)).
		Set("definition = ?", definition).
		Set("migrated = TRUE").
		Set("updated_at = NOW()").
		Where("id = ?", rowID).
		Where("NOT migrated").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("execution/bun: mark migrated: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows > 0, nil
}
