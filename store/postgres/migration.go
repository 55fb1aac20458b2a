package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/uengine-oss/process-gpt-execution/migration"
)

// NextMigrationBatch returns the next page of unmigrated definition
// rows, ordered by ID and strictly after the cursor. Rows fenced by a
// different holder's lease are excluded in the query itself so the scan
// never hands out a row it cannot win. This is a deliberate explicit
// query rather than a stored procedure: the batch protocol's semantics
// stay visible and testable at the application layer.
func (s *Store) NextMigrationBatch(ctx context.Context, opts migration.BatchOpts) ([]*migration.TargetRow, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = migration.DefaultBatchSize
	}
	rows, err := s.pool.Query(ctx, `
		SELECT p.id, p.tenant_id, p.name, p.version, p.definition, p.migrated, p.updated_at
		FROM proc_defs p
		WHERE NOT p.migrated
		  AND ($1 = '' OR p.id > $1)
		  AND ($2 = '' OR p.tenant_id = $2)
		  AND NOT EXISTS (
			SELECT 1 FROM leases l
			WHERE l.resource_id = p.id
			  AND l.tenant_id = p.tenant_id
			  AND l.holder_id <> $3
		  )
		ORDER BY p.id ASC
		LIMIT $4`,
		opts.CursorAfterID, opts.TenantID, opts.AllowedHolderID, batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("execution/postgres: next migration batch: %w", err)
	}
	defer rows.Close()

	var out []*migration.TargetRow
	for rows.Next() {
		var r migration.TargetRow
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Name, &r.Version, &r.Definition, &r.Migrated, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("execution/postgres: scan migration row: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("execution/postgres: iterate migration rows: %w", err)
	}
	return out, nil
}

// MarkMigrated replaces the row's definition and flags it migrated,
// guarded on the row still being unmigrated.
func (s *Store) MarkMigrated(ctx context.Context, rowID string, definition json.RawMessage) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE proc_defs
		SET definition = $2, migrated = TRUE, updated_at = NOW()
		WHERE id = $1 AND NOT migrated`,
		rowID, definition,
	)
	if err != nil {
		return false, fmt.Errorf("execution/postgres: mark migrated: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
