// Package migration converts stored process definitions to a new
// format in resumable, cursor-paginated batches. Multiple holders can
// run concurrently against the same table: each row is fenced by a
// durable lease before it is touched, and the strictly-increasing ID
// cursor guarantees every row is visited exactly once per holder even
// across restarts.
package migration

import (
	"context"
	"encoding/json"
	"time"
)

// DefaultBatchSize is the batch size used when BatchOpts leaves it zero.
const DefaultBatchSize = 5

// TargetRow is one process definition awaiting format migration.
type TargetRow struct {
	// ID orders the migration scan. IDs are unique and strictly
	// increasing in creation order, so a resumed run can continue from
	// the last ID it finished.
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Version  int    `json:"version"`
	// Definition is the stored process definition document.
	Definition json.RawMessage `json:"definition"`
	Migrated   bool            `json:"migrated"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Transform converts one row's definition to the new format. The
// returned document replaces the stored one. Returning an error skips
// the row; the run continues and reports the failure.
type Transform interface {
	Transform(ctx context.Context, row *TargetRow) (json.RawMessage, error)
}

// TransformFunc adapts a function to the Transform interface.
type TransformFunc func(ctx context.Context, row *TargetRow) (json.RawMessage, error)

func (f TransformFunc) Transform(ctx context.Context, row *TargetRow) (json.RawMessage, error) {
	return f(ctx, row)
}

// BatchOpts controls one batch query of the migration scan.
type BatchOpts struct {
	// BatchSize caps the rows returned. Zero means DefaultBatchSize.
	BatchSize int
	// CursorAfterID restricts the scan to rows with ID strictly greater
	// than this value. Empty starts from the beginning.
	CursorAfterID string
	// TenantID restricts the scan to one tenant. Empty scans all.
	TenantID string
	// AllowedHolderID filters out rows whose durable lease belongs to a
	// different holder, so concurrent runs partition the table instead
	// of fighting over it.
	AllowedHolderID string
}

// Store defines the persistence contract for the migration scan.
type Store interface {
	// NextMigrationBatch returns up to opts.BatchSize unmigrated rows
	// ordered by ID ascending, strictly after opts.CursorAfterID,
	// excluding rows fenced to another holder. An empty result means
	// the scan is exhausted.
	NextMigrationBatch(ctx context.Context, opts BatchOpts) ([]*TargetRow, error)

	// MarkMigrated replaces the row's definition with the migrated
	// document and flags it migrated, guarded on the row still being
	// unmigrated. Returns false when another run got there first.
	MarkMigrated(ctx context.Context, rowID string, definition json.RawMessage) (bool, error)
}
