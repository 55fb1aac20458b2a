package migration

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/uengine-oss/process-gpt-execution/lease"
)

// Batcher pages through unmigrated rows and fences each returned row
// with a durable lease for its holder. It keeps the scan cursor, so one
// Batcher serves exactly one sequential scan; a Batcher is not safe for
// concurrent use.
type Batcher struct {
	store     Store
	leases    *lease.Manager
	logger    *slog.Logger
	batchSize int
	tenantID  string
	cursor    string
}

// BatcherOptions configures a Batcher.
type BatcherOptions struct {
	Store     Store
	Leases    *lease.Manager
	Logger    *slog.Logger
	BatchSize int
	TenantID  string
	// ResumeAfterID restarts the scan strictly after a previously
	// finished row ID. Empty starts from the beginning.
	ResumeAfterID string
}

// NewBatcher builds a Batcher from options.
func NewBatcher(opts BatcherOptions) *Batcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Batcher{
		store:     opts.Store,
		leases:    opts.Leases,
		logger:    logger,
		batchSize: batchSize,
		tenantID:  opts.TenantID,
		cursor:    opts.ResumeAfterID,
	}
}

// Cursor returns the ID of the last row handed out, for persisting
// resume state between runs.
func (b *Batcher) Cursor() string { return b.cursor }

// Next returns the next batch of rows, each fenced by a durable lease
// held by this batcher's holder. Rows whose lease race is lost are
// skipped silently; they belong to another holder's scan. A nil, nil
// return means the scan is exhausted.
func (b *Batcher) Next(ctx context.Context) ([]*TargetRow, error) {
	rows, err := b.store.NextMigrationBatch(ctx, BatchOpts{
		BatchSize:       b.batchSize,
		CursorAfterID:   b.cursor,
		TenantID:        b.tenantID,
		AllowedHolderID: b.leases.HolderID(),
	})
	if err != nil {
		return nil, fmt.Errorf("next migration batch: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	// Advance past the whole batch regardless of lease outcomes: a row
	// lost to another holder is that holder's responsibility, and the
	// cursor must never revisit it.
	b.cursor = rows[len(rows)-1].ID

	fenced := rows[:0]
	for _, row := range rows {
		won, err := b.leases.AcquireDurable(ctx, row.ID, row.TenantID)
		if err != nil {
			return nil, fmt.Errorf("fence migration row %s: %w", row.ID, err)
		}
		if !won {
			b.logger.Debug("migration row fenced by another holder, skipping",
				slog.String("row_id", row.ID))
			continue
		}
		fenced = append(fenced, row)
	}
	return fenced, nil
}

// ReleaseRow drops the durable lease on a finished row.
func (b *Batcher) ReleaseRow(ctx context.Context, row *TargetRow) error {
	return b.leases.Release(ctx, row.ID, row.TenantID)
}
