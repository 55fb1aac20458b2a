package migration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	Batcher   *Batcher
	Transform Transform
	Logger    *slog.Logger
	// Concurrency bounds how many rows of one batch are transformed in
	// parallel. Zero or one runs rows sequentially.
	Concurrency int
	// MaxBatches caps the number of batches processed in one run. Zero
	// means run until the scan is exhausted.
	MaxBatches int
	// DryRun transforms every row but writes nothing back, reporting
	// what a real run would do.
	DryRun bool
}

// Report summarizes one migration run.
type Report struct {
	Batches     int
	RowsVisited int
	Migrated    int
	Skipped     int
	Failed      int
	Elapsed     time.Duration
}

// Runner drives a migration scan to completion: it pulls fenced batches
// from the Batcher, transforms each row, writes the result back, and
// releases the row's fence. Rows within a batch run concurrently; the
// batch is fully settled before the cursor moves on, so a crash loses
// at most one batch of progress.
type Runner struct {
	batcher     *Batcher
	transform   Transform
	logger      *slog.Logger
	concurrency int
	maxBatches  int
	dryRun      bool
}

// NewRunner builds a Runner from options.
func NewRunner(opts RunnerOptions) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Runner{
		batcher:     opts.Batcher,
		transform:   opts.Transform,
		logger:      logger,
		concurrency: concurrency,
		maxBatches:  opts.MaxBatches,
		dryRun:      opts.DryRun,
	}
}

// Run executes the scan until exhaustion or the batch cap. The returned
// Report is valid even when err is non-nil and covers the work done up
// to the failure.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{}
	for {
		if r.maxBatches > 0 && report.Batches >= r.maxBatches {
			break
		}
		rows, err := r.batcher.Next(ctx)
		if err != nil {
			report.Elapsed = time.Since(start)
			return report, err
		}
		if rows == nil {
			break
		}
		report.Batches++
		if err := r.runBatch(ctx, rows, report); err != nil {
			report.Elapsed = time.Since(start)
			return report, err
		}
	}
	report.Elapsed = time.Since(start)
	r.logger.Info("migration run finished",
		slog.Int("batches", report.Batches),
		slog.Int("migrated", report.Migrated),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
		slog.Bool("dry_run", r.dryRun),
		slog.Duration("elapsed", report.Elapsed))
	return report, nil
}

func (r *Runner) runBatch(ctx context.Context, rows []*TargetRow, report *Report) error {
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, row := range rows {
		g.Go(func() error {
			outcome, err := r.runRow(ctx, row)
			if err != nil {
				return err
			}
			mu.Lock()
			report.RowsVisited++
			switch outcome {
			case rowMigrated:
				report.Migrated++
			case rowSkipped:
				report.Skipped++
			case rowFailed:
				report.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

type rowOutcome int

const (
	rowMigrated rowOutcome = iota
	rowSkipped
	rowFailed
)

// runRow transforms and persists one row. Transform failures are
// reported, not fatal: a malformed definition should not halt the scan.
// Store failures are fatal. The row's fence is released on every path.
func (r *Runner) runRow(ctx context.Context, row *TargetRow) (rowOutcome, error) {
	defer func() {
		if err := r.batcher.ReleaseRow(ctx, row); err != nil {
			r.logger.Warn("migration row fence release failed",
				slog.String("row_id", row.ID),
				slog.Any("error", err))
		}
	}()

	migrated, err := r.transform.Transform(ctx, row)
	if err != nil {
		r.logger.Error("definition transform failed",
			slog.String("row_id", row.ID),
			slog.String("name", row.Name),
			slog.Any("error", err))
		return rowFailed, nil
	}
	if r.dryRun {
		r.logger.Info("dry run: would migrate definition",
			slog.String("row_id", row.ID),
			slog.String("name", row.Name))
		return rowMigrated, nil
	}
	committed, err := r.batcher.store.MarkMigrated(ctx, row.ID, migrated)
	if err != nil {
		return rowFailed, fmt.Errorf("mark row %s migrated: %w", row.ID, err)
	}
	if !committed {
		return rowSkipped, nil
	}
	r.logger.Debug("definition migrated",
		slog.String("row_id", row.ID),
		slog.String("name", row.Name))
	return rowMigrated, nil
}
