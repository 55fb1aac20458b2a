//go:build integration

package bunstore_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	execution "github.com/uengine-oss/process-gpt-execution"
	"github.com/uengine-oss/process-gpt-execution/deadletter"
	"github.com/uengine-oss/process-gpt-execution/id"
	bunstore "github.com/uengine-oss/process-gpt-execution/store/bun"
	"github.com/uengine-oss/process-gpt-execution/workitem"
)

// setupTestStore creates a Postgres container and returns a connected Bun Store.
func setupTestStore(t *testing.T) *bunstore.Store {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("execution_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(connStr)))
	db := bun.NewDB(sqldb, pgdialect.New())

	t.Cleanup(func() {
		_ = db.Close()
	})

	store := bunstore.New(db)

	if migErr := store.Migrate(ctx); migErr != nil {
		t.Fatalf("migrate: %v", migErr)
	}

	return store
}

func newTestItem() *workitem.WorkItem {
	return workitem.New(workitem.Spec{
		TenantID:     "acme",
		ProcInstID:   "proc_01jmx5b9rvf0x8w1r3kq6t2h7e",
		ActivityID:   "approve",
		ActivityName: "Approve Request",
	}, 3, time.Now().UTC())
}

func TestStore_Ping(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestStore_MigrateIdempotent(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestWorkItemStore_Lifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	w := newTestItem()
	if err := s.CreateWorkItem(ctx, w); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateWorkItem(ctx, w); err != execution.ErrItemAlreadyExists {
		t.Fatalf("duplicate create: got %v, want ErrItemAlreadyExists", err)
	}

	consumer := id.NewReplicaID()
	if ok, err := s.ClaimWorkItem(ctx, w.ID, consumer); !ok || err != nil {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if ok, _ := s.ClaimWorkItem(ctx, w.ID, id.NewReplicaID()); ok {
		t.Fatal("second claim succeeded")
	}
	if ok, err := s.StartWorkItem(ctx, w.ID, consumer); !ok || err != nil {
		t.Fatalf("start: ok=%v err=%v", ok, err)
	}

	result := &workitem.Draft{Kind: workitem.KindForm, Fields: map[string]any{"approved": true}}
	ok, err := s.CompleteWorkItem(ctx, w.ID, consumer, result)
	if err != nil || !ok {
		t.Fatalf("complete: ok=%v err=%v", ok, err)
	}
	if ok, _ := s.CompleteWorkItem(ctx, w.ID, consumer, result); ok {
		t.Fatal("second complete succeeded, must be exactly-once")
	}

	got, err := s.GetWorkItem(ctx, w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != workitem.StatusDone {
		t.Errorf("status = %s, want DONE", got.Status)
	}
	if got.Draft == nil || got.Draft.Kind != workitem.KindForm {
		t.Errorf("draft not persisted: %+v", got.Draft)
	}
}

func TestWorkItemStore_RetryThenDeadLetter(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	w := newTestItem()
	if err := s.CreateWorkItem(ctx, w); err != nil {
		t.Fatalf("create: %v", err)
	}
	consumer := id.NewReplicaID()

	// Two failed attempts end in RETRY_PENDING, the third dead-letters.
	for attempt := 1; attempt <= 2; attempt++ {
		if ok, _ := s.ClaimWorkItem(ctx, w.ID, consumer); !ok {
			t.Fatalf("claim attempt %d failed", attempt)
		}
		if ok, _ := s.StartWorkItem(ctx, w.ID, consumer); !ok {
			t.Fatalf("start attempt %d failed", attempt)
		}
		ok, err := s.RetryWorkItem(ctx, w.ID, consumer, attempt, "boom", time.Now().UTC())
		if err != nil || !ok {
			t.Fatalf("retry attempt %d: ok=%v err=%v", attempt, ok, err)
		}
	}
	if ok, _ := s.ClaimWorkItem(ctx, w.ID, consumer); !ok {
		t.Fatal("claim for final attempt failed")
	}
	if ok, _ := s.StartWorkItem(ctx, w.ID, consumer); !ok {
		t.Fatal("start for final attempt failed")
	}
	ok, err := s.DeadLetterWorkItem(ctx, w.ID, consumer, 3, "boom")
	if err != nil || !ok {
		t.Fatalf("dead letter: ok=%v err=%v", ok, err)
	}

	got, err := s.GetWorkItem(ctx, w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != workitem.StatusDeadLetter {
		t.Errorf("status = %s, want DEAD_LETTER", got.Status)
	}
	if got.AttemptCount != 3 {
		t.Errorf("attempt count = %d, want 3", got.AttemptCount)
	}

	// Administrative replay resets the budget.
	if ok, _ := s.ResubmitWorkItem(ctx, w.ID); !ok {
		t.Fatal("resubmit failed")
	}
	got, _ = s.GetWorkItem(ctx, w.ID)
	if got.Status != workitem.StatusSubmitted || got.AttemptCount != 0 {
		t.Errorf("after resubmit: status=%s attempts=%d", got.Status, got.AttemptCount)
	}
}

func TestDeadLetterStore_PushListPurge(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	old := &deadletter.Entry{
		ID:        id.NewDeadLetterID(),
		ItemID:    id.NewWorkItemID(),
		TenantID:  "acme",
		Error:     "boom",
		FailedAt:  time.Now().UTC().Add(-48 * time.Hour),
		CreatedAt: time.Now().UTC(),
	}
	fresh := &deadletter.Entry{
		ID:        id.NewDeadLetterID(),
		ItemID:    id.NewWorkItemID(),
		TenantID:  "acme",
		Error:     "bang",
		FailedAt:  time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.PushDeadLetter(ctx, old); err != nil {
		t.Fatalf("push old: %v", err)
	}
	if err := s.PushDeadLetter(ctx, fresh); err != nil {
		t.Fatalf("push fresh: %v", err)
	}

	entries, err := s.ListDeadLetters(ctx, deadletter.ListOpts{TenantID: "acme"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != fresh.ID {
		t.Fatalf("list order wrong: %+v", entries)
	}

	purged, err := s.PurgeDeadLetters(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
}
