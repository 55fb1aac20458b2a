package engine_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	execution "github.com/uengine-oss/process-gpt-execution"
	"github.com/uengine-oss/process-gpt-execution/codec"
	"github.com/uengine-oss/process-gpt-execution/deadletter"
	"github.com/uengine-oss/process-gpt-execution/dispatcher"
	"github.com/uengine-oss/process-gpt-execution/engine"
	"github.com/uengine-oss/process-gpt-execution/migration"
	"github.com/uengine-oss/process-gpt-execution/store/memory"
	"github.com/uengine-oss/process-gpt-execution/workitem"
)

func testConfig() execution.Config {
	cfg := execution.DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	cfg.RetryBase = time.Millisecond
	cfg.RetryCap = 10 * time.Millisecond
	cfg.ProcessTimeout = time.Second
	return cfg
}

func newReplica(t *testing.T, s *memory.Store) *execution.Replica {
	t.Helper()
	r, err := execution.New(
		execution.WithStore(s),
		execution.WithLogger(slog.New(slog.DiscardHandler)),
		execution.WithConfig(testConfig()),
	)
	if err != nil {
		t.Fatalf("new replica: %v", err)
	}
	return r
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestBuildRequiresProcessor(t *testing.T) {
	r := newReplica(t, memory.New())
	if _, err := engine.Build(r); !errors.Is(err, execution.ErrNoProcessor) {
		t.Fatalf("build without processor: got %v, want ErrNoProcessor", err)
	}
}

func TestBuildRequiresStore(t *testing.T) {
	r, err := execution.New(execution.WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("new replica: %v", err)
	}
	_, err = engine.Build(r, engine.WithProcessor(noopProcessor()))
	if !errors.Is(err, execution.ErrNoStore) {
		t.Fatalf("build without store: got %v, want ErrNoStore", err)
	}
}

// lifecycleStore satisfies only the replica's lifecycle interface, not
// the subsystem store contracts.
type lifecycleStore struct{}

func (lifecycleStore) Migrate(ctx context.Context) error { return nil }
func (lifecycleStore) Ping(ctx context.Context) error    { return nil }
func (lifecycleStore) Close() error                      { return nil }

func TestBuildRejectsPartialStore(t *testing.T) {
	r, err := execution.New(
		execution.WithStore(lifecycleStore{}),
		execution.WithLogger(slog.New(slog.DiscardHandler)),
	)
	if err != nil {
		t.Fatalf("new replica: %v", err)
	}
	_, err = engine.Build(r, engine.WithProcessor(noopProcessor()))
	if err == nil || !strings.Contains(err.Error(), "workitem.Store") {
		t.Fatalf("build with partial store: got %v", err)
	}
}

func noopProcessor() dispatcher.Processor {
	return dispatcher.ProcessorFunc(func(ctx context.Context, item *workitem.WorkItem) (*workitem.Draft, error) {
		return nil, nil
	})
}

// recorder collects completed item IDs through the hook registry.
type recorder struct {
	mu        sync.Mutex
	completed []string
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) OnItemCompleted(ctx context.Context, w *workitem.WorkItem, elapsed time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, w.ActivityID)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed)
}

func TestEngineEndToEnd(t *testing.T) {
	s := memory.New()
	r := newReplica(t, s)
	ctx := context.Background()

	rec := &recorder{}
	proc := dispatcher.ProcessorFunc(func(ctx context.Context, item *workitem.WorkItem) (*workitem.Draft, error) {
		return workitem.NewDraft(workitem.KindForm, map[string]any{"ok": true}), nil
	})
	// The planner fans one follow-on activity out of the first item.
	planner := dispatcher.PlannerFunc(func(ctx context.Context, item *workitem.WorkItem, res *workitem.Draft) ([]workitem.Spec, error) {
		if item.ActivityID != "first" {
			return nil, nil
		}
		return []workitem.Spec{{
			TenantID:   item.TenantID,
			ProcInstID: item.ProcInstID,
			ActivityID: "second",
		}}, nil
	})

	eng, err := engine.Build(r,
		engine.WithProcessor(proc),
		engine.WithPlanner(planner),
		engine.WithHook(rec),
	)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop(ctx)

	w, err := eng.Submit(ctx, workitem.Spec{
		TenantID:   "acme",
		ProcInstID: "proc-1",
		ActivityID: "first",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Both the submitted item and its fan-out complete.
	waitFor(t, 3*time.Second, func() bool { return rec.count() == 2 })

	got, err := s.GetWorkItem(ctx, w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != workitem.StatusDone {
		t.Errorf("status = %s, want DONE", got.Status)
	}
	count, _ := s.CountWorkItems(ctx, workitem.CountOpts{Status: workitem.StatusDone})
	if count != 2 {
		t.Errorf("done items = %d, want 2", count)
	}
}

func TestEngineRetriesToDeadLetterAndReplay(t *testing.T) {
	s := memory.New()
	r := newReplica(t, s)
	ctx := context.Background()

	var mu sync.Mutex
	attempts := 0
	proc := dispatcher.ProcessorFunc(func(ctx context.Context, item *workitem.WorkItem) (*workitem.Draft, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n <= 3 {
			return nil, errors.New("downstream unavailable")
		}
		return nil, nil
	})

	eng, err := engine.Build(r, engine.WithProcessor(proc))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop(ctx)

	w, err := eng.Submit(ctx, workitem.Spec{
		TenantID:   "acme",
		ProcInstID: "proc-1",
		ActivityID: "flaky",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		got, err := s.GetWorkItem(ctx, w.ID)
		return err == nil && got.Status == workitem.StatusDeadLetter
	})

	entries, err := eng.DeadLetters().DeadLetterStore().ListDeadLetters(ctx, deadletter.ListOpts{Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].ItemID != w.ID {
		t.Fatalf("entries = %+v, want one for the exhausted item", entries)
	}

	// Replay resets the item; the processor now succeeds.
	if err := eng.DeadLetters().Replay(ctx, entries[0].ID); err != nil {
		t.Fatalf("replay: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		got, err := s.GetWorkItem(ctx, w.ID)
		return err == nil && got.Status == workitem.StatusDone
	})
	// A second replay of the same entry is rejected.
	if err := eng.DeadLetters().Replay(ctx, entries[0].ID); err == nil {
		t.Error("second replay succeeded")
	}
}

func TestEngineFail(t *testing.T) {
	s := memory.New()
	r := newReplica(t, s)
	ctx := context.Background()

	eng, err := engine.Build(r, engine.WithProcessor(noopProcessor()))
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	w, err := eng.Submit(ctx, workitem.Spec{
		TenantID:   "acme",
		ProcInstID: "proc-1",
		ActivityID: "obsolete",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := eng.Fail(ctx, w.ID, "instance cancelled"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, _ := s.GetWorkItem(ctx, w.ID)
	if got.Status != workitem.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if err := eng.Fail(ctx, w.ID, "again"); !errors.Is(err, execution.ErrInvalidTransition) {
		t.Fatalf("second fail: got %v, want ErrInvalidTransition", err)
	}
}

func TestEngineMigrationRunner(t *testing.T) {
	s := memory.New()
	r := newReplica(t, s)
	ctx := context.Background()

	for _, rowID := range []string{"def-001", "def-002", "def-003"} {
		s.SeedMigrationRow(&migration.TargetRow{
			ID:         rowID,
			TenantID:   "acme",
			Name:       rowID,
			Definition: json.RawMessage(`{"format":"old"}`),
		})
	}

	eng, err := engine.Build(r, engine.WithProcessor(noopProcessor()))
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	runner, err := eng.MigrationRunner(migration.TransformFunc(
		func(ctx context.Context, row *migration.TargetRow) (json.RawMessage, error) {
			return json.RawMessage(`{"format":"new"}`), nil
		}), migration.RunnerOptions{})
	if err != nil {
		t.Fatalf("migration runner: %v", err)
	}
	report, err := runner.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Migrated != 3 {
		t.Fatalf("report = %+v, want 3 migrated", report)
	}
}

func TestExportDeadLetters(t *testing.T) {
	s := memory.New()
	r := newReplica(t, s)
	ctx := context.Background()

	eng, err := engine.Build(r, engine.WithProcessor(noopProcessor()))
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	items := []*workitem.WorkItem{
		workitem.New(workitem.Spec{TenantID: "acme", ProcInstID: "p", ActivityID: "a"}, 3, time.Now().UTC()),
		workitem.New(workitem.Spec{TenantID: "acme", ProcInstID: "p", ActivityID: "b"}, 3, time.Now().UTC()),
	}
	for _, w := range items {
		w.AttemptCount = w.MaxAttempts
		if err := eng.DeadLetters().Push(ctx, w, errors.New("exhausted")); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	var buf bytes.Buffer
	n, err := eng.ExportDeadLetters(ctx, &buf, codec.NameJSON)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if n != len(items) {
		t.Fatalf("exported = %d, want %d", n, len(items))
	}

	// The stream splits into length-prefixed records that decode back
	// into entries.
	decoded := 0
	data := buf.Bytes()
	for len(data) > 0 {
		if len(data) < 4 {
			t.Fatal("truncated length prefix")
		}
		size := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < size {
			t.Fatal("truncated record")
		}
		var entry deadletter.Entry
		if err := json.Unmarshal(data[:size], &entry); err != nil {
			t.Fatalf("decode record: %v", err)
		}
		if entry.Error != "exhausted" {
			t.Errorf("entry error = %q", entry.Error)
		}
		data = data[size:]
		decoded++
	}
	if decoded != len(items) {
		t.Errorf("decoded %d records, want %d", decoded, len(items))
	}
}
