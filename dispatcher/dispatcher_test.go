package dispatcher_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/uengine-oss/process-gpt-execution/backoff"
	"github.com/uengine-oss/process-gpt-execution/deadletter"
	"github.com/uengine-oss/process-gpt-execution/dispatcher"
	"github.com/uengine-oss/process-gpt-execution/id"
	"github.com/uengine-oss/process-gpt-execution/lease"
	"github.com/uengine-oss/process-gpt-execution/store/memory"
	"github.com/uengine-oss/process-gpt-execution/workitem"
)

type fixture struct {
	store    *memory.Store
	consumer id.ReplicaID
	leases   *lease.Manager
	dlq      *deadletter.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memory.New()
	consumer := id.NewReplicaID()
	logger := slog.New(slog.DiscardHandler)
	return &fixture{
		store:    s,
		consumer: consumer,
		leases:   lease.NewManager(s, consumer.String(), time.Minute, logger),
		dlq:      deadletter.NewService(s, s),
	}
}

func (f *fixture) dispatcher(t *testing.T, proc dispatcher.Processor, planner dispatcher.Planner) *dispatcher.Dispatcher {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	tr := dispatcher.NewTransitioner(dispatcher.TransitionerOptions{
		Store:      f.store,
		Leases:     f.leases,
		DeadLetter: f.dlq,
		Planner:    planner,
		Backoff:    backoff.NewExponential(10*time.Millisecond, time.Second),
		Logger:     logger,
		ConsumerID: f.consumer,
	})
	return dispatcher.New(dispatcher.Options{
		Store:          f.store,
		Leases:         f.leases,
		Transitioner:   tr,
		Processor:      proc,
		Logger:         logger,
		ConsumerID:     f.consumer,
		ProcessTimeout: time.Second,
	})
}

// claim creates an item, claims it under the fixture consumer and leases
// it, mirroring what the poll loop does before handing off.
func (f *fixture) claim(t *testing.T, maxAttempts int) *workitem.WorkItem {
	t.Helper()
	ctx := context.Background()
	w := workitem.New(workitem.Spec{
		TenantID:   "acme",
		ProcInstID: "proc-1",
		ActivityID: "review",
	}, maxAttempts, time.Now().UTC())
	if err := f.store.CreateWorkItem(ctx, w); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, _ := f.leases.Acquire(ctx, w.ID.String(), w.TenantID); !ok {
		t.Fatal("lease acquire failed")
	}
	if ok, _ := f.store.ClaimWorkItem(ctx, w.ID, f.consumer); !ok {
		t.Fatal("claim failed")
	}
	w.Status = workitem.StatusClaimed
	w.Consumer = f.consumer
	return w
}

func TestDispatchSuccessCompletesAndFansOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result := &workitem.Draft{Kind: workitem.KindForm, Fields: map[string]any{"approved": true}}
	proc := dispatcher.ProcessorFunc(func(ctx context.Context, item *workitem.WorkItem) (*workitem.Draft, error) {
		return result, nil
	})
	planner := dispatcher.PlannerFunc(func(ctx context.Context, item *workitem.WorkItem, res *workitem.Draft) ([]workitem.Spec, error) {
		return []workitem.Spec{
			{TenantID: item.TenantID, ProcInstID: item.ProcInstID, ActivityID: "notify"},
			{TenantID: item.TenantID, ProcInstID: item.ProcInstID, ActivityID: "archive"},
		}, nil
	})

	w := f.claim(t, 3)
	if err := f.dispatcher(t, proc, planner).Dispatch(ctx, w); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got, _ := f.store.GetWorkItem(ctx, w.ID)
	if got.Status != workitem.StatusDone {
		t.Fatalf("status = %s, want DONE", got.Status)
	}
	if got.Draft == nil || got.Draft.Kind != workitem.KindForm {
		t.Errorf("result draft not persisted: %+v", got.Draft)
	}
	count, _ := f.store.CountWorkItems(ctx, workitem.CountOpts{})
	if count != 3 {
		t.Errorf("item count = %d, want original plus two follow-ons", count)
	}
	l, _ := f.store.GetLease(ctx, w.ID.String(), w.TenantID)
	if l != nil {
		t.Error("lease not released after completion")
	}
}

func TestDispatchFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	procErr := errors.New("downstream returned 503")
	proc := dispatcher.ProcessorFunc(func(ctx context.Context, item *workitem.WorkItem) (*workitem.Draft, error) {
		return nil, procErr
	})

	w := f.claim(t, 3)
	before := time.Now().UTC()
	if err := f.dispatcher(t, proc, nil).Dispatch(ctx, w); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got, _ := f.store.GetWorkItem(ctx, w.ID)
	if got.Status != workitem.StatusRetryPending {
		t.Fatalf("status = %s, want RETRY_PENDING", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", got.AttemptCount)
	}
	if got.ErrorDetail != procErr.Error() {
		t.Errorf("error detail = %q", got.ErrorDetail)
	}
	if !got.RetryAt.After(before) {
		t.Errorf("retry_at %v not pushed into the future", got.RetryAt)
	}
	if l, _ := f.store.GetLease(ctx, w.ID.String(), w.TenantID); l != nil {
		t.Error("lease not released after retry scheduling")
	}
}

func TestDispatchExhaustionDeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	proc := dispatcher.ProcessorFunc(func(ctx context.Context, item *workitem.WorkItem) (*workitem.Draft, error) {
		return nil, errors.New("permanent failure")
	})
	d := f.dispatcher(t, proc, nil)

	w := f.claim(t, 3)
	// Three attempts: two retries, then dead letter.
	for attempt := 1; attempt <= 3; attempt++ {
		if err := d.Dispatch(ctx, w); err != nil {
			t.Fatalf("dispatch %d: %v", attempt, err)
		}
		got, _ := f.store.GetWorkItem(ctx, w.ID)
		if attempt < 3 {
			if got.Status != workitem.StatusRetryPending {
				t.Fatalf("attempt %d: status = %s, want RETRY_PENDING", attempt, got.Status)
			}
			// Re-claim for the next attempt, as the poll loop would once
			// the backoff elapses.
			if ok, _ := f.leases.Acquire(ctx, w.ID.String(), w.TenantID); !ok {
				t.Fatal("re-lease failed")
			}
			if ok, _ := f.store.ClaimWorkItem(ctx, w.ID, f.consumer); !ok {
				t.Fatal("re-claim failed")
			}
			*w = *got
			w.Status = workitem.StatusClaimed
			w.Consumer = f.consumer
		} else {
			if got.Status != workitem.StatusDeadLetter {
				t.Fatalf("status = %s, want DEAD_LETTER", got.Status)
			}
			if got.AttemptCount != got.MaxAttempts {
				t.Errorf("attempt count = %d, want %d", got.AttemptCount, got.MaxAttempts)
			}
		}
	}

	entries, err := f.store.ListDeadLetters(ctx, deadletter.ListOpts{Limit: 10})
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("dead letter entries = %d, want 1", len(entries))
	}
	if entries[0].ItemID != w.ID || entries[0].AttemptCount != 3 {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestDispatchAbandonsWhenClaimLost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	called := false
	proc := dispatcher.ProcessorFunc(func(ctx context.Context, item *workitem.WorkItem) (*workitem.Draft, error) {
		called = true
		return nil, nil
	})

	w := f.claim(t, 3)
	// Simulate the claim going stale while the item waited for an
	// in-flight slot: the lease lapses, the sweeper resets the item, and
	// another replica re-claims it.
	other := id.NewReplicaID()
	if err := f.leases.Release(ctx, w.ID.String(), w.TenantID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if swept, err := f.store.SweepExpiredClaims(ctx, time.Now().UTC()); err != nil || swept != 1 {
		t.Fatalf("sweep: swept=%d err=%v", swept, err)
	}
	if ok, _ := f.store.ClaimWorkItem(ctx, w.ID, other); !ok {
		t.Fatal("claim by other replica failed")
	}

	if err := f.dispatcher(t, proc, nil).Dispatch(ctx, w); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if called {
		t.Error("processor ran for an item this consumer no longer holds")
	}
	got, _ := f.store.GetWorkItem(ctx, w.ID)
	if got.Consumer != other {
		t.Errorf("consumer = %s, want the re-claiming replica", got.Consumer)
	}
}

func TestDispatchTimeoutCountsAsFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	proc := dispatcher.ProcessorFunc(func(ctx context.Context, item *workitem.WorkItem) (*workitem.Draft, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	logger := slog.New(slog.DiscardHandler)
	tr := dispatcher.NewTransitioner(dispatcher.TransitionerOptions{
		Store:      f.store,
		Leases:     f.leases,
		Logger:     logger,
		ConsumerID: f.consumer,
	})
	d := dispatcher.New(dispatcher.Options{
		Store:          f.store,
		Leases:         f.leases,
		Transitioner:   tr,
		Processor:      proc,
		Logger:         logger,
		ConsumerID:     f.consumer,
		ProcessTimeout: 20 * time.Millisecond,
	})

	w := f.claim(t, 3)
	if err := d.Dispatch(ctx, w); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got, _ := f.store.GetWorkItem(ctx, w.ID)
	if got.Status != workitem.StatusRetryPending {
		t.Fatalf("status = %s, want RETRY_PENDING after timeout", got.Status)
	}
}

func TestDispatchPanicIsRecovered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	proc := dispatcher.ProcessorFunc(func(ctx context.Context, item *workitem.WorkItem) (*workitem.Draft, error) {
		panic("processor bug")
	})

	w := f.claim(t, 3)
	if err := f.dispatcher(t, proc, nil).Dispatch(ctx, w); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got, _ := f.store.GetWorkItem(ctx, w.ID)
	if got.Status != workitem.StatusRetryPending {
		t.Fatalf("status = %s, want RETRY_PENDING after panic", got.Status)
	}
	if got.ErrorDetail == "" {
		t.Error("panic left no error detail")
	}
}
