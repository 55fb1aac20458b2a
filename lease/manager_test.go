package lease_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	execution "github.com/uengine-oss/process-gpt-execution"
	"github.com/uengine-oss/process-gpt-execution/lease"
	"github.com/uengine-oss/process-gpt-execution/store/memory"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestManagerAcquireConflict(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	a := lease.NewManager(s, "replica-a", time.Minute, discard())
	b := lease.NewManager(s, "replica-b", time.Minute, discard())

	ok, err := a.Acquire(ctx, "item-1", "acme")
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	// Re-acquire by the same holder extends, never conflicts.
	ok, err = a.Acquire(ctx, "item-1", "acme")
	if err != nil || !ok {
		t.Fatalf("re-acquire by holder: ok=%v err=%v", ok, err)
	}
	ok, err = b.Acquire(ctx, "item-1", "acme")
	if err != nil {
		t.Fatalf("acquire by b: %v", err)
	}
	if ok {
		t.Fatal("b acquired a live lease held by a")
	}
}

func TestManagerRenewAfterLoss(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	a := lease.NewManager(s, "replica-a", -time.Second, discard())
	b := lease.NewManager(s, "replica-b", time.Minute, discard())

	// a's TTL places the lease in the past, so b can take it over.
	if ok, _ := a.Acquire(ctx, "item-1", "acme"); !ok {
		t.Fatal("acquire failed")
	}
	if ok, _ := b.Acquire(ctx, "item-1", "acme"); !ok {
		t.Fatal("takeover failed")
	}

	err := a.Renew(ctx, "item-1", "acme")
	if !errors.Is(err, execution.ErrLeaseNotHolder) {
		t.Fatalf("renew after loss: got %v, want ErrLeaseNotHolder", err)
	}
	if err := b.Renew(ctx, "item-1", "acme"); err != nil {
		t.Fatalf("renew by holder: %v", err)
	}
}

func TestManagerAcquireDurable(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	a := lease.NewManager(s, "replica-a", time.Minute, discard())
	b := lease.NewManager(s, "replica-b", time.Minute, discard())

	if ok, err := a.AcquireDurable(ctx, "def-1", "acme"); err != nil || !ok {
		t.Fatalf("durable acquire: ok=%v err=%v", ok, err)
	}
	// Durable leases never lapse, so a takeover attempt loses even though
	// no renewals ever happen.
	if ok, _ := b.Acquire(ctx, "def-1", "acme"); ok {
		t.Fatal("durable lease was taken over")
	}
	l, err := s.GetLease(ctx, "def-1", "acme")
	if err != nil {
		t.Fatalf("get lease: %v", err)
	}
	if l == nil || l.ExpiresAt != nil {
		t.Fatalf("lease = %+v, want durable (nil expiry)", l)
	}

	// After release the resource is immediately reclaimable.
	if err := a.Release(ctx, "def-1", "acme"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := b.Acquire(ctx, "def-1", "acme"); !ok {
		t.Fatal("acquire after release failed")
	}
}

func TestManagerReleaseIdempotent(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	m := lease.NewManager(s, "replica-a", time.Minute, discard())
	if ok, _ := m.Acquire(ctx, "item-1", "acme"); !ok {
		t.Fatal("acquire failed")
	}
	for range 2 {
		if err := m.Release(ctx, "item-1", "acme"); err != nil {
			t.Fatalf("release: %v", err)
		}
	}
	// Releasing a resource never leased is also fine.
	if err := m.Release(ctx, "never-leased", "acme"); err != nil {
		t.Fatalf("release of unknown resource: %v", err)
	}
}
