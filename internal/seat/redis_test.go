package seat

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisLedger(t *testing.T, total, reserved int) *RedisLedger {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	l, err := NewRedisLedger(context.Background(), client, "test:", total, reserved)
	if err != nil {
		t.Fatalf("failed to create redis ledger: %v", err)
	}
	return l
}

func TestRedisLedgerAllocateUntilFull(t *testing.T) {
	ctx := context.Background()
	l := newTestRedisLedger(t, 2, 0)

	if _, err := l.TryAllocate(ctx, "u1", "collab", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := l.TryAllocate(ctx, "u2", "collab", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := l.TryAllocate(ctx, "u3", "collab", ""); !errors.Is(err, ErrSeatUnavailable) {
		t.Fatalf("expected ErrSeatUnavailable, got %v", err)
	}

	state, err := l.State(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state.Total != 2 || state.CheckedOut != 2 || state.Available != 0 {
		t.Fatalf("unexpected state: %+v", state)
	}
}

func TestRedisLedgerAdminReserve(t *testing.T) {
	ctx := context.Background()
	l := newTestRedisLedger(t, 2, 1)

	victim, err := l.TryAllocate(ctx, "m1", "collab", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.TryAllocate(ctx, "m2", "collab", ""); !errors.Is(err, ErrSeatUnavailable) {
		t.Fatalf("reserved seat must stay free, got %v", err)
	}

	// A swap stays within capacity; fresh allocation does not.
	if _, err := l.ReleaseAndAllocate(ctx, victim.ID, "admin", "collab", ""); err != nil {
		t.Fatalf("swap within capacity failed: %v", err)
	}
	state, _ := l.State(ctx)
	if state.CheckedOut != state.Total-state.AdminReserved {
		t.Fatalf("reserve invariant broken: %+v", state)
	}
}

func TestRedisLedgerReleaseIdempotent(t *testing.T) {
	ctx := context.Background()
	l := newTestRedisLedger(t, 1, 0)

	co, err := l.TryAllocate(ctx, "user", "collab", "")
	if err != nil {
		t.Fatal(err)
	}

	released, err := l.Release(ctx, co.ID)
	if err != nil || !released {
		t.Fatalf("first release: released=%v err=%v", released, err)
	}
	released, err = l.Release(ctx, co.ID)
	if err != nil || released {
		t.Fatalf("second release must be a no-op: released=%v err=%v", released, err)
	}

	state, _ := l.State(ctx)
	if state.CheckedOut != 0 {
		t.Fatalf("double release corrupted the count: %+v", state)
	}
}

func TestRedisLedgerReleaseAndAllocate(t *testing.T) {
	ctx := context.Background()
	l := newTestRedisLedger(t, 1, 0)

	victim, err := l.TryAllocate(ctx, "member", "collab", "")
	if err != nil {
		t.Fatal(err)
	}

	co, err := l.ReleaseAndAllocate(ctx, victim.ID, "admin", "collab", "")
	if err != nil {
		t.Fatalf("release-and-allocate failed: %v", err)
	}

	active, err := l.ActiveCheckouts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != co.ID {
		t.Fatalf("victim checkout still present: %+v", active)
	}
}

func TestRedisLedgerMetadataAndRestore(t *testing.T) {
	ctx := context.Background()
	l := newTestRedisLedger(t, 3, 0)

	co, err := l.TryAllocate(ctx, "user", "collab", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := l.AttachSession(ctx, co.ID, "session-1"); err != nil {
		t.Fatal(err)
	}
	if err := l.SetExternalToken(ctx, co.ID, "tok-1"); err != nil {
		t.Fatal(err)
	}

	active, err := l.ActiveCheckouts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if active[0].SessionID != "session-1" || active[0].ExternalToken != "tok-1" {
		t.Fatalf("metadata not recorded: %+v", active[0])
	}

	// Simulate a restart: restore into a fresh ledger over the same server.
	if err := l.Restore(ctx, active); err != nil {
		t.Fatal(err)
	}
	state, _ := l.State(ctx)
	if state.CheckedOut != 1 {
		t.Fatalf("restore lost checkouts: %+v", state)
	}

	if err := l.SetExternalToken(ctx, "missing", "tok"); !errors.Is(err, ErrCheckoutNotFound) {
		t.Fatalf("expected ErrCheckoutNotFound, got %v", err)
	}
}
