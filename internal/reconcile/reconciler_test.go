package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"seat-service/internal/analytics"
	"seat-service/internal/audit"
	"seat-service/internal/events"
	"seat-service/internal/license"
	"seat-service/internal/model"
	"seat-service/internal/seat"
)

type fakeCheckoutSource struct {
	checkouts []*model.Checkout
	err       error
}

func (s *fakeCheckoutSource) ListActive() ([]*model.Checkout, error) {
	return s.checkouts, s.err
}

type fakeSessionCounter struct{ count int }

func (c *fakeSessionCounter) CountActive() (int, error) { return c.count, nil }

type fakeSnapshotStore struct {
	mu        sync.Mutex
	snapshots []*model.PoolSnapshot
	lastLimit int
}

func (s *fakeSnapshotStore) Create(snap *model.PoolSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
	return nil
}

func (s *fakeSnapshotStore) ListRecent(limit int) ([]*model.PoolSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLimit = limit
	return s.snapshots, nil
}

// scriptedAuthority serves a fixed external pool state or a fixed error.
type scriptedAuthority struct {
	state *license.ExternalPoolState
	err   error
}

func (a *scriptedAuthority) Checkout(ctx context.Context, userID, feature string) (string, error) {
	return "", errors.New("not used")
}

func (a *scriptedAuthority) Checkin(ctx context.Context, token string) error {
	return errors.New("not used")
}

func (a *scriptedAuthority) ReportState(ctx context.Context) (*license.ExternalPoolState, error) {
	return a.state, a.err
}

type captureEmitter struct {
	mu     sync.Mutex
	events []*events.Event
}

func (e *captureEmitter) Emit(ev *events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *captureEmitter) byType(t string) *events.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.events {
		if ev.Type == t {
			return ev
		}
	}
	return nil
}

type reconcilerFixture struct {
	reconciler *Reconciler
	ledger     *seat.MemoryLedger
	authority  *scriptedAuthority
	checkouts  *fakeCheckoutSource
	snapshots  *fakeSnapshotStore
	emitter    *captureEmitter
}

func newReconcilerFixture(totalSeats int, authority *scriptedAuthority) *reconcilerFixture {
	f := &reconcilerFixture{
		ledger:    seat.NewMemoryLedger(totalSeats, 0),
		authority: authority,
		checkouts: &fakeCheckoutSource{},
		snapshots: &fakeSnapshotStore{},
		emitter:   &captureEmitter{},
	}
	f.reconciler = NewReconciler(
		f.ledger, f.authority, f.checkouts, &fakeSessionCounter{count: 2},
		f.snapshots, analytics.NopSink{}, f.emitter, audit.NopRecorder{},
		time.Minute, "interval",
	)
	return f
}

func (f *reconcilerFixture) allocate(t *testing.T, userID string) *model.Checkout {
	t.Helper()
	co, err := f.ledger.TryAllocate(context.Background(), userID, "collab", "")
	if err != nil {
		t.Fatal(err)
	}
	return co
}

func TestReconcileDetectsDrift(t *testing.T) {
	f := newReconcilerFixture(10, &scriptedAuthority{
		state: &license.ExternalPoolState{TotalSeats: 10, InUse: 5, Source: "flexlm-7"},
	})
	f.allocate(t, "u1")
	f.allocate(t, "u2")

	snap, err := f.reconciler.ReconcileOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if !snap.DriftDetected || snap.DriftDetail == nil {
		t.Fatalf("drift not flagged: %+v", snap)
	}
	if snap.DriftDetail.Delta != 3 {
		t.Fatalf("delta = %d, want 3", snap.DriftDetail.Delta)
	}
	if snap.DriftDetail.LocalCheckedOut != 2 || snap.DriftDetail.ExternalInUse != 5 {
		t.Fatalf("counts wrong: %+v", snap.DriftDetail)
	}
	if snap.DriftDetail.ExternalSource != "flexlm-7" {
		t.Fatalf("external source = %q", snap.DriftDetail.ExternalSource)
	}

	if ev := f.emitter.byType(events.TypeDriftDetected); ev == nil {
		t.Fatal("drift event not emitted")
	}

	// Drift is reported, never corrected.
	state, _ := f.ledger.State(context.Background())
	if state.CheckedOut != 2 {
		t.Fatalf("ledger was corrected: %d", state.CheckedOut)
	}

	if len(f.snapshots.snapshots) != 1 {
		t.Fatalf("snapshot count = %d", len(f.snapshots.snapshots))
	}
}

func TestReconcileNegativeDelta(t *testing.T) {
	f := newReconcilerFixture(10, &scriptedAuthority{
		state: &license.ExternalPoolState{TotalSeats: 10, InUse: 1},
	})
	f.allocate(t, "u1")
	f.allocate(t, "u2")

	snap, err := f.reconciler.ReconcileOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.DriftDetail.Delta != -1 {
		t.Fatalf("delta = %d, want -1", snap.DriftDetail.Delta)
	}
}

func TestReconcileNoDrift(t *testing.T) {
	f := newReconcilerFixture(10, &scriptedAuthority{
		state: &license.ExternalPoolState{TotalSeats: 10, InUse: 2},
	})
	f.allocate(t, "u1")
	f.allocate(t, "u2")

	snap, err := f.reconciler.ReconcileOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.DriftDetected || snap.DriftDetail != nil {
		t.Fatalf("false drift: %+v", snap)
	}
	if ev := f.emitter.byType(events.TypeDriftDetected); ev != nil {
		t.Fatal("drift event emitted without drift")
	}
	if len(f.snapshots.snapshots) != 1 {
		t.Fatal("snapshot must be persisted even without drift")
	}
}

func TestSnapshotPersistedWhenAuthorityUnreachable(t *testing.T) {
	f := newReconcilerFixture(10, &scriptedAuthority{err: license.ErrAuthorityUnreachable})
	f.allocate(t, "u1")

	snap, err := f.reconciler.ReconcileOnce(context.Background())
	if err != nil {
		t.Fatalf("pass must succeed on local data alone: %v", err)
	}
	if snap.DriftDetected {
		t.Fatal("drift cannot be judged without the authority")
	}
	if snap.CheckedOut != 1 || snap.TotalSeats != 10 {
		t.Fatalf("local accounting wrong: %+v", snap)
	}
	if len(f.snapshots.snapshots) != 1 {
		t.Fatal("snapshot not persisted")
	}
}

func TestOrphanCounting(t *testing.T) {
	f := newReconcilerFixture(10, &scriptedAuthority{
		state: &license.ExternalPoolState{TotalSeats: 10, InUse: 9},
	})
	live := f.allocate(t, "u1")

	// Persistence still carries two checkouts the ledger has forgotten.
	f.checkouts.checkouts = []*model.Checkout{
		{ID: live.ID, IsActive: true},
		{ID: "dead-1", IsActive: true},
		{ID: "dead-2", IsActive: true},
	}

	snap, err := f.reconciler.ReconcileOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.DriftDetail.OrphanedCheckouts != 2 {
		t.Fatalf("orphans = %d, want 2", snap.DriftDetail.OrphanedCheckouts)
	}
}

func TestTakeSnapshotTagsSource(t *testing.T) {
	f := newReconcilerFixture(10, &scriptedAuthority{
		state: &license.ExternalPoolState{TotalSeats: 10, InUse: 0},
	})

	snap, err := f.reconciler.TakeSnapshot(context.Background(), "startup")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Source != "startup" {
		t.Fatalf("source = %q", snap.Source)
	}

	snap, err = f.reconciler.ReconcileOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.Source != "interval" {
		t.Fatalf("source = %q", snap.Source)
	}
}

func TestRestoreLedger(t *testing.T) {
	f := newReconcilerFixture(10, &scriptedAuthority{})
	now := time.Now().UTC()
	f.checkouts.checkouts = []*model.Checkout{
		{ID: "co-1", UserID: "u1", FeatureName: "collab", CheckedOutAt: now, IsActive: true},
		{ID: "co-2", UserID: "u2", FeatureName: "collab", CheckedOutAt: now, IsActive: true},
	}

	if err := f.reconciler.RestoreLedger(context.Background()); err != nil {
		t.Fatal(err)
	}

	state, err := f.ledger.State(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if state.CheckedOut != 2 {
		t.Fatalf("restored count = %d", state.CheckedOut)
	}
}

func TestRecentSnapshotsClampsLimit(t *testing.T) {
	f := newReconcilerFixture(10, &scriptedAuthority{})

	for _, tc := range []struct{ in, want int }{
		{0, 20}, {-5, 20}, {500, 20}, {7, 7},
	} {
		if _, err := f.reconciler.RecentSnapshots(tc.in); err != nil {
			t.Fatal(err)
		}
		if f.snapshots.lastLimit != tc.want {
			t.Fatalf("limit %d clamped to %d, want %d", tc.in, f.snapshots.lastLimit, tc.want)
		}
	}
}
