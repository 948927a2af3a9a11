package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"seat-service/internal/analytics"
	"seat-service/internal/audit"
	"seat-service/internal/events"
	"seat-service/internal/license"
	"seat-service/internal/model"
	"seat-service/internal/seat"
	"seat-service/internal/util"
)

type CheckoutSource interface {
	ListActive() ([]*model.Checkout, error)
}

type SessionCounter interface {
	CountActive() (int, error)
}

type SnapshotStore interface {
	Create(snap *model.PoolSnapshot) error
	ListRecent(limit int) ([]*model.PoolSnapshot, error)
}

// Reconciler periodically compares the local seat ledger with the external
// authority's accounting and records a pool snapshot either way. Detected
// drift is reported, never corrected: the authority stays the source of
// truth for licensing, the ledger for admission, and an operator decides
// which one is lying.
type Reconciler struct {
	ledger    seat.Ledger
	authority license.Authority
	checkouts CheckoutSource
	sessions  SessionCounter
	snapshots SnapshotStore
	sink      analytics.Sink
	emitter   events.Emitter
	recorder  audit.Recorder

	interval time.Duration
	source   string
	now      func() time.Time
}

func NewReconciler(
	ledger seat.Ledger,
	authority license.Authority,
	checkouts CheckoutSource,
	sessions SessionCounter,
	snapshots SnapshotStore,
	sink analytics.Sink,
	emitter events.Emitter,
	recorder audit.Recorder,
	interval time.Duration,
	source string,
) *Reconciler {
	return &Reconciler{
		ledger:    ledger,
		authority: authority,
		checkouts: checkouts,
		sessions:  sessions,
		snapshots: snapshots,
		sink:      sink,
		emitter:   emitter,
		recorder:  recorder,
		interval:  interval,
		source:    source,
		now:       time.Now,
	}
}

// Run blocks until ctx is cancelled, reconciling on the configured interval.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	util.Info("Reconciler started", zap.Duration("interval", r.interval))

	for {
		select {
		case <-ctx.Done():
			util.Info("Reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.ReconcileOnce(ctx); err != nil {
				util.Error("Reconciliation pass failed", zap.Error(err))
			}
		}
	}
}

// ReconcileOnce runs one comparison pass and persists a snapshot. The
// snapshot is written even when the authority is unreachable; it then
// carries local accounting only.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (*model.PoolSnapshot, error) {
	return r.snapshot(ctx, r.source)
}

// TakeSnapshot records a snapshot tagged with an explicit source, for
// startup and shutdown bookkeeping.
func (r *Reconciler) TakeSnapshot(ctx context.Context, source string) (*model.PoolSnapshot, error) {
	return r.snapshot(ctx, source)
}

func (r *Reconciler) snapshot(ctx context.Context, source string) (*model.PoolSnapshot, error) {
	state, err := r.ledger.State(ctx)
	if err != nil {
		return nil, err
	}

	activeSessions, err := r.sessions.CountActive()
	if err != nil {
		util.Error("Failed to count active sessions for snapshot", zap.Error(err))
	}

	snap := &model.PoolSnapshot{
		ID:             uuid.New().String(),
		TotalSeats:     state.Total,
		CheckedOut:     state.CheckedOut,
		Available:      state.Available,
		AdminReserved:  state.AdminReserved,
		ActiveSessions: activeSessions,
		Source:         source,
		CreatedAt:      r.now().UTC(),
	}

	external, err := r.authority.ReportState(ctx)
	if err != nil {
		util.Warn("License authority unreachable during reconciliation",
			zap.Error(err))
	} else if external.InUse != state.CheckedOut {
		detail := &model.DriftDetail{
			LocalCheckedOut: state.CheckedOut,
			ExternalInUse:   external.InUse,
			Delta:           external.InUse - state.CheckedOut,
			ExternalSource:  external.Source,
		}
		detail.OrphanedCheckouts = r.countOrphans(ctx)

		snap.DriftDetected = true
		snap.DriftDetail = detail

		util.Warn("Seat pool drift detected",
			zap.Int("local_checked_out", detail.LocalCheckedOut),
			zap.Int("external_in_use", detail.ExternalInUse),
			zap.Int("delta", detail.Delta),
			zap.Int("orphaned_checkouts", detail.OrphanedCheckouts))

		r.emitter.Emit(&events.Event{
			Type:  events.TypeDriftDetected,
			Pool:  &state,
			Drift: detail,
		})
		r.recorder.Record(&audit.Entry{
			Action: audit.ActionDriftDetected,
			Reason: "ledger and authority disagree on seats in use",
		})
	}

	if err := r.snapshots.Create(snap); err != nil {
		return nil, err
	}
	r.sink.RecordSnapshot(snap)

	util.Debug("Pool snapshot recorded",
		zap.String("snapshot_id", snap.ID),
		zap.Int("checked_out", snap.CheckedOut),
		zap.Bool("drift_detected", snap.DriftDetected))
	return snap, nil
}

// countOrphans counts checkouts the persistence layer still marks active but
// the live ledger no longer knows about. Orphans usually mean a crashed node
// never released its seats.
func (r *Reconciler) countOrphans(ctx context.Context) int {
	persisted, err := r.checkouts.ListActive()
	if err != nil {
		util.Error("Failed to list persisted checkouts for orphan scan", zap.Error(err))
		return 0
	}
	live, err := r.ledger.ActiveCheckouts(ctx)
	if err != nil {
		util.Error("Failed to list ledger checkouts for orphan scan", zap.Error(err))
		return 0
	}

	known := make(map[string]bool, len(live))
	for _, co := range live {
		known[co.ID] = true
	}

	orphans := 0
	for _, co := range persisted {
		if !known[co.ID] {
			orphans++
		}
	}
	return orphans
}

// RestoreLedger rebuilds the seat ledger from persisted active checkouts.
// Run once at startup, before the server accepts logins.
func (r *Reconciler) RestoreLedger(ctx context.Context) error {
	checkouts, err := r.checkouts.ListActive()
	if err != nil {
		return err
	}
	if err := r.ledger.Restore(ctx, checkouts); err != nil {
		return err
	}
	util.Info("Seat ledger restored", zap.Int("active_checkouts", len(checkouts)))
	return nil
}

// RecentSnapshots exposes the latest persisted snapshots for operators.
func (r *Reconciler) RecentSnapshots(limit int) ([]*model.PoolSnapshot, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return r.snapshots.ListRecent(limit)
}
