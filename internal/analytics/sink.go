package analytics

import (
	"context"
	"time"

	"go.uber.org/zap"

	"seat-service/internal/client"
	"seat-service/internal/model"
	"seat-service/internal/util"
)

const insertSnapshotQuery = `
INSERT INTO pool_snapshots (
    id, created_at, total_seats, checked_out, available,
    admin_reserved, active_sessions, drift_detected, drift_delta, source
)`

// Sink records pool snapshots for time-series analysis.
type Sink interface {
	RecordSnapshot(snap *model.PoolSnapshot)
}

// NopSink drops all snapshots.
type NopSink struct{}

func (NopSink) RecordSnapshot(*model.PoolSnapshot) {}

// ClickHouseSink writes snapshots into ClickHouse. Scylla remains the
// authoritative snapshot store; this copy exists for dashboards, so write
// failures are logged and dropped.
type ClickHouseSink struct {
	ch *client.ClickHouseClient
}

func NewClickHouseSink(ch *client.ClickHouseClient) *ClickHouseSink {
	return &ClickHouseSink{ch: ch}
}

func (s *ClickHouseSink) RecordSnapshot(snap *model.PoolSnapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	delta := 0
	if snap.DriftDetail != nil {
		delta = snap.DriftDetail.Delta
	}

	row := []interface{}{
		snap.ID, snap.CreatedAt, int32(snap.TotalSeats), int32(snap.CheckedOut),
		int32(snap.Available), int32(snap.AdminReserved), int32(snap.ActiveSessions),
		snap.DriftDetected, int32(delta), snap.Source,
	}

	if err := s.ch.BatchInsert(ctx, insertSnapshotQuery, [][]interface{}{row}); err != nil {
		util.Error("Failed to record snapshot in ClickHouse",
			zap.String("snapshot_id", snap.ID),
			zap.Error(err))
		return
	}

	util.Debug("Snapshot recorded in ClickHouse", zap.String("snapshot_id", snap.ID))
}
