package scylla

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"seat-service/internal/bucketing"
	"seat-service/internal/model"
	"seat-service/internal/util"
)

// SnapshotRepository stores pool snapshots partitioned by UTC day, newest
// first within a partition.
type SnapshotRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
	now     func() time.Time
}

func NewSnapshotRepository(client *ScyllaClient, buckets *bucketing.BucketingManager) *SnapshotRepository {
	return &SnapshotRepository{
		client:  client,
		buckets: buckets,
		now:     time.Now,
	}
}

func (r *SnapshotRepository) Create(snap *model.PoolSnapshot) error {
	detail := ""
	if snap.DriftDetail != nil {
		data, err := json.Marshal(snap.DriftDetail)
		if err != nil {
			return fmt.Errorf("failed to encode drift detail: %w", err)
		}
		detail = string(data)
	}

	query := r.client.Prepared.CreateSnapshot.Bind(
		r.buckets.DateBucket(snap.CreatedAt), snap.CreatedAt, snap.ID,
		snap.TotalSeats, snap.CheckedOut, snap.Available, snap.AdminReserved,
		snap.ActiveSessions, snap.DriftDetected, detail, snap.Source)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to persist pool snapshot",
			zap.String("snapshot_id", snap.ID),
			zap.Error(err))
		return fmt.Errorf("failed to persist pool snapshot: %w", err)
	}

	util.Debug("Pool snapshot persisted",
		zap.String("snapshot_id", snap.ID),
		zap.Bool("drift_detected", snap.DriftDetected))
	return nil
}

// ListRecent returns up to limit snapshots, newest first, reading today's
// partition and spilling into yesterday's when today has too few rows.
func (r *SnapshotRepository) ListRecent(limit int) ([]*model.PoolSnapshot, error) {
	now := r.now().UTC()
	var snapshots []*model.PoolSnapshot

	for _, day := range []string{
		r.buckets.DateBucket(now),
		r.buckets.DateBucket(now.AddDate(0, 0, -1)),
	} {
		remaining := limit - len(snapshots)
		if remaining <= 0 {
			break
		}

		rows, err := r.listDay(day, remaining)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, rows...)
	}

	return snapshots, nil
}

func (r *SnapshotRepository) listDay(day string, limit int) ([]*model.PoolSnapshot, error) {
	iter := r.client.Prepared.ListSnapshotsByDay.Bind(day, limit).Iter()

	var snapshots []*model.PoolSnapshot
	var (
		snap      model.PoolSnapshot
		dayCol    string
		detailRaw string
	)
	for iter.Scan(&dayCol, &snap.CreatedAt, &snap.ID, &snap.TotalSeats,
		&snap.CheckedOut, &snap.Available, &snap.AdminReserved,
		&snap.ActiveSessions, &snap.DriftDetected, &detailRaw, &snap.Source) {
		s := snap
		if detailRaw != "" {
			var detail model.DriftDetail
			if err := json.Unmarshal([]byte(detailRaw), &detail); err != nil {
				return nil, fmt.Errorf("failed to decode drift detail for snapshot %s: %w", s.ID, err)
			}
			s.DriftDetail = &detail
		}
		snapshots = append(snapshots, &s)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list pool snapshots (day %s): %w", day, err)
	}
	return snapshots, nil
}
