package scylla

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"seat-service/internal/bucketing"
	"seat-service/internal/model"
	"seat-service/internal/util"
)

// SessionRepository persists sessions across three tables: sessions_by_id is
// the permanent audit record, active_sessions_by_user backs the per-user
// limit count, and active_sessions (bucketed) backs eviction and expiry
// scans. Termination deletes from the active tables but never from
// sessions_by_id.
type SessionRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

func NewSessionRepository(client *ScyllaClient, buckets *bucketing.BucketingManager) *SessionRepository {
	return &SessionRepository{
		client:  client,
		buckets: buckets,
	}
}

func (r *SessionRepository) Create(session *model.Session) error {
	batch := r.client.Session.NewBatch(gocql.LoggedBatch)

	batch.Query(r.client.Prepared.CreateSessionByID.Statement(),
		session.ID, session.UserID, string(session.Role), session.TokenHash,
		session.IPAddress, session.UserAgent, session.DeviceInfo,
		session.CheckoutID, timeOrZero(session.SeatAllocatedAt), session.OverflowKicked,
		string(session.PresenceStatus), session.WSConnected, timeOrZero(session.WSConnectedAt),
		session.TerminatedBy, session.TerminationNote, timeOrZero(session.TerminatedAt),
		session.CreatedAt, session.ExpiresAt, session.LastActivity)

	batch.Query(r.client.Prepared.CreateActiveByUser.Statement(),
		session.UserID, session.ID)

	batch.Query(r.client.Prepared.CreateActiveSession.Statement(),
		r.buckets.SessionBucket(session.ID), session.ID, session.UserID,
		string(session.Role), session.CheckoutID, session.CreatedAt,
		session.ExpiresAt, session.LastActivity)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to create session",
			zap.String("session_id", session.ID),
			zap.String("user_id", session.UserID),
			zap.Error(err))
		return fmt.Errorf("failed to create session: %w", err)
	}

	util.Info("Session persisted",
		zap.String("session_id", session.ID),
		zap.String("user_id", session.UserID))
	return nil
}

// GetByID returns the session, or nil if no such session exists.
func (r *SessionRepository) GetByID(sessionID string) (*model.Session, error) {
	var (
		session                                      model.Session
		role, presence                               string
		seatAllocatedAt, wsConnectedAt, terminatedAt time.Time
	)

	query := r.client.Prepared.GetSessionByID.Bind(sessionID)
	err := r.client.ScanWithRetry(query,
		&session.ID, &session.UserID, &role, &session.TokenHash,
		&session.IPAddress, &session.UserAgent, &session.DeviceInfo,
		&session.CheckoutID, &seatAllocatedAt, &session.OverflowKicked,
		&presence, &session.WSConnected, &wsConnectedAt,
		&session.TerminatedBy, &session.TerminationNote, &terminatedAt,
		&session.CreatedAt, &session.ExpiresAt, &session.LastActivity)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		util.Error("Failed to get session by ID",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get session by ID: %w", err)
	}

	session.Role = model.Role(role)
	session.PresenceStatus = model.PresenceStatus(presence)
	session.SeatAllocatedAt = timePtr(seatAllocatedAt)
	session.WSConnectedAt = timePtr(wsConnectedAt)
	session.TerminatedAt = timePtr(terminatedAt)
	return &session, nil
}

// Terminate records the termination metadata and removes the session from
// the active tables. The audit row in sessions_by_id stays forever.
func (r *SessionRepository) Terminate(session *model.Session, terminatedBy, reason string, at time.Time) error {
	batch := r.client.Session.NewBatch(gocql.LoggedBatch)

	batch.Query(r.client.Prepared.TerminateSession.Statement(),
		terminatedBy, reason, at, string(model.PresenceOffline), session.ID)
	batch.Query(r.client.Prepared.DeleteActiveByUser.Statement(),
		session.UserID, session.ID)
	batch.Query(r.client.Prepared.DeleteActiveSession.Statement(),
		r.buckets.SessionBucket(session.ID), session.ID)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to terminate session",
			zap.String("session_id", session.ID),
			zap.String("reason", reason),
			zap.Error(err))
		return fmt.Errorf("failed to terminate session: %w", err)
	}

	util.Info("Session terminated",
		zap.String("session_id", session.ID),
		zap.String("user_id", session.UserID),
		zap.String("reason", reason))
	return nil
}

func (r *SessionRepository) TouchActivity(session *model.Session, at time.Time, presence model.PresenceStatus) error {
	batch := r.client.Session.NewBatch(gocql.UnloggedBatch)

	batch.Query(r.client.Prepared.TouchSession.Statement(),
		at, string(presence), session.ID)
	batch.Query(r.client.Prepared.TouchActiveSession.Statement(),
		at, r.buckets.SessionBucket(session.ID), session.ID)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to touch session activity",
			zap.String("session_id", session.ID),
			zap.Error(err))
		return fmt.Errorf("failed to touch session activity: %w", err)
	}
	return nil
}

func (r *SessionRepository) SetConnected(sessionID string, connected bool, at time.Time) error {
	query := r.client.Prepared.SetConnected.Bind(connected, at, sessionID)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to set session connection flag",
			zap.String("session_id", sessionID),
			zap.Bool("connected", connected),
			zap.Error(err))
		return fmt.Errorf("failed to set session connection flag: %w", err)
	}
	return nil
}

func (r *SessionRepository) CountActiveByUser(userID string) (int, error) {
	var count int
	query := r.client.Prepared.CountActiveByUser.Bind(userID)
	if err := r.client.ScanWithRetry(query, &count); err != nil {
		return 0, fmt.Errorf("failed to count active sessions for user: %w", err)
	}
	return count, nil
}

func (r *SessionRepository) ListActiveIDsByUser(userID string) ([]string, error) {
	iter := r.client.Prepared.ListActiveByUser.Bind(userID).Iter()

	var ids []string
	var id string
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list active sessions for user: %w", err)
	}
	return ids, nil
}

// ListActive scans every bucket of the active_sessions table. Rows carry
// only the columns eviction and expiry decisions need.
func (r *SessionRepository) ListActive() ([]*model.Session, error) {
	var sessions []*model.Session

	for bucket := 0; bucket < r.buckets.SessionBuckets(); bucket++ {
		iter := r.client.Prepared.ListActiveBucket.Bind(bucket).Iter()

		var (
			session model.Session
			role    string
		)
		for iter.Scan(&session.ID, &session.UserID, &role, &session.CheckoutID,
			&session.CreatedAt, &session.ExpiresAt, &session.LastActivity) {
			s := session
			s.Role = model.Role(role)
			sessions = append(sessions, &s)
		}
		if err := iter.Close(); err != nil {
			return nil, fmt.Errorf("failed to list active sessions (bucket %d): %w", bucket, err)
		}
	}

	return sessions, nil
}

func (r *SessionRepository) CountActive() (int, error) {
	total := 0
	for bucket := 0; bucket < r.buckets.SessionBuckets(); bucket++ {
		var count int
		query := r.client.Prepared.CountActiveBucket.Bind(bucket)
		if err := r.client.ScanWithRetry(query, &count); err != nil {
			return 0, fmt.Errorf("failed to count active sessions (bucket %d): %w", bucket, err)
		}
		total += count
	}
	return total, nil
}

// timeOrZero converts a nullable time to the zero value Scylla stores for null.
func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// timePtr converts a scanned timestamp back to a nullable time.
func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
