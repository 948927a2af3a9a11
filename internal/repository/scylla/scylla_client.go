package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"seat-service/internal/config"
	"seat-service/internal/util"
)

// PreparedStatements holds the hot-path statements prepared at startup.
type PreparedStatements struct {
	// sessions
	CreateSessionByID   *gocql.Query
	CreateActiveByUser  *gocql.Query
	CreateActiveSession *gocql.Query
	GetSessionByID      *gocql.Query
	TerminateSession    *gocql.Query
	DeleteActiveByUser  *gocql.Query
	DeleteActiveSession *gocql.Query
	TouchSession        *gocql.Query
	TouchActiveSession  *gocql.Query
	SetConnected        *gocql.Query
	CountActiveByUser   *gocql.Query
	ListActiveByUser    *gocql.Query
	ListActiveBucket    *gocql.Query
	CountActiveBucket   *gocql.Query

	// checkouts
	CreateCheckout       *gocql.Query
	CreateActiveCheckout *gocql.Query
	GetCheckout          *gocql.Query
	CheckinCheckout      *gocql.Query
	DeleteActiveCheckout *gocql.Query
	AttachCheckout       *gocql.Query
	SetCheckoutToken     *gocql.Query
	ListActiveCheckouts  *gocql.Query

	// session limits
	UpsertLimit *gocql.Query
	GetLimit    *gocql.Query
	DeleteLimit *gocql.Query

	// pool snapshots
	CreateSnapshot     *gocql.Query
	ListSnapshotsByDay *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.Mutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.CreateSessionByID = s.Session.Query(`
        INSERT INTO sessions_by_id (
            id, user_id, role, token_hash, ip_address, user_agent, device_info,
            checkout_id, seat_allocated_at, overflow_kicked, presence_status,
            ws_connected, ws_connected_at, terminated_by, termination_reason,
            terminated_at, created_at, expires_at, last_activity
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.CreateActiveByUser = s.Session.Query(`
        INSERT INTO active_sessions_by_user (user_id, id) VALUES (?, ?)`)

	prepared.CreateActiveSession = s.Session.Query(`
        INSERT INTO active_sessions (bucket, id, user_id, role, checkout_id, created_at, expires_at, last_activity)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetSessionByID = s.Session.Query(`
        SELECT id, user_id, role, token_hash, ip_address, user_agent, device_info,
            checkout_id, seat_allocated_at, overflow_kicked, presence_status,
            ws_connected, ws_connected_at, terminated_by, termination_reason,
            terminated_at, created_at, expires_at, last_activity
        FROM sessions_by_id WHERE id = ?`)

	prepared.TerminateSession = s.Session.Query(`
        UPDATE sessions_by_id
        SET terminated_by = ?, termination_reason = ?, terminated_at = ?, presence_status = ?
        WHERE id = ?`)

	prepared.DeleteActiveByUser = s.Session.Query(`
        DELETE FROM active_sessions_by_user WHERE user_id = ? AND id = ?`)

	prepared.DeleteActiveSession = s.Session.Query(`
        DELETE FROM active_sessions WHERE bucket = ? AND id = ?`)

	prepared.TouchSession = s.Session.Query(`
        UPDATE sessions_by_id SET last_activity = ?, presence_status = ? WHERE id = ?`)

	prepared.TouchActiveSession = s.Session.Query(`
        UPDATE active_sessions SET last_activity = ? WHERE bucket = ? AND id = ?`)

	prepared.SetConnected = s.Session.Query(`
        UPDATE sessions_by_id SET ws_connected = ?, ws_connected_at = ? WHERE id = ?`)

	prepared.CountActiveByUser = s.Session.Query(`
        SELECT COUNT(*) FROM active_sessions_by_user WHERE user_id = ?`)

	prepared.ListActiveByUser = s.Session.Query(`
        SELECT id FROM active_sessions_by_user WHERE user_id = ?`)

	prepared.ListActiveBucket = s.Session.Query(`
        SELECT id, user_id, role, checkout_id, created_at, expires_at, last_activity
        FROM active_sessions WHERE bucket = ?`)

	prepared.CountActiveBucket = s.Session.Query(`
        SELECT COUNT(*) FROM active_sessions WHERE bucket = ?`)

	prepared.CreateCheckout = s.Session.Query(`
        INSERT INTO checkouts (
            id, session_id, user_id, feature_name, external_token,
            checked_out_at, checked_in_at, ip_address, is_active
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.CreateActiveCheckout = s.Session.Query(`
        INSERT INTO active_checkouts (
            bucket, id, session_id, user_id, feature_name, external_token,
            checked_out_at, ip_address
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetCheckout = s.Session.Query(`
        SELECT id, session_id, user_id, feature_name, external_token,
            checked_out_at, checked_in_at, ip_address, is_active
        FROM checkouts WHERE id = ?`)

	prepared.CheckinCheckout = s.Session.Query(`
        UPDATE checkouts SET is_active = false, checked_in_at = ? WHERE id = ?`)

	prepared.DeleteActiveCheckout = s.Session.Query(`
        DELETE FROM active_checkouts WHERE bucket = ? AND id = ?`)

	prepared.AttachCheckout = s.Session.Query(`
        UPDATE checkouts SET session_id = ? WHERE id = ?`)

	prepared.SetCheckoutToken = s.Session.Query(`
        UPDATE checkouts SET external_token = ? WHERE id = ?`)

	prepared.ListActiveCheckouts = s.Session.Query(`
        SELECT id, session_id, user_id, feature_name, external_token, checked_out_at, ip_address
        FROM active_checkouts WHERE bucket = ?`)

	prepared.UpsertLimit = s.Session.Query(`
        INSERT INTO user_session_limits (user_id, max_sessions, reason, set_by, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)`)

	prepared.GetLimit = s.Session.Query(`
        SELECT user_id, max_sessions, reason, set_by, created_at, updated_at
        FROM user_session_limits WHERE user_id = ?`)

	prepared.DeleteLimit = s.Session.Query(`
        DELETE FROM user_session_limits WHERE user_id = ?`)

	prepared.CreateSnapshot = s.Session.Query(`
        INSERT INTO pool_snapshots (
            day, created_at, id, total_seats, checked_out, available,
            admin_reserved, active_sessions, drift_detected, drift_detail, source
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.ListSnapshotsByDay = s.Session.Query(`
        SELECT day, created_at, id, total_seats, checked_out, available,
            admin_reserved, active_sessions, drift_detected, drift_detail, source
        FROM pool_snapshots WHERE day = ? LIMIT ?`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Info("ScyllaDB prepared statements created successfully")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) Batch(typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			lastErr = err
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
