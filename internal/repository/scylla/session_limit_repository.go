package scylla

import (
	"fmt"

	"github.com/gocql/gocql"

	"seat-service/internal/model"
)

// SessionLimitRepository stores per-user overrides of the concurrent
// session limit. Absence of a row means the configured default applies.
type SessionLimitRepository struct {
	client *ScyllaClient
}

func NewSessionLimitRepository(client *ScyllaClient) *SessionLimitRepository {
	return &SessionLimitRepository{client: client}
}

func (r *SessionLimitRepository) Upsert(limit *model.SessionLimit) error {
	query := r.client.Prepared.UpsertLimit.Bind(
		limit.UserID, limit.MaxSessions, limit.Reason, limit.SetBy,
		limit.CreatedAt, limit.UpdatedAt)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to upsert session limit: %w", err)
	}
	return nil
}

// Get returns the override for the user, or nil when none is set.
func (r *SessionLimitRepository) Get(userID string) (*model.SessionLimit, error) {
	var limit model.SessionLimit

	query := r.client.Prepared.GetLimit.Bind(userID)
	err := r.client.ScanWithRetry(query,
		&limit.UserID, &limit.MaxSessions, &limit.Reason, &limit.SetBy,
		&limit.CreatedAt, &limit.UpdatedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session limit: %w", err)
	}
	return &limit, nil
}

func (r *SessionLimitRepository) Delete(userID string) error {
	query := r.client.Prepared.DeleteLimit.Bind(userID)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to delete session limit: %w", err)
	}
	return nil
}
