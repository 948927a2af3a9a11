package session

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"seat-service/internal/model"
	"seat-service/internal/util"
)

// ErrSessionLimitExceeded means the user already holds their maximum number
// of concurrent sessions. Checked before any seat is touched, so a limited
// user cannot burn pool capacity.
var ErrSessionLimitExceeded = errors.New("session limit exceeded")

// Limiter enforces the per-user concurrent-session ceiling. A stored
// override takes precedence over the configured default; a limit of 0
// means unlimited.
type Limiter struct {
	limits     LimitStore
	sessions   SessionStore
	defaultMax int
	now        func() time.Time
}

func NewLimiter(limits LimitStore, sessions SessionStore, defaultMax int) *Limiter {
	return &Limiter{
		limits:     limits,
		sessions:   sessions,
		defaultMax: defaultMax,
		now:        time.Now,
	}
}

// EffectiveLimit returns the ceiling that applies to the user right now.
func (l *Limiter) EffectiveLimit(userID string) (int, error) {
	override, err := l.limits.Get(userID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve session limit: %w", err)
	}
	if override != nil {
		return override.MaxSessions, nil
	}
	return l.defaultMax, nil
}

// Allow returns ErrSessionLimitExceeded when a new session would push the
// user past their ceiling.
func (l *Limiter) Allow(userID string) error {
	max, err := l.EffectiveLimit(userID)
	if err != nil {
		return err
	}
	if max <= 0 {
		return nil
	}

	count, err := l.sessions.CountActiveByUser(userID)
	if err != nil {
		return fmt.Errorf("failed to count user sessions: %w", err)
	}
	if count >= max {
		util.Warn("Session limit reached",
			zap.String("user_id", userID),
			zap.Int("active", count),
			zap.Int("max", max))
		return fmt.Errorf("%w: %d of %d", ErrSessionLimitExceeded, count, max)
	}
	return nil
}

// SetOverride stores a per-user ceiling. max of 0 removes the ceiling for
// that user without deleting the override record.
func (l *Limiter) SetOverride(userID string, max int, reason, setBy string) (*model.SessionLimit, error) {
	if max < 0 {
		return nil, fmt.Errorf("session limit must not be negative, got %d", max)
	}

	now := l.now().UTC()
	limit := &model.SessionLimit{
		UserID:      userID,
		MaxSessions: max,
		Reason:      reason,
		SetBy:       setBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if existing, err := l.limits.Get(userID); err == nil && existing != nil {
		limit.CreatedAt = existing.CreatedAt
	}

	if err := l.limits.Upsert(limit); err != nil {
		return nil, err
	}

	util.Info("Session limit override set",
		zap.String("user_id", userID),
		zap.Int("max_sessions", max),
		zap.String("set_by", setBy))
	return limit, nil
}

// ClearOverride removes the per-user ceiling so the default applies again.
func (l *Limiter) ClearOverride(userID string) error {
	if err := l.limits.Delete(userID); err != nil {
		return err
	}
	util.Info("Session limit override cleared", zap.String("user_id", userID))
	return nil
}

// GetOverride returns the stored override, or nil when the default applies.
func (l *Limiter) GetOverride(userID string) (*model.SessionLimit, error) {
	return l.limits.Get(userID)
}
