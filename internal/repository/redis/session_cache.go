package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"seat-service/internal/client"
	"seat-service/internal/model"
	"seat-service/internal/util"
)

const (
	sessionDataPrefix  = "session:"
	userSessionsPrefix = "user_sessions:"
	presencePrefix     = "presence:"
)

// CachedSession is the subset of session state hot validation paths need.
// The Scylla row stays authoritative; the cache only short-circuits reads.
type CachedSession struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Role       string    `json:"role"`
	TokenHash  string    `json:"token_hash"`
	CheckoutID string    `json:"checkout_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// SessionCache fronts the session store for token validation and presence.
type SessionCache struct {
	client *client.RedisClient
}

func NewSessionCache(client *client.RedisClient) *SessionCache {
	return &SessionCache{client: client}
}

func (c *SessionCache) CacheSession(session *model.Session, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cached := CachedSession{
		ID:         session.ID,
		UserID:     session.UserID,
		Role:       string(session.Role),
		TokenHash:  session.TokenHash,
		CheckoutID: session.CheckoutID,
		ExpiresAt:  session.ExpiresAt,
	}
	payload, err := json.Marshal(&cached)
	if err != nil {
		return fmt.Errorf("failed to marshal cached session: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.Set(ctx, sessionDataPrefix+session.ID, string(payload), ttl)
	userKey := userSessionsPrefix + session.UserID
	pipe.SAdd(ctx, userKey, session.ID)
	pipe.Expire(ctx, userKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to cache session",
			zap.String("session_id", session.ID),
			zap.String("user_id", session.UserID),
			zap.Error(err))
		return fmt.Errorf("failed to cache session: %w", err)
	}

	util.Debug("Session cached",
		zap.String("session_id", session.ID),
		zap.Duration("ttl", ttl))
	return nil
}

// GetSession returns the cached session, or nil on a cache miss.
func (c *SessionCache) GetSession(sessionID string) (*CachedSession, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := sessionDataPrefix + sessionID
	raw, err := c.client.Get(ctx, key)
	if err != nil {
		if err.Error() == fmt.Sprintf("key not found: %s", key) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cached session: %w", err)
	}

	var cached CachedSession
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		util.Error("Failed to unmarshal cached session",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to unmarshal cached session: %w", err)
	}
	return &cached, nil
}

// Invalidate drops one session and its presence from the cache.
func (c *SessionCache) Invalidate(userID, sessionID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pipe := c.client.Pipeline()
	pipe.Del(ctx, sessionDataPrefix+sessionID)
	pipe.Del(ctx, presencePrefix+sessionID)
	pipe.SRem(ctx, userSessionsPrefix+userID, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to invalidate cached session",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return fmt.Errorf("failed to invalidate cached session: %w", err)
	}

	util.Debug("Cached session invalidated", zap.String("session_id", sessionID))
	return nil
}

// InvalidateAllForUser drops every cached session the user holds.
func (c *SessionCache) InvalidateAllForUser(userID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	userKey := userSessionsPrefix + userID
	sessions, err := c.client.SMembers(ctx, userKey)
	if err != nil {
		return fmt.Errorf("failed to list cached user sessions: %w", err)
	}
	if len(sessions) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for _, sessionID := range sessions {
		pipe.Del(ctx, sessionDataPrefix+sessionID)
		pipe.Del(ctx, presencePrefix+sessionID)
	}
	pipe.Del(ctx, userKey)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to invalidate user sessions in cache",
			zap.String("user_id", userID),
			zap.Int("session_count", len(sessions)),
			zap.Error(err))
		return fmt.Errorf("failed to invalidate user sessions in cache: %w", err)
	}

	util.Info("User sessions evicted from cache",
		zap.String("user_id", userID),
		zap.Int("session_count", len(sessions)))
	return nil
}

// Refresh extends the cached session's TTL after a heartbeat.
func (c *SessionCache) Refresh(sessionID string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.client.Expire(ctx, sessionDataPrefix+sessionID, ttl); err != nil {
		return fmt.Errorf("failed to refresh cached session: %w", err)
	}
	return nil
}

// SetPresence records the realtime presence of a session. Presence expires on
// its own so a dead client degrades to offline without a write.
func (c *SessionCache) SetPresence(sessionID string, status model.PresenceStatus, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.client.Set(ctx, presencePrefix+sessionID, string(status), ttl); err != nil {
		util.Error("Failed to set presence",
			zap.String("session_id", sessionID),
			zap.String("status", string(status)),
			zap.Error(err))
		return fmt.Errorf("failed to set presence: %w", err)
	}
	return nil
}

// GetPresence returns the session's presence, defaulting to offline when the
// key has expired or was never written.
func (c *SessionCache) GetPresence(sessionID string) (model.PresenceStatus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := presencePrefix + sessionID
	raw, err := c.client.Get(ctx, key)
	if err != nil {
		if err.Error() == fmt.Sprintf("key not found: %s", key) {
			return model.PresenceOffline, nil
		}
		return model.PresenceOffline, fmt.Errorf("failed to get presence: %w", err)
	}

	status := model.PresenceStatus(raw)
	if !status.Valid() {
		return model.PresenceOffline, nil
	}
	return status, nil
}

// UserSessionIDs returns the cached set of session ids for a user.
func (c *SessionCache) UserSessionIDs(userID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessions, err := c.client.SMembers(ctx, userSessionsPrefix+userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cached user sessions: %w", err)
	}
	return sessions, nil
}
