package session

import (
	"time"

	"seat-service/internal/model"
	redisrepo "seat-service/internal/repository/redis"
)

// Store interfaces are defined here, on the consumer side, so the manager
// can be tested against fakes without touching Scylla or Redis.

type SessionStore interface {
	Create(session *model.Session) error
	GetByID(sessionID string) (*model.Session, error)
	Terminate(session *model.Session, terminatedBy, reason string, at time.Time) error
	TouchActivity(session *model.Session, at time.Time, presence model.PresenceStatus) error
	SetConnected(sessionID string, connected bool, at time.Time) error
	CountActiveByUser(userID string) (int, error)
	ListActiveIDsByUser(userID string) ([]string, error)
	ListActive() ([]*model.Session, error)
	CountActive() (int, error)
}

type CheckoutStore interface {
	Create(co *model.Checkout) error
	GetByID(checkoutID string) (*model.Checkout, error)
	Checkin(checkoutID string, at time.Time) error
	AttachSession(checkoutID, sessionID string) error
	SetExternalToken(checkoutID, token string) error
	ListActive() ([]*model.Checkout, error)
}

type LimitStore interface {
	Upsert(limit *model.SessionLimit) error
	Get(userID string) (*model.SessionLimit, error)
	Delete(userID string) error
}

type Cache interface {
	CacheSession(session *model.Session, ttl time.Duration) error
	GetSession(sessionID string) (*redisrepo.CachedSession, error)
	Invalidate(userID, sessionID string) error
	InvalidateAllForUser(userID string) error
	Refresh(sessionID string, ttl time.Duration) error
	SetPresence(sessionID string, status model.PresenceStatus, ttl time.Duration) error
	GetPresence(sessionID string) (model.PresenceStatus, error)
}
