package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"seat-service/internal/events"
	"seat-service/internal/license"
	"seat-service/internal/model"
	redisrepo "seat-service/internal/repository/redis"
	"seat-service/internal/seat"
)

// In-memory fakes for the manager's dependencies. They mirror the real
// stores' nil-on-missing contract.

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: map[string]*model.Session{}}
}

func (s *fakeSessionStore) Create(session *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *session
	s.sessions[session.ID] = &c
	return nil
}

func (s *fakeSessionStore) GetByID(id string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	c := *sess
	return &c, nil
}

func (s *fakeSessionStore) Terminate(session *model.Session, by, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sessions[session.ID]
	if !ok {
		return errors.New("session not stored")
	}
	stored.TerminatedBy = by
	stored.TerminationNote = reason
	stored.TerminatedAt = &at
	return nil
}

func (s *fakeSessionStore) TouchActivity(session *model.Session, at time.Time, presence model.PresenceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.sessions[session.ID]; ok {
		stored.LastActivity = at
		stored.PresenceStatus = presence
	}
	return nil
}

func (s *fakeSessionStore) SetConnected(id string, connected bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.sessions[id]; ok {
		stored.WSConnected = connected
		stored.WSConnectedAt = &at
	}
	return nil
}

func (s *fakeSessionStore) CountActiveByUser(userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.TerminatedAt == nil {
			count++
		}
	}
	return count, nil
}

func (s *fakeSessionStore) ListActiveIDsByUser(userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.TerminatedAt == nil {
			ids = append(ids, sess.ID)
		}
	}
	return ids, nil
}

func (s *fakeSessionStore) ListActive() ([]*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Session
	for _, sess := range s.sessions {
		if sess.TerminatedAt == nil {
			c := *sess
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *fakeSessionStore) CountActive() (int, error) {
	active, _ := s.ListActive()
	return len(active), nil
}

type fakeCheckoutStore struct {
	mu        sync.Mutex
	checkouts map[string]*model.Checkout
}

func newFakeCheckoutStore() *fakeCheckoutStore {
	return &fakeCheckoutStore{checkouts: map[string]*model.Checkout{}}
}

func (s *fakeCheckoutStore) Create(co *model.Checkout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *co
	s.checkouts[co.ID] = &c
	return nil
}

func (s *fakeCheckoutStore) GetByID(id string) (*model.Checkout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	co, ok := s.checkouts[id]
	if !ok {
		return nil, nil
	}
	c := *co
	return &c, nil
}

func (s *fakeCheckoutStore) Checkin(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if co, ok := s.checkouts[id]; ok {
		co.IsActive = false
		co.CheckedInAt = &at
	}
	return nil
}

func (s *fakeCheckoutStore) AttachSession(checkoutID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if co, ok := s.checkouts[checkoutID]; ok {
		co.SessionID = sessionID
	}
	return nil
}

func (s *fakeCheckoutStore) SetExternalToken(checkoutID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if co, ok := s.checkouts[checkoutID]; ok {
		co.ExternalToken = token
	}
	return nil
}

func (s *fakeCheckoutStore) ListActive() ([]*model.Checkout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Checkout
	for _, co := range s.checkouts {
		if co.IsActive {
			c := *co
			out = append(out, &c)
		}
	}
	return out, nil
}

type fakeLimitStore struct {
	mu     sync.Mutex
	limits map[string]*model.SessionLimit
}

func newFakeLimitStore() *fakeLimitStore {
	return &fakeLimitStore{limits: map[string]*model.SessionLimit{}}
}

func (s *fakeLimitStore) Upsert(limit *model.SessionLimit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *limit
	s.limits[limit.UserID] = &c
	return nil
}

func (s *fakeLimitStore) Get(userID string) (*model.SessionLimit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit, ok := s.limits[userID]
	if !ok {
		return nil, nil
	}
	c := *limit
	return &c, nil
}

func (s *fakeLimitStore) Delete(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.limits, userID)
	return nil
}

type fakeCache struct {
	mu       sync.Mutex
	sessions map[string]*redisrepo.CachedSession
	presence map[string]model.PresenceStatus
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		sessions: map[string]*redisrepo.CachedSession{},
		presence: map[string]model.PresenceStatus{},
	}
}

func (c *fakeCache) CacheSession(session *model.Session, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[session.ID] = &redisrepo.CachedSession{
		ID:         session.ID,
		UserID:     session.UserID,
		Role:       string(session.Role),
		TokenHash:  session.TokenHash,
		CheckoutID: session.CheckoutID,
		ExpiresAt:  session.ExpiresAt,
	}
	return nil
}

func (c *fakeCache) GetSession(sessionID string) (*redisrepo.CachedSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[sessionID], nil
}

func (c *fakeCache) Invalidate(userID, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
	delete(c.presence, sessionID)
	return nil
}

func (c *fakeCache) InvalidateAllForUser(userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, cached := range c.sessions {
		if cached.UserID == userID {
			delete(c.sessions, id)
			delete(c.presence, id)
		}
	}
	return nil
}

func (c *fakeCache) Refresh(sessionID string, ttl time.Duration) error { return nil }

func (c *fakeCache) SetPresence(sessionID string, status model.PresenceStatus, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presence[sessionID] = status
	return nil
}

func (c *fakeCache) GetPresence(sessionID string) (model.PresenceStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if status, ok := c.presence[sessionID]; ok {
		return status, nil
	}
	return model.PresenceOffline, nil
}

// fakeAuthority scripts the external license server's behavior.
type fakeAuthority struct {
	mu          sync.Mutex
	checkoutErr error
	checkinErr  error
	checkouts   int
	checkins    []string
}

func (a *fakeAuthority) Checkout(ctx context.Context, userID, feature string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.checkoutErr != nil {
		return "", a.checkoutErr
	}
	a.checkouts++
	return "ext-" + uuid.New().String(), nil
}

func (a *fakeAuthority) Checkin(ctx context.Context, token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checkins = append(a.checkins, token)
	return a.checkinErr
}

func (a *fakeAuthority) ReportState(ctx context.Context) (*license.ExternalPoolState, error) {
	return nil, errors.New("not used")
}

func (a *fakeAuthority) checkinCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.checkins)
}

// recordingEmitter captures emitted event types.
type recordingEmitter struct {
	mu     sync.Mutex
	events []string
}

func (e *recordingEmitter) Emit(ev *events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev.Type)
}

func (e *recordingEmitter) has(t string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.events {
		if ev == t {
			return true
		}
	}
	return false
}

var _ seat.Ledger = (*seat.MemoryLedger)(nil)
