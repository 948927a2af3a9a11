package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"seat-service/internal/audit"
	"seat-service/internal/events"
	"seat-service/internal/license"
	"seat-service/internal/model"
	"seat-service/internal/seat"
	"seat-service/internal/util"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionNotActive = errors.New("session is not active")
	ErrInvalidToken     = errors.New("invalid session token")
)

// Config carries the session policy knobs the manager needs.
type Config struct {
	FeatureName string
	TTL         time.Duration
	IdleTimeout time.Duration
}

// Manager owns the session lifecycle: admission against the seat pool and
// the external license authority, teardown, heartbeats and validation.
//
// Admission order is fixed: the per-user limit is checked before any seat is
// touched, the local ledger before the external authority. An authority
// failure after a local allocation rolls the seat back, so a seat is never
// held without its external checkout.
type Manager struct {
	sessions  SessionStore
	checkouts CheckoutStore
	ledger    seat.Ledger
	authority license.Authority
	limiter   *Limiter
	cache     Cache
	emitter   events.Emitter
	recorder  audit.Recorder
	cfg       Config

	// evictMu serializes overflow evictions. Admission itself stays
	// concurrent; only the preemption path is single-flight.
	evictMu sync.Mutex

	now func() time.Time
}

func NewManager(
	sessions SessionStore,
	checkouts CheckoutStore,
	ledger seat.Ledger,
	authority license.Authority,
	limiter *Limiter,
	cache Cache,
	emitter events.Emitter,
	recorder audit.Recorder,
	cfg Config,
) *Manager {
	return &Manager{
		sessions:  sessions,
		checkouts: checkouts,
		ledger:    ledger,
		authority: authority,
		limiter:   limiter,
		cache:     cache,
		emitter:   emitter,
		recorder:  recorder,
		cfg:       cfg,
		now:       time.Now,
	}
}

// HashToken is the stored form of a session token. Raw tokens never touch
// the database or the cache.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

type LoginParams struct {
	UserID     string
	Role       model.Role
	Token      string
	IPAddress  string
	UserAgent  string
	DeviceInfo string
}

// Login admits a new session. Members are denied when no unreserved seat is
// free; admins may dip into the reserve and, when even that is exhausted,
// preempt the stalest member session.
func (m *Manager) Login(ctx context.Context, params LoginParams) (*model.Session, error) {
	if params.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if params.Token == "" {
		return nil, fmt.Errorf("session token is required")
	}
	role := params.Role
	if role != model.RoleAdmin {
		role = model.RoleMember
	}

	if err := m.limiter.Allow(params.UserID); err != nil {
		return nil, err
	}

	isAdmin := role.IsAdmin()
	evictedID := ""

	co, err := m.ledger.TryAllocate(ctx, params.UserID, m.cfg.FeatureName, params.IPAddress)
	if errors.Is(err, seat.ErrSeatUnavailable) && isAdmin {
		co, evictedID, err = m.evictAndAllocate(ctx, params)
	}
	if err != nil {
		if errors.Is(err, seat.ErrSeatUnavailable) {
			m.denySeat(params.UserID, "pool exhausted")
		}
		return nil, err
	}

	token, err := m.authority.Checkout(ctx, params.UserID, m.cfg.FeatureName)
	if err != nil {
		// Fail closed: no external checkout, no seat.
		if _, relErr := m.ledger.Release(ctx, co.ID); relErr != nil {
			util.Error("Failed to roll back seat after authority denial",
				zap.String("checkout_id", co.ID),
				zap.Error(relErr))
		}
		m.denySeat(params.UserID, "license authority refused checkout")
		return nil, fmt.Errorf("license checkout failed: %w", err)
	}

	co.ExternalToken = token
	if err := m.ledger.SetExternalToken(ctx, co.ID, token); err != nil {
		util.Error("Failed to record external token on ledger",
			zap.String("checkout_id", co.ID),
			zap.Error(err))
	}

	now := m.now().UTC()
	session := &model.Session{
		ID:              uuid.New().String(),
		UserID:          params.UserID,
		Role:            role,
		TokenHash:       HashToken(params.Token),
		IPAddress:       params.IPAddress,
		UserAgent:       params.UserAgent,
		DeviceInfo:      params.DeviceInfo,
		CheckoutID:      co.ID,
		SeatAllocatedAt: &co.CheckedOutAt,
		OverflowKicked:  evictedID,
		PresenceStatus:  model.PresenceActive,
		CreatedAt:       now,
		ExpiresAt:       now.Add(m.cfg.TTL),
		LastActivity:    now,
	}
	co.SessionID = session.ID

	if err := m.checkouts.Create(co); err != nil {
		return nil, m.abortLogin(ctx, co, err)
	}
	if err := m.sessions.Create(session); err != nil {
		return nil, m.abortLogin(ctx, co, err)
	}
	if err := m.ledger.AttachSession(ctx, co.ID, session.ID); err != nil {
		util.Error("Failed to attach session to ledger checkout",
			zap.String("checkout_id", co.ID),
			zap.String("session_id", session.ID),
			zap.Error(err))
	}

	if err := m.cache.CacheSession(session, m.cfg.TTL); err != nil {
		util.Warn("Failed to cache session", zap.String("session_id", session.ID), zap.Error(err))
	}
	if err := m.cache.SetPresence(session.ID, model.PresenceActive, m.cfg.IdleTimeout); err != nil {
		util.Warn("Failed to set presence", zap.String("session_id", session.ID), zap.Error(err))
	}

	m.emitter.Emit(&events.Event{
		Type:       events.TypeSessionCreated,
		SessionID:  session.ID,
		UserID:     session.UserID,
		CheckoutID: co.ID,
	})
	m.recorder.Record(&audit.Entry{
		Action:    audit.ActionLogin,
		SessionID: session.ID,
		UserID:    session.UserID,
		IPAddress: params.IPAddress,
	})

	util.Info("Session admitted",
		zap.String("session_id", session.ID),
		zap.String("user_id", session.UserID),
		zap.String("role", string(role)),
		zap.String("evicted_session", evictedID))
	return session, nil
}

// abortLogin unwinds a partially admitted login: the seat goes back to the
// pool and the authority checkout is returned best effort.
func (m *Manager) abortLogin(ctx context.Context, co *model.Checkout, cause error) error {
	if _, err := m.ledger.Release(ctx, co.ID); err != nil {
		util.Error("Failed to release seat during login abort",
			zap.String("checkout_id", co.ID),
			zap.Error(err))
	}
	if co.ExternalToken != "" {
		if err := m.authority.Checkin(ctx, co.ExternalToken); err != nil {
			util.Warn("Failed to return license during login abort",
				zap.String("checkout_id", co.ID),
				zap.Error(err))
		}
	}
	return fmt.Errorf("failed to persist session: %w", cause)
}

func (m *Manager) denySeat(userID, reason string) {
	m.emitter.Emit(&events.Event{
		Type:   events.TypeSeatDenied,
		UserID: userID,
		Reason: reason,
	})
	m.recorder.Record(&audit.Entry{
		Action: audit.ActionSeatDenied,
		UserID: userID,
		Reason: reason,
	})
}

// evictAndAllocate preempts the stalest member session to make room for an
// admin login. The victim's seat release and the admin's allocation happen
// as one ledger operation, so the allocation is retried exactly once. If a
// concurrent login still races the freed seat away, the victim is torn down
// (its seat is gone) and the login fails.
func (m *Manager) evictAndAllocate(ctx context.Context, params LoginParams) (*model.Checkout, string, error) {
	if !m.evictMu.TryLock() {
		return nil, "", ErrEvictionInProgress
	}
	defer m.evictMu.Unlock()

	active, err := m.sessions.ListActive()
	if err != nil {
		return nil, "", fmt.Errorf("failed to list sessions for eviction: %w", err)
	}

	victim := selectVictim(active, m.now().UTC())
	if victim == nil {
		return nil, "", ErrNoEvictableSession
	}

	co, err := m.ledger.ReleaseAndAllocate(ctx, victim.CheckoutID,
		params.UserID, m.cfg.FeatureName, params.IPAddress)
	if errors.Is(err, seat.ErrSeatUnavailable) {
		m.finalizeEviction(ctx, victim, params.UserID)
		return nil, "", err
	}
	if err != nil {
		return nil, "", err
	}

	m.finalizeEviction(ctx, victim, params.UserID)
	return co, victim.ID, nil
}

// finalizeEviction tears down the preempted session after its seat has
// already been reclaimed at the ledger. A victim that finished terminating
// on another path (logout racing the eviction) keeps its own termination
// record.
func (m *Manager) finalizeEviction(ctx context.Context, victim *model.Session, adminID string) {
	if current, err := m.sessions.GetByID(victim.ID); err == nil && current != nil {
		victim = current
	}
	if victim.IsTerminated() {
		return
	}
	now := m.now().UTC()

	if err := m.sessions.Terminate(victim, "", model.ReasonOverflow, now); err != nil {
		util.Error("Failed to persist eviction",
			zap.String("session_id", victim.ID),
			zap.Error(err))
	}
	m.checkinCheckout(ctx, victim.CheckoutID, now)

	if err := m.cache.Invalidate(victim.UserID, victim.ID); err != nil {
		util.Warn("Failed to invalidate evicted session in cache",
			zap.String("session_id", victim.ID),
			zap.Error(err))
	}

	m.emitter.Emit(&events.Event{
		Type:       events.TypeSessionTerminated,
		SessionID:  victim.ID,
		UserID:     victim.UserID,
		CheckoutID: victim.CheckoutID,
		Reason:     model.ReasonOverflow,
	})
	m.recorder.Record(&audit.Entry{
		Action:    audit.ActionOverflowEvict,
		SessionID: victim.ID,
		UserID:    victim.UserID,
		ActorID:   adminID,
		Reason:    model.ReasonOverflow,
	})

	util.Info("Session evicted for admin admission",
		zap.String("session_id", victim.ID),
		zap.String("user_id", victim.UserID),
		zap.String("admin_id", adminID))
}

// checkinCheckout marks the checkout returned locally and at the authority.
// The authority call is fail-open: a lost check-in surfaces later as drift,
// it never blocks teardown.
func (m *Manager) checkinCheckout(ctx context.Context, checkoutID string, at time.Time) {
	if checkoutID == "" {
		return
	}

	co, err := m.checkouts.GetByID(checkoutID)
	if err != nil {
		util.Error("Failed to load checkout for check-in",
			zap.String("checkout_id", checkoutID),
			zap.Error(err))
	}
	if err := m.checkouts.Checkin(checkoutID, at); err != nil {
		util.Error("Failed to persist checkout check-in",
			zap.String("checkout_id", checkoutID),
			zap.Error(err))
	}

	if co != nil && co.ExternalToken != "" {
		if err := m.authority.Checkin(ctx, co.ExternalToken); err != nil {
			util.Warn("License check-in failed, seat released locally anyway",
				zap.String("checkout_id", checkoutID),
				zap.Error(err))
		}
	}
}

// terminate tears a session down: persistence, seat ledger, authority,
// cache and events. Idempotent against already-terminated sessions.
func (m *Manager) terminate(ctx context.Context, session *model.Session, terminatedBy, reason string) error {
	if session.IsTerminated() {
		return nil
	}
	now := m.now().UTC()

	if err := m.sessions.Terminate(session, terminatedBy, reason, now); err != nil {
		return err
	}

	if session.CheckoutID != "" {
		if _, err := m.ledger.Release(ctx, session.CheckoutID); err != nil {
			util.Error("Failed to release seat",
				zap.String("checkout_id", session.CheckoutID),
				zap.Error(err))
		}
		m.checkinCheckout(ctx, session.CheckoutID, now)
	}

	if err := m.cache.Invalidate(session.UserID, session.ID); err != nil {
		util.Warn("Failed to invalidate session in cache",
			zap.String("session_id", session.ID),
			zap.Error(err))
	}

	m.emitter.Emit(&events.Event{
		Type:       events.TypeSessionTerminated,
		SessionID:  session.ID,
		UserID:     session.UserID,
		CheckoutID: session.CheckoutID,
		Reason:     reason,
	})

	util.Info("Session torn down",
		zap.String("session_id", session.ID),
		zap.String("user_id", session.UserID),
		zap.String("reason", reason))
	return nil
}

// Logout ends the session at the user's request.
func (m *Manager) Logout(ctx context.Context, sessionID string) error {
	session, err := m.sessions.GetByID(sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return ErrSessionNotFound
	}

	if err := m.terminate(ctx, session, session.UserID, model.ReasonLogout); err != nil {
		return err
	}
	m.recorder.Record(&audit.Entry{
		Action:    audit.ActionLogout,
		SessionID: session.ID,
		UserID:    session.UserID,
	})
	return nil
}

// AdminTerminate ends another user's session on an admin's order.
func (m *Manager) AdminTerminate(ctx context.Context, sessionID, adminID, note string) error {
	session, err := m.sessions.GetByID(sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return ErrSessionNotFound
	}

	session.TerminationNote = note
	if err := m.terminate(ctx, session, adminID, model.ReasonAdmin); err != nil {
		return err
	}
	m.recorder.Record(&audit.Entry{
		Action:    audit.ActionAdminTerminate,
		SessionID: session.ID,
		UserID:    session.UserID,
		ActorID:   adminID,
		Note:      note,
	})
	return nil
}

// TerminateAllForUser ends every live session a user holds. Used when a user
// is deactivated or their credentials are revoked.
func (m *Manager) TerminateAllForUser(ctx context.Context, userID, actorID, reason string) (int, error) {
	ids, err := m.sessions.ListActiveIDsByUser(userID)
	if err != nil {
		return 0, err
	}

	terminated := 0
	for _, id := range ids {
		session, err := m.sessions.GetByID(id)
		if err != nil || session == nil {
			continue
		}
		if err := m.terminate(ctx, session, actorID, model.ReasonAdmin); err != nil {
			util.Error("Failed to terminate user session",
				zap.String("session_id", id),
				zap.Error(err))
			continue
		}
		terminated++
	}

	if err := m.cache.InvalidateAllForUser(userID); err != nil {
		util.Warn("Failed to flush user sessions from cache",
			zap.String("user_id", userID),
			zap.Error(err))
	}

	m.recorder.Record(&audit.Entry{
		Action:  audit.ActionAdminTerminate,
		UserID:  userID,
		ActorID: actorID,
		Reason:  reason,
		Note:    fmt.Sprintf("terminated %d sessions", terminated),
	})
	return terminated, nil
}

// expire ends a session the sweeper found dead. TerminatedBy stays empty.
func (m *Manager) expire(ctx context.Context, sessionID, reason string) error {
	session, err := m.sessions.GetByID(sessionID)
	if err != nil {
		return err
	}
	if session == nil || session.IsTerminated() {
		return nil
	}
	return m.terminate(ctx, session, "", reason)
}

// shutdownTeardown ends a session during graceful shutdown.
func (m *Manager) shutdownTeardown(ctx context.Context, session *model.Session) error {
	full, err := m.sessions.GetByID(session.ID)
	if err != nil {
		return err
	}
	if full == nil || full.IsTerminated() {
		return nil
	}
	return m.terminate(ctx, full, "", model.ReasonShutdown)
}

// CheckinAll tears down every live session, returning each seat to the
// authority. Called on graceful shutdown so no license stays checked out by
// a dead node.
func (m *Manager) CheckinAll(ctx context.Context) (int, error) {
	active, err := m.sessions.ListActive()
	if err != nil {
		return 0, err
	}

	done := 0
	for _, session := range active {
		if err := m.shutdownTeardown(ctx, session); err != nil {
			util.Error("Failed to tear down session during shutdown",
				zap.String("session_id", session.ID),
				zap.Error(err))
			continue
		}
		done++
	}

	m.recorder.Record(&audit.Entry{
		Action: audit.ActionShutdownCheckin,
		Note:   fmt.Sprintf("checked in %d sessions", done),
	})
	util.Info("All sessions checked in for shutdown", zap.Int("count", done))
	return done, nil
}

// Validate checks a session token and returns the session when it is live.
func (m *Manager) Validate(ctx context.Context, sessionID, token string) (*model.Session, error) {
	hash := HashToken(token)
	now := m.now().UTC()

	cached, err := m.cache.GetSession(sessionID)
	if err != nil {
		util.Warn("Session cache read failed, falling through to store",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
	if cached != nil {
		if cached.TokenHash != hash {
			return nil, ErrInvalidToken
		}
		if !now.Before(cached.ExpiresAt) {
			return nil, ErrSessionNotActive
		}
		return &model.Session{
			ID:         cached.ID,
			UserID:     cached.UserID,
			Role:       model.Role(cached.Role),
			TokenHash:  cached.TokenHash,
			CheckoutID: cached.CheckoutID,
			ExpiresAt:  cached.ExpiresAt,
		}, nil
	}

	session, err := m.sessions.GetByID(sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	if session.TokenHash != hash {
		return nil, ErrInvalidToken
	}
	if !session.IsLive(now) {
		return nil, ErrSessionNotActive
	}

	if err := m.cache.CacheSession(session, session.ExpiresAt.Sub(now)); err != nil {
		util.Warn("Failed to re-cache session", zap.String("session_id", sessionID), zap.Error(err))
	}
	return session, nil
}

// Heartbeat records activity and presence for a live session.
func (m *Manager) Heartbeat(ctx context.Context, sessionID string, presence model.PresenceStatus) error {
	session, err := m.sessions.GetByID(sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return ErrSessionNotFound
	}
	now := m.now().UTC()
	if !session.IsLive(now) {
		return ErrSessionNotActive
	}

	if !presence.Valid() {
		presence = model.PresenceActive
	}

	if err := m.sessions.TouchActivity(session, now, presence); err != nil {
		return err
	}
	if err := m.cache.SetPresence(sessionID, presence, m.cfg.IdleTimeout); err != nil {
		util.Warn("Failed to update presence", zap.String("session_id", sessionID), zap.Error(err))
	}
	if err := m.cache.Refresh(sessionID, session.ExpiresAt.Sub(now)); err != nil {
		util.Warn("Failed to refresh cached session", zap.String("session_id", sessionID), zap.Error(err))
	}
	return nil
}

// SetConnected flags realtime connectivity for a session.
func (m *Manager) SetConnected(ctx context.Context, sessionID string, connected bool) error {
	session, err := m.sessions.GetByID(sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return ErrSessionNotFound
	}
	if !session.IsLive(m.now().UTC()) {
		return ErrSessionNotActive
	}
	return m.sessions.SetConnected(sessionID, connected, m.now().UTC())
}

// GetSession returns the stored session regardless of state.
func (m *Manager) GetSession(sessionID string) (*model.Session, error) {
	session, err := m.sessions.GetByID(sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Presence returns the realtime presence of a session.
func (m *Manager) Presence(sessionID string) (model.PresenceStatus, error) {
	return m.cache.GetPresence(sessionID)
}

// PoolState exposes the ledger's current accounting.
func (m *Manager) PoolState(ctx context.Context) (model.PoolState, error) {
	return m.ledger.State(ctx)
}

// Limiter exposes the per-user limit policy for admin surfaces.
func (m *Manager) Limiter() *Limiter {
	return m.limiter
}
