package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"seat-service/internal/audit"
	"seat-service/internal/events"
	"seat-service/internal/license"
	"seat-service/internal/model"
	"seat-service/internal/seat"
)

type managerFixture struct {
	manager   *Manager
	sessions  *fakeSessionStore
	checkouts *fakeCheckoutStore
	limits    *fakeLimitStore
	cache     *fakeCache
	ledger    *seat.MemoryLedger
	authority *fakeAuthority
	emitter   *recordingEmitter
}

func newManagerFixture(t *testing.T, totalSeats, adminReserved, defaultMaxSessions int) *managerFixture {
	t.Helper()

	f := &managerFixture{
		sessions:  newFakeSessionStore(),
		checkouts: newFakeCheckoutStore(),
		limits:    newFakeLimitStore(),
		cache:     newFakeCache(),
		ledger:    seat.NewMemoryLedger(totalSeats, adminReserved),
		authority: &fakeAuthority{},
		emitter:   &recordingEmitter{},
	}
	f.manager = NewManager(
		f.sessions, f.checkouts, f.ledger, f.authority,
		NewLimiter(f.limits, f.sessions, defaultMaxSessions),
		f.cache, f.emitter, audit.NopRecorder{},
		Config{
			FeatureName: "collab",
			TTL:         time.Hour,
			IdleTimeout: 30 * time.Minute,
		},
	)
	return f
}

func (f *managerFixture) checkedOut(t *testing.T) int {
	t.Helper()
	state, err := f.ledger.State(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return state.CheckedOut
}

func TestLoginAllocatesSeatAndChecksOut(t *testing.T) {
	f := newManagerFixture(t, 3, 0, 0)

	sess, err := f.manager.Login(context.Background(), LoginParams{
		UserID: "u1", Role: model.RoleMember, Token: "tok-1", IPAddress: "10.0.0.1",
	})
	if err != nil {
		t.Fatal(err)
	}

	if sess.CheckoutID == "" {
		t.Fatal("session has no checkout")
	}
	if sess.TokenHash != HashToken("tok-1") {
		t.Fatal("token stored unhashed or mishashed")
	}
	if f.checkedOut(t) != 1 {
		t.Fatalf("ledger count = %d", f.checkedOut(t))
	}
	if f.authority.checkouts != 1 {
		t.Fatalf("authority checkouts = %d", f.authority.checkouts)
	}

	stored, _ := f.sessions.GetByID(sess.ID)
	if stored == nil {
		t.Fatal("session not persisted")
	}
	co, _ := f.checkouts.GetByID(sess.CheckoutID)
	if co == nil || !co.IsActive || co.ExternalToken == "" {
		t.Fatalf("checkout not persisted correctly: %+v", co)
	}
	if !f.emitter.has(events.TypeSessionCreated) {
		t.Fatal("session.created not emitted")
	}

	cached, _ := f.cache.GetSession(sess.ID)
	if cached == nil {
		t.Fatal("session not cached")
	}
}

func TestLoginLimitCheckedBeforeSeat(t *testing.T) {
	f := newManagerFixture(t, 3, 0, 1)

	if _, err := f.manager.Login(context.Background(), LoginParams{
		UserID: "u1", Token: "tok-1",
	}); err != nil {
		t.Fatal(err)
	}

	_, err := f.manager.Login(context.Background(), LoginParams{
		UserID: "u1", Token: "tok-2",
	})
	if !errors.Is(err, ErrSessionLimitExceeded) {
		t.Fatalf("expected ErrSessionLimitExceeded, got %v", err)
	}

	// The denied login must not have touched the pool or the authority.
	if f.checkedOut(t) != 1 {
		t.Fatalf("limit-denied login consumed a seat: %d", f.checkedOut(t))
	}
	if f.authority.checkouts != 1 {
		t.Fatalf("limit-denied login reached the authority: %d", f.authority.checkouts)
	}
}

func TestLoginMemberDeniedWhenPoolFull(t *testing.T) {
	f := newManagerFixture(t, 1, 0, 0)

	if _, err := f.manager.Login(context.Background(), LoginParams{UserID: "u1", Token: "t1"}); err != nil {
		t.Fatal(err)
	}

	_, err := f.manager.Login(context.Background(), LoginParams{UserID: "u2", Token: "t2"})
	if !errors.Is(err, seat.ErrSeatUnavailable) {
		t.Fatalf("expected ErrSeatUnavailable, got %v", err)
	}
	if !f.emitter.has(events.TypeSeatDenied) {
		t.Fatal("seat.denied not emitted")
	}
}

func TestLoginFailsClosedWhenAuthorityUnreachable(t *testing.T) {
	f := newManagerFixture(t, 2, 0, 0)
	f.authority.checkoutErr = license.ErrAuthorityUnreachable

	_, err := f.manager.Login(context.Background(), LoginParams{UserID: "u1", Token: "t1"})
	if err == nil {
		t.Fatal("login must fail when the authority is unreachable")
	}
	if !errors.Is(err, license.ErrAuthorityUnreachable) {
		t.Fatalf("cause not preserved: %v", err)
	}

	// The locally allocated seat must have been rolled back.
	if f.checkedOut(t) != 0 {
		t.Fatalf("seat leaked on authority failure: %d", f.checkedOut(t))
	}
}

func TestLogoutReleasesSeatAndChecksIn(t *testing.T) {
	f := newManagerFixture(t, 1, 0, 0)

	sess, err := f.manager.Login(context.Background(), LoginParams{UserID: "u1", Token: "t1"})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.manager.Logout(context.Background(), sess.ID); err != nil {
		t.Fatal(err)
	}

	if f.checkedOut(t) != 0 {
		t.Fatalf("seat not released: %d", f.checkedOut(t))
	}
	if f.authority.checkinCount() != 1 {
		t.Fatalf("external checkin count = %d", f.authority.checkinCount())
	}

	stored, _ := f.sessions.GetByID(sess.ID)
	if stored.TerminatedAt == nil || stored.TerminationNote != model.ReasonLogout {
		t.Fatalf("session not terminated properly: %+v", stored)
	}
	co, _ := f.checkouts.GetByID(sess.CheckoutID)
	if co.IsActive || co.CheckedInAt == nil {
		t.Fatalf("checkout still active: %+v", co)
	}
	if !f.emitter.has(events.TypeSessionTerminated) {
		t.Fatal("session.terminated not emitted")
	}
}

func TestLogoutFailOpenOnAuthorityError(t *testing.T) {
	f := newManagerFixture(t, 1, 0, 0)

	sess, err := f.manager.Login(context.Background(), LoginParams{UserID: "u1", Token: "t1"})
	if err != nil {
		t.Fatal(err)
	}

	f.authority.checkinErr = license.ErrAuthorityUnreachable
	if err := f.manager.Logout(context.Background(), sess.ID); err != nil {
		t.Fatalf("logout must succeed despite authority failure: %v", err)
	}
	if f.checkedOut(t) != 0 {
		t.Fatalf("seat must be released locally anyway: %d", f.checkedOut(t))
	}
}

func TestAdminLoginEvictsStalestSession(t *testing.T) {
	f := newManagerFixture(t, 1, 0, 0)

	member, err := f.manager.Login(context.Background(), LoginParams{UserID: "member", Token: "t1"})
	if err != nil {
		t.Fatal(err)
	}

	adminSess, err := f.manager.Login(context.Background(), LoginParams{
		UserID: "admin", Role: model.RoleAdmin, Token: "t2",
	})
	if err != nil {
		t.Fatalf("admin login should preempt: %v", err)
	}

	if adminSess.OverflowKicked != member.ID {
		t.Fatalf("OverflowKicked = %q, want %q", adminSess.OverflowKicked, member.ID)
	}
	if f.checkedOut(t) != 1 {
		t.Fatalf("pool count after eviction = %d", f.checkedOut(t))
	}

	evicted, _ := f.sessions.GetByID(member.ID)
	if evicted.TerminatedAt == nil || evicted.TerminationNote != model.ReasonOverflow {
		t.Fatalf("victim not terminated with overflow reason: %+v", evicted)
	}
	if evicted.TerminatedBy != "" {
		t.Fatalf("overflow termination must not record an actor: %q", evicted.TerminatedBy)
	}
}

func TestMemberNeverEvicts(t *testing.T) {
	f := newManagerFixture(t, 1, 0, 0)

	if _, err := f.manager.Login(context.Background(), LoginParams{UserID: "u1", Token: "t1"}); err != nil {
		t.Fatal(err)
	}

	_, err := f.manager.Login(context.Background(), LoginParams{UserID: "u2", Token: "t2"})
	if !errors.Is(err, seat.ErrSeatUnavailable) {
		t.Fatalf("member must be denied, not evict: %v", err)
	}

	active, _ := f.sessions.ListActive()
	if len(active) != 1 {
		t.Fatalf("existing session was disturbed: %d active", len(active))
	}
}

func TestAdminLoginNoEvictableSession(t *testing.T) {
	f := newManagerFixture(t, 1, 0, 0)

	// Fill the pool behind the session store's back so there is a seat
	// holder but no victim session.
	if _, err := f.ledger.TryAllocate(context.Background(), "ghost", "collab", ""); err != nil {
		t.Fatal(err)
	}

	_, err := f.manager.Login(context.Background(), LoginParams{
		UserID: "admin", Role: model.RoleAdmin, Token: "t1",
	})
	if !errors.Is(err, ErrNoEvictableSession) {
		t.Fatalf("expected ErrNoEvictableSession, got %v", err)
	}
	// This denial is a seat denial: same taxonomy, same event.
	if !errors.Is(err, seat.ErrSeatUnavailable) {
		t.Fatalf("ErrNoEvictableSession must wrap ErrSeatUnavailable, got %v", err)
	}
	if !f.emitter.has(events.TypeSeatDenied) {
		t.Fatal("seat.denied not emitted")
	}
}

func TestAdminLoginNeverEvictsAdmin(t *testing.T) {
	f := newManagerFixture(t, 1, 0, 0)

	first, err := f.manager.Login(context.Background(), LoginParams{
		UserID: "admin1", Role: model.RoleAdmin, Token: "t1",
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.manager.Login(context.Background(), LoginParams{
		UserID: "admin2", Role: model.RoleAdmin, Token: "t2",
	})
	if !errors.Is(err, seat.ErrSeatUnavailable) {
		t.Fatalf("expected a seat denial, got %v", err)
	}

	survivor, _ := f.sessions.GetByID(first.ID)
	if survivor.TerminatedAt != nil {
		t.Fatalf("admin session was evicted: %+v", survivor)
	}
	if f.checkedOut(t) != 1 {
		t.Fatalf("pool count = %d", f.checkedOut(t))
	}
}

func TestAdminReserveNeverExceeded(t *testing.T) {
	f := newManagerFixture(t, 3, 1, 0)

	oldest, err := f.manager.Login(context.Background(), LoginParams{UserID: "m1", Token: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.manager.Login(context.Background(), LoginParams{UserID: "m2", Token: "t2"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.manager.Login(context.Background(), LoginParams{UserID: "m3", Token: "t3"}); !errors.Is(err, seat.ErrSeatUnavailable) {
		t.Fatalf("reserved seat must stay free for members, got %v", err)
	}

	// The admin gets in by evicting the oldest general session, not by
	// consuming the reserve.
	adminSess, err := f.manager.Login(context.Background(), LoginParams{
		UserID: "admin", Role: model.RoleAdmin, Token: "t4",
	})
	if err != nil {
		t.Fatalf("admin login should preempt: %v", err)
	}
	if adminSess.OverflowKicked != oldest.ID {
		t.Fatalf("OverflowKicked = %q, want %q", adminSess.OverflowKicked, oldest.ID)
	}
	if f.checkedOut(t) != 2 {
		t.Fatalf("checked_out = %d, exceeds total minus reserved", f.checkedOut(t))
	}

	evicted, _ := f.sessions.GetByID(oldest.ID)
	if evicted.TerminatedAt == nil || evicted.TerminationNote != model.ReasonOverflow {
		t.Fatalf("oldest member not evicted: %+v", evicted)
	}
}

func TestFinalizeEvictionKeepsExistingTermination(t *testing.T) {
	f := newManagerFixture(t, 1, 0, 0)

	sess, err := f.manager.Login(context.Background(), LoginParams{UserID: "u1", Token: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.manager.Logout(context.Background(), sess.ID); err != nil {
		t.Fatal(err)
	}
	terminatedEvents := len(f.emitter.events)

	// The eviction path raced the logout and still holds the stale
	// pre-logout view of the victim.
	stale := *sess
	f.manager.finalizeEviction(context.Background(), &stale, "admin-1")

	stored, _ := f.sessions.GetByID(sess.ID)
	if stored.TerminationNote != model.ReasonLogout || stored.TerminatedBy != sess.UserID {
		t.Fatalf("logout record was overwritten: %+v", stored)
	}
	if len(f.emitter.events) != terminatedEvents {
		t.Fatal("finalizing an already-terminated victim must emit nothing")
	}
}

func TestValidate(t *testing.T) {
	f := newManagerFixture(t, 1, 0, 0)

	sess, err := f.manager.Login(context.Background(), LoginParams{UserID: "u1", Token: "secret"})
	if err != nil {
		t.Fatal(err)
	}

	got, err := f.manager.Validate(context.Background(), sess.ID, "secret")
	if err != nil {
		t.Fatal(err)
	}
	if got.UserID != "u1" {
		t.Fatalf("validated wrong session: %+v", got)
	}

	if _, err := f.manager.Validate(context.Background(), sess.ID, "wrong"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := f.manager.Validate(context.Background(), "missing", "secret"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	f := newManagerFixture(t, 1, 0, 0)

	sess, err := f.manager.Login(context.Background(), LoginParams{UserID: "u1", Token: "secret"})
	if err != nil {
		t.Fatal(err)
	}

	f.manager.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	if _, err := f.manager.Validate(context.Background(), sess.ID, "secret"); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("expected ErrSessionNotActive, got %v", err)
	}
}

func TestHeartbeatUpdatesActivityAndPresence(t *testing.T) {
	f := newManagerFixture(t, 1, 0, 0)

	sess, err := f.manager.Login(context.Background(), LoginParams{UserID: "u1", Token: "t1"})
	if err != nil {
		t.Fatal(err)
	}

	later := time.Now().Add(10 * time.Minute)
	f.manager.now = func() time.Time { return later }

	if err := f.manager.Heartbeat(context.Background(), sess.ID, model.PresenceIdle); err != nil {
		t.Fatal(err)
	}

	stored, _ := f.sessions.GetByID(sess.ID)
	if !stored.LastActivity.Equal(later.UTC()) {
		t.Fatalf("last activity not updated: %v", stored.LastActivity)
	}
	if stored.PresenceStatus != model.PresenceIdle {
		t.Fatalf("presence = %s", stored.PresenceStatus)
	}

	presence, _ := f.manager.Presence(sess.ID)
	if presence != model.PresenceIdle {
		t.Fatalf("cached presence = %s", presence)
	}
}

func TestTerminateAllForUser(t *testing.T) {
	f := newManagerFixture(t, 5, 0, 0)

	for _, tok := range []string{"t1", "t2", "t3"} {
		if _, err := f.manager.Login(context.Background(), LoginParams{UserID: "u1", Token: tok}); err != nil {
			t.Fatal(err)
		}
	}
	other, err := f.manager.Login(context.Background(), LoginParams{UserID: "u2", Token: "t4"})
	if err != nil {
		t.Fatal(err)
	}

	count, err := f.manager.TerminateAllForUser(context.Background(), "u1", "admin-1", "offboarded")
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Fatalf("terminated %d sessions", count)
	}
	if f.checkedOut(t) != 1 {
		t.Fatalf("pool count = %d", f.checkedOut(t))
	}

	untouched, _ := f.sessions.GetByID(other.ID)
	if untouched.TerminatedAt != nil {
		t.Fatal("other user's session was terminated")
	}
}

func TestCheckinAll(t *testing.T) {
	f := newManagerFixture(t, 5, 0, 0)

	for i, tok := range []string{"t1", "t2", "t3"} {
		user := string(rune('a' + i))
		if _, err := f.manager.Login(context.Background(), LoginParams{UserID: user, Token: tok}); err != nil {
			t.Fatal(err)
		}
	}

	count, err := f.manager.CheckinAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Fatalf("checked in %d sessions", count)
	}
	if f.checkedOut(t) != 0 {
		t.Fatalf("seats still held: %d", f.checkedOut(t))
	}
	if f.authority.checkinCount() != 3 {
		t.Fatalf("authority checkins = %d", f.authority.checkinCount())
	}
}

func TestSweeperReapsExpiredAndIdle(t *testing.T) {
	f := newManagerFixture(t, 5, 0, 0)

	fresh, err := f.manager.Login(context.Background(), LoginParams{UserID: "fresh", Token: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	idle, err := f.manager.Login(context.Background(), LoginParams{UserID: "idle", Token: "t2"})
	if err != nil {
		t.Fatal(err)
	}
	expired, err := f.manager.Login(context.Background(), LoginParams{UserID: "expired", Token: "t3"})
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	f.sessions.mu.Lock()
	f.sessions.sessions[idle.ID].LastActivity = now.Add(-time.Hour)
	f.sessions.sessions[expired.ID].ExpiresAt = now.Add(-time.Minute)
	f.sessions.mu.Unlock()

	sweeper := NewSweeper(f.manager, time.Minute, 30*time.Minute)
	sweeper.Sweep(context.Background())

	if s, _ := f.sessions.GetByID(fresh.ID); s.TerminatedAt != nil {
		t.Fatal("fresh session was reaped")
	}
	if s, _ := f.sessions.GetByID(idle.ID); s.TerminatedAt == nil || s.TerminationNote != model.ReasonIdle {
		t.Fatalf("idle session not reaped: %+v", s)
	}
	if s, _ := f.sessions.GetByID(expired.ID); s.TerminatedAt == nil || s.TerminationNote != model.ReasonExpired {
		t.Fatalf("expired session not reaped: %+v", s)
	}
	if f.checkedOut(t) != 1 {
		t.Fatalf("pool count after sweep = %d", f.checkedOut(t))
	}
}
