package session

import (
	"errors"
	"testing"
	"time"

	"seat-service/internal/model"
)

func addActiveSession(t *testing.T, store *fakeSessionStore, userID string) {
	t.Helper()
	now := time.Now().UTC()
	err := store.Create(&model.Session{
		ID:           userID + "-" + time.Now().Format("150405.000000000"),
		UserID:       userID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Hour),
		LastActivity: now,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestLimiterDefaultUnlimited(t *testing.T) {
	sessions := newFakeSessionStore()
	l := NewLimiter(newFakeLimitStore(), sessions, 0)

	for i := 0; i < 50; i++ {
		addActiveSession(t, sessions, "u1")
	}
	if err := l.Allow("u1"); err != nil {
		t.Fatalf("default 0 means unlimited, got %v", err)
	}
}

func TestLimiterDefaultCeiling(t *testing.T) {
	sessions := newFakeSessionStore()
	l := NewLimiter(newFakeLimitStore(), sessions, 2)

	if err := l.Allow("u1"); err != nil {
		t.Fatal(err)
	}
	addActiveSession(t, sessions, "u1")
	if err := l.Allow("u1"); err != nil {
		t.Fatal(err)
	}
	addActiveSession(t, sessions, "u1")

	if err := l.Allow("u1"); !errors.Is(err, ErrSessionLimitExceeded) {
		t.Fatalf("expected ErrSessionLimitExceeded, got %v", err)
	}

	// Another user is unaffected.
	if err := l.Allow("u2"); err != nil {
		t.Fatal(err)
	}
}

func TestLimiterOverrideBeatsDefault(t *testing.T) {
	sessions := newFakeSessionStore()
	limits := newFakeLimitStore()
	l := NewLimiter(limits, sessions, 1)

	if _, err := l.SetOverride("vip", 3, "support ticket", "admin-1"); err != nil {
		t.Fatal(err)
	}

	addActiveSession(t, sessions, "vip")
	addActiveSession(t, sessions, "vip")
	if err := l.Allow("vip"); err != nil {
		t.Fatalf("override of 3 should allow a third session: %v", err)
	}
	addActiveSession(t, sessions, "vip")
	if err := l.Allow("vip"); !errors.Is(err, ErrSessionLimitExceeded) {
		t.Fatalf("expected ErrSessionLimitExceeded, got %v", err)
	}
}

func TestLimiterOverrideZeroMeansUnlimited(t *testing.T) {
	sessions := newFakeSessionStore()
	l := NewLimiter(newFakeLimitStore(), sessions, 1)

	if _, err := l.SetOverride("robot", 0, "service account", "admin-1"); err != nil {
		t.Fatal(err)
	}

	addActiveSession(t, sessions, "robot")
	addActiveSession(t, sessions, "robot")
	if err := l.Allow("robot"); err != nil {
		t.Fatalf("override of 0 means unlimited: %v", err)
	}
}

func TestLimiterClearOverride(t *testing.T) {
	sessions := newFakeSessionStore()
	l := NewLimiter(newFakeLimitStore(), sessions, 1)

	if _, err := l.SetOverride("u1", 5, "", "admin-1"); err != nil {
		t.Fatal(err)
	}
	if err := l.ClearOverride("u1"); err != nil {
		t.Fatal(err)
	}

	addActiveSession(t, sessions, "u1")
	if err := l.Allow("u1"); !errors.Is(err, ErrSessionLimitExceeded) {
		t.Fatalf("default should apply after clear, got %v", err)
	}

	max, err := l.EffectiveLimit("u1")
	if err != nil || max != 1 {
		t.Fatalf("effective limit = %d, err = %v", max, err)
	}
}

func TestLimiterRejectsNegative(t *testing.T) {
	l := NewLimiter(newFakeLimitStore(), newFakeSessionStore(), 1)
	if _, err := l.SetOverride("u1", -1, "", "admin-1"); err == nil {
		t.Fatal("negative limit must be rejected")
	}
}
