package session

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"seat-service/internal/model"
	"seat-service/internal/seat"
)

var (
	// ErrEvictionInProgress means another admin login is already preempting
	// a seat. Only one eviction runs at a time; callers should retry.
	ErrEvictionInProgress = errors.New("seat eviction already in progress")
	// ErrNoEvictableSession means the pool is full but no live member session
	// could be chosen as a victim. To callers this is a seat denial, so it
	// wraps ErrSeatUnavailable.
	ErrNoEvictableSession = fmt.Errorf("%w: no evictable session", seat.ErrSeatUnavailable)
)

// selectVictim picks the session to preempt when an admin login finds the
// pool full: the least recently active live member session, ties broken by
// oldest creation, then lowest id so the choice is deterministic. Admin
// sessions are never victims, and sessions without a checkout hold no seat.
func selectVictim(sessions []*model.Session, now time.Time) *model.Session {
	candidates := make([]*model.Session, 0, len(sessions))
	for _, s := range sessions {
		if s.CheckoutID == "" || s.Role.IsAdmin() || !s.IsLive(now) {
			continue
		}
		candidates = append(candidates, s)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.LastActivity.Equal(b.LastActivity) {
			return a.LastActivity.Before(b.LastActivity)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return candidates[0]
}
