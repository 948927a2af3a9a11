package model

import (
	"time"
)

// Role is the caller's platform role. Only admins may preempt other
// sessions or dip into the reserved portion of the seat pool.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

func (r Role) IsAdmin() bool {
	return r == RoleAdmin
}

// PresenceStatus is the realtime presence of a session.
type PresenceStatus string

const (
	PresenceActive       PresenceStatus = "active"
	PresenceIdle         PresenceStatus = "idle"
	PresenceAway         PresenceStatus = "away"
	PresenceDoNotDisturb PresenceStatus = "dnd"
	PresenceOffline      PresenceStatus = "offline"
)

func (p PresenceStatus) Valid() bool {
	switch p {
	case PresenceActive, PresenceIdle, PresenceAway, PresenceDoNotDisturb, PresenceOffline:
		return true
	}
	return false
}

// Termination reasons recorded on sessions.
const (
	ReasonLogout   = "logout"
	ReasonExpired  = "expired"
	ReasonIdle     = "idle"
	ReasonAdmin    = "admin_terminated"
	ReasonOverflow = "overflow"
	ReasonShutdown = "shutdown"
)

// Checkout is the record of one seat being held, from allocation to release.
// Checkouts are never deleted; check-in flips IsActive exactly once.
type Checkout struct {
	ID            string     `db:"id"`
	SessionID     string     `db:"session_id"` // empty while the session is being created, or after session teardown
	UserID        string     `db:"user_id"`
	FeatureName   string     `db:"feature_name"`
	ExternalToken string     `db:"external_token"`
	CheckedOutAt  time.Time  `db:"checked_out_at"`
	CheckedInAt   *time.Time `db:"checked_in_at"`
	IPAddress     string     `db:"ip_address"`
	IsActive      bool       `db:"is_active"`
}

// Session identifies one authenticated connection holding a seat.
// Terminated sessions are retained for audit and statistics.
type Session struct {
	ID              string         `db:"id"`
	UserID          string         `db:"user_id"`
	Role            Role           `db:"role"`
	TokenHash       string         `db:"token_hash"`
	IPAddress       string         `db:"ip_address"`
	UserAgent       string         `db:"user_agent"`
	DeviceInfo      string         `db:"device_info"`
	CheckoutID      string         `db:"checkout_id"`
	SeatAllocatedAt *time.Time     `db:"seat_allocated_at"`
	OverflowKicked  string         `db:"overflow_kicked"` // session this login evicted, if any
	PresenceStatus  PresenceStatus `db:"presence_status"`
	WSConnected     bool           `db:"ws_connected"`
	WSConnectedAt   *time.Time     `db:"ws_connected_at"`
	TerminatedBy    string         `db:"terminated_by"` // empty for expiry/idle/overflow
	TerminationNote string         `db:"termination_reason"`
	TerminatedAt    *time.Time     `db:"terminated_at"`
	CreatedAt       time.Time      `db:"created_at"`
	ExpiresAt       time.Time      `db:"expires_at"`
	LastActivity    time.Time      `db:"last_activity"`
}

// IsTerminated reports whether the session has been torn down.
func (s *Session) IsTerminated() bool {
	return s.TerminatedAt != nil
}

// IsExpired reports whether the session's absolute lifetime has passed.
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// IsLive reports whether the session still counts toward the pool.
func (s *Session) IsLive(now time.Time) bool {
	return !s.IsTerminated() && !s.IsExpired(now)
}

// SessionLimit is a per-user override of the default concurrent-session ceiling.
type SessionLimit struct {
	UserID      string    `db:"user_id"`
	MaxSessions int       `db:"max_sessions"`
	Reason      string    `db:"reason"`
	SetBy       string    `db:"set_by"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// PoolState is the in-memory aggregate of the seat ledger.
type PoolState struct {
	Total         int `json:"total_seats"`
	AdminReserved int `json:"admin_reserved"`
	CheckedOut    int `json:"checked_out"`
	Available     int `json:"available"`
}

// DriftDetail describes a detected divergence between the local ledger and
// the external authority's report.
type DriftDetail struct {
	LocalCheckedOut   int    `json:"local_checked_out"`
	ExternalInUse     int    `json:"external_in_use"`
	Delta             int    `json:"delta"`
	ExternalSource    string `json:"external_source"`
	OrphanedCheckouts int    `json:"orphaned_checkouts,omitempty"`
}

// PoolSnapshot is an immutable audit record of seat accounting at one instant.
type PoolSnapshot struct {
	ID             string       `db:"id"`
	TotalSeats     int          `db:"total_seats"`
	CheckedOut     int          `db:"checked_out"`
	Available      int          `db:"available"`
	AdminReserved  int          `db:"admin_reserved"`
	ActiveSessions int          `db:"active_sessions"`
	DriftDetected  bool         `db:"drift_detected"`
	DriftDetail    *DriftDetail `db:"drift_detail"`
	Source         string       `db:"source"`
	CreatedAt      time.Time    `db:"created_at"`
}
