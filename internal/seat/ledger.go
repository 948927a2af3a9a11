package seat

import (
	"context"
	"errors"

	"seat-service/internal/model"
)

var (
	// ErrSeatUnavailable means the pool is exhausted for this caller.
	ErrSeatUnavailable = errors.New("no seat available")
	// ErrCheckoutNotFound means the checkout id is unknown to the ledger.
	ErrCheckoutNotFound = errors.New("checkout not found")
)

// Ledger is the authoritative record of seat allocation. Every mutation of
// seat counts goes through one of its methods, and each method is atomic
// with respect to all others: two concurrent allocations can never both
// observe the last free seat. Implementations must not perform external
// calls inside their critical section.
type Ledger interface {
	// TryAllocate atomically claims a seat and returns the new active
	// checkout, or ErrSeatUnavailable. The admin reserve is withheld from
	// every caller: checked_out never exceeds total minus reserved. Admin
	// priority is exercised through ReleaseAndAllocate, not extra capacity.
	TryAllocate(ctx context.Context, userID, feature, ipAddress string) (*model.Checkout, error)

	// ReleaseAndAllocate releases the victim's checkout and claims a seat
	// for the requester as one atomic unit. Used by overflow eviction so
	// no third party can grab the freed seat in between.
	ReleaseAndAllocate(ctx context.Context, victimCheckoutID, userID, feature, ipAddress string) (*model.Checkout, error)

	// Release checks the checkout back in. Releasing an already-inactive
	// checkout is a benign no-op and returns false; duplicate termination
	// triggers (expiry timer racing explicit logout) are expected.
	Release(ctx context.Context, checkoutID string) (bool, error)

	// AttachSession records the owning session on an active checkout.
	AttachSession(ctx context.Context, checkoutID, sessionID string) error

	// SetExternalToken records the external authority's token on an active checkout.
	SetExternalToken(ctx context.Context, checkoutID, token string) error

	// State returns the current pool aggregate.
	State(ctx context.Context) (model.PoolState, error)

	// SetTotalSeats resizes the pool. Existing checkouts are untouched.
	SetTotalSeats(ctx context.Context, total int) error

	// SetAdminReserved changes the seats withheld from general allocation.
	SetAdminReserved(ctx context.Context, count int) error

	// Restore loads active checkouts from persistence at startup.
	Restore(ctx context.Context, checkouts []*model.Checkout) error

	// ActiveCheckouts returns a snapshot of all active checkouts.
	ActiveCheckouts(ctx context.Context) ([]*model.Checkout, error)
}
