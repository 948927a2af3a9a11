package seat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"seat-service/internal/model"
	"seat-service/internal/util"
)

// MemoryLedger is a mutex-guarded in-process ledger for single-node
// deployments. The lock is held only for map and counter arithmetic,
// never across I/O.
type MemoryLedger struct {
	mu       sync.Mutex
	total    int
	reserved int
	active   map[string]*model.Checkout

	now func() time.Time
}

// NewMemoryLedger creates a ledger with the given pool dimensions.
func NewMemoryLedger(totalSeats, adminReserved int) *MemoryLedger {
	return &MemoryLedger{
		total:    totalSeats,
		reserved: adminReserved,
		active:   make(map[string]*model.Checkout),
		now:      time.Now,
	}
}

func (l *MemoryLedger) TryAllocate(ctx context.Context, userID, feature, ipAddress string) (*model.Checkout, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.allocateLocked(userID, feature, ipAddress)
}

func (l *MemoryLedger) ReleaseAndAllocate(ctx context.Context, victimCheckoutID, userID, feature, ipAddress string) (*model.Checkout, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.releaseLocked(victimCheckoutID)
	return l.allocateLocked(userID, feature, ipAddress)
}

func (l *MemoryLedger) Release(ctx context.Context, checkoutID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	released := l.releaseLocked(checkoutID)
	if released {
		util.Debug("Seat released",
			zap.String("checkout_id", checkoutID),
			zap.Int("checked_out", len(l.active)))
	} else {
		util.Debug("Seat already released", zap.String("checkout_id", checkoutID))
	}
	return released, nil
}

func (l *MemoryLedger) AttachSession(ctx context.Context, checkoutID, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	co, ok := l.active[checkoutID]
	if !ok {
		return fmt.Errorf("attach session %s: %w", checkoutID, ErrCheckoutNotFound)
	}
	co.SessionID = sessionID
	return nil
}

func (l *MemoryLedger) SetExternalToken(ctx context.Context, checkoutID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	co, ok := l.active[checkoutID]
	if !ok {
		return fmt.Errorf("set external token %s: %w", checkoutID, ErrCheckoutNotFound)
	}
	co.ExternalToken = token
	return nil
}

func (l *MemoryLedger) State(ctx context.Context) (model.PoolState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	checkedOut := len(l.active)
	available := l.total - l.reserved - checkedOut
	if available < 0 {
		available = 0
	}
	return model.PoolState{
		Total:         l.total,
		AdminReserved: l.reserved,
		CheckedOut:    checkedOut,
		Available:     available,
	}, nil
}

func (l *MemoryLedger) SetTotalSeats(ctx context.Context, total int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.total = total
	util.Info("Total seats updated", zap.Int("total", total))
	return nil
}

func (l *MemoryLedger) SetAdminReserved(ctx context.Context, count int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.reserved = count
	util.Info("Admin reserved seats updated", zap.Int("count", count))
	return nil
}

func (l *MemoryLedger) Restore(ctx context.Context, checkouts []*model.Checkout) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.active = make(map[string]*model.Checkout, len(checkouts))
	for _, co := range checkouts {
		if !co.IsActive {
			continue
		}
		c := *co
		l.active[c.ID] = &c
	}
	util.Info("Seat ledger restored from persisted checkouts",
		zap.Int("active", len(l.active)),
		zap.Int("total", l.total))
	return nil
}

func (l *MemoryLedger) ActiveCheckouts(ctx context.Context) ([]*model.Checkout, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*model.Checkout, 0, len(l.active))
	for _, co := range l.active {
		c := *co
		out = append(out, &c)
	}
	return out, nil
}

// allocateLocked performs the check-and-increment. Caller holds l.mu. The
// reserve is subtracted for every caller so checked_out stays within
// total minus reserved.
func (l *MemoryLedger) allocateLocked(userID, feature, ipAddress string) (*model.Checkout, error) {
	checkedOut := len(l.active)

	if l.total-l.reserved-checkedOut <= 0 {
		return nil, ErrSeatUnavailable
	}

	co := &model.Checkout{
		ID:           uuid.New().String(),
		UserID:       userID,
		FeatureName:  feature,
		IPAddress:    ipAddress,
		CheckedOutAt: l.now().UTC(),
		IsActive:     true,
	}
	l.active[co.ID] = co

	util.Debug("Seat allocated",
		zap.String("checkout_id", co.ID),
		zap.String("user_id", userID),
		zap.Int("checked_out", len(l.active)),
		zap.Int("total", l.total))

	c := *co
	return &c, nil
}

// releaseLocked marks the checkout inactive and frees its seat. Caller holds l.mu.
func (l *MemoryLedger) releaseLocked(checkoutID string) bool {
	co, ok := l.active[checkoutID]
	if !ok {
		return false
	}
	now := l.now().UTC()
	co.CheckedInAt = &now
	co.IsActive = false
	delete(l.active, checkoutID)
	return true
}
