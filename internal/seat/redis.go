package seat

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"seat-service/internal/model"
	"seat-service/internal/util"
)

const (
	seatActiveKey   = "seats:active"
	seatTotalKey    = "seats:total"
	seatReservedKey = "seats:admin_reserved"
)

// allocateScript atomically checks capacity and claims a seat. The reserve
// is subtracted for every caller so checked_out stays within total minus
// reserved.
//
// KEYS[1] = active hash (checkout id -> checkout json)
// KEYS[2] = total key
// KEYS[3] = reserved key
// ARGV[1] = checkout id
// ARGV[2] = checkout json
// ARGV[3] = victim checkout id to release first (may be empty)
//
// Returns 1 when granted, 0 when denied.
var allocateScript = redis.NewScript(`
local active_key = KEYS[1]
local total_key = KEYS[2]
local reserved_key = KEYS[3]
local checkout_id = ARGV[1]
local payload = ARGV[2]
local victim_id = ARGV[3]

if victim_id ~= '' then
    redis.call('HDEL', active_key, victim_id)
end

local total = tonumber(redis.call('GET', total_key) or '0')
local reserved = tonumber(redis.call('GET', reserved_key) or '0')
local checked_out = redis.call('HLEN', active_key)

if total - reserved - checked_out <= 0 then
    return 0
end

redis.call('HSET', active_key, checkout_id, payload)
return 1
`)

// releaseScript removes the checkout. Returns the number of fields removed.
var releaseScript = redis.NewScript(`
return redis.call('HDEL', KEYS[1], ARGV[1])
`)

// RedisLedger keeps the seat pool in Redis so multiple nodes share one
// serialization domain. Lua scripts make check-and-increment atomic on the
// server; no Go-side locking is needed.
type RedisLedger struct {
	client *redis.Client
	prefix string

	now func() time.Time
}

// NewRedisLedger initializes the pool dimensions in Redis and returns the ledger.
func NewRedisLedger(ctx context.Context, client *redis.Client, keyPrefix string, totalSeats, adminReserved int) (*RedisLedger, error) {
	l := &RedisLedger{
		client: client,
		prefix: keyPrefix,
		now:    time.Now,
	}

	pipe := client.Pipeline()
	pipe.Set(ctx, l.key(seatTotalKey), totalSeats, 0)
	pipe.Set(ctx, l.key(seatReservedKey), adminReserved, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize redis seat ledger: %w", err)
	}

	util.Info("Redis seat ledger initialized",
		zap.Int("total_seats", totalSeats),
		zap.Int("admin_reserved", adminReserved))
	return l, nil
}

func (l *RedisLedger) key(suffix string) string {
	return l.prefix + suffix
}

func (l *RedisLedger) TryAllocate(ctx context.Context, userID, feature, ipAddress string) (*model.Checkout, error) {
	return l.allocate(ctx, "", userID, feature, ipAddress)
}

func (l *RedisLedger) ReleaseAndAllocate(ctx context.Context, victimCheckoutID, userID, feature, ipAddress string) (*model.Checkout, error) {
	return l.allocate(ctx, victimCheckoutID, userID, feature, ipAddress)
}

func (l *RedisLedger) allocate(ctx context.Context, victimCheckoutID, userID, feature, ipAddress string) (*model.Checkout, error) {
	co := &model.Checkout{
		ID:           uuid.New().String(),
		UserID:       userID,
		FeatureName:  feature,
		IPAddress:    ipAddress,
		CheckedOutAt: l.now().UTC(),
		IsActive:     true,
	}

	payload, err := json.Marshal(co)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkout: %w", err)
	}

	result, err := allocateScript.Run(ctx, l.client,
		[]string{l.key(seatActiveKey), l.key(seatTotalKey), l.key(seatReservedKey)},
		co.ID, string(payload), victimCheckoutID).Int()
	if err != nil {
		return nil, fmt.Errorf("seat allocation script failed: %w", err)
	}

	if result == 0 {
		return nil, ErrSeatUnavailable
	}

	util.Debug("Seat allocated via Redis",
		zap.String("checkout_id", co.ID),
		zap.String("user_id", userID))
	return co, nil
}

func (l *RedisLedger) Release(ctx context.Context, checkoutID string) (bool, error) {
	removed, err := releaseScript.Run(ctx, l.client,
		[]string{l.key(seatActiveKey)}, checkoutID).Int()
	if err != nil {
		return false, fmt.Errorf("seat release script failed: %w", err)
	}
	if removed == 0 {
		util.Debug("Seat already released", zap.String("checkout_id", checkoutID))
		return false, nil
	}
	util.Debug("Seat released via Redis", zap.String("checkout_id", checkoutID))
	return true, nil
}

// AttachSession updates checkout metadata in place. Only the allocation flow
// that owns the checkout mutates it, so a read-modify-write is safe here:
// metadata changes never affect seat counts.
func (l *RedisLedger) AttachSession(ctx context.Context, checkoutID, sessionID string) error {
	return l.updateCheckout(ctx, checkoutID, func(co *model.Checkout) {
		co.SessionID = sessionID
	})
}

func (l *RedisLedger) SetExternalToken(ctx context.Context, checkoutID, token string) error {
	return l.updateCheckout(ctx, checkoutID, func(co *model.Checkout) {
		co.ExternalToken = token
	})
}

func (l *RedisLedger) updateCheckout(ctx context.Context, checkoutID string, mutate func(*model.Checkout)) error {
	raw, err := l.client.HGet(ctx, l.key(seatActiveKey), checkoutID).Result()
	if err == redis.Nil {
		return fmt.Errorf("update checkout %s: %w", checkoutID, ErrCheckoutNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read checkout: %w", err)
	}

	var co model.Checkout
	if err := json.Unmarshal([]byte(raw), &co); err != nil {
		return fmt.Errorf("failed to decode checkout: %w", err)
	}
	mutate(&co)

	payload, err := json.Marshal(&co)
	if err != nil {
		return fmt.Errorf("failed to encode checkout: %w", err)
	}
	if err := l.client.HSet(ctx, l.key(seatActiveKey), checkoutID, string(payload)).Err(); err != nil {
		return fmt.Errorf("failed to write checkout: %w", err)
	}
	return nil
}

func (l *RedisLedger) State(ctx context.Context) (model.PoolState, error) {
	pipe := l.client.Pipeline()
	totalCmd := pipe.Get(ctx, l.key(seatTotalKey))
	reservedCmd := pipe.Get(ctx, l.key(seatReservedKey))
	checkedOutCmd := pipe.HLen(ctx, l.key(seatActiveKey))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return model.PoolState{}, fmt.Errorf("failed to read pool state: %w", err)
	}

	total, _ := strconv.Atoi(totalCmd.Val())
	reserved, _ := strconv.Atoi(reservedCmd.Val())
	checkedOut := int(checkedOutCmd.Val())

	available := total - reserved - checkedOut
	if available < 0 {
		available = 0
	}
	return model.PoolState{
		Total:         total,
		AdminReserved: reserved,
		CheckedOut:    checkedOut,
		Available:     available,
	}, nil
}

func (l *RedisLedger) SetTotalSeats(ctx context.Context, total int) error {
	if err := l.client.Set(ctx, l.key(seatTotalKey), total, 0).Err(); err != nil {
		return fmt.Errorf("failed to set total seats: %w", err)
	}
	util.Info("Total seats updated", zap.Int("total", total))
	return nil
}

func (l *RedisLedger) SetAdminReserved(ctx context.Context, count int) error {
	if err := l.client.Set(ctx, l.key(seatReservedKey), count, 0).Err(); err != nil {
		return fmt.Errorf("failed to set admin reserved: %w", err)
	}
	util.Info("Admin reserved seats updated", zap.Int("count", count))
	return nil
}

func (l *RedisLedger) Restore(ctx context.Context, checkouts []*model.Checkout) error {
	pipe := l.client.Pipeline()
	pipe.Del(ctx, l.key(seatActiveKey))
	count := 0
	for _, co := range checkouts {
		if !co.IsActive {
			continue
		}
		payload, err := json.Marshal(co)
		if err != nil {
			return fmt.Errorf("failed to encode checkout %s: %w", co.ID, err)
		}
		pipe.HSet(ctx, l.key(seatActiveKey), co.ID, string(payload))
		count++
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to restore redis seat ledger: %w", err)
	}

	util.Info("Redis seat ledger restored from persisted checkouts", zap.Int("active", count))
	return nil
}

func (l *RedisLedger) ActiveCheckouts(ctx context.Context) ([]*model.Checkout, error) {
	entries, err := l.client.HGetAll(ctx, l.key(seatActiveKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active checkouts: %w", err)
	}

	out := make([]*model.Checkout, 0, len(entries))
	for id, raw := range entries {
		var co model.Checkout
		if err := json.Unmarshal([]byte(raw), &co); err != nil {
			return nil, fmt.Errorf("failed to decode checkout %s: %w", id, err)
		}
		out = append(out, &co)
	}
	return out, nil
}
