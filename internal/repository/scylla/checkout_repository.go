package scylla

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"seat-service/internal/bucketing"
	"seat-service/internal/model"
	"seat-service/internal/util"
)

// CheckoutRepository persists checkouts in two tables: checkouts holds every
// checkout ever granted, active_checkouts (bucketed) holds only those not
// yet checked in and backs ledger restore on startup.
type CheckoutRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

func NewCheckoutRepository(client *ScyllaClient, buckets *bucketing.BucketingManager) *CheckoutRepository {
	return &CheckoutRepository{
		client:  client,
		buckets: buckets,
	}
}

func (r *CheckoutRepository) Create(co *model.Checkout) error {
	batch := r.client.Session.NewBatch(gocql.LoggedBatch)

	batch.Query(r.client.Prepared.CreateCheckout.Statement(),
		co.ID, co.SessionID, co.UserID, co.FeatureName, co.ExternalToken,
		co.CheckedOutAt, timeOrZero(co.CheckedInAt), co.IPAddress, co.IsActive)

	batch.Query(r.client.Prepared.CreateActiveCheckout.Statement(),
		r.buckets.SessionBucket(co.ID), co.ID, co.SessionID, co.UserID,
		co.FeatureName, co.ExternalToken, co.CheckedOutAt, co.IPAddress)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to create checkout",
			zap.String("checkout_id", co.ID),
			zap.String("user_id", co.UserID),
			zap.Error(err))
		return fmt.Errorf("failed to create checkout: %w", err)
	}
	return nil
}

// GetByID returns the checkout, or nil if no such checkout exists.
func (r *CheckoutRepository) GetByID(checkoutID string) (*model.Checkout, error) {
	var (
		co          model.Checkout
		checkedInAt time.Time
	)

	query := r.client.Prepared.GetCheckout.Bind(checkoutID)
	err := r.client.ScanWithRetry(query,
		&co.ID, &co.SessionID, &co.UserID, &co.FeatureName, &co.ExternalToken,
		&co.CheckedOutAt, &checkedInAt, &co.IPAddress, &co.IsActive)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get checkout by ID: %w", err)
	}

	co.CheckedInAt = timePtr(checkedInAt)
	return &co, nil
}

// Checkin marks the checkout inactive and drops it from active_checkouts.
func (r *CheckoutRepository) Checkin(checkoutID string, at time.Time) error {
	batch := r.client.Session.NewBatch(gocql.LoggedBatch)

	batch.Query(r.client.Prepared.CheckinCheckout.Statement(), at, checkoutID)
	batch.Query(r.client.Prepared.DeleteActiveCheckout.Statement(),
		r.buckets.SessionBucket(checkoutID), checkoutID)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to check in checkout",
			zap.String("checkout_id", checkoutID),
			zap.Error(err))
		return fmt.Errorf("failed to check in checkout: %w", err)
	}
	return nil
}

func (r *CheckoutRepository) AttachSession(checkoutID, sessionID string) error {
	query := r.client.Prepared.AttachCheckout.Bind(sessionID, checkoutID)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to attach session to checkout: %w", err)
	}
	return nil
}

func (r *CheckoutRepository) SetExternalToken(checkoutID, token string) error {
	query := r.client.Prepared.SetCheckoutToken.Bind(token, checkoutID)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to set checkout token: %w", err)
	}
	return nil
}

// ListActive scans every bucket of active_checkouts. Used to rebuild the
// seat ledger after a restart and to spot orphans during reconciliation.
func (r *CheckoutRepository) ListActive() ([]*model.Checkout, error) {
	var checkouts []*model.Checkout

	for bucket := 0; bucket < r.buckets.SessionBuckets(); bucket++ {
		iter := r.client.Prepared.ListActiveCheckouts.Bind(bucket).Iter()

		var co model.Checkout
		for iter.Scan(&co.ID, &co.SessionID, &co.UserID, &co.FeatureName,
			&co.ExternalToken, &co.CheckedOutAt, &co.IPAddress) {
			c := co
			c.IsActive = true
			checkouts = append(checkouts, &c)
		}
		if err := iter.Close(); err != nil {
			return nil, fmt.Errorf("failed to list active checkouts (bucket %d): %w", bucket, err)
		}
	}

	return checkouts, nil
}

func (r *CheckoutRepository) CountActive() (int, error) {
	checkouts, err := r.ListActive()
	if err != nil {
		return 0, err
	}
	return len(checkouts), nil
}
