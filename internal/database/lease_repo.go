package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dandantas/cadence/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// leaseOwnerFields are removed whenever a lease is cleared, so that owner
// identity is only ever present while leased is true.
var leaseOwnerFields = bson.M{
	"lease_started_at":           "",
	"lease_owner_correlation_id": "",
	"lease_owner_process_id":     "",
	"lease_owner_host":           "",
}

func leaseClearedFields(now time.Time, reason string) bson.M {
	return bson.M{
		"leased":               false,
		"lease_completed_at":   now,
		"lease_release_reason": reason,
	}
}

// LeaseRepository performs the atomic lease transitions on data source documents
type LeaseRepository struct {
	collection *mongo.Collection
}

// NewLeaseRepository creates a new lease repository
func NewLeaseRepository(db *MongoDB) *LeaseRepository {
	return &LeaseRepository{
		collection: db.GetCollection(CollectionDataSources),
	}
}

// TryAcquire grants the lease on a data source to owner when it is free or older
// than maxAge. The check and the write are a single FindOneAndUpdate, so two
// callers can never both be granted. The returned lease is the state before the
// grant; it is nil when nothing matched.
func (r *LeaseRepository) TryAcquire(ctx context.Context, dataSourceID string, owner model.LeaseOwner, now time.Time, maxAge time.Duration) (*model.Lease, bool, error) {
	id, err := primitive.ObjectIDFromHex(dataSourceID)
	if err != nil {
		return nil, false, fmt.Errorf("invalid data source id %q: %w", dataSourceID, err)
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	filter := bson.M{
		"_id":     id,
		"deleted": false,
		"$or": []bson.M{
			{"leased": false},
			{"leased": bson.M{"$exists": false}},
			{"lease_started_at": bson.M{"$lt": now.Add(-maxAge)}},
		},
	}

	update := bson.M{
		"$set": bson.M{
			"leased":                     true,
			"lease_started_at":           now,
			"lease_owner_correlation_id": owner.CorrelationID,
			"lease_owner_process_id":     owner.ProcessID,
			"lease_owner_host":           owner.Host,
		},
		"$unset": bson.M{
			"lease_completed_at":   "",
			"lease_release_reason": "",
		},
	}

	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.Before).
		SetProjection(leaseProjection)

	var before model.DataSource
	err = r.collection.FindOneAndUpdate(ctxTimeout, filter, update, opts).Decode(&before)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to acquire lease: %w", err)
	}

	return &before.Lease, true, nil
}

// Release clears a held lease. Releasing a free lease matches nothing and is not an error.
func (r *LeaseRepository) Release(ctx context.Context, dataSourceID, reason string, now time.Time) (bool, error) {
	id, err := primitive.ObjectIDFromHex(dataSourceID)
	if err != nil {
		return false, fmt.Errorf("invalid data source id %q: %w", dataSourceID, err)
	}
	return r.release(ctx, bson.M{"_id": id, "leased": true}, reason, now)
}

// ReleaseOwned clears the lease only while it still carries correlationID
func (r *LeaseRepository) ReleaseOwned(ctx context.Context, dataSourceID, correlationID, reason string, now time.Time) (bool, error) {
	id, err := primitive.ObjectIDFromHex(dataSourceID)
	if err != nil {
		return false, fmt.Errorf("invalid data source id %q: %w", dataSourceID, err)
	}
	return r.release(ctx, bson.M{
		"_id":                        id,
		"leased":                     true,
		"lease_owner_correlation_id": correlationID,
	}, reason, now)
}

func (r *LeaseRepository) release(ctx context.Context, filter bson.M, reason string, now time.Time) (bool, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	update := bson.M{
		"$set":   leaseClearedFields(now, reason),
		"$unset": leaseOwnerFields,
	}

	result, err := r.collection.UpdateOne(ctxTimeout, filter, update)
	if err != nil {
		return false, fmt.Errorf("failed to release lease: %w", err)
	}

	return result.ModifiedCount > 0, nil
}

// ReleaseExpired clears every lease older than maxAge. It covers holders that
// crashed and sources nobody tries to acquire again.
func (r *LeaseRepository) ReleaseExpired(ctx context.Context, now time.Time, maxAge time.Duration) (int64, error) {
	return r.releaseMany(ctx, bson.M{
		"leased":           true,
		"lease_started_at": bson.M{"$lt": now.Add(-maxAge)},
	}, model.ReleaseTimeout, now)
}

// ReleaseAllOwned clears every lease held by processID.
// This is typically called during graceful shutdown.
func (r *LeaseRepository) ReleaseAllOwned(ctx context.Context, processID string, now time.Time) (int64, error) {
	return r.releaseMany(ctx, bson.M{
		"leased":                 true,
		"lease_owner_process_id": processID,
	}, model.ReleaseShutdown, now)
}

func (r *LeaseRepository) releaseMany(ctx context.Context, filter bson.M, reason string, now time.Time) (int64, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	update := bson.M{
		"$set":   leaseClearedFields(now, reason),
		"$unset": leaseOwnerFields,
	}

	result, err := r.collection.UpdateMany(ctxTimeout, filter, update)
	if err != nil {
		return 0, fmt.Errorf("failed to release leases: %w", err)
	}

	return result.ModifiedCount, nil
}

// Get returns the lease state of a data source
func (r *LeaseRepository) Get(ctx context.Context, dataSourceID string) (*model.Lease, error) {
	id, err := primitive.ObjectIDFromHex(dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("invalid data source id %q: %w", dataSourceID, err)
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var ds model.DataSource
	opts := options.FindOne().SetProjection(leaseProjection)
	if err := r.collection.FindOne(ctxTimeout, bson.M{"_id": id}, opts).Decode(&ds); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("data source %s: %w", dataSourceID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}

	return &ds.Lease, nil
}

var leaseProjection = bson.M{
	"leased":                     1,
	"lease_started_at":           1,
	"lease_owner_correlation_id": 1,
	"lease_owner_process_id":     1,
	"lease_owner_host":           1,
	"lease_completed_at":         1,
	"lease_release_reason":       1,
}
