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

// DataSourceRepository handles data source configuration operations.
// Every mutation advances the per-document sequence in the same atomic write.
type DataSourceRepository struct {
	collection *mongo.Collection
}

// NewDataSourceRepository creates a new data source repository
func NewDataSourceRepository(db *MongoDB) *DataSourceRepository {
	return &DataSourceRepository{
		collection: db.GetCollection(CollectionDataSources),
	}
}

// Create inserts a new data source with sequence 1 and no lease
func (r *DataSourceRepository) Create(ctx context.Context, ds *model.DataSource) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if ds.ID.IsZero() {
		ds.ID = primitive.NewObjectID()
	}
	ds.Sequence = 1
	ds.Deleted = false
	ds.Lease = model.Lease{}

	if _, err := r.collection.InsertOne(ctxTimeout, ds); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("data source '%s' already exists", ds.ID.Hex())
		}
		return fmt.Errorf("failed to create data source: %w", err)
	}

	return nil
}

// GetByID retrieves a live data source by ID
func (r *DataSourceRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*model.DataSource, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var ds model.DataSource
	err := r.collection.FindOne(ctxTimeout, bson.M{"_id": id, "deleted": false}).Decode(&ds)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("data source %s: %w", id.Hex(), ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get data source: %w", err)
	}

	return &ds, nil
}

// List retrieves live data sources with filtering and pagination
func (r *DataSourceRepository) List(ctx context.Context, filter bson.M, page, limit int) ([]model.DataSource, int64, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if filter == nil {
		filter = bson.M{}
	}
	filter["deleted"] = false

	total, err := r.collection.CountDocuments(ctxTimeout, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count data sources: %w", err)
	}

	skip := (page - 1) * limit
	opts := options.Find().
		SetSkip(int64(skip)).
		SetLimit(int64(limit)).
		SetSort(bson.D{{Key: "metadata.created_at", Value: -1}})

	cursor, err := r.collection.Find(ctxTimeout, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list data sources: %w", err)
	}
	defer cursor.Close(ctxTimeout)

	var sources []model.DataSource
	if err := cursor.All(ctxTimeout, &sources); err != nil {
		return nil, 0, fmt.Errorf("failed to decode data sources: %w", err)
	}

	return sources, total, nil
}

// Update overwrites the configuration fields of a live data source and returns
// the post-write document. Lease fields are left untouched.
func (r *DataSourceRepository) Update(ctx context.Context, id primitive.ObjectID, ds *model.DataSource) (*model.DataSource, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	update := bson.M{
		"$set": bson.M{
			"name":                     ds.Name,
			"supplier_name":            ds.SupplierName,
			"description":              ds.Description,
			"active":                   ds.Active,
			"cron_expression":          ds.CronExpression,
			"polling_interval_seconds": ds.PollingIntervalSeconds,
			"metadata.updated_at":      ds.Metadata.UpdatedAt,
			"metadata.updated_by":      ds.Metadata.UpdatedBy,
			"metadata.tags":            ds.Metadata.Tags,
		},
		"$inc": bson.M{"sequence": 1},
	}

	return r.findOneAndUpdate(ctxTimeout, id, update, "update")
}

// SoftDelete marks a live data source deleted and inactive, clearing any held
// lease in the same write.
func (r *DataSourceRepository) SoftDelete(ctx context.Context, id primitive.ObjectID, actor string) (*model.DataSource, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	set := bson.M{
		"deleted":             true,
		"deleted_at":          now,
		"deleted_by":          actor,
		"active":              false,
		"metadata.updated_at": now,
		"metadata.updated_by": actor,
	}
	for k, v := range leaseClearedFields(now, model.ReleaseDeleted) {
		set[k] = v
	}

	update := bson.M{
		"$set":   set,
		"$unset": leaseOwnerFields,
		"$inc":   bson.M{"sequence": 1},
	}

	return r.findOneAndUpdate(ctxTimeout, id, update, "delete")
}

func (r *DataSourceRepository) findOneAndUpdate(ctx context.Context, id primitive.ObjectID, update bson.M, op string) (*model.DataSource, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var ds model.DataSource
	err := r.collection.FindOneAndUpdate(ctx, bson.M{"_id": id, "deleted": false}, update, opts).Decode(&ds)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("data source %s: %w", id.Hex(), ErrNotFound)
		}
		return nil, fmt.Errorf("failed to %s data source: %w", op, err)
	}

	return &ds, nil
}
