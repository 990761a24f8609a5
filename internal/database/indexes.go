package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// CreateDataSourceIndexes creates the indexes of the registry's collection
func CreateDataSourceIndexes(ctx context.Context, db *MongoDB) error {
	return createIndexes(ctx, db.GetCollection(CollectionDataSources), []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "deleted", Value: 1},
				{Key: "metadata.created_at", Value: -1},
			},
			Options: options.Index().SetName("idx_deleted_created_at"),
		},
		{
			Keys: bson.D{
				{Key: "supplier_name", Value: 1},
				{Key: "name", Value: 1},
			},
			Options: options.Index().SetName("idx_supplier_name"),
		},
		{
			Keys: bson.D{
				{Key: "leased", Value: 1},
				{Key: "lease_started_at", Value: 1},
			},
			Options: options.Index().SetName("idx_leased_started_at"),
		},
		{
			Keys:    bson.D{{Key: "lease_owner_process_id", Value: 1}},
			Options: options.Index().SetName("idx_lease_owner_process_id").SetSparse(true),
		},
	})
}

// CreateScheduleIndexes creates the indexes of the scheduler's collection.
// The unique data_source_id index is what makes sequence-guarded upserts safe.
func CreateScheduleIndexes(ctx context.Context, db *MongoDB) error {
	return createIndexes(ctx, db.GetCollection(CollectionSchedules), []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "data_source_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("idx_data_source_id_unique"),
		},
		{
			Keys: bson.D{
				{Key: "active", Value: 1},
				{Key: "paused", Value: 1},
			},
			Options: options.Index().SetName("idx_active_paused"),
		},
	})
}

func createIndexes(ctx context.Context, collection *mongo.Collection, indexes []mongo.IndexModel) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := collection.Indexes().CreateMany(ctxTimeout, indexes); err != nil {
		return fmt.Errorf("failed to create %s indexes: %w", collection.Name(), err)
	}

	zap.L().Named("database").Info("Created indexes", zap.String("collection", collection.Name()))
	return nil
}
