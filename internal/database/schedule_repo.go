package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dandantas/cadence/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ScheduleRepository handles the scheduler's schedule records
type ScheduleRepository struct {
	collection *mongo.Collection
}

// NewScheduleRepository creates a new schedule repository
func NewScheduleRepository(db *MongoDB) *ScheduleRepository {
	return &ScheduleRepository{
		collection: db.GetCollection(CollectionSchedules),
	}
}

// Upsert writes the schedule of a created or updated data source when its
// sequence is newer than the stored one. A stored record with an equal or
// newer sequence makes the upsert collide with the unique data_source_id index,
// which is reported as ErrStaleSequence. NextExecutionTime is only written when set.
func (r *ScheduleRepository) Upsert(ctx context.Context, s *model.Schedule) (*model.Schedule, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	filter := bson.M{
		"data_source_id": s.DataSourceID,
		"last_sequence":  bson.M{"$lt": s.LastSequence},
	}

	set := bson.M{
		"data_source_name":         s.DataSourceName,
		"supplier_name":            s.SupplierName,
		"cron_expression":          s.CronExpression,
		"polling_interval_seconds": s.PollingIntervalSeconds,
		"active":                   s.Active,
		"deleted":                  false,
		"job_key":                  s.JobKey,
		"trigger_key":              s.TriggerKey,
		"last_sequence":            s.LastSequence,
		"correlation_id":           s.CorrelationID,
		"updated_at":               s.UpdatedAt,
		"updated_by":               s.UpdatedBy,
	}
	if s.NextExecutionTime != nil {
		set["next_execution_time"] = *s.NextExecutionTime
	}

	update := bson.M{
		"$set": set,
		"$setOnInsert": bson.M{
			"paused":          false,
			"execution_count": int64(0),
			"created_at":      s.UpdatedAt,
		},
	}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var out model.Schedule
	if err := r.collection.FindOneAndUpdate(ctxTimeout, filter, update, opts).Decode(&out); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("schedule %s at sequence %d: %w", s.DataSourceID, s.LastSequence, ErrStaleSequence)
		}
		return nil, fmt.Errorf("failed to upsert schedule: %w", err)
	}

	return &out, nil
}

// MarkDeleted soft-removes the schedule of a deleted data source, keeping its
// execution history. It never creates a record; no match returns ErrNotFound.
func (r *ScheduleRepository) MarkDeleted(ctx context.Context, dataSourceID string, sequence int64, correlationID, actor string, now time.Time) (*model.Schedule, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	filter := bson.M{
		"data_source_id": dataSourceID,
		"last_sequence":  bson.M{"$lt": sequence},
	}
	update := bson.M{
		"$set": bson.M{
			"active":         false,
			"deleted":        true,
			"last_sequence":  sequence,
			"correlation_id": correlationID,
			"updated_at":     now,
			"updated_by":     actor,
		},
		"$unset": bson.M{"next_execution_time": ""},
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var out model.Schedule
	if err := r.collection.FindOneAndUpdate(ctxTimeout, filter, update, opts).Decode(&out); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("schedule %s: %w", dataSourceID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to delete schedule: %w", err)
	}

	return &out, nil
}

// GetByDataSourceID retrieves the schedule of a data source
func (r *ScheduleRepository) GetByDataSourceID(ctx context.Context, dataSourceID string) (*model.Schedule, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var s model.Schedule
	if err := r.collection.FindOne(ctxTimeout, bson.M{"data_source_id": dataSourceID}).Decode(&s); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("schedule %s: %w", dataSourceID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}

	return &s, nil
}

// List retrieves schedules with filtering and pagination
func (r *ScheduleRepository) List(ctx context.Context, filter bson.M, page, limit int) ([]model.Schedule, int64, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if filter == nil {
		filter = bson.M{}
	}

	total, err := r.collection.CountDocuments(ctxTimeout, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count schedules: %w", err)
	}

	skip := (page - 1) * limit
	opts := options.Find().
		SetSkip(int64(skip)).
		SetLimit(int64(limit)).
		SetSort(bson.D{{Key: "updated_at", Value: -1}})

	cursor, err := r.collection.Find(ctxTimeout, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer cursor.Close(ctxTimeout)

	var schedules []model.Schedule
	if err := cursor.All(ctxTimeout, &schedules); err != nil {
		return nil, 0, fmt.Errorf("failed to decode schedules: %w", err)
	}

	return schedules, total, nil
}

// ListSchedulable retrieves every schedule that should have a live trigger
func (r *ScheduleRepository) ListSchedulable(ctx context.Context) ([]model.Schedule, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	filter := bson.M{
		"active":  true,
		"paused":  false,
		"deleted": false,
	}

	cursor, err := r.collection.Find(ctxTimeout, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to find schedulable records: %w", err)
	}
	defer cursor.Close(ctxTimeout)

	var schedules []model.Schedule
	if err := cursor.All(ctxTimeout, &schedules); err != nil {
		return nil, fmt.Errorf("failed to decode schedulable records: %w", err)
	}

	return schedules, nil
}

// ClaimFire records one firing of a trigger. Every replica runs the same
// trigger; only the one whose update matches the due next_execution_time wins.
// cronExpression is the expression the firing trigger was registered with: a
// replica still running a replaced trigger matches nothing and cannot move
// next_execution_time off the current expression.
func (r *ScheduleRepository) ClaimFire(ctx context.Context, dataSourceID, cronExpression string, now, next time.Time, tolerance time.Duration) (*model.Schedule, bool, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	filter := bson.M{
		"data_source_id":  dataSourceID,
		"cron_expression": cronExpression,
		"active":          true,
		"paused":          false,
		"deleted":         false,
		"$or": []bson.M{
			{"next_execution_time": bson.M{"$lte": now.Add(tolerance)}},
			{"next_execution_time": bson.M{"$exists": false}},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"last_execution_time": now,
			"next_execution_time": next,
		},
		"$inc":   bson.M{"execution_count": 1},
		"$unset": bson.M{"last_error": ""},
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var out model.Schedule
	if err := r.collection.FindOneAndUpdate(ctxTimeout, filter, update, opts).Decode(&out); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to claim fire: %w", err)
	}

	return &out, true, nil
}

// RecordManualFire counts an operator-triggered run without moving the schedule
func (r *ScheduleRepository) RecordManualFire(ctx context.Context, dataSourceID string, now time.Time) (*model.Schedule, error) {
	return r.updateOne(ctx, dataSourceID, bson.M{
		"$set": bson.M{"last_execution_time": now},
		"$inc": bson.M{"execution_count": 1},
	})
}

// SetPaused pauses or resumes a schedule. next is written on resume.
func (r *ScheduleRepository) SetPaused(ctx context.Context, dataSourceID string, paused bool, actor string, next *time.Time, now time.Time) (*model.Schedule, error) {
	update := bson.M{
		"$set": bson.M{
			"paused":     paused,
			"updated_at": now,
			"updated_by": actor,
		},
	}
	if next != nil {
		update["$set"].(bson.M)["next_execution_time"] = *next
	}
	return r.updateOne(ctx, dataSourceID, update)
}

// RecordError stores the last failure of a schedule
func (r *ScheduleRepository) RecordError(ctx context.Context, dataSourceID, message string) error {
	_, err := r.updateOne(ctx, dataSourceID, bson.M{"$set": bson.M{"last_error": message}})
	return err
}

func (r *ScheduleRepository) updateOne(ctx context.Context, dataSourceID string, update bson.M) (*model.Schedule, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	filter := bson.M{"data_source_id": dataSourceID, "deleted": false}

	var out model.Schedule
	if err := r.collection.FindOneAndUpdate(ctxTimeout, filter, update, opts).Decode(&out); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("schedule %s: %w", dataSourceID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to update schedule: %w", err)
	}

	return &out, nil
}
