package database

import (
	"context"
	"testing"
	"time"

	"github.com/dandantas/cadence/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func TestScheduleRepositoryUpsert(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	record := &model.Schedule{
		DataSourceID:   "65f0c0ffee0000000000abcd",
		DataSourceName: "orders",
		CronExpression: "0 */5 * * * *",
		Active:         true,
		LastSequence:   2,
		UpdatedAt:      time.Now().UTC(),
	}

	mt.Run("applies newer sequence", func(mt *mtest.T) {
		repo := &ScheduleRepository{collection: mt.Coll}
		mt.AddMockResponses(bson.D{
			{Key: "ok", Value: 1},
			{Key: "value", Value: bson.D{
				{Key: "data_source_id", Value: record.DataSourceID},
				{Key: "cron_expression", Value: record.CronExpression},
				{Key: "active", Value: true},
				{Key: "last_sequence", Value: int64(2)},
			}},
		})

		out, err := repo.Upsert(context.Background(), record)
		require.NoError(mt, err)
		assert.Equal(mt, "0 */5 * * * *", out.CronExpression)
		assert.Equal(mt, int64(2), out.LastSequence)

		cmd := sentCommand(mt)
		assert.True(mt, lookup(mt, cmd, "upsert").Boolean())
		assert.Equal(mt, record.DataSourceID, lookup(mt, cmd, "query", "data_source_id").StringValue())
		assert.Equal(mt, int64(2), lookupInt(mt, cmd, "query", "last_sequence", "$lt"), "only an older record may be overwritten")
		assert.Equal(mt, int64(2), lookupInt(mt, cmd, "update", "$set", "last_sequence"))
		assert.Equal(mt, "0 */5 * * * *", lookup(mt, cmd, "update", "$set", "cron_expression").StringValue())
		assert.Equal(mt, int64(0), lookupInt(mt, cmd, "update", "$setOnInsert", "execution_count"))
	})

	mt.Run("duplicate key means stale", func(mt *mtest.T) {
		repo := &ScheduleRepository{collection: mt.Coll}
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    11000,
			Message: "E11000 duplicate key error collection: schedules index: idx_data_source_id_unique",
			Name:    "DuplicateKey",
		}))

		_, err := repo.Upsert(context.Background(), record)
		assert.ErrorIs(mt, err, ErrStaleSequence)
	})
}

func TestScheduleRepositoryMarkDeleted(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("unknown id", func(mt *mtest.T) {
		repo := &ScheduleRepository{collection: mt.Coll}
		mt.AddMockResponses(bson.D{
			{Key: "ok", Value: 1},
			{Key: "value", Value: nil},
		})

		_, err := repo.MarkDeleted(context.Background(), "missing", 3, "corr", "alice", time.Now())
		assert.ErrorIs(mt, err, ErrNotFound)

		cmd := sentCommand(mt)
		upsert, err := cmd.LookupErr("upsert")
		assert.True(mt, err != nil || !upsert.Boolean(), "a delete never creates a record")
		assert.Equal(mt, int64(3), lookupInt(mt, cmd, "query", "last_sequence", "$lt"))
	})

	mt.Run("marks inactive", func(mt *mtest.T) {
		repo := &ScheduleRepository{collection: mt.Coll}
		mt.AddMockResponses(bson.D{
			{Key: "ok", Value: 1},
			{Key: "value", Value: bson.D{
				{Key: "data_source_id", Value: "ds-1"},
				{Key: "active", Value: false},
				{Key: "deleted", Value: true},
				{Key: "execution_count", Value: int64(12)},
			}},
		})

		out, err := repo.MarkDeleted(context.Background(), "ds-1", 3, "corr", "alice", time.Now())
		require.NoError(mt, err)
		assert.False(mt, out.Active)
		assert.True(mt, out.Deleted)
		assert.Equal(mt, int64(12), out.ExecutionCount)

		cmd := sentCommand(mt)
		assert.Equal(mt, "ds-1", lookup(mt, cmd, "query", "data_source_id").StringValue())
		assert.Equal(mt, int64(3), lookupInt(mt, cmd, "query", "last_sequence", "$lt"))
		assert.True(mt, lookup(mt, cmd, "update", "$set", "deleted").Boolean())
		assert.False(mt, lookup(mt, cmd, "update", "$set", "active").Boolean())
		assert.Equal(mt, int64(3), lookupInt(mt, cmd, "update", "$set", "last_sequence"))
		lookup(mt, cmd, "update", "$unset", "next_execution_time")
	})
}

func TestScheduleRepositoryClaimFire(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	now := time.Now().UTC()

	mt.Run("claimed", func(mt *mtest.T) {
		repo := &ScheduleRepository{collection: mt.Coll}
		mt.AddMockResponses(bson.D{
			{Key: "ok", Value: 1},
			{Key: "value", Value: bson.D{
				{Key: "data_source_id", Value: "ds-1"},
				{Key: "execution_count", Value: int64(1)},
			}},
		})

		out, claimed, err := repo.ClaimFire(context.Background(), "ds-1", "0 * * * * *", now, now.Add(time.Minute), time.Second)
		require.NoError(mt, err)
		assert.True(mt, claimed)
		assert.Equal(mt, int64(1), out.ExecutionCount)

		cmd := sentCommand(mt)
		assert.Equal(mt, "ds-1", lookup(mt, cmd, "query", "data_source_id").StringValue())
		assert.Equal(mt, "0 * * * * *", lookup(mt, cmd, "query", "cron_expression").StringValue(), "a replaced trigger must not match")
		assert.True(mt, lookup(mt, cmd, "query", "active").Boolean())
		assert.False(mt, lookup(mt, cmd, "query", "paused").Boolean())
		assert.False(mt, lookup(mt, cmd, "query", "deleted").Boolean())
		due := lookup(mt, cmd, "query", "$or", "0", "next_execution_time", "$lte").Time()
		assert.Equal(mt, now.Add(time.Second).UnixMilli(), due.UnixMilli())
		assert.False(mt, lookup(mt, cmd, "query", "$or", "1", "next_execution_time", "$exists").Boolean())

		assert.Equal(mt, now.Add(time.Minute).UnixMilli(), lookup(mt, cmd, "update", "$set", "next_execution_time").Time().UnixMilli())
		assert.Equal(mt, int64(1), lookupInt(mt, cmd, "update", "$inc", "execution_count"))
	})

	mt.Run("claimed elsewhere", func(mt *mtest.T) {
		repo := &ScheduleRepository{collection: mt.Coll}
		mt.AddMockResponses(bson.D{
			{Key: "ok", Value: 1},
			{Key: "value", Value: nil},
		})

		_, claimed, err := repo.ClaimFire(context.Background(), "ds-1", "0 * * * * *", now, now.Add(time.Minute), time.Second)
		require.NoError(mt, err)
		assert.False(mt, claimed)
	})
}

func TestScheduleRepositoryListSchedulable(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("decodes batches", func(mt *mtest.T) {
		repo := &ScheduleRepository{collection: mt.Coll}
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()
		first := mtest.CreateCursorResponse(1, ns, mtest.FirstBatch,
			bson.D{{Key: "data_source_id", Value: "a"}, {Key: "cron_expression", Value: "0 * * * * *"}, {Key: "active", Value: true}},
			bson.D{{Key: "data_source_id", Value: "b"}, {Key: "cron_expression", Value: "*/30 * * * * *"}, {Key: "active", Value: true}},
		)
		last := mtest.CreateCursorResponse(0, ns, mtest.NextBatch)
		mt.AddMockResponses(first, last)

		out, err := repo.ListSchedulable(context.Background())
		require.NoError(mt, err)
		require.Len(mt, out, 2)
		assert.Equal(mt, "a", out[0].DataSourceID)
		assert.Equal(mt, "*/30 * * * * *", out[1].CronExpression)
	})
}
