package synchronizer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dandantas/cadence/internal/database"
	"github.com/dandantas/cadence/internal/events"
	"github.com/dandantas/cadence/internal/metrics"
	"github.com/dandantas/cadence/internal/model"
	"github.com/dandantas/cadence/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

// memoryStore mirrors the conditional writes of database.ScheduleRepository
type memoryStore struct {
	mu      sync.Mutex
	records map[string]*model.Schedule
	writes  int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[string]*model.Schedule)}
}

func (s *memoryStore) GetByDataSourceID(_ context.Context, id string) (*model.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", id, database.ErrNotFound)
	}
	out := *r
	return &out, nil
}

func (s *memoryStore) Upsert(_ context.Context, in *model.Schedule) (*model.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[in.DataSourceID]
	if ok && r.LastSequence >= in.LastSequence {
		return nil, database.ErrStaleSequence
	}
	if !ok {
		r = &model.Schedule{DataSourceID: in.DataSourceID, CreatedAt: in.UpdatedAt}
		s.records[in.DataSourceID] = r
	}
	r.DataSourceName = in.DataSourceName
	r.SupplierName = in.SupplierName
	r.CronExpression = in.CronExpression
	r.PollingIntervalSeconds = in.PollingIntervalSeconds
	r.Active = in.Active
	r.Deleted = false
	r.JobKey = in.JobKey
	r.TriggerKey = in.TriggerKey
	r.LastSequence = in.LastSequence
	r.CorrelationID = in.CorrelationID
	r.UpdatedAt = in.UpdatedAt
	r.UpdatedBy = in.UpdatedBy
	if in.NextExecutionTime != nil {
		r.NextExecutionTime = in.NextExecutionTime
	}
	s.writes++
	out := *r
	return &out, nil
}

func (s *memoryStore) MarkDeleted(_ context.Context, id string, sequence int64, correlationID, actor string, now time.Time) (*model.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok || r.LastSequence >= sequence {
		return nil, database.ErrNotFound
	}
	r.Active = false
	r.Deleted = true
	r.LastSequence = sequence
	r.CorrelationID = correlationID
	r.UpdatedBy = actor
	r.UpdatedAt = now
	r.NextExecutionTime = nil
	s.writes++
	out := *r
	return &out, nil
}

// The engine's store is only used when triggers fire, which these tests never start.
type unusedStore struct{ scheduler.Store }

type nopPublisher struct{}

func (nopPublisher) PublishPolling(context.Context, model.PollingEvent) error { return nil }

func newTestSynchronizer() (*Synchronizer, *memoryStore, *scheduler.Engine) {
	store := newMemoryStore()
	m := metrics.NewNop()
	engine := scheduler.NewEngine(unusedStore{}, nopPublisher{}, scheduler.Options{}, m)
	return New(store, engine, m), store, engine
}

func changed(kind model.ChangeKind, seq int64, cron *string, interval *int64) model.ChangeEvent {
	return model.ChangeEvent{
		CorrelationID:          fmt.Sprintf("corr-%d", seq),
		DataSourceID:           "ds-1",
		DataSourceName:         "orders",
		SupplierName:           "acme",
		ExplicitCron:           cron,
		PollingIntervalSeconds: interval,
		IsActive:               kind != model.ChangeDeleted,
		Kind:                   kind,
		Sequence:               seq,
		Actor:                  "alice",
	}
}

func ptr[T any](v T) *T { return &v }

func TestApplyEndToEnd(t *testing.T) {
	syn, store, engine := newTestSynchronizer()
	ctx := context.Background()

	outcome, err := syn.Apply(ctx, changed(model.ChangeCreated, 1, nil, ptr(int64(300))))
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)

	rec, err := store.GetByDataSourceID(ctx, "ds-1")
	require.NoError(t, err)
	assert.Equal(t, "0 */5 * * * *", rec.CronExpression)
	assert.True(t, rec.Active)
	assert.Equal(t, "polling-ds-1", rec.JobKey)
	assert.Equal(t, "trigger-ds-1", rec.TriggerKey)
	require.NotNil(t, rec.NextExecutionTime)
	expr, ok := engine.Expression("ds-1")
	require.True(t, ok)
	assert.Equal(t, "0 */5 * * * *", expr)

	outcome, err = syn.Apply(ctx, changed(model.ChangeUpdated, 2, ptr("0 0 8 * * MON-FRI"), ptr(int64(300))))
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)

	rec, err = store.GetByDataSourceID(ctx, "ds-1")
	require.NoError(t, err)
	assert.Equal(t, "0 0 8 * * MON-FRI", rec.CronExpression)
	expr, ok = engine.Expression("ds-1")
	require.True(t, ok)
	assert.Equal(t, "0 0 8 * * MON-FRI", expr)
	assert.Equal(t, 1, engine.Len(), "exactly one trigger per source")

	outcome, err = syn.Apply(ctx, changed(model.ChangeDeleted, 3, nil, nil))
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)

	rec, err = store.GetByDataSourceID(ctx, "ds-1")
	require.NoError(t, err)
	assert.False(t, rec.Active)
	assert.True(t, rec.Deleted)
	_, ok = engine.Expression("ds-1")
	assert.False(t, ok)
	assert.Equal(t, 0, engine.Len())
}

func TestApplySameEventTwice(t *testing.T) {
	syn, store, _ := newTestSynchronizer()
	ctx := context.Background()

	_, err := syn.Apply(ctx, changed(model.ChangeCreated, 1, nil, ptr(int64(60))))
	require.NoError(t, err)

	update := changed(model.ChangeUpdated, 2, nil, ptr(int64(600)))
	outcome, err := syn.Apply(ctx, update)
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)
	writes := store.writes
	first, _ := store.GetByDataSourceID(ctx, "ds-1")

	outcome, err = syn.Apply(ctx, update)
	require.NoError(t, err)
	assert.Equal(t, Stale, outcome)
	assert.Equal(t, writes, store.writes)

	second, _ := store.GetByDataSourceID(ctx, "ds-1")
	assert.Equal(t, first, second)
}

func TestApplyCreatedTwiceUpserts(t *testing.T) {
	syn, store, _ := newTestSynchronizer()
	ctx := context.Background()

	created := changed(model.ChangeCreated, 1, nil, ptr(int64(60)))
	_, err := syn.Apply(ctx, created)
	require.NoError(t, err)
	_, err = syn.Apply(ctx, created)
	require.NoError(t, err)

	assert.Len(t, store.records, 1)
}

func TestApplyDiscardsOutOfOrder(t *testing.T) {
	syn, store, engine := newTestSynchronizer()
	ctx := context.Background()

	_, err := syn.Apply(ctx, changed(model.ChangeCreated, 1, nil, ptr(int64(60))))
	require.NoError(t, err)

	outcome, err := syn.Apply(ctx, changed(model.ChangeUpdated, 3, ptr("0 0 9 * * *"), nil))
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)

	outcome, err = syn.Apply(ctx, changed(model.ChangeUpdated, 2, ptr("0 0 7 * * *"), nil))
	require.NoError(t, err)
	assert.Equal(t, Stale, outcome)

	rec, err := store.GetByDataSourceID(ctx, "ds-1")
	require.NoError(t, err)
	assert.Equal(t, "0 0 9 * * *", rec.CronExpression)
	assert.Equal(t, int64(3), rec.LastSequence)
	expr, _ := engine.Expression("ds-1")
	assert.Equal(t, "0 0 9 * * *", expr)
}

func TestApplyRaceLostOnWriteIsStale(t *testing.T) {
	syn, store, _ := newTestSynchronizer()
	ctx := context.Background()

	_, err := syn.Apply(ctx, changed(model.ChangeCreated, 1, nil, ptr(int64(60))))
	require.NoError(t, err)

	// Another replica applies sequence 5 between this replica's read and write.
	racing := &racingStore{memoryStore: store, before: func() {
		store.mu.Lock()
		store.records["ds-1"].LastSequence = 5
		store.mu.Unlock()
	}}
	syn.store = racing

	outcome, err := syn.Apply(ctx, changed(model.ChangeUpdated, 4, ptr("0 0 9 * * *"), nil))
	require.NoError(t, err)
	assert.Equal(t, Stale, outcome)
}

type racingStore struct {
	*memoryStore
	before func()
}

func (s *racingStore) Upsert(ctx context.Context, in *model.Schedule) (*model.Schedule, error) {
	s.before()
	return s.memoryStore.Upsert(ctx, in)
}

func TestApplyDeleteUnknownIsNoop(t *testing.T) {
	syn, store, engine := newTestSynchronizer()

	outcome, err := syn.Apply(context.Background(), changed(model.ChangeDeleted, 7, nil, nil))
	require.NoError(t, err)
	assert.Equal(t, Ignored, outcome)
	assert.Empty(t, store.records)
	assert.Equal(t, 0, engine.Len())
}

func TestApplyUnchangedKeepsTrigger(t *testing.T) {
	syn, store, _ := newTestSynchronizer()
	ctx := context.Background()

	_, err := syn.Apply(ctx, changed(model.ChangeCreated, 1, nil, ptr(int64(300))))
	require.NoError(t, err)
	before, _ := store.GetByDataSourceID(ctx, "ds-1")

	// Same resolved expression: 5 minutes spelled out explicitly.
	outcome, err := syn.Apply(ctx, changed(model.ChangeUpdated, 2, ptr("0 */5 * * * *"), nil))
	require.NoError(t, err)
	assert.Equal(t, Unchanged, outcome)

	after, _ := store.GetByDataSourceID(ctx, "ds-1")
	assert.Equal(t, before.NextExecutionTime, after.NextExecutionTime)
	assert.Equal(t, int64(2), after.LastSequence)
}

func TestApplyInactiveRemovesTrigger(t *testing.T) {
	syn, _, engine := newTestSynchronizer()
	ctx := context.Background()

	_, err := syn.Apply(ctx, changed(model.ChangeCreated, 1, nil, ptr(int64(300))))
	require.NoError(t, err)
	require.Equal(t, 1, engine.Len())

	ev := changed(model.ChangeUpdated, 2, nil, ptr(int64(300)))
	ev.IsActive = false
	outcome, err := syn.Apply(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)
	assert.Equal(t, 0, engine.Len())
}

func TestApplyRejectsBadIntent(t *testing.T) {
	syn, store, _ := newTestSynchronizer()

	_, err := syn.Apply(context.Background(), changed(model.ChangeCreated, 1, ptr("*/5 * * * *"), nil))
	assert.ErrorIs(t, err, events.ErrMalformedEvent)

	_, err = syn.Apply(context.Background(), changed(model.ChangeCreated, 1, nil, nil))
	assert.ErrorIs(t, err, events.ErrMalformedEvent)

	_, err = syn.Apply(context.Background(), changed(model.ChangeKind("renamed"), 1, nil, nil))
	assert.ErrorIs(t, err, events.ErrMalformedEvent)

	assert.Empty(t, store.records)
}

func TestHandleRecord(t *testing.T) {
	syn, store, _ := newTestSynchronizer()

	b, err := events.EncodeChange(changed(model.ChangeCreated, 1, nil, ptr(int64(45))))
	require.NoError(t, err)
	require.NoError(t, syn.HandleRecord(context.Background(), &kgo.Record{Topic: "changes", Value: b}))

	rec, err := store.GetByDataSourceID(context.Background(), "ds-1")
	require.NoError(t, err)
	assert.Equal(t, "*/30 * * * * *", rec.CronExpression)

	err = syn.HandleRecord(context.Background(), &kgo.Record{Topic: "changes", Value: []byte("nope")})
	assert.ErrorIs(t, err, events.ErrMalformedEvent)
}
