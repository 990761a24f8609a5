// Package scheduler runs the polling triggers of the schedule records.
//
// Every replica registers every active trigger on its own cron engine. When a
// trigger fires, the replicas race on an atomic update of the record's next
// execution time and only the winner publishes the polling event, so a fire is
// published once no matter how many replicas run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dandantas/cadence/internal/cronspec"
	"github.com/dandantas/cadence/internal/metrics"
	"github.com/dandantas/cadence/internal/model"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrScheduleDeleted is returned by operator actions on a removed schedule
var ErrScheduleDeleted = errors.New("schedule deleted")

// Store is the schedule storage the engine reads and claims fires on
type Store interface {
	GetByDataSourceID(ctx context.Context, dataSourceID string) (*model.Schedule, error)
	List(ctx context.Context, filter bson.M, page, limit int) ([]model.Schedule, int64, error)
	ListSchedulable(ctx context.Context) ([]model.Schedule, error)
	ClaimFire(ctx context.Context, dataSourceID, cronExpression string, now, next time.Time, tolerance time.Duration) (*model.Schedule, bool, error)
	RecordManualFire(ctx context.Context, dataSourceID string, now time.Time) (*model.Schedule, error)
	SetPaused(ctx context.Context, dataSourceID string, paused bool, actor string, next *time.Time, now time.Time) (*model.Schedule, error)
	RecordError(ctx context.Context, dataSourceID, message string) error
}

// PollingPublisher publishes polling events
type PollingPublisher interface {
	PublishPolling(ctx context.Context, ev model.PollingEvent) error
}

// Options configures an Engine
type Options struct {
	ReloadInterval time.Duration
	FireTolerance  time.Duration
	// FireRate caps published polling events per second; zero means unlimited
	FireRate float64
	PodID    string
}

type entry struct {
	id   cron.EntryID
	expr string
	gen  uint64
}

// Engine owns this replica's cron triggers
type Engine struct {
	cron      *cron.Cron
	store     Store
	publisher PollingPublisher
	limiter   *rate.Limiter
	opts      Options
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64
	ctx     context.Context

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewEngine creates a new trigger engine. Expressions are evaluated in UTC.
func NewEngine(store Store, publisher PollingPublisher, opts Options, m *metrics.Metrics) *Engine {
	if opts.ReloadInterval <= 0 {
		opts.ReloadInterval = 30 * time.Second
	}
	if opts.FireTolerance <= 0 {
		opts.FireTolerance = 2 * time.Second
	}

	limit := rate.Inf
	burst := 1
	if opts.FireRate > 0 {
		limit = rate.Limit(opts.FireRate)
		burst = int(opts.FireRate)
		if burst < 1 {
			burst = 1
		}
	}

	return &Engine{
		cron:      cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		store:     store,
		publisher: publisher,
		limiter:   rate.NewLimiter(limit, burst),
		opts:      opts,
		metrics:   m,
		logger:    zap.L().Named("scheduler"),
		now:       func() time.Time { return time.Now().UTC() },
		entries:   make(map[string]*entry),
		ctx:       context.Background(),
		stopChan:  make(chan struct{}),
	}
}

// Start begins firing triggers and the reload loop
func (e *Engine) Start(ctx context.Context) {
	e.logger.Info("Starting scheduler",
		zap.String("pod_id", e.opts.PodID),
		zap.Duration("reload_interval", e.opts.ReloadInterval),
		zap.Duration("fire_tolerance", e.opts.FireTolerance),
	)

	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()

	e.cron.Start()
	e.wg.Add(1)
	go e.run(ctx)
}

// Stop stops the reload loop and waits for running fires to finish
func (e *Engine) Stop(ctx context.Context) {
	e.logger.Info("Stopping scheduler", zap.String("pod_id", e.opts.PodID))

	close(e.stopChan)
	e.wg.Wait()

	select {
	case <-e.cron.Stop().Done():
		e.logger.Info("All running fires completed")
	case <-ctx.Done():
		e.logger.Warn("Timeout waiting for running fires to complete")
	}
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.ReloadInterval)
	defer ticker.Stop()

	// Reload immediately on start
	e.reload(ctx)

	for {
		select {
		case <-ticker.C:
			e.reload(ctx)
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) reload(ctx context.Context) {
	if err := e.Sync(ctx); err != nil {
		e.logger.Error("Failed to reload schedules", zap.Error(err))
	}
}

// Sync makes the registered triggers match the schedulable records in the
// store. It picks up changes another replica consumed.
func (e *Engine) Sync(ctx context.Context) error {
	records, err := e.store.ListSchedulable(ctx)
	if err != nil {
		return err
	}

	present := make(map[string]struct{}, len(records))
	for i := range records {
		present[records[i].DataSourceID] = struct{}{}
		if err := e.Upsert(&records[i]); err != nil {
			e.logger.Error("Skipping schedule with invalid cron",
				zap.String("data_source_id", records[i].DataSourceID),
				zap.String("cron_expression", records[i].CronExpression),
				zap.Error(err),
			)
		}
	}

	for _, id := range e.ids() {
		if _, ok := present[id]; !ok {
			e.Remove(id)
		}
	}

	e.logger.Debug("Schedules reloaded", zap.Int("triggers", e.Len()))
	return nil
}

// Upsert registers the trigger of a record, replacing the existing trigger
// only when the expression changed. Records that should not fire are removed.
func (e *Engine) Upsert(s *model.Schedule) error {
	if !s.Schedulable() {
		e.Remove(s.DataSourceID)
		return nil
	}

	schedule, err := cronspec.Parse(s.CronExpression)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	old, exists := e.entries[s.DataSourceID]
	if exists && old.expr == s.CronExpression {
		return nil
	}

	// The old entry is removed and superseded in one critical section; a fire
	// of the old entry that is already running sees a stale generation and stops.
	if exists {
		e.cron.Remove(old.id)
	}

	e.gen++
	ent := &entry{expr: s.CronExpression, gen: e.gen}
	dataSourceID := s.DataSourceID
	ent.id = e.cron.Schedule(schedule, cron.FuncJob(func() {
		e.fire(dataSourceID, ent.gen, ent.expr, schedule)
	}))
	e.entries[dataSourceID] = ent
	e.metrics.ScheduledTriggers.Set(float64(len(e.entries)))

	e.logger.Info("Trigger scheduled",
		zap.String("data_source_id", dataSourceID),
		zap.String("job_key", model.JobKey(dataSourceID)),
		zap.String("trigger_key", model.TriggerKey(dataSourceID)),
		zap.String("cron_expression", s.CronExpression),
		zap.Bool("replaced", exists),
	)
	return nil
}

// Remove unregisters the trigger of a data source, if any
func (e *Engine) Remove(dataSourceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	old, exists := e.entries[dataSourceID]
	if !exists {
		return
	}
	e.cron.Remove(old.id)
	delete(e.entries, dataSourceID)
	e.metrics.ScheduledTriggers.Set(float64(len(e.entries)))

	e.logger.Info("Trigger removed", zap.String("data_source_id", dataSourceID))
}

// Expression returns the expression registered for a data source
func (e *Engine) Expression(dataSourceID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[dataSourceID]
	if !ok {
		return "", false
	}
	return ent.expr, true
}

// Len returns the number of registered triggers
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

func (e *Engine) ids() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.entries))
	for id := range e.entries {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) current(dataSourceID string, gen uint64) (context.Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[dataSourceID]
	return e.ctx, ok && ent.gen == gen
}

func (e *Engine) fire(dataSourceID string, gen uint64, expr string, schedule cron.Schedule) {
	ctx, ok := e.current(dataSourceID, gen)
	if !ok {
		return
	}

	now := e.now()
	next := schedule.Next(now)

	record, claimed, err := e.store.ClaimFire(ctx, dataSourceID, expr, now, next, e.opts.FireTolerance)
	if err != nil {
		e.metrics.ScheduleFires.WithLabelValues("failed").Inc()
		e.logger.Error("Failed to claim fire",
			zap.String("data_source_id", dataSourceID),
			zap.Error(err),
		)
		return
	}
	if !claimed {
		e.metrics.ScheduleFires.WithLabelValues("skipped").Inc()
		e.logger.Debug("Fire claimed by another replica", zap.String("data_source_id", dataSourceID))
		return
	}

	if err := e.limiter.Wait(ctx); err != nil {
		// The claim already moved next_execution_time on; this activation is lost.
		e.metrics.ScheduleFires.WithLabelValues("failed").Inc()
		e.logger.Error("Fire claimed but not published",
			zap.String("data_source_id", dataSourceID),
			zap.Error(err),
		)
		e.recordError(ctx, dataSourceID, err)
		return
	}

	ev := model.PollingEvent{
		CorrelationID:  uuid.New().String(),
		DataSourceID:   dataSourceID,
		DataSourceName: record.DataSourceName,
		SupplierName:   record.SupplierName,
		ScheduledAt:    now,
	}
	if err := e.publish(ctx, ev); err != nil {
		e.metrics.ScheduleFires.WithLabelValues("failed").Inc()
		return
	}

	e.metrics.ScheduleFires.WithLabelValues("claimed").Inc()
	e.logger.Info("Polling triggered",
		zap.String("data_source_id", dataSourceID),
		zap.String("correlation_id", ev.CorrelationID),
		zap.Int64("execution_count", record.ExecutionCount),
		zap.Time("next_execution_time", next),
	)
}

func (e *Engine) publish(ctx context.Context, ev model.PollingEvent) error {
	err := e.publisher.PublishPolling(ctx, ev)
	if err == nil {
		return nil
	}

	e.logger.Error("Failed to publish polling event",
		zap.String("data_source_id", ev.DataSourceID),
		zap.String("correlation_id", ev.CorrelationID),
		zap.Error(err),
	)
	e.recordError(ctx, ev.DataSourceID, err)
	return err
}

// recordError stores the failure of a fire on the schedule record. It runs
// even when ctx is already done, since shutdown is one cause of the failure.
func (e *Engine) recordError(ctx context.Context, dataSourceID string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := e.store.RecordError(ctx, dataSourceID, cause.Error()); err != nil {
		e.logger.Error("Failed to record schedule error",
			zap.String("data_source_id", dataSourceID),
			zap.Error(err),
		)
	}
}

// Get returns the schedule record of a data source
func (e *Engine) Get(ctx context.Context, dataSourceID string) (*model.Schedule, error) {
	return e.store.GetByDataSourceID(ctx, dataSourceID)
}

// List returns schedule records with pagination
func (e *Engine) List(ctx context.Context, filter bson.M, page, limit int) ([]model.Schedule, int64, error) {
	return e.store.List(ctx, filter, page, limit)
}

// Pause stops a schedule from firing until resumed
func (e *Engine) Pause(ctx context.Context, dataSourceID, actor string) (*model.Schedule, error) {
	current, err := e.store.GetByDataSourceID(ctx, dataSourceID)
	if err != nil {
		return nil, err
	}
	if current.Deleted {
		return nil, fmt.Errorf("schedule %s: %w", dataSourceID, ErrScheduleDeleted)
	}

	record, err := e.store.SetPaused(ctx, dataSourceID, true, actor, nil, e.now())
	if err != nil {
		return nil, err
	}
	e.Remove(dataSourceID)

	e.logger.Info("Schedule paused",
		zap.String("data_source_id", dataSourceID),
		zap.String("actor", actor),
	)
	return record, nil
}

// Resume re-enables a paused schedule from its next activation
func (e *Engine) Resume(ctx context.Context, dataSourceID, actor string) (*model.Schedule, error) {
	current, err := e.store.GetByDataSourceID(ctx, dataSourceID)
	if err != nil {
		return nil, err
	}
	if current.Deleted {
		return nil, fmt.Errorf("schedule %s: %w", dataSourceID, ErrScheduleDeleted)
	}

	now := e.now()
	next, err := cronspec.Next(current.CronExpression, now)
	if err != nil {
		return nil, err
	}

	record, err := e.store.SetPaused(ctx, dataSourceID, false, actor, &next, now)
	if err != nil {
		return nil, err
	}
	if err := e.Upsert(record); err != nil {
		return nil, err
	}

	e.logger.Info("Schedule resumed",
		zap.String("data_source_id", dataSourceID),
		zap.String("actor", actor),
	)
	return record, nil
}

// TriggerNow publishes a polling event outside the schedule
func (e *Engine) TriggerNow(ctx context.Context, dataSourceID, actor string) (*model.PollingEvent, error) {
	current, err := e.store.GetByDataSourceID(ctx, dataSourceID)
	if err != nil {
		return nil, err
	}
	if current.Deleted {
		return nil, fmt.Errorf("schedule %s: %w", dataSourceID, ErrScheduleDeleted)
	}

	now := e.now()
	if _, err := e.store.RecordManualFire(ctx, dataSourceID, now); err != nil {
		return nil, err
	}

	ev := model.PollingEvent{
		CorrelationID:  uuid.New().String(),
		DataSourceID:   dataSourceID,
		DataSourceName: current.DataSourceName,
		SupplierName:   current.SupplierName,
		ScheduledAt:    now,
		Manual:         true,
	}
	if err := e.publish(ctx, ev); err != nil {
		return nil, err
	}

	e.logger.Info("Polling triggered manually",
		zap.String("data_source_id", dataSourceID),
		zap.String("correlation_id", ev.CorrelationID),
		zap.String("actor", actor),
	)
	return &ev, nil
}
