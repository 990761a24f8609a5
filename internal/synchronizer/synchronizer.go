// Package synchronizer applies data source change events to the scheduler's
// schedule records and triggers.
//
// Events may arrive more than once and out of order. Each carries the
// registry's per-source sequence, and a record is only written by an event
// whose sequence is greater than the one it last applied; the comparison is
// part of the conditional write, not a prior read.
package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dandantas/cadence/internal/cronspec"
	"github.com/dandantas/cadence/internal/database"
	"github.com/dandantas/cadence/internal/events"
	"github.com/dandantas/cadence/internal/metrics"
	"github.com/dandantas/cadence/internal/model"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Outcome is what applying one event did
type Outcome int

const (
	// Applied means the record was written
	Applied Outcome = iota
	// Unchanged means only the sequence advanced; the trigger was kept
	Unchanged
	// Stale means a newer or equal sequence was already applied
	Stale
	// Ignored means the event referred to nothing, e.g. deleting an unknown source
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Unchanged:
		return "unchanged"
	case Stale:
		return "stale"
	case Ignored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Store is the schedule storage
type Store interface {
	GetByDataSourceID(ctx context.Context, dataSourceID string) (*model.Schedule, error)
	Upsert(ctx context.Context, s *model.Schedule) (*model.Schedule, error)
	MarkDeleted(ctx context.Context, dataSourceID string, sequence int64, correlationID, actor string, now time.Time) (*model.Schedule, error)
}

// Triggers is the local trigger engine
type Triggers interface {
	Upsert(s *model.Schedule) error
	Remove(dataSourceID string)
}

// Synchronizer keeps schedule records consistent with registry intent
type Synchronizer struct {
	store    Store
	triggers Triggers
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a new synchronizer
func New(store Store, triggers Triggers, m *metrics.Metrics) *Synchronizer {
	return &Synchronizer{
		store:    store,
		triggers: triggers,
		metrics:  m,
		logger:   zap.L().Named("synchronizer"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// HandleRecord decodes and applies one change event record
func (s *Synchronizer) HandleRecord(ctx context.Context, record *kgo.Record) error {
	ev, err := events.DecodeChange(record.Value)
	if err != nil {
		return err
	}

	outcome, err := s.Apply(ctx, ev)
	if err != nil {
		return err
	}
	s.metrics.EventsConsumed.WithLabelValues(record.Topic, outcome.String()).Inc()
	return nil
}

// Apply applies a change event
func (s *Synchronizer) Apply(ctx context.Context, ev model.ChangeEvent) (Outcome, error) {
	if err := events.ValidateChange(ev); err != nil {
		return Ignored, err
	}

	logger := s.logger.With(
		zap.String("data_source_id", ev.DataSourceID),
		zap.String("correlation_id", ev.CorrelationID),
		zap.String("kind", string(ev.Kind)),
		zap.Int64("sequence", ev.Sequence),
	)

	current, err := s.store.GetByDataSourceID(ctx, ev.DataSourceID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return Ignored, fmt.Errorf("load schedule %s: %w", ev.DataSourceID, err)
	}
	if current != nil && current.LastSequence >= ev.Sequence {
		logger.Debug("Discarding stale event", zap.Int64("last_sequence", current.LastSequence))
		return Stale, nil
	}

	var outcome Outcome
	if ev.Kind == model.ChangeDeleted {
		outcome, err = s.applyDelete(ctx, ev, current)
	} else {
		outcome, err = s.applyUpsert(ctx, ev, current)
	}
	if err != nil {
		return outcome, err
	}

	switch outcome {
	case Stale:
		logger.Debug("Discarding stale event")
	case Ignored:
		logger.Debug("Ignoring event for unknown schedule")
	default:
		logger.Info("Schedule synchronized", zap.Stringer("outcome", outcome))
	}
	return outcome, nil
}

func (s *Synchronizer) applyUpsert(ctx context.Context, ev model.ChangeEvent, current *model.Schedule) (Outcome, error) {
	expr, err := cronspec.Resolve(ev.Intent())
	if err != nil {
		// Retrying cannot fix the schedule intent of this event.
		return Ignored, fmt.Errorf("%w: %v", events.ErrMalformedEvent, err)
	}

	now := s.now()
	record := &model.Schedule{
		DataSourceID:   ev.DataSourceID,
		DataSourceName: ev.DataSourceName,
		SupplierName:   ev.SupplierName,
		CronExpression: expr,
		Active:         ev.IsActive,
		JobKey:         model.JobKey(ev.DataSourceID),
		TriggerKey:     model.TriggerKey(ev.DataSourceID),
		LastSequence:   ev.Sequence,
		CorrelationID:  ev.CorrelationID,
		UpdatedAt:      now,
		UpdatedBy:      ev.Actor,
	}
	if ev.PollingIntervalSeconds != nil && ev.ExplicitCron == nil {
		record.PollingIntervalSeconds = *ev.PollingIntervalSeconds
	}

	unchanged := current != nil &&
		!current.Deleted &&
		current.CronExpression == expr &&
		current.Active == ev.IsActive
	if !unchanged {
		next, err := cronspec.Next(expr, now)
		if err != nil {
			return Ignored, fmt.Errorf("%w: %v", events.ErrMalformedEvent, err)
		}
		record.NextExecutionTime = &next
	}

	saved, err := s.store.Upsert(ctx, record)
	if err != nil {
		if errors.Is(err, database.ErrStaleSequence) {
			return Stale, nil
		}
		return Ignored, err
	}

	if err := s.triggers.Upsert(saved); err != nil {
		return Ignored, fmt.Errorf("schedule trigger %s: %w", ev.DataSourceID, err)
	}

	if unchanged {
		return Unchanged, nil
	}
	return Applied, nil
}

func (s *Synchronizer) applyDelete(ctx context.Context, ev model.ChangeEvent, current *model.Schedule) (Outcome, error) {
	if current == nil {
		return Ignored, nil
	}

	if _, err := s.store.MarkDeleted(ctx, ev.DataSourceID, ev.Sequence, ev.CorrelationID, ev.Actor, s.now()); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			// A newer event won the conditional write after the read.
			return Stale, nil
		}
		return Ignored, err
	}

	s.triggers.Remove(ev.DataSourceID)
	return Applied, nil
}
