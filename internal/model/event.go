package model

import (
	"time"

	"github.com/dandantas/cadence/internal/cronspec"
)

// ChangeKind is the kind of a configuration change.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// Valid reports whether k is a known change kind.
func (k ChangeKind) Valid() bool {
	switch k {
	case ChangeCreated, ChangeUpdated, ChangeDeleted:
		return true
	}
	return false
}

// ChangeEvent is published by the registry after every committed mutation of a
// data source and consumed by the scheduler.
type ChangeEvent struct {
	CorrelationID          string     `json:"correlationId"`
	DataSourceID           string     `json:"dataSourceId"`
	DataSourceName         string     `json:"dataSourceName"`
	SupplierName           string     `json:"supplierName"`
	ExplicitCron           *string    `json:"explicitCron"`
	PollingIntervalSeconds *int64     `json:"pollingIntervalSeconds"`
	IsActive               bool       `json:"isActive"`
	Kind                   ChangeKind `json:"kind"`
	Sequence               int64      `json:"sequence"`
	Actor                  string     `json:"actor"`
	Timestamp              time.Time  `json:"timestamp"`
}

// Intent returns the schedule intent carried by the event.
func (e *ChangeEvent) Intent() cronspec.ScheduleIntent {
	var explicit string
	if e.ExplicitCron != nil {
		explicit = *e.ExplicitCron
	}
	var interval time.Duration
	if e.PollingIntervalSeconds != nil {
		interval = time.Duration(*e.PollingIntervalSeconds) * time.Second
	}
	return cronspec.IntentFrom(explicit, interval)
}

// NewChangeEvent builds the event for a committed write of ds. ds must carry
// the post-write sequence.
func NewChangeEvent(ds *DataSource, kind ChangeKind, correlationID, actor string) ChangeEvent {
	ev := ChangeEvent{
		CorrelationID:  correlationID,
		DataSourceID:   ds.ID.Hex(),
		DataSourceName: ds.Name,
		SupplierName:   ds.SupplierName,
		IsActive:       ds.Active && !ds.Deleted,
		Kind:           kind,
		Sequence:       ds.Sequence,
		Actor:          actor,
		Timestamp:      time.Now().UTC(),
	}
	if ds.CronExpression != "" {
		expr := ds.CronExpression
		ev.ExplicitCron = &expr
	}
	if ds.PollingIntervalSeconds > 0 {
		seconds := ds.PollingIntervalSeconds
		ev.PollingIntervalSeconds = &seconds
	}
	return ev
}

// PollingEvent is published by the scheduler when a data source's trigger fires.
type PollingEvent struct {
	CorrelationID  string    `json:"correlationId"`
	DataSourceID   string    `json:"dataSourceId"`
	DataSourceName string    `json:"dataSourceName"`
	SupplierName   string    `json:"supplierName"`
	ScheduledAt    time.Time `json:"scheduledAt"`
	Manual         bool      `json:"manual"`
}
