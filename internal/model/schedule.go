package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Schedule is the scheduler's record of one data source's polling trigger.
// There is at most one record per data source.
type Schedule struct {
	ID                     primitive.ObjectID `json:"-" bson:"_id,omitempty"`
	DataSourceID           string             `json:"data_source_id" bson:"data_source_id"`
	DataSourceName         string             `json:"data_source_name" bson:"data_source_name"`
	SupplierName           string             `json:"supplier_name" bson:"supplier_name"`
	CronExpression         string             `json:"cron_expression" bson:"cron_expression"`
	PollingIntervalSeconds int64              `json:"polling_interval_seconds,omitempty" bson:"polling_interval_seconds,omitempty"`
	Active                 bool               `json:"active" bson:"active"`
	Paused                 bool               `json:"paused" bson:"paused"`
	Deleted                bool               `json:"deleted" bson:"deleted"`
	JobKey                 string             `json:"job_key" bson:"job_key"`
	TriggerKey             string             `json:"trigger_key" bson:"trigger_key"`
	LastSequence           int64              `json:"last_sequence" bson:"last_sequence"`
	LastExecutionTime      *time.Time         `json:"last_execution_time,omitempty" bson:"last_execution_time,omitempty"`
	NextExecutionTime      *time.Time         `json:"next_execution_time,omitempty" bson:"next_execution_time,omitempty"`
	ExecutionCount         int64              `json:"execution_count" bson:"execution_count"`
	LastError              string             `json:"last_error,omitempty" bson:"last_error,omitempty"`
	CorrelationID          string             `json:"correlation_id,omitempty" bson:"correlation_id,omitempty"`
	CreatedAt              time.Time          `json:"created_at" bson:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at" bson:"updated_at"`
	UpdatedBy              string             `json:"updated_by,omitempty" bson:"updated_by,omitempty"`
}

// Schedulable reports whether the record should have a live trigger.
func (s *Schedule) Schedulable() bool {
	return s.Active && !s.Paused && !s.Deleted && s.CronExpression != ""
}

// JobKey returns the job key of a data source's polling job.
func JobKey(dataSourceID string) string {
	return "polling-" + dataSourceID
}

// TriggerKey returns the trigger key of a data source's polling job.
func TriggerKey(dataSourceID string) string {
	return "trigger-" + dataSourceID
}

// ScheduleSummary is the read-only view returned by the schedule endpoints.
type ScheduleSummary struct {
	DataSourceID      string `json:"data_source_id"`
	DataSourceName    string `json:"data_source_name"`
	SupplierName      string `json:"supplier_name"`
	CronExpression    string `json:"cron_expression"`
	Active            bool   `json:"active"`
	Paused            bool   `json:"paused"`
	Deleted           bool   `json:"deleted"`
	LastSequence      int64  `json:"last_sequence"`
	LastExecutionTime string `json:"last_execution_time,omitempty"`
	NextExecutionTime string `json:"next_execution_time,omitempty"`
	ExecutionCount    int64  `json:"execution_count"`
	LastError         string `json:"last_error,omitempty"`
	UpdatedAt         string `json:"updated_at"`
}

// ToSummary converts Schedule to ScheduleSummary
func (s *Schedule) ToSummary() ScheduleSummary {
	return ScheduleSummary{
		DataSourceID:      s.DataSourceID,
		DataSourceName:    s.DataSourceName,
		SupplierName:      s.SupplierName,
		CronExpression:    s.CronExpression,
		Active:            s.Active,
		Paused:            s.Paused,
		Deleted:           s.Deleted,
		LastSequence:      s.LastSequence,
		LastExecutionTime: formatTime(s.LastExecutionTime),
		NextExecutionTime: formatTime(s.NextExecutionTime),
		ExecutionCount:    s.ExecutionCount,
		LastError:         s.LastError,
		UpdatedAt:         formatTime(&s.UpdatedAt),
	}
}
