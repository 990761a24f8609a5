package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dandantas/cadence/internal/cronspec"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	MinPollingInterval = time.Second
	MaxPollingInterval = 24 * time.Hour
)

// DataSource represents a data source configuration document.
// It is owned by the registry; the lease fields are mutated only through
// the lease repository.
type DataSource struct {
	ID                     primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	Name                   string             `json:"name" bson:"name"`
	SupplierName           string             `json:"supplier_name" bson:"supplier_name"`
	Description            string             `json:"description,omitempty" bson:"description,omitempty"`
	Active                 bool               `json:"active" bson:"active"`
	CronExpression         string             `json:"cron_expression,omitempty" bson:"cron_expression,omitempty"`
	PollingIntervalSeconds int64              `json:"polling_interval_seconds,omitempty" bson:"polling_interval_seconds,omitempty"`
	Sequence               int64              `json:"sequence" bson:"sequence"`
	Deleted                bool               `json:"deleted,omitempty" bson:"deleted"`
	DeletedAt              *time.Time         `json:"deleted_at,omitempty" bson:"deleted_at,omitempty"`
	DeletedBy              string             `json:"deleted_by,omitempty" bson:"deleted_by,omitempty"`
	Lease                  `bson:",inline"`
	Metadata               Metadata `json:"metadata" bson:"metadata"`
}

// PollingInterval returns the legacy polling interval.
func (ds *DataSource) PollingInterval() time.Duration {
	return time.Duration(ds.PollingIntervalSeconds) * time.Second
}

// Intent returns the schedule intent of the data source.
func (ds *DataSource) Intent() cronspec.ScheduleIntent {
	return cronspec.IntentFrom(ds.CronExpression, ds.PollingInterval())
}

// Validate validates the data source configuration and fills metadata timestamps
func (ds *DataSource) Validate() error {
	ds.Name = strings.TrimSpace(ds.Name)
	ds.SupplierName = strings.TrimSpace(ds.SupplierName)
	ds.CronExpression = strings.TrimSpace(ds.CronExpression)

	if ds.Name == "" {
		return errors.New("data source name is required")
	}
	if len(ds.Name) > 200 {
		return errors.New("data source name must be 200 characters or less")
	}
	if ds.SupplierName == "" {
		return errors.New("supplier name is required")
	}
	if len(ds.SupplierName) > 200 {
		return errors.New("supplier name must be 200 characters or less")
	}

	if ds.CronExpression != "" {
		if err := cronspec.Validate(ds.CronExpression); err != nil {
			return err
		}
	} else {
		interval := ds.PollingInterval()
		if interval == 0 {
			return errors.New("either cron_expression or polling_interval_seconds is required")
		}
		if interval < MinPollingInterval || interval > MaxPollingInterval {
			return fmt.Errorf("polling interval %s must be between %s and %s", interval, MinPollingInterval, MaxPollingInterval)
		}
	}

	now := time.Now().UTC()
	if ds.Metadata.CreatedAt.IsZero() {
		ds.Metadata.CreatedAt = now
	}
	ds.Metadata.UpdatedAt = now

	return nil
}

// DataSourceListItem represents a summary of a data source for list responses
type DataSourceListItem struct {
	ID                     string   `json:"id"`
	Name                   string   `json:"name"`
	SupplierName           string   `json:"supplier_name"`
	Active                 bool     `json:"active"`
	CronExpression         string   `json:"cron_expression,omitempty"`
	PollingIntervalSeconds int64    `json:"polling_interval_seconds,omitempty"`
	Sequence               int64    `json:"sequence"`
	Leased                 bool     `json:"leased"`
	LeaseStartedAt         string   `json:"lease_started_at,omitempty"`
	LeaseOwnerHost         string   `json:"lease_owner_host,omitempty"`
	LeaseCompletedAt       string   `json:"lease_completed_at,omitempty"`
	CreatedAt              string   `json:"created_at"`
	UpdatedAt              string   `json:"updated_at"`
	Tags                   []string `json:"tags,omitempty"`
}

// ToListItem converts DataSource to DataSourceListItem
func (ds *DataSource) ToListItem() DataSourceListItem {
	return DataSourceListItem{
		ID:                     ds.ID.Hex(),
		Name:                   ds.Name,
		SupplierName:           ds.SupplierName,
		Active:                 ds.Active,
		CronExpression:         ds.CronExpression,
		PollingIntervalSeconds: ds.PollingIntervalSeconds,
		Sequence:               ds.Sequence,
		Leased:                 ds.Leased,
		LeaseStartedAt:         formatTime(ds.StartedAt),
		LeaseOwnerHost:         ds.OwnerHost,
		LeaseCompletedAt:       formatTime(ds.CompletedAt),
		CreatedAt:              formatTime(&ds.Metadata.CreatedAt),
		UpdatedAt:              formatTime(&ds.Metadata.UpdatedAt),
		Tags:                   ds.Metadata.Tags,
	}
}
