package model

import "time"

// Lease is the processing lease embedded in a data source document.
// Leased is true exactly when StartedAt is set; owner fields are only
// populated while the lease is held.
type Lease struct {
	Leased             bool       `json:"leased" bson:"leased"`
	StartedAt          *time.Time `json:"lease_started_at,omitempty" bson:"lease_started_at,omitempty"`
	OwnerCorrelationID string     `json:"lease_owner_correlation_id,omitempty" bson:"lease_owner_correlation_id,omitempty"`
	OwnerProcessID     string     `json:"lease_owner_process_id,omitempty" bson:"lease_owner_process_id,omitempty"` // Pod identifier
	OwnerHost          string     `json:"lease_owner_host,omitempty" bson:"lease_owner_host,omitempty"`
	CompletedAt        *time.Time `json:"lease_completed_at,omitempty" bson:"lease_completed_at,omitempty"`
	ReleaseReason      string     `json:"lease_release_reason,omitempty" bson:"lease_release_reason,omitempty"`
}

// Expired reports whether a held lease started before now-maxAge.
func (l Lease) Expired(now time.Time, maxAge time.Duration) bool {
	return l.Leased && l.StartedAt != nil && l.StartedAt.Before(now.Add(-maxAge))
}

// Release reasons recorded in lease_release_reason
const (
	ReleaseCompleted       = "completed"
	ReleaseError           = "error"
	ReleasePanic           = "panic"
	ReleaseTimeout         = "timeout"
	ReleaseShutdown        = "shutdown"
	ReleaseDeleted         = "deleted"
	ReleaseSkippedInactive = "skipped_inactive"
	ReleaseManual          = "manual"
)

// LeaseOwner identifies the caller of an acquire. It is recorded for
// diagnostics and never consulted when granting.
type LeaseOwner struct {
	CorrelationID string `json:"correlation_id"`
	ProcessID     string `json:"process_id"`
	Host          string `json:"host"`
}
