// Package lease grants time-bounded exclusive processing rights on data sources.
//
// The lease lives inside the data source document. A grant is a single
// conditional update that matches only a free lease or one older than the
// configured maximum duration, so concurrent callers are serialized by the
// datastore and a crashed holder is recovered by the next caller. Owner
// identity is recorded for diagnostics and never decides a grant.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/dandantas/cadence/internal/metrics"
	"github.com/dandantas/cadence/internal/model"
	"go.uber.org/zap"
)

// DefaultMaxDuration bounds how long a holder may keep a lease before it is reclaimable
const DefaultMaxDuration = 5 * time.Minute

// Store is the atomic lease storage
type Store interface {
	TryAcquire(ctx context.Context, dataSourceID string, owner model.LeaseOwner, now time.Time, maxAge time.Duration) (*model.Lease, bool, error)
	Release(ctx context.Context, dataSourceID, reason string, now time.Time) (bool, error)
	ReleaseOwned(ctx context.Context, dataSourceID, correlationID, reason string, now time.Time) (bool, error)
	ReleaseExpired(ctx context.Context, now time.Time, maxAge time.Duration) (int64, error)
	ReleaseAllOwned(ctx context.Context, processID string, now time.Time) (int64, error)
}

// Manager hands out leases on behalf of one process
type Manager struct {
	store       Store
	maxDuration time.Duration
	processID   string
	host        string
	metrics     *metrics.Metrics
	logger      *zap.Logger
	now         func() time.Time
}

// NewManager creates a lease manager. processID and host identify this
// process in the lease owner fields.
func NewManager(store Store, maxDuration time.Duration, processID, host string, m *metrics.Metrics) *Manager {
	if maxDuration <= 0 {
		maxDuration = DefaultMaxDuration
	}
	return &Manager{
		store:       store,
		maxDuration: maxDuration,
		processID:   processID,
		host:        host,
		metrics:     m,
		logger:      zap.L().Named("lease"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// TryAcquire attempts to take the lease of a data source. It returns
// immediately; false with a nil error means another live holder has it.
func (m *Manager) TryAcquire(ctx context.Context, dataSourceID, correlationID, ownerProcessID, ownerHost string) (bool, error) {
	owner := model.LeaseOwner{
		CorrelationID: correlationID,
		ProcessID:     ownerProcessID,
		Host:          ownerHost,
	}

	now := m.now()
	before, granted, err := m.store.TryAcquire(ctx, dataSourceID, owner, now, m.maxDuration)
	if err != nil {
		return false, fmt.Errorf("acquire lease on %s: %w", dataSourceID, err)
	}

	if !granted {
		m.metrics.LeaseAcquire.WithLabelValues("contended").Inc()
		m.logger.Debug("Lease held by another owner",
			zap.String("data_source_id", dataSourceID),
			zap.String("correlation_id", correlationID),
		)
		return false, nil
	}

	if before != nil && before.Leased {
		m.metrics.LeaseAcquire.WithLabelValues("reclaimed").Inc()
		fields := []zap.Field{
			zap.String("data_source_id", dataSourceID),
			zap.String("correlation_id", correlationID),
			zap.String("previous_owner_process_id", before.OwnerProcessID),
			zap.String("previous_owner_host", before.OwnerHost),
			zap.String("previous_correlation_id", before.OwnerCorrelationID),
		}
		if before.StartedAt != nil {
			fields = append(fields, zap.Duration("lease_age", now.Sub(*before.StartedAt)))
		}
		m.logger.Warn("Reclaimed stale lease", fields...)
		return true, nil
	}

	m.metrics.LeaseAcquire.WithLabelValues("granted").Inc()
	m.logger.Debug("Lease acquired",
		zap.String("data_source_id", dataSourceID),
		zap.String("correlation_id", correlationID),
	)
	return true, nil
}

// Acquire takes the lease with this manager's process identity
func (m *Manager) Acquire(ctx context.Context, dataSourceID, correlationID string) (bool, error) {
	return m.TryAcquire(ctx, dataSourceID, correlationID, m.processID, m.host)
}

// Release clears the lease of a data source. Releasing a free lease is a no-op.
func (m *Manager) Release(ctx context.Context, dataSourceID, reason string) error {
	released, err := m.store.Release(ctx, dataSourceID, reason, m.now())
	if err != nil {
		return fmt.Errorf("release lease on %s: %w", dataSourceID, err)
	}
	m.logRelease(dataSourceID, "", reason, released)
	return nil
}

// ReleaseOwned clears the lease only if it is still held under correlationID,
// so a holder whose lease was reclaimed cannot release its successor's lease.
func (m *Manager) ReleaseOwned(ctx context.Context, dataSourceID, correlationID, reason string) error {
	released, err := m.store.ReleaseOwned(ctx, dataSourceID, correlationID, reason, m.now())
	if err != nil {
		return fmt.Errorf("release lease on %s: %w", dataSourceID, err)
	}
	m.logRelease(dataSourceID, correlationID, reason, released)
	return nil
}

func (m *Manager) logRelease(dataSourceID, correlationID, reason string, released bool) {
	if !released {
		m.logger.Debug("Lease already released",
			zap.String("data_source_id", dataSourceID),
			zap.String("correlation_id", correlationID),
			zap.String("reason", reason),
		)
		return
	}
	m.metrics.LeaseRelease.WithLabelValues(reason).Inc()
	m.logger.Debug("Lease released",
		zap.String("data_source_id", dataSourceID),
		zap.String("correlation_id", correlationID),
		zap.String("reason", reason),
	)
}

// Run acquires the lease and, when granted, runs fn and releases the lease on
// every exit path. A lease that was not granted is not an error: fn is skipped
// and granted is false. fn may return a release reason; an empty reason
// becomes completed or error depending on fn's error.
func (m *Manager) Run(ctx context.Context, dataSourceID, correlationID string, fn func(ctx context.Context) (string, error)) (granted bool, err error) {
	granted, err = m.Acquire(ctx, dataSourceID, correlationID)
	if err != nil || !granted {
		return granted, err
	}

	reason := model.ReleasePanic
	defer func() {
		// The caller's context may already be cancelled; the release must still happen.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if relErr := m.ReleaseOwned(releaseCtx, dataSourceID, correlationID, reason); relErr != nil {
			m.logger.Error("Failed to release lease",
				zap.String("data_source_id", dataSourceID),
				zap.String("correlation_id", correlationID),
				zap.Error(relErr),
			)
			if err == nil {
				err = relErr
			}
		}
	}()

	fnReason, fnErr := fn(ctx)
	switch {
	case fnReason != "":
		reason = fnReason
	case fnErr != nil:
		reason = model.ReleaseError
	default:
		reason = model.ReleaseCompleted
	}

	return true, fnErr
}

// Reclaim clears every lease older than the maximum duration
func (m *Manager) Reclaim(ctx context.Context) (int64, error) {
	count, err := m.store.ReleaseExpired(ctx, m.now(), m.maxDuration)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	if count > 0 {
		m.metrics.LeaseRelease.WithLabelValues(model.ReleaseTimeout).Add(float64(count))
		m.logger.Warn("Reclaimed expired leases",
			zap.Int64("count", count),
			zap.Duration("max_duration", m.maxDuration),
		)
	}
	return count, nil
}

// ReleaseAllOwned clears every lease held by this process.
// This is typically called during graceful shutdown.
func (m *Manager) ReleaseAllOwned(ctx context.Context) (int64, error) {
	count, err := m.store.ReleaseAllOwned(ctx, m.processID, m.now())
	if err != nil {
		return 0, fmt.Errorf("release leases of %s: %w", m.processID, err)
	}
	if count > 0 {
		m.metrics.LeaseRelease.WithLabelValues(model.ReleaseShutdown).Add(float64(count))
		m.logger.Info("Released all leases during shutdown",
			zap.String("pod_id", m.processID),
			zap.Int64("count", count),
		)
	}
	return count, nil
}

// StartReclaimer runs Reclaim every period until ctx is done
func (m *Manager) StartReclaimer(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Reclaim(ctx); err != nil {
				m.logger.Error("Lease reclaim sweep failed", zap.Error(err))
			}
		}
	}
}
