package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dandantas/cadence/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

var (
	// ErrInvalidID is returned for identifiers that are not valid object IDs
	ErrInvalidID = errors.New("invalid ID format")
	// ErrValidation wraps configuration validation failures
	ErrValidation = errors.New("validation failed")
)

// DataSourceStore is the data source storage
type DataSourceStore interface {
	Create(ctx context.Context, ds *model.DataSource) error
	GetByID(ctx context.Context, id primitive.ObjectID) (*model.DataSource, error)
	List(ctx context.Context, filter bson.M, page, limit int) ([]model.DataSource, int64, error)
	Update(ctx context.Context, id primitive.ObjectID, ds *model.DataSource) (*model.DataSource, error)
	SoftDelete(ctx context.Context, id primitive.ObjectID, actor string) (*model.DataSource, error)
}

// ChangePublisher announces committed data source changes
type ChangePublisher interface {
	PublishChange(ctx context.Context, ev model.ChangeEvent)
}

// LeaseGranter exposes the lease manager to external workers
type LeaseGranter interface {
	TryAcquire(ctx context.Context, dataSourceID, correlationID, ownerProcessID, ownerHost string) (bool, error)
	Release(ctx context.Context, dataSourceID, reason string) error
}

// DataSourceService handles data source configuration management.
// Every committed mutation is followed by a change event carrying the
// post-write sequence.
type DataSourceService struct {
	repo      DataSourceStore
	publisher ChangePublisher
	leases    LeaseGranter
	logger    *zap.Logger
}

// NewDataSourceService creates a new data source service
func NewDataSourceService(repo DataSourceStore, publisher ChangePublisher, leases LeaseGranter) *DataSourceService {
	return &DataSourceService{
		repo:      repo,
		publisher: publisher,
		leases:    leases,
		logger:    zap.L().Named("registry"),
	}
}

// Create creates a new data source and announces it
func (s *DataSourceService) Create(ctx context.Context, ds *model.DataSource, actor, correlationID string) error {
	if err := ds.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	ds.Metadata.CreatedBy = actor
	ds.Metadata.UpdatedBy = actor

	if err := s.repo.Create(ctx, ds); err != nil {
		return err
	}

	s.logger.Info("Data source created",
		zap.String("data_source_id", ds.ID.Hex()),
		zap.String("correlation_id", correlationID),
		zap.String("actor", actor),
	)
	s.publisher.PublishChange(ctx, model.NewChangeEvent(ds, model.ChangeCreated, correlationID, actor))
	return nil
}

// GetByID retrieves a data source by ID
func (s *DataSourceService) GetByID(ctx context.Context, id string) (*model.DataSource, error) {
	objID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, objID)
}

// List retrieves data sources with filtering
func (s *DataSourceService) List(ctx context.Context, active *bool, supplier string, tags []string, page, limit int) ([]model.DataSourceListItem, int64, error) {
	filter := bson.M{}
	if active != nil {
		filter["active"] = *active
	}
	if supplier != "" {
		filter["supplier_name"] = supplier
	}
	if len(tags) > 0 {
		filter["metadata.tags"] = bson.M{"$in": tags}
	}

	sources, total, err := s.repo.List(ctx, filter, page, limit)
	if err != nil {
		return nil, 0, err
	}

	items := make([]model.DataSourceListItem, len(sources))
	for i := range sources {
		items[i] = sources[i].ToListItem()
	}

	return items, total, nil
}

// Update replaces the configuration of a data source and announces it
func (s *DataSourceService) Update(ctx context.Context, id string, ds *model.DataSource, actor, correlationID string) (*model.DataSource, error) {
	objID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	if err := ds.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	ds.Metadata.UpdatedBy = actor

	updated, err := s.repo.Update(ctx, objID, ds)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Data source updated",
		zap.String("data_source_id", id),
		zap.String("correlation_id", correlationID),
		zap.Int64("sequence", updated.Sequence),
	)
	s.publisher.PublishChange(ctx, model.NewChangeEvent(updated, model.ChangeUpdated, correlationID, actor))
	return updated, nil
}

// Delete soft-deletes a data source, clearing its lease, and announces it
func (s *DataSourceService) Delete(ctx context.Context, id, actor, correlationID string) error {
	objID, err := parseID(id)
	if err != nil {
		return err
	}

	deleted, err := s.repo.SoftDelete(ctx, objID, actor)
	if err != nil {
		return err
	}

	s.logger.Info("Data source deleted",
		zap.String("data_source_id", id),
		zap.String("correlation_id", correlationID),
		zap.Int64("sequence", deleted.Sequence),
	)
	s.publisher.PublishChange(ctx, model.NewChangeEvent(deleted, model.ChangeDeleted, correlationID, actor))
	return nil
}

// AcquireLease grants the lease of a data source to an external worker.
// A lease held by another live owner is reported as not granted.
func (s *DataSourceService) AcquireLease(ctx context.Context, id string, owner model.LeaseOwner) (bool, error) {
	if _, err := parseID(id); err != nil {
		return false, err
	}
	if strings.TrimSpace(owner.CorrelationID) == "" {
		return false, fmt.Errorf("%w: correlation_id is required", ErrValidation)
	}
	return s.leases.TryAcquire(ctx, id, owner.CorrelationID, owner.ProcessID, owner.Host)
}

// ReleaseLease clears the lease of a data source. Releasing a free lease is a no-op.
func (s *DataSourceService) ReleaseLease(ctx context.Context, id, reason string) error {
	if _, err := parseID(id); err != nil {
		return err
	}
	if reason == "" {
		reason = model.ReleaseManual
	}
	return s.leases.Release(ctx, id, reason)
}

func parseID(id string) (primitive.ObjectID, error) {
	objID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return objID, nil
}
