package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dandantas/cadence/internal/database"
	"github.com/dandantas/cadence/internal/events"
	"github.com/dandantas/cadence/internal/metrics"
	"github.com/dandantas/cadence/internal/model"
	"github.com/oliveagle/jsonpath"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// maxResponseBytes caps how much of a processor response is read
const maxResponseBytes = 1024 * 1024

// DataSourceReader loads data sources for processing
type DataSourceReader interface {
	GetByID(ctx context.Context, id primitive.ObjectID) (*model.DataSource, error)
}

// LeaseRunner runs work while holding a data source lease
type LeaseRunner interface {
	Run(ctx context.Context, dataSourceID, correlationID string, fn func(ctx context.Context) (string, error)) (bool, error)
}

// ProcessResult is the outcome of one processing call
type ProcessResult struct {
	StatusCode int
	DurationMs int64
	Result     interface{}
}

// Processor handles polling events on a worker replica: it takes the data
// source lease, hands the event to the processing endpoint and releases the
// lease. A lease held elsewhere means another replica is already working on
// the source and the event is dropped.
type Processor struct {
	httpClient *http.Client
	url        string
	resultPath string
	sources    DataSourceReader
	leases     LeaseRunner
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewHTTPClient creates an HTTP client with connection pooling for processor calls
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// NewProcessor creates a new processor. resultPath is an optional JSONPath
// into the processor response whose value is logged with the outcome.
func NewProcessor(httpClient *http.Client, url, resultPath string, sources DataSourceReader, leases LeaseRunner, m *metrics.Metrics) *Processor {
	return &Processor{
		httpClient: httpClient,
		url:        url,
		resultPath: resultPath,
		sources:    sources,
		leases:     leases,
		metrics:    m,
		logger:     zap.L().Named("processor"),
	}
}

// HandleRecord decodes a polling event record and processes it
func (p *Processor) HandleRecord(ctx context.Context, record *kgo.Record) error {
	ev, err := events.DecodePolling(record.Value)
	if err != nil {
		return err
	}

	if err := p.Process(ctx, ev); err != nil {
		return err
	}
	p.metrics.EventsConsumed.WithLabelValues(record.Topic, "processed").Inc()
	return nil
}

// Process runs one polling cycle for the event's data source
func (p *Processor) Process(ctx context.Context, ev model.PollingEvent) error {
	logger := p.logger.With(
		zap.String("data_source_id", ev.DataSourceID),
		zap.String("correlation_id", ev.CorrelationID),
	)

	id, err := primitive.ObjectIDFromHex(ev.DataSourceID)
	if err != nil {
		return fmt.Errorf("%w: %v", events.ErrMalformedEvent, err)
	}

	start := time.Now()
	granted, err := p.leases.Run(ctx, ev.DataSourceID, ev.CorrelationID, func(ctx context.Context) (string, error) {
		return p.run(ctx, id, ev, logger)
	})
	elapsed := time.Since(start)

	switch {
	case err != nil:
		p.metrics.ProcessingDuration.WithLabelValues("failed").Observe(elapsed.Seconds())
		logger.Error("Processing failed", zap.Error(err), zap.Duration("duration", elapsed))
		return err
	case !granted:
		p.metrics.ProcessingDuration.WithLabelValues("skipped").Observe(elapsed.Seconds())
		logger.Debug("Data source is leased by another worker, skipping")
		return nil
	default:
		p.metrics.ProcessingDuration.WithLabelValues("ok").Observe(elapsed.Seconds())
		return nil
	}
}

func (p *Processor) run(ctx context.Context, id primitive.ObjectID, ev model.PollingEvent, logger *zap.Logger) (string, error) {
	ds, err := p.sources.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			logger.Info("Data source no longer exists, skipping")
			return model.ReleaseSkippedInactive, nil
		}
		return "", err
	}
	if !ds.Active {
		logger.Info("Data source is inactive, skipping")
		return model.ReleaseSkippedInactive, nil
	}

	result, err := p.call(ctx, ev)
	if err != nil {
		return "", err
	}

	fields := []zap.Field{
		zap.String("data_source_name", ds.Name),
		zap.Int("status_code", result.StatusCode),
		zap.Int64("duration_ms", result.DurationMs),
		zap.Bool("manual", ev.Manual),
	}
	if result.Result != nil {
		fields = append(fields, zap.Any("result", result.Result))
	}
	logger.Info("Processing completed", fields...)

	return model.ReleaseCompleted, nil
}

// call posts the polling event to the processing endpoint
func (p *Processor) call(ctx context.Context, ev model.PollingEvent) (*ProcessResult, error) {
	body, err := events.EncodePolling(ev)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", ev.CorrelationID)

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	result := &ProcessResult{
		StatusCode: resp.StatusCode,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return result, fmt.Errorf("processor returned status %d", resp.StatusCode)
	}

	if p.resultPath != "" && len(respBody) > 0 {
		value, err := extract(respBody, p.resultPath)
		if err != nil {
			p.logger.Warn("Failed to extract processing result",
				zap.String("correlation_id", ev.CorrelationID),
				zap.String("path", p.resultPath),
				zap.Error(err),
			)
		} else {
			result.Result = value
		}
	}

	return result, nil
}

func extract(body []byte, path string) (interface{}, error) {
	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return jsonpath.JsonPathLookup(data, path)
}
