package events

import (
	"context"
	"errors"
	"time"

	"github.com/dandantas/cadence/internal/metrics"
	"github.com/dandantas/cadence/internal/model"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned while the broker is considered unreachable
var ErrCircuitOpen = errors.New("publish circuit open")

// Producer is the part of *kgo.Client the publisher uses
type Producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Publisher writes events to Kafka keyed by data source ID
type Publisher struct {
	producer     Producer
	changesTopic string
	pollingTopic string
	breaker      *CircuitBreaker
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

// NewPublisher creates a new publisher
func NewPublisher(producer Producer, changesTopic, pollingTopic string, m *metrics.Metrics) *Publisher {
	return &Publisher{
		producer:     producer,
		changesTopic: changesTopic,
		pollingTopic: pollingTopic,
		breaker:      NewCircuitBreaker(5, 2, 30*time.Second),
		metrics:      m,
		logger:       zap.L().Named("publisher"),
	}
}

// PublishChange hands a change event to the producer and returns without
// waiting for the broker. A failure is logged and counted; it never reaches
// the caller, whose write has already committed.
func (p *Publisher) PublishChange(ctx context.Context, ev model.ChangeEvent) {
	fields := []zap.Field{
		zap.String("data_source_id", ev.DataSourceID),
		zap.String("correlation_id", ev.CorrelationID),
		zap.String("kind", string(ev.Kind)),
		zap.Int64("sequence", ev.Sequence),
	}

	value, err := EncodeChange(ev)
	if err != nil {
		p.logger.Error("Failed to publish change event", append(fields, zap.Error(err))...)
		p.metrics.EventsPublished.WithLabelValues(p.changesTopic, "failed").Inc()
		return
	}

	if !p.breaker.CanAttempt() {
		p.logger.Error("Failed to publish change event",
			append(fields, zap.Error(ErrCircuitOpen), zap.Stringer("circuit_state", p.breaker.State()))...)
		p.metrics.EventsPublished.WithLabelValues(p.changesTopic, "rejected").Inc()
		return
	}

	record := &kgo.Record{
		Topic: p.changesTopic,
		Key:   []byte(ev.DataSourceID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "correlation_id", Value: []byte(ev.CorrelationID)},
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}

	// The request context ends with the response; delivery must outlive it.
	p.producer.Produce(context.WithoutCancel(ctx), record, func(r *kgo.Record, err error) {
		if err != nil {
			p.breaker.RecordFailure()
			p.metrics.EventsPublished.WithLabelValues(p.changesTopic, "failed").Inc()
			p.logger.Error("Failed to publish change event", append(fields, zap.Error(err))...)
			return
		}
		p.breaker.RecordSuccess()
		p.metrics.EventsPublished.WithLabelValues(p.changesTopic, "ok").Inc()
		p.logger.Debug("Published change event",
			append(fields, zap.Int32("partition", r.Partition), zap.Int64("offset", r.Offset))...)
	})
}

// PublishPolling writes a polling event and waits for the broker to acknowledge it
func (p *Publisher) PublishPolling(ctx context.Context, ev model.PollingEvent) error {
	value, err := EncodePolling(ev)
	if err != nil {
		return err
	}

	record := &kgo.Record{
		Topic: p.pollingTopic,
		Key:   []byte(ev.DataSourceID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "correlation_id", Value: []byte(ev.CorrelationID)},
		},
	}

	return p.produceSync(ctx, record)
}

// PublishDeadLetter copies a record that could not be handled to the
// dead-letter topic of its source topic, recording why.
func (p *Publisher) PublishDeadLetter(ctx context.Context, src *kgo.Record, cause error) error {
	headers := append([]kgo.RecordHeader{}, src.Headers...)
	headers = append(headers,
		kgo.RecordHeader{Key: "error", Value: []byte(cause.Error())},
		kgo.RecordHeader{Key: "source_topic", Value: []byte(src.Topic)},
		kgo.RecordHeader{Key: "failed_at", Value: []byte(time.Now().UTC().Format(time.RFC3339))},
	)

	// Dead letters bypass the breaker: the consumer retries them until they
	// land, and an outage on the polling topic must not reject them.
	record := &kgo.Record{
		Topic:   DeadLetterTopic(src.Topic),
		Key:     src.Key,
		Value:   src.Value,
		Headers: headers,
	}
	if err := p.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		p.metrics.EventsPublished.WithLabelValues(record.Topic, "failed").Inc()
		return err
	}
	p.metrics.EventsPublished.WithLabelValues(record.Topic, "ok").Inc()
	return nil
}

func (p *Publisher) produceSync(ctx context.Context, record *kgo.Record) error {
	if !p.breaker.CanAttempt() {
		p.metrics.EventsPublished.WithLabelValues(record.Topic, "rejected").Inc()
		return ErrCircuitOpen
	}

	if err := p.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		p.breaker.RecordFailure()
		p.metrics.EventsPublished.WithLabelValues(record.Topic, "failed").Inc()
		return err
	}

	p.breaker.RecordSuccess()
	p.metrics.EventsPublished.WithLabelValues(record.Topic, "ok").Inc()
	return nil
}
