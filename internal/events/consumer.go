package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dandantas/cadence/internal/metrics"
	"github.com/dandantas/cadence/internal/worker"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// errUnsettled means a record of the poll was neither handled nor dead-lettered
var errUnsettled = errors.New("record neither handled nor dead-lettered")

// Handler applies one record. Returning an error wrapping ErrMalformedEvent
// dead-letters the record at once; other errors are retried with backoff.
type Handler func(ctx context.Context, record *kgo.Record) error

// Fetcher is the part of *kgo.Client the consumer uses
type Fetcher interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitUncommittedOffsets(ctx context.Context) error
	AllowRebalance()
}

// DeadLetterer receives records that could not be handled
type DeadLetterer interface {
	PublishDeadLetter(ctx context.Context, src *kgo.Record, cause error) error
}

// Consumer drains a consumer group through a keyed worker pool: records of one
// data source are handled one at a time, in partition order, while different
// data sources proceed in parallel. Offsets are committed once every record of
// a poll has been handled or dead-lettered, so a crash replays rather than loses.
type Consumer struct {
	name       string
	fetcher    Fetcher
	deadLetter DeadLetterer
	pool       *worker.KeyedPool
	handler    Handler
	maxRetries uint64
	newBackOff func() backoff.BackOff

	// newDeadLetterBackOff paces dead-letter attempts; they stop only on
	// success or shutdown.
	newDeadLetterBackOff func() backoff.BackOff

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// ConsumerConfig configures a Consumer
type ConsumerConfig struct {
	// Name labels logs and metrics
	Name       string
	Workers    int
	MaxRetries uint64
}

// NewConsumer creates a new consumer
func NewConsumer(cfg ConsumerConfig, fetcher Fetcher, deadLetter DeadLetterer, handler Handler, m *metrics.Metrics) *Consumer {
	return &Consumer{
		name:       cfg.Name,
		fetcher:    fetcher,
		deadLetter: deadLetter,
		pool:       worker.NewKeyedPool(cfg.Workers, 64),
		handler:    handler,
		maxRetries: cfg.MaxRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 2 * time.Minute
			return b
		},
		newDeadLetterBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		metrics: m,
		logger:  zap.L().Named("consumer").With(zap.String("consumer", cfg.Name)),
	}
}

// Run polls until ctx is done or the client is closed
func (c *Consumer) Run(ctx context.Context) error {
	c.pool.Start()
	defer c.pool.Stop()

	c.logger.Info("Consumer started")
	defer c.logger.Info("Consumer stopped")

	for {
		fetches := c.fetcher.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Error("Fetch failed",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err),
			)
		})

		if err := c.dispatch(ctx, fetches); err != nil {
			// Nothing of this poll is committed; the records are replayed by
			// whichever member owns the partitions next.
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := c.fetcher.CommitUncommittedOffsets(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("Failed to commit offsets", zap.Error(err))
		}
		c.fetcher.AllowRebalance()
	}
}

func (c *Consumer) dispatch(ctx context.Context, fetches kgo.Fetches) error {
	var (
		wg        sync.WaitGroup
		submitErr error
		unsettled atomic.Bool
	)

	fetches.EachRecord(func(record *kgo.Record) {
		if submitErr != nil {
			return
		}
		run := func(context.Context) {
			if !c.handle(ctx, record) {
				unsettled.Store(true)
			}
		}
		wg.Add(1)
		err := c.pool.Submit(ctx, worker.Task{
			Key:  string(record.Key),
			Run:  run,
			Done: wg.Done,
		})
		if err != nil {
			wg.Done()
			submitErr = err
		}
	})
	c.logger.Debug("Batch dispatched",
		zap.Int("records", fetches.NumRecords()),
		zap.Int("queued", c.pool.QueueLength()),
	)

	wg.Wait()
	if submitErr != nil {
		return submitErr
	}
	if unsettled.Load() {
		return errUnsettled
	}
	return nil
}

// handle applies a record, dead-lettering it when it cannot be applied. It
// reports whether the record is settled and its offset may be committed.
func (c *Consumer) handle(ctx context.Context, record *kgo.Record) bool {
	fields := []zap.Field{
		zap.String("topic", record.Topic),
		zap.Int32("partition", record.Partition),
		zap.Int64("offset", record.Offset),
		zap.ByteString("key", record.Key),
	}

	operation := func() error {
		err := c.handler(ctx, record)
		if errors.Is(err, ErrMalformedEvent) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("Handling failed, retrying", append(fields, zap.Error(err), zap.Duration("wait", wait))...)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), ctx)
	err := backoff.RetryNotify(operation, policy, notify)
	if err == nil {
		return true
	}
	if ctx.Err() != nil {
		// Shutting down: the offset is not committed and the record is replayed.
		return false
	}

	c.logger.Error("Dead-lettering record", append(fields, zap.Error(err))...)

	cause := err
	publish := func() error {
		return c.deadLetter.PublishDeadLetter(ctx, record, cause)
	}
	dlqNotify := func(dlqErr error, wait time.Duration) {
		c.logger.Error("Failed to dead-letter record, retrying", append(fields, zap.Error(dlqErr), zap.Duration("wait", wait))...)
	}
	if dlqErr := backoff.RetryNotify(publish, backoff.WithContext(c.newDeadLetterBackOff(), ctx), dlqNotify); dlqErr != nil {
		c.logger.Error("Record left uncommitted", append(fields, zap.Error(dlqErr))...)
		return false
	}

	c.metrics.EventsConsumed.WithLabelValues(record.Topic, "dead_lettered").Inc()
	return true
}
