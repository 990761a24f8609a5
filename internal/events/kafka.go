package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// DeadLetterTopic returns the dead-letter topic of topic
func DeadLetterTopic(topic string) string {
	return topic + ".dlq"
}

// NewProducerClient creates a Kafka client used only for producing. Records
// are partitioned by key, so every event of one data source lands on the same
// partition.
func NewProducerClient(brokers []string, clientID string) (*kgo.Client, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ProducerLinger(5*time.Millisecond),
		kgo.RecordDeliveryTimeout(30*time.Second),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return client, nil
}

// NewConsumerClient creates a Kafka consumer group client. Offsets are only
// committed by the Consumer after a whole poll has been handled.
func NewConsumerClient(brokers []string, clientID, group string, topics ...string) (*kgo.Client, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	return client, nil
}

// EnsureTopics creates topics that do not exist yet, using broker defaults
// for partitions and replication.
func EnsureTopics(ctx context.Context, client *kgo.Client, topics ...string) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	admin := kadm.NewClient(client)
	responses, err := admin.CreateTopics(ctxTimeout, -1, -1, nil, topics...)
	if err != nil {
		return fmt.Errorf("failed to create topics: %w", err)
	}

	logger := zap.L().Named("events")
	for _, r := range responses.Sorted() {
		switch {
		case r.Err == nil:
			logger.Info("Created topic", zap.String("topic", r.Topic))
		case errors.Is(r.Err, kerr.TopicAlreadyExists):
		default:
			return fmt.Errorf("failed to create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}
