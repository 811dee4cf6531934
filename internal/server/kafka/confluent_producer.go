package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/rs/zerolog"

	pkglog "github.com/weiawesome/slippi-broadcast/pkg/log"
)

const headerEventType = "event_type"

// ConfluentProducer publishes broadcast lifecycle events with
// confluent-kafka-go. Events are keyed by broadcast id so a broadcast's
// started and stopped events land on one partition in order.
type ConfluentProducer struct {
	producer *kafka.Producer
	topic    string
	logger   zerolog.Logger
	reported chan struct{}
}

// NewConfluentProducer connects to brokers and makes sure topic exists.
func NewConfluentProducer(brokers, topic string, partitions int) (*ConfluentProducer, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"acks":               "all",
		"enable.idempotence": true,
		"linger.ms":          20,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	cp := &ConfluentProducer{
		producer: p,
		topic:    topic,
		logger:   pkglog.Component("kafka").With().Str("topic", topic).Logger(),
		reported: make(chan struct{}),
	}
	go cp.reportDeliveries()

	if err := cp.ensureTopic(partitions); err != nil {
		cp.logger.Warn().Err(err).Msg("failed to ensure topic, may already exist")
	}
	return cp, nil
}

func (cp *ConfluentProducer) ensureTopic(partitions int) error {
	if partitions <= 0 {
		partitions = 4
	}
	admin, err := kafka.NewAdminClientFromProducer(cp.producer)
	if err != nil {
		return fmt.Errorf("failed to create admin client: %w", err)
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{
		{Topic: cp.topic, NumPartitions: partitions, ReplicationFactor: 1},
	})
	if err != nil {
		return err
	}
	for _, r := range results {
		if code := r.Error.Code(); code != kafka.ErrNoError && code != kafka.ErrTopicAlreadyExists {
			return fmt.Errorf("failed to create topic %s: %v", r.Topic, r.Error)
		}
	}
	return nil
}

func (cp *ConfluentProducer) reportDeliveries() {
	defer close(cp.reported)
	for e := range cp.producer.Events() {
		m, ok := e.(*kafka.Message)
		if !ok || m.TopicPartition.Error == nil {
			continue
		}
		cp.logger.Error().Err(m.TopicPartition.Error).
			Str(pkglog.FieldBroadcastID, string(m.Key)).
			Msg("broadcast event delivery failed")
	}
}

// Produce queues event for delivery. Delivery failures are logged.
func (cp *ConfluentProducer) Produce(ctx context.Context, event *BroadcastEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast event: %w", err)
	}

	err = cp.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &cp.topic, Partition: kafka.PartitionAny},
		Key:            []byte(event.BroadcastID),
		Value:          value,
		Headers:        []kafka.Header{{Key: headerEventType, Value: []byte(event.Type)}},
		Timestamp:      event.Timestamp,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to produce %s: %w", event.Type, err)
	}
	return nil
}

// Close flushes pending events and closes the producer.
func (cp *ConfluentProducer) Close() error {
	if n := cp.producer.Flush(5000); n > 0 {
		cp.logger.Warn().Int("pending", n).Msg("closing with undelivered broadcast events")
	}
	cp.producer.Close()
	<-cp.reported
	return nil
}
