package pubsub

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/rs/zerolog"

	pkglog "github.com/weiawesome/slippi-broadcast/pkg/log"
)

// route maps a relay channel onto a Kafka topic and message key. All
// broadcasts share one topic per direction and are keyed by broadcast id, so
// a broadcast's frames stay on one partition and keep their order.
//
//	"relay:broadcast:B123:to_viewers" -> "relay-to-viewers", "B123"
func route(channel string) (topic, key string, err error) {
	parts := strings.Split(channel, ":")
	if len(parts) != 4 || parts[1] != "broadcast" {
		return "", "", fmt.Errorf("invalid channel format: %s", channel)
	}
	return parts[0] + "-" + strings.ReplaceAll(parts[3], "_", "-"), parts[2], nil
}

// routePattern maps a pattern with a wildcard broadcast id onto its topic.
func routePattern(pattern string) (string, error) {
	topic, key, err := route(pattern)
	if err != nil {
		return "", err
	}
	if key != "*" {
		return "", fmt.Errorf("pattern must wildcard the broadcast id: %s", pattern)
	}
	return topic, nil
}

var groupIDRegexp = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func sanitizeGroupID(s string) string {
	return groupIDRegexp.ReplaceAllString(s, "-")
}

type kafkaSubscription struct {
	consumer *kafka.Consumer
	cancel   context.CancelFunc
	done     chan struct{}
}

// KafkaPubSub fans relay events out across instances through Kafka.
type KafkaPubSub struct {
	producer *kafka.Producer
	config   KafkaConfig
	buffer   int
	logger   zerolog.Logger
	reported chan struct{}

	mu   sync.Mutex
	subs map[string]*kafkaSubscription
}

// NewKafkaPubSub creates the shared producer and makes sure the viewer topic
// exists.
func NewKafkaPubSub(cfg KafkaConfig) (*KafkaPubSub, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"acks":              "1",
		"linger.ms":         2,
		"compression.type":  "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	k := &KafkaPubSub{
		producer: p,
		config:   cfg,
		buffer:   bufferSize(cfg.Buffer),
		logger:   pkglog.Component("pubsub.kafka"),
		reported: make(chan struct{}),
		subs:     make(map[string]*kafkaSubscription),
	}
	go k.reportDeliveries()

	if err := k.ensureTopic(ViewersPattern); err != nil {
		k.logger.Warn().Err(err).Msg("failed to ensure kafka topic, may already exist")
	}
	return k, nil
}

func (k *KafkaPubSub) ensureTopic(pattern string) error {
	topic, err := routePattern(pattern)
	if err != nil {
		return err
	}

	admin, err := kafka.NewAdminClientFromProducer(k.producer)
	if err != nil {
		return fmt.Errorf("failed to create admin client: %w", err)
	}
	defer admin.Close()

	partitions := k.config.Partitions
	if partitions <= 0 {
		partitions = 4
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	}})
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	for _, r := range results {
		if code := r.Error.Code(); code != kafka.ErrNoError && code != kafka.ErrTopicAlreadyExists {
			return fmt.Errorf("failed to create topic %s: %s", r.Topic, r.Error)
		}
	}
	return nil
}

func (k *KafkaPubSub) reportDeliveries() {
	defer close(k.reported)
	for e := range k.producer.Events() {
		if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			k.logger.Error().Err(m.TopicPartition.Error).Str(pkglog.FieldBroadcastID, string(m.Key)).Msg("relay event delivery failed")
		}
	}
}

// Publish produces event keyed by its broadcast id.
func (k *KafkaPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	topic, key, err := route(channel)
	if err != nil {
		return err
	}
	data, err := encode(event)
	if err != nil {
		return err
	}

	err = k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          data,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to produce to %s: %w", topic, err)
	}
	return nil
}

// Subscribe consumes one broadcast's events. It reads the whole topic and
// filters by key, so prefer SubscribePattern for many broadcasts.
func (k *KafkaPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	topic, key, err := route(channel)
	if err != nil {
		return nil, err
	}
	return k.consume(ctx, channel, topic, key)
}

// SubscribePattern consumes every broadcast's events on the pattern's topic.
func (k *KafkaPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	topic, err := routePattern(pattern)
	if err != nil {
		return nil, err
	}
	return k.consume(ctx, pattern, topic, "")
}

func (k *KafkaPubSub) consume(ctx context.Context, subKey, topic, onlyKey string) (<-chan *Event, error) {
	groupID := k.config.GroupID
	if groupID == "" {
		groupID = "slippi-relay"
	}
	if k.config.InstanceID != "" {
		groupID += "-" + sanitizeGroupID(k.config.InstanceID)
	}
	if onlyKey != "" {
		groupID += "-" + sanitizeGroupID(subKey)
	}

	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":       k.config.Brokers,
		"group.id":                groupID,
		"auto.offset.reset":       "latest",
		"enable.auto.commit":      true,
		"auto.commit.interval.ms": 5000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	if err := c.Subscribe(topic, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{consumer: c, cancel: cancel, done: make(chan struct{})}

	k.mu.Lock()
	existing := k.subs[subKey]
	k.subs[subKey] = sub
	k.mu.Unlock()
	if existing != nil {
		existing.stop()
	}

	out := make(chan *Event, k.buffer)
	go k.poll(subCtx, sub, out, onlyKey)
	return out, nil
}

func (k *KafkaPubSub) poll(ctx context.Context, sub *kafkaSubscription, out chan<- *Event, onlyKey string) {
	defer close(sub.done)
	defer close(out)

	for ctx.Err() == nil {
		switch e := sub.consumer.Poll(200).(type) {
		case nil:
		case *kafka.Message:
			if onlyKey != "" && string(e.Key) != onlyKey {
				continue
			}
			event, err := decode(e.Value)
			if err != nil {
				k.logger.Warn().Err(err).Msg("dropping malformed event")
				continue
			}
			if !deliver(ctx, out, event, "kafka") {
				return
			}
		case kafka.Error:
			k.logger.Error().Str("error", e.String()).Bool("fatal", e.IsFatal()).Msg("kafka consumer error")
			if e.IsFatal() {
				return
			}
		}
	}
}

// stop ends polling before closing the consumer, which is not safe to close
// while Poll runs.
func (s *kafkaSubscription) stop() {
	s.cancel()
	<-s.done
	s.consumer.Close()
}

// Unsubscribe stops the subscription registered under channel.
func (k *KafkaPubSub) Unsubscribe(ctx context.Context, channel string) error {
	k.mu.Lock()
	sub, ok := k.subs[channel]
	delete(k.subs, channel)
	k.mu.Unlock()

	if ok {
		sub.stop()
	}
	return nil
}

// Close stops every subscription and flushes the producer.
func (k *KafkaPubSub) Close() error {
	k.mu.Lock()
	subs := k.subs
	k.subs = make(map[string]*kafkaSubscription)
	k.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}

	k.producer.Flush(5000)
	k.producer.Close()
	<-k.reported
	return nil
}
