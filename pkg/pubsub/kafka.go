package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	pkglog "github.com/weiawesome/wes-io-live/relation-service/pkg/log"
)

const (
	kafkaEventBuffer  = 256
	kafkaPollTimeout  = 500 // ms
	kafkaFlushTimeout = 5000
)

// channelToTopicAndKey converts a channel name to a Kafka topic and message key.
//
//	"social:entity:U123:edges" → topic: "social-edges", key: "U123"
func channelToTopicAndKey(channel string) (topic, key string, err error) {
	// {prefix}:entity:{entityID}:{stream}
	parts := strings.Split(channel, ":")
	if len(parts) != 4 || parts[1] != "entity" || parts[2] == "" {
		return "", "", fmt.Errorf("invalid channel format: %s", channel)
	}
	topic = parts[0] + "-" + strings.ReplaceAll(parts[3], "_", "-")
	return topic, parts[2], nil
}

// patternToTopic converts a subscribe pattern to the Kafka topic it covers.
//
//	"social:entity:*:edges" → "social-edges"
func patternToTopic(pattern string) (string, error) {
	topic, _, err := channelToTopicAndKey(strings.ReplaceAll(pattern, "*", "_any_"))
	return topic, err
}

// kafkaSubscription owns one consumer. The forwarder goroutine closes the
// consumer when it exits, so Poll and Close never overlap.
type kafkaSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *kafkaSubscription) stop() {
	s.cancel()
	<-s.done
}

// KafkaPubSub implements PubSub on Kafka. Every entity channel of a stream
// shares one topic, keyed by entity id, so events for one entity stay
// ordered within their partition. Consumers are at-least-once: an offset is
// stored only after its event was handed to the subscriber.
type KafkaPubSub struct {
	producer      *kafka.Producer
	subscriptions map[string]*kafkaSubscription
	config        KafkaConfig
	mu            sync.Mutex
	doneCh        chan struct{}
}

// NewKafkaPubSub creates an idempotent producer and makes sure the edge
// topic exists.
func NewKafkaPubSub(cfg KafkaConfig) (*KafkaPubSub, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Brokers,
		"enable.idempotence": true,
		"acks":               "all",
		"linger.ms":          5,
		"compression.type":   "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	kps := &KafkaPubSub{
		producer:      p,
		subscriptions: make(map[string]*kafkaSubscription),
		config:        cfg,
		doneCh:        make(chan struct{}),
	}

	go kps.deliveryReportHandler()

	if err := kps.ensureTopics(); err != nil {
		l := pkglog.L()
		l.Warn().Err(err).Msg("failed to ensure kafka topics (may already exist)")
	}

	return kps, nil
}

func (k *KafkaPubSub) ensureTopics() error {
	admin, err := kafka.NewAdminClientFromProducer(k.producer)
	if err != nil {
		return fmt.Errorf("failed to create admin client: %w", err)
	}
	defer admin.Close()

	partitions := k.config.Partitions
	if partitions <= 0 {
		partitions = 3
	}

	edgeTopic, err := patternToTopic(PatternEdgeEvents)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             edgeTopic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	}})
	if err != nil {
		return fmt.Errorf("failed to create topics: %w", err)
	}

	for _, r := range results {
		if code := r.Error.Code(); code != kafka.ErrNoError && code != kafka.ErrTopicAlreadyExists {
			return fmt.Errorf("create topic %s: %s", r.Topic, r.Error.String())
		}
	}
	return nil
}

func (k *KafkaPubSub) deliveryReportHandler() {
	defer close(k.doneCh)

	for e := range k.producer.Events() {
		m, ok := e.(*kafka.Message)
		if !ok || m.TopicPartition.Error == nil {
			continue
		}
		l := pkglog.L()
		l.Error().
			Err(m.TopicPartition.Error).
			Str("key", string(m.Key)).
			Msg("kafka pubsub delivery failed")
	}
}

// Publish enqueues event on the topic behind channel. Delivery failures are
// reported asynchronously through the delivery report handler.
func (k *KafkaPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	topic, key, err := channelToTopicAndKey(channel)
	if err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          data,
		Timestamp:      event.Timestamp,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

// Subscribe receives events for a single entity channel. It reads the whole
// topic in its own consumer group and filters on the message key.
func (k *KafkaPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	topic, entityID, err := channelToTopicAndKey(channel)
	if err != nil {
		return nil, err
	}

	groupID := fmt.Sprintf("%s-%s", k.groupID(), sanitizeGroupID(channel))
	return k.subscribeToTopic(ctx, channel, topic, groupID, entityID)
}

// SubscribePattern receives every event on the topic behind pattern, sharing
// partitions with other members of the configured group.
func (k *KafkaPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	topic, err := patternToTopic(pattern)
	if err != nil {
		return nil, err
	}
	return k.subscribeToTopic(ctx, pattern, topic, k.groupID(), "")
}

func (k *KafkaPubSub) groupID() string {
	if k.config.GroupID == "" {
		return "relation-service"
	}
	return k.config.GroupID
}

func (k *KafkaPubSub) subscribeToTopic(ctx context.Context, subKey, topic, groupID, filterKey string) (<-chan *Event, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":        k.config.Brokers,
		"group.id":                 groupID,
		"auto.offset.reset":        "earliest",
		"enable.auto.commit":       true,
		"enable.auto.offset.store": false,
		"auto.commit.interval.ms":  1000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	if err := c.Subscribe(topic, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if existing, ok := k.subscriptions[subKey]; ok {
		existing.stop()
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{cancel: cancel, done: make(chan struct{})}
	k.subscriptions[subKey] = sub

	eventCh := make(chan *Event, kafkaEventBuffer)
	go k.consumeMessages(subCtx, c, sub.done, eventCh, filterKey)

	return eventCh, nil
}

// consumeMessages polls c until ctx is done, then closes c (committing stored
// offsets) and eventCh.
func (k *KafkaPubSub) consumeMessages(ctx context.Context, c *kafka.Consumer, done chan<- struct{}, eventCh chan<- *Event, filterKey string) {
	l := pkglog.L()

	defer close(done)
	defer close(eventCh)
	defer func() {
		if err := c.Close(); err != nil {
			l.Warn().Err(err).Msg("kafka pubsub: consumer close failed")
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		switch e := c.Poll(kafkaPollTimeout).(type) {
		case *kafka.Message:
			if filterKey != "" && string(e.Key) != filterKey {
				k.storeOffset(c, e)
				continue
			}

			var event Event
			if err := json.Unmarshal(e.Value, &event); err != nil {
				l.Warn().Err(err).Str("key", string(e.Key)).Msg("kafka pubsub: dropping undecodable event")
				k.storeOffset(c, e)
				continue
			}

			select {
			case eventCh <- &event:
				k.storeOffset(c, e)
			case <-ctx.Done():
				return
			}

		case kafka.Error:
			l.Error().Err(e).Int("code", int(e.Code())).Bool("fatal", e.IsFatal()).Msg("kafka pubsub error")
			if e.IsFatal() {
				return
			}
		}
	}
}

func (k *KafkaPubSub) storeOffset(c *kafka.Consumer, m *kafka.Message) {
	if _, err := c.StoreMessage(m); err != nil {
		l := pkglog.L()
		l.Warn().Err(err).Msg("kafka pubsub: failed to store offset")
	}
}

// Unsubscribe stops the subscription registered under channel (or pattern)
// and waits for its consumer to close.
func (k *KafkaPubSub) Unsubscribe(ctx context.Context, channel string) error {
	k.mu.Lock()
	sub, ok := k.subscriptions[channel]
	delete(k.subscriptions, channel)
	k.mu.Unlock()

	if ok {
		sub.stop()
	}
	return nil
}

// Close stops all subscriptions, flushes pending messages and closes the producer.
func (k *KafkaPubSub) Close() error {
	k.mu.Lock()
	subs := k.subscriptions
	k.subscriptions = make(map[string]*kafkaSubscription)
	k.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}

	if remaining := k.producer.Flush(kafkaFlushTimeout); remaining > 0 {
		l := pkglog.L()
		l.Warn().Int("remaining", remaining).Msg("kafka pubsub: unflushed messages at close")
	}
	k.producer.Close()
	<-k.doneCh

	return nil
}

var groupIDRegexp = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// sanitizeGroupID replaces characters Kafka does not accept in group ids.
func sanitizeGroupID(s string) string {
	return groupIDRegexp.ReplaceAllString(s, "-")
}
