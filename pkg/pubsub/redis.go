package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	pkglog "github.com/weiawesome/wes-io-live/relation-service/pkg/log"
)

const redisEventBuffer = 256

// redisSubscription is one SUBSCRIBE/PSUBSCRIBE connection and its forwarder.
type redisSubscription struct {
	ps     *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *redisSubscription) stop() error {
	s.cancel()
	err := s.ps.Close()
	<-s.done
	return err
}

// RedisPubSub implements PubSub on Redis channels. Delivery is at-most-once:
// events published while no subscriber is connected are lost.
type RedisPubSub struct {
	client        *redis.Client
	subscriptions map[string]*redisSubscription
	mu            sync.Mutex
}

// NewRedisPubSub connects to Redis and verifies the connection.
func NewRedisPubSub(cfg RedisConfig) (*RedisPubSub, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisPubSub{
		client:        client,
		subscriptions: make(map[string]*redisSubscription),
	}, nil
}

// Publish sends event on channel. It returns once Redis accepted the
// message, not when a subscriber received it.
func (r *RedisPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return r.client.Publish(ctx, channel, data).Err()
}

// Subscribe receives events from a single channel.
func (r *RedisPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	return r.subscribe(ctx, channel, r.client.Subscribe(ctx, channel))
}

// SubscribePattern receives events from every channel matching pattern.
func (r *RedisPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	return r.subscribe(ctx, pattern, r.client.PSubscribe(ctx, pattern))
}

func (r *RedisPubSub) subscribe(ctx context.Context, key string, ps *redis.PubSub) (<-chan *Event, error) {
	// Wait for the subscription confirmation so a dead broker fails here.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", key, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.subscriptions[key]; ok {
		existing.stop()
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{ps: ps, cancel: cancel, done: make(chan struct{})}
	r.subscriptions[key] = sub

	eventCh := make(chan *Event, redisEventBuffer)
	go r.forward(subCtx, sub, eventCh)

	return eventCh, nil
}

// forward decodes messages and hands them to eventCh, blocking while the
// consumer is behind.
func (r *RedisPubSub) forward(ctx context.Context, sub *redisSubscription, eventCh chan<- *Event) {
	defer close(sub.done)
	defer close(eventCh)

	l := pkglog.L()
	ch := sub.ps.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				l.Warn().Err(err).Str("channel", msg.Channel).Msg("redis pubsub: dropping undecodable event")
				continue
			}

			select {
			case eventCh <- &event:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Unsubscribe stops the subscription registered under channel (or pattern)
// and waits for its forwarder to exit.
func (r *RedisPubSub) Unsubscribe(ctx context.Context, channel string) error {
	r.mu.Lock()
	sub, ok := r.subscriptions[channel]
	delete(r.subscriptions, channel)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return sub.stop()
}

// Close stops all subscriptions and closes the client.
func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	subs := r.subscriptions
	r.subscriptions = make(map[string]*redisSubscription)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return r.client.Close()
}
