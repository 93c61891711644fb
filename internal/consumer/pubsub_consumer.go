package consumer

import (
	"context"
	"fmt"
	"time"

	pkglog "github.com/weiawesome/wes-io-live/relation-service/pkg/log"
	"github.com/weiawesome/wes-io-live/relation-service/pkg/pubsub"
)

// PubSubConsumer implements EdgeEventConsumer on top of a pubsub.Subscriber,
// so the same consumer runs against Redis or Kafka.
type PubSubConsumer struct {
	subscriber pubsub.Subscriber
	pattern    string
	handler    EdgeEventHandler
	doneCh     chan struct{}
	started    bool
}

// NewPubSubConsumer creates a consumer for every entity's edge channel.
func NewPubSubConsumer(subscriber pubsub.Subscriber, handler EdgeEventHandler) *PubSubConsumer {
	return &PubSubConsumer{
		subscriber: subscriber,
		pattern:    pubsub.PatternEdgeEvents,
		handler:    handler,
		doneCh:     make(chan struct{}),
	}
}

// Start subscribes and begins dispatching events until ctx is cancelled.
func (pc *PubSubConsumer) Start(ctx context.Context) error {
	events, err := pc.subscriber.SubscribePattern(ctx, pc.pattern)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", pc.pattern, err)
	}
	pc.started = true

	l := pkglog.L()
	l.Info().Str("pattern", pc.pattern).Msg("edge event consumer started")

	go pc.consumeLoop(ctx, events)

	return nil
}

func (pc *PubSubConsumer) consumeLoop(ctx context.Context, events <-chan *pubsub.Event) {
	l := pkglog.L()
	defer close(pc.doneCh)

	for {
		select {
		case <-ctx.Done():
			l.Info().Msg("edge event consumer shutting down")
			return
		case event, ok := <-events:
			if !ok {
				l.Info().Msg("edge event stream closed")
				return
			}
			pc.processEvent(context.WithoutCancel(ctx), event)
		}
	}
}

func (pc *PubSubConsumer) processEvent(ctx context.Context, event *pubsub.Event) {
	l := pkglog.L()

	switch event.Type {
	case pubsub.EventEdgeCreated, pubsub.EventEdgeDeleted:
	default:
		l.Debug().Str("event_type", event.Type).Msg("ignoring unknown event type")
		return
	}

	var payload pubsub.EdgeEventPayload
	if err := event.UnmarshalPayload(&payload); err != nil {
		l.Error().Err(err).Str("event_type", event.Type).Msg("failed to unmarshal edge event")
		return
	}

	l.Debug().
		Str("event_type", event.Type).
		Str(pkglog.FieldEdgeID, payload.EdgeID).
		Msg("received edge event")

	edgeEvent := &EdgeEvent{
		Type:        event.Type,
		EdgeID:      payload.EdgeID,
		FollowerID:  payload.FollowerID,
		FollowingID: payload.FollowingID,
		OccurredAt:  time.UnixMilli(payload.OccurredAt).UTC(),
	}
	if err := pc.handler.HandleEdgeEvent(ctx, edgeEvent); err != nil {
		l.Error().Err(err).
			Str("event_type", event.Type).
			Str(pkglog.FieldEdgeID, payload.EdgeID).
			Msg("failed to handle edge event")
	}
}

// Close unsubscribes and releases resources.
// It waits for any in-flight processEvent call to complete; cancel the
// context passed to Start first.
func (pc *PubSubConsumer) Close() error {
	if !pc.started {
		return nil
	}
	<-pc.doneCh
	if err := pc.subscriber.Unsubscribe(context.Background(), pc.pattern); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", pc.pattern, err)
	}
	return nil
}

// Ensure interface is satisfied at compile time.
var _ EdgeEventConsumer = (*PubSubConsumer)(nil)
