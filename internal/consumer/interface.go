package consumer

import (
	"context"
	"time"
)

// EdgeEvent is a decoded edge.created / edge.deleted notification.
type EdgeEvent struct {
	Type        string
	EdgeID      string
	FollowerID  string
	FollowingID string
	OccurredAt  time.Time
}

// EdgeEventHandler processes a decoded edge event.
type EdgeEventHandler interface {
	HandleEdgeEvent(ctx context.Context, event *EdgeEvent) error
}

// EdgeEventConsumer manages the subscription lifecycle.
type EdgeEventConsumer interface {
	Start(ctx context.Context) error
	Close() error
}
