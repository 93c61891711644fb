package pubsub

import "fmt"

// Channel naming conventions for relationship events.
const (
	// Edge lifecycle events, keyed by the followed entity.
	ChannelEdgeEvents = "social:entity:%s:edges"

	// PatternEdgeEvents matches every entity's edge channel.
	PatternEdgeEvents = "social:entity:*:edges"
)

// Event types published after a relationship mutation commits.
const (
	EventEdgeCreated = "edge.created"
	EventEdgeDeleted = "edge.deleted"
)

// EdgeEventsChannel returns the channel name for edge events of followingID.
func EdgeEventsChannel(followingID string) string {
	return fmt.Sprintf(ChannelEdgeEvents, followingID)
}

// EdgeEventPayload is the body of edge.created / edge.deleted events.
type EdgeEventPayload struct {
	EdgeID      string `json:"edge_id"`
	FollowerID  string `json:"follower_id"`
	FollowingID string `json:"following_id"`
	OccurredAt  int64  `json:"occurred_at"` // unix millis
}
