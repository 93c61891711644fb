package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEdgeEventsChannelMapsToKeyedTopic(t *testing.T) {
	topic, key, err := channelToTopicAndKey(EdgeEventsChannel("user-42"))
	require.NoError(t, err)
	assert.Equal(t, "social-edges", topic)
	assert.Equal(t, "user-42", key)
}

func TestPatternToTopic(t *testing.T) {
	topic, err := patternToTopic(PatternEdgeEvents)
	require.NoError(t, err)
	assert.Equal(t, "social-edges", topic)
}

func TestChannelToTopicAndKeyRejectsMalformed(t *testing.T) {
	for _, ch := range []string{"", "social", "social:room:x:edges", "social:entity::edges", "a:entity:b:c:d"} {
		_, _, err := channelToTopicAndKey(ch)
		assert.Error(t, err, ch)
	}
}

func TestNewEventRoundTripsPayload(t *testing.T) {
	evt, err := NewEvent(EventEdgeCreated, "u2", EdgeEventPayload{EdgeID: "e1", FollowerID: "u1", FollowingID: "u2"})
	require.NoError(t, err)
	assert.Equal(t, EventEdgeCreated, evt.Type)
	assert.Equal(t, "u2", evt.Key)

	var p EdgeEventPayload
	require.NoError(t, evt.UnmarshalPayload(&p))
	assert.Equal(t, "u1", p.FollowerID)
	assert.Equal(t, "e1", p.EdgeID)
}

func TestNewPubSubDisabled(t *testing.T) {
	_, err := NewPubSub(Config{Driver: "none"})
	assert.ErrorIs(t, err, ErrDisabled)

	_, err = NewPubSub(Config{Driver: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestSanitizeGroupID(t *testing.T) {
	assert.Equal(t, "social-entity-u-1-edges", sanitizeGroupID("social:entity:u 1:edges"))
}
