package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "run-events", map[string]string{"run_id": "r1"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)

	id2, err := pub.Publish(context.Background(), "alerts", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "run-events", msgs[0].Topic)
	require.Equal(t, "alerts", msgs[1].Topic)

	require.Len(t, pub.TopicMessages("run-events"), 1)
	require.Empty(t, pub.TopicMessages("missing"))

	msgs[0].Topic = "modified"
	require.Equal(t, "run-events", pub.Messages()[0].Topic)
}
