package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "gift-events", map[string]int{"num": 1})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)

	id2, err := pub.Publish(context.Background(), "gift-events", map[string]int{"num": 2})
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "gift-events", msgs[0].Topic)

	msgs[0].Topic = "modified"
	require.Equal(t, "gift-events", pub.Messages()[0].Topic)
}
