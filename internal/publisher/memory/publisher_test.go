package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishRecordsMessages(t *testing.T) {
	t.Parallel()

	p := New()
	id1, err := p.Publish(context.Background(), "runs", map[string]any{"job_id": "a"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)

	id2, err := p.Publish(context.Background(), "runs", map[string]any{"job_id": "b"})
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := p.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "runs", msgs[0].Topic)
}
