package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsMessages(t *testing.T) {
	t.Parallel()

	p := New()
	ctx := context.Background()

	id1, err := p.Publish(ctx, "scrape-completions", map[string]string{"session_id": "sess-1"})
	require.NoError(t, err)
	id2, err := p.Publish(ctx, "scrape-completions", map[string]string{"session_id": "sess-2"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	msgs := p.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "scrape-completions", msgs[0].Topic)
	assert.Equal(t, map[string]string{"session_id": "sess-1"}, msgs[0].Payload)
}
