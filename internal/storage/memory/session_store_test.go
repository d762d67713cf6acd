package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miravo/scrapedesk/internal/session"
)

func TestSessionStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewSessionStore()
	ctx := context.Background()
	sess := session.Session{
		ID:        "sess-1",
		Status:    session.StatusPending,
		URL:       "https://example.com",
		CreatedAt: time.Unix(100, 0).UTC(),
		UpdatedAt: time.Unix(100, 0).UTC(),
	}

	require.NoError(t, store.CreateSession(ctx, sess))
	require.ErrorIs(t, store.CreateSession(ctx, sess), session.ErrSessionExists)

	sess.Status = session.StatusRunning
	sess.ExternalJobID = "job1"
	require.NoError(t, store.UpdateSession(ctx, sess))

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, got.Status)
	assert.Equal(t, "job1", got.ExternalJobID)

	_, err = store.GetSession(ctx, "missing")
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestSessionStoreTerminalImmutability(t *testing.T) {
	t.Parallel()

	store := NewSessionStore()
	ctx := context.Background()
	sess := session.Session{ID: "sess-1", Status: session.StatusRunning}
	require.NoError(t, store.CreateSession(ctx, sess))

	sess.Status = session.StatusFinished
	sess.TotalItems = 3
	require.NoError(t, store.UpdateSession(ctx, sess))

	// Same terminal status re-writes are a no-op, not an error.
	altered := sess
	altered.TotalItems = 99
	require.NoError(t, store.UpdateSession(ctx, altered))
	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.TotalItems)

	// Flipping to another status is refused.
	altered.Status = session.StatusFailed
	require.ErrorIs(t, store.UpdateSession(ctx, altered), session.ErrInvalidTransition)
}

func TestSessionStoreReturnsCopies(t *testing.T) {
	t.Parallel()

	store := NewSessionStore()
	ctx := context.Background()
	sess := session.Session{
		ID:           "sess-1",
		Status:       session.StatusRunning,
		PreviewItems: []session.NormalizedItem{{Title: "Sofa"}},
	}
	require.NoError(t, store.CreateSession(ctx, sess))

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	got.PreviewItems[0].Title = "modified"

	again, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "Sofa", again.PreviewItems[0].Title)
}
