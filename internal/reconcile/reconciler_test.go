package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	pubmem "github.com/miravo/scrapedesk/internal/publisher/memory"
	"github.com/miravo/scrapedesk/internal/session"
	"github.com/miravo/scrapedesk/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type fakeIDGen struct {
	mu   sync.Mutex
	next int
}

func (g *fakeIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("sess-%d", g.next), nil
}

type fakeJobClient struct {
	mu          sync.Mutex
	statuses    []session.JobStatus
	statusErr   error
	results     []map[string]any
	resultsErr  error
	statusCalls int
	listCalls   int
}

func (f *fakeJobClient) StartJob(_ context.Context, _ string, _ session.StartOptions) (session.JobHandle, error) {
	return session.JobHandle{JobID: "job1", ResultSetID: "ds1"}, nil
}

func (f *fakeJobClient) GetStatus(_ context.Context, _ string) (session.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return session.JobStatus{}, f.statusErr
	}
	idx := f.statusCalls
	if idx >= len(f.statuses) {
		idx = len(f.statuses) - 1
	}
	f.statusCalls++
	return f.statuses[idx], nil
}

func (f *fakeJobClient) ListResults(_ context.Context, _ string) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.resultsErr != nil {
		return nil, f.resultsErr
	}
	return f.results, nil
}

func (f *fakeJobClient) listCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

type fixture struct {
	reconciler *Reconciler
	sessions   *memory.SessionStore
	artifacts  *memory.ArtifactStore
	jobs       *fakeJobClient
	publisher  *pubmem.Publisher
	clock      *fakeClock
}

func newFixture(t *testing.T, jobs *fakeJobClient) *fixture {
	t.Helper()
	sessions := memory.NewSessionStore()
	artifacts := memory.NewArtifactStore()
	publisher := pubmem.New()
	clock := &fakeClock{now: time.Unix(1000, 0).UTC()}
	r := New(
		sessions,
		artifacts,
		jobs,
		publisher,
		nil,
		clock,
		&fakeIDGen{},
		Config{MaxRuntime: 15 * time.Minute, Topic: "completions"},
		zap.NewNop(),
	)
	return &fixture{
		reconciler: r,
		sessions:   sessions,
		artifacts:  artifacts,
		jobs:       jobs,
		publisher:  publisher,
		clock:      clock,
	}
}

func startedSession(t *testing.T, f *fixture) session.Session {
	t.Helper()
	sess, err := f.reconciler.Start(context.Background(), "https://example.com/listing", session.StartOptions{})
	require.NoError(t, err)
	require.Equal(t, session.StatusRunning, sess.Status)
	return sess
}

func TestCreateSessionPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeJobClient{})
	sess, err := f.reconciler.CreateSession(context.Background(), "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, sess.Status)
	assert.Empty(t, sess.ExternalJobID)
	assert.Equal(t, f.clock.Now(), sess.CreatedAt)
}

func TestAcceptJobInvalidTransition(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeJobClient{
		statuses: []session.JobStatus{{Status: "SUCCEEDED"}},
	})
	sess := startedSession(t, f)

	_, err := f.reconciler.AcceptJob(context.Background(), sess.ID, "job2", "ds2")
	require.ErrorIs(t, err, session.ErrInvalidTransition)
}

func TestPollStillRunning(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeJobClient{
		statuses: []session.JobStatus{{Status: "RUNNING", ElapsedRuntime: time.Second}},
	})
	sess := startedSession(t, f)

	polled, err := f.reconciler.Poll(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, polled.Status)
	assert.Zero(t, f.artifacts.WriteCount())
}

func TestPollSuccessFinishesSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeJobClient{
		statuses: []session.JobStatus{{Status: "SUCCEEDED"}},
		results: []map[string]any{
			{"marketplace_listing_title": "Sofa"},
			{"title": "Chair"},
			{"title": "Table"},
			{"title": "Lamp"},
		},
	})
	sess := startedSession(t, f)

	polled, err := f.reconciler.Poll(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFinished, polled.Status)
	assert.Equal(t, 4, polled.TotalItems)
	assert.True(t, polled.HasData)
	require.Len(t, polled.PreviewItems, 3)
	assert.Equal(t, "Sofa", polled.PreviewItems[0].Title)

	artifact, err := f.reconciler.Artifact(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Len(t, artifact.AllItems, 4)
	assert.Equal(t, polled.TotalItems, artifact.TotalItems)

	msgs := f.publisher.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "completions", msgs[0].Topic)
}

func TestPollFailureClassStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeJobClient{
		statuses: []session.JobStatus{{Status: "ABORTED"}},
	})
	sess := startedSession(t, f)

	polled, err := f.reconciler.Poll(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, polled.Status)
	assert.Equal(t, "ABORTED", polled.FailureReason)
	assert.Zero(t, f.jobs.listCallCount())
}

func TestObserveSuccessIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeJobClient{
		statuses: []session.JobStatus{{Status: "SUCCEEDED"}},
		results:  []map[string]any{{"title": "One"}},
	})
	sess := startedSession(t, f)

	first, err := f.reconciler.Poll(context.Background(), sess.ID)
	require.NoError(t, err)
	second, err := f.reconciler.Poll(context.Background(), sess.ID)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.artifacts.WriteCount())
	assert.Equal(t, 1, f.jobs.listCallCount())
}

func TestPushThenPollConverge(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeJobClient{
		statuses: []session.JobStatus{{Status: "RUNNING"}},
		results:  []map[string]any{{"title": "One"}, {"title": "Two"}},
	})
	sess := startedSession(t, f)

	require.NoError(t, f.reconciler.NotifyCompletion(context.Background(), sess.ID, "FINISHED", "ds1"))
	require.NoError(t, f.reconciler.NotifyCompletion(context.Background(), sess.ID, "FINISHED", "ds1"))

	polled, err := f.reconciler.Poll(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFinished, polled.Status)
	assert.Equal(t, 2, polled.TotalItems)
	assert.Equal(t, 1, f.artifacts.WriteCount())
}

func TestTimeoutForcesFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeJobClient{
		statuses: []session.JobStatus{{Status: "RUNNING", ElapsedRuntime: 16 * time.Minute}},
	})
	sess := startedSession(t, f)

	polled, err := f.reconciler.Poll(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, polled.Status)
	assert.Equal(t, session.FailureTimeout, polled.FailureReason)
}

func TestPushBypassesTimeout(t *testing.T) {
	t.Parallel()

	// A push is itself a report of completion: even if the job outlived
	// the ceiling, a success push still finishes the session.
	f := newFixture(t, &fakeJobClient{
		results: []map[string]any{{"title": "Late"}},
	})
	sess := startedSession(t, f)

	require.NoError(t, f.reconciler.NotifyCompletion(context.Background(), sess.ID, "SUCCEEDED", "ds1"))
	stored, err := f.reconciler.Session(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFinished, stored.Status)
}

func TestUpstreamOutageLeavesSessionUnchanged(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeJobClient{
		statusErr: fmt.Errorf("%w: connection refused", session.ErrUpstreamUnavailable),
	})
	sess := startedSession(t, f)

	_, err := f.reconciler.Poll(context.Background(), sess.ID)
	require.ErrorIs(t, err, session.ErrUpstreamUnavailable)

	stored, err := f.reconciler.Session(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, stored.Status)
}

func TestPushResultFetchFailureFallsBackToPoll(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobClient{
		statuses:   []session.JobStatus{{Status: "SUCCEEDED"}},
		resultsErr: fmt.Errorf("%w: timeout", session.ErrUpstreamUnavailable),
	}
	f := newFixture(t, jobs)
	sess := startedSession(t, f)

	err := f.reconciler.NotifyCompletion(context.Background(), sess.ID, "SUCCEEDED", "ds1")
	require.ErrorIs(t, err, session.ErrUpstreamUnavailable)

	stored, err := f.reconciler.Session(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, stored.Status)

	// Upstream recovers; the poll path converges.
	jobs.mu.Lock()
	jobs.resultsErr = nil
	jobs.results = []map[string]any{{"title": "Recovered"}}
	jobs.mu.Unlock()

	polled, err := f.reconciler.Poll(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFinished, polled.Status)
	assert.Equal(t, 1, polled.TotalItems)
}

func TestConcurrentPollAndPushConverge(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeJobClient{
		statuses: []session.JobStatus{{Status: "SUCCEEDED"}},
		results:  []map[string]any{{"title": "One"}, {"title": "Two"}, {"title": "Three"}},
	})
	sess := startedSession(t, f)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.reconciler.Poll(context.Background(), sess.ID)
		}()
		go func() {
			defer wg.Done()
			_ = f.reconciler.NotifyCompletion(context.Background(), sess.ID, "SUCCEEDED", "ds1")
		}()
	}
	wg.Wait()

	stored, err := f.reconciler.Session(context.Background(), sess.ID)
	require.NoError(t, err)
	artifact, err := f.reconciler.Artifact(context.Background(), sess.ID)
	require.NoError(t, err)

	assert.Equal(t, session.StatusFinished, stored.Status)
	assert.Equal(t, 1, f.artifacts.WriteCount(), "artifact must be written exactly once")
	assert.Equal(t, len(artifact.AllItems), stored.TotalItems, "no lost update")
	assert.Equal(t, 1, f.jobs.listCallCount(), "results fetched once per successful reconciliation")
}

func TestEndToEndScenario(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeJobClient{
		statuses: []session.JobStatus{
			{Status: "RUNNING", ElapsedRuntime: time.Second},
			{Status: "SUCCEEDED"},
		},
		results: []map[string]any{
			{
				"marketplace_listing_title": "Sofa",
				"listing_price":             map[string]any{"amount": float64(150000), "currency": "MGA"},
			},
		},
	})

	sess, err := f.reconciler.CreateSession(context.Background(), "https://example.com/listing")
	require.NoError(t, err)
	sess, err = f.reconciler.AcceptJob(context.Background(), sess.ID, "job1", "ds1")
	require.NoError(t, err)
	require.Equal(t, session.StatusRunning, sess.Status)

	first, err := f.reconciler.Poll(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, first.Status)

	second, err := f.reconciler.Poll(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFinished, second.Status)
	assert.Equal(t, 1, second.TotalItems)
	require.Len(t, second.PreviewItems, 1)
	assert.Equal(t, "Sofa", second.PreviewItems[0].Title)
	assert.Contains(t, second.PreviewItems[0].Price, "150 000")
	assert.Contains(t, second.PreviewItems[0].Price, "MGA")
}

func TestFinishWithNoResults(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeJobClient{
		statuses: []session.JobStatus{{Status: "SUCCEEDED"}},
		results:  []map[string]any{},
	})
	sess := startedSession(t, f)

	polled, err := f.reconciler.Poll(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFinished, polled.Status)
	assert.Zero(t, polled.TotalItems)
	assert.False(t, polled.HasData)
	assert.Empty(t, polled.PreviewItems)

	artifact, err := f.reconciler.Artifact(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Zero(t, artifact.TotalItems)
}

func TestPublishFailureDoesNotFailReconciliation(t *testing.T) {
	t.Parallel()

	sessions := memory.NewSessionStore()
	artifacts := memory.NewArtifactStore()
	jobs := &fakeJobClient{
		statuses: []session.JobStatus{{Status: "SUCCEEDED"}},
		results:  []map[string]any{{"title": "One"}},
	}
	r := New(
		sessions,
		artifacts,
		jobs,
		&failingPublisher{},
		nil,
		&fakeClock{now: time.Unix(1000, 0).UTC()},
		&fakeIDGen{},
		Config{MaxRuntime: 15 * time.Minute, Topic: "completions"},
		zap.NewNop(),
	)

	sess, err := r.Start(context.Background(), "https://example.com", session.StartOptions{})
	require.NoError(t, err)
	polled, err := r.Poll(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFinished, polled.Status)
}

type failingPublisher struct{}

func (failingPublisher) Publish(_ context.Context, _ string, _ any) (string, error) {
	return "", errors.New("pub failure")
}
