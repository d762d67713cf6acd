// Package reconcile drives the scrape-session state machine. Both
// completion signals, client polling and the push callback from the
// execution service, funnel into one synchronized observe transition so
// the success handling exists exactly once.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/miravo/scrapedesk/internal/metrics"
	"github.com/miravo/scrapedesk/internal/normalize"
	"github.com/miravo/scrapedesk/internal/session"
)

// DefaultMaxRuntime is the job-runtime ceiling applied when none is
// configured.
const DefaultMaxRuntime = 15 * time.Minute

// Config controls Reconciler behavior.
type Config struct {
	// MaxRuntime is the ceiling on the external job's elapsed runtime.
	// Once exceeded, the next poll forces the session to failed.
	MaxRuntime time.Duration
	// Topic names the completion-event topic. Empty disables publishing.
	Topic string
}

// Reconciler owns all session status and result fields. No other
// component mutates a session once it has been created.
type Reconciler struct {
	sessions  session.Store
	artifacts session.ArtifactStore
	jobs      session.JobClient
	publisher session.Publisher
	hasher    session.Hasher
	clock     session.Clock
	idGen     session.IDGenerator
	cfg       Config
	logger    *zap.Logger
	locks     *keyedMutex
}

// New constructs a Reconciler.
func New(
	sessions session.Store,
	artifacts session.ArtifactStore,
	jobs session.JobClient,
	publisher session.Publisher,
	hasher session.Hasher,
	clock session.Clock,
	idGen session.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Reconciler {
	if cfg.MaxRuntime <= 0 {
		cfg.MaxRuntime = DefaultMaxRuntime
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		sessions:  sessions,
		artifacts: artifacts,
		jobs:      jobs,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		idGen:     idGen,
		cfg:       cfg,
		logger:    logger,
		locks:     newKeyedMutex(),
	}
}

// CreateSession records a new pending session for the target URL.
func (r *Reconciler) CreateSession(ctx context.Context, url string) (session.Session, error) {
	id, err := r.idGen.NewID()
	if err != nil {
		return session.Session{}, fmt.Errorf("generate session id: %w", err)
	}
	now := r.clock.Now()
	sess := session.Session{
		ID:        id,
		Status:    session.StatusPending,
		URL:       url,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.sessions.CreateSession(ctx, sess); err != nil {
		return session.Session{}, fmt.Errorf("create session: %w", err)
	}
	metrics.ObserveSessionCreated()
	return sess, nil
}

// AcceptJob moves a pending session to running once the execution service
// has accepted the job. Any other starting state is an invalid transition.
func (r *Reconciler) AcceptJob(ctx context.Context, sessionID, jobID, resultSetID string) (session.Session, error) {
	unlock := r.locks.Lock(sessionID)
	defer unlock()

	sess, err := r.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if sess.Status != session.StatusPending {
		return session.Session{}, fmt.Errorf("accept job on %s session: %w", sess.Status, session.ErrInvalidTransition)
	}
	sess.Status = session.StatusRunning
	sess.ExternalJobID = jobID
	sess.ExternalResultSetID = resultSetID
	sess.UpdatedAt = r.clock.Now()
	if err := r.sessions.UpdateSession(ctx, sess); err != nil {
		return session.Session{}, fmt.Errorf("update session: %w", err)
	}
	return sess, nil
}

// Start submits the URL to the execution service and returns the running
// session. It composes CreateSession, JobClient.StartJob and AcceptJob.
func (r *Reconciler) Start(ctx context.Context, url string, opts session.StartOptions) (session.Session, error) {
	sess, err := r.CreateSession(ctx, url)
	if err != nil {
		return session.Session{}, err
	}
	handle, err := r.jobs.StartJob(ctx, url, opts)
	if err != nil {
		return sess, fmt.Errorf("start job: %w", err)
	}
	return r.AcceptJob(ctx, sess.ID, handle.JobID, handle.ResultSetID)
}

// Poll is the poll-path entry point. For a non-terminal session it asks
// the execution service for current status and applies the observation,
// enforcing the runtime ceiling. Upstream failures surface to the caller
// and leave the session untouched.
func (r *Reconciler) Poll(ctx context.Context, sessionID string) (session.Session, error) {
	unlock := r.locks.Lock(sessionID)
	defer unlock()

	sess, err := r.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if sess.Status.IsTerminal() || sess.Status == session.StatusPending {
		return sess, nil
	}

	status, err := r.jobs.GetStatus(ctx, sess.ExternalJobID)
	if err != nil {
		r.logger.Warn("status fetch failed",
			zap.String("session_id", sessionID),
			zap.String("job_id", sess.ExternalJobID),
			zap.Error(err),
		)
		return session.Session{}, fmt.Errorf("get job status: %w", err)
	}
	return r.observe(ctx, sess, observation{
		status:      status.Status,
		elapsed:     status.ElapsedRuntime,
		resultSetID: sess.ExternalResultSetID,
		fromPoll:    true,
	})
}

// NotifyCompletion is the push-path entry point. The execution service
// reports a terminal status and result-set handle directly; the timeout
// policy does not apply because a push is itself a report of completion.
// The call tolerates being made zero, one, or more times per completion.
func (r *Reconciler) NotifyCompletion(ctx context.Context, sessionID, status, resultSetID string) error {
	unlock := r.locks.Lock(sessionID)
	defer unlock()

	sess, err := r.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if resultSetID == "" {
		resultSetID = sess.ExternalResultSetID
	}
	_, err = r.observe(ctx, sess, observation{
		status:      status,
		resultSetID: resultSetID,
	})
	return err
}

// Artifact returns the backup artifact for a session.
func (r *Reconciler) Artifact(ctx context.Context, sessionID string) (session.BackupArtifact, error) {
	return r.artifacts.GetArtifact(ctx, sessionID)
}

// Session returns the stored session without contacting upstream.
func (r *Reconciler) Session(ctx context.Context, sessionID string) (session.Session, error) {
	return r.sessions.GetSession(ctx, sessionID)
}

// observation is one completion signal, from either path.
type observation struct {
	status      string
	elapsed     time.Duration
	resultSetID string
	fromPoll    bool
}

// observe applies one status observation under the session lock. It is
// the single transition function both entry points delegate to.
func (r *Reconciler) observe(ctx context.Context, sess session.Session, obs observation) (session.Session, error) {
	if sess.Status.IsTerminal() {
		// Re-observing a terminal session is a no-op, not an error.
		metrics.ObserveDuplicateCompletion()
		return sess, nil
	}

	start := time.Now()
	defer func() {
		metrics.ObserveReconcileDuration(time.Since(start))
	}()

	switch {
	case session.IsSuccessStatus(obs.status):
		return r.finish(ctx, sess, obs.resultSetID)
	case session.IsFailureStatus(obs.status):
		return r.fail(ctx, sess, obs.status)
	case obs.fromPoll && obs.elapsed > r.cfg.MaxRuntime:
		// The external status never reported failure, but the job has
		// outlived its ceiling. Force the terminal state.
		metrics.ObserveTimeoutForced()
		return r.fail(ctx, sess, session.FailureTimeout)
	default:
		// Still running; report progress without mutating the session.
		return sess, nil
	}
}

// finish drives the success transition: fetch raw records, normalize,
// write the backup artifact, then mark the session finished. The artifact
// must exist before the session reads finished, so a client observing the
// terminal state can always retrieve backed-up results.
func (r *Reconciler) finish(ctx context.Context, sess session.Session, resultSetID string) (session.Session, error) {
	artifact, err := r.artifacts.GetArtifact(ctx, sess.ID)
	switch {
	case err == nil:
		// Already processed; ensure the session record agrees.
		return r.markFinished(ctx, sess, artifact)
	case !errors.Is(err, session.ErrArtifactNotFound):
		return session.Session{}, fmt.Errorf("check artifact: %w", err)
	}

	raws, err := r.jobs.ListResults(ctx, resultSetID)
	if err != nil {
		return session.Session{}, fmt.Errorf("list results: %w", err)
	}

	items := make([]session.NormalizedItem, 0, len(raws))
	for _, raw := range raws {
		items = append(items, normalize.Normalize(raw))
	}

	artifact = session.BackupArtifact{
		SessionID:           sess.ID,
		ExternalResultSetID: resultSetID,
		Timestamp:           r.clock.Now(),
		TotalItems:          len(items),
		PreviewItems:        previewOf(items),
		AllItems:            items,
	}
	if r.hasher != nil {
		if payload, marshalErr := json.Marshal(artifact.AllItems); marshalErr == nil {
			if sum, hashErr := r.hasher.Hash(payload); hashErr == nil {
				artifact.ContentHash = sum
			}
		}
	}

	if err := r.artifacts.PutArtifact(ctx, artifact); err != nil {
		if !errors.Is(err, session.ErrArtifactExists) {
			return session.Session{}, fmt.Errorf("put artifact: %w", err)
		}
		// Lost the create race; the stored artifact is authoritative.
		artifact, err = r.artifacts.GetArtifact(ctx, sess.ID)
		if err != nil {
			return session.Session{}, fmt.Errorf("reread artifact: %w", err)
		}
	} else {
		metrics.ObserveArtifactWritten()
	}

	return r.markFinished(ctx, sess, artifact)
}

func (r *Reconciler) markFinished(ctx context.Context, sess session.Session, artifact session.BackupArtifact) (session.Session, error) {
	sess.Status = session.StatusFinished
	sess.TotalItems = artifact.TotalItems
	sess.PreviewItems = artifact.PreviewItems
	sess.HasData = artifact.TotalItems > 0
	sess.FailureReason = ""
	if artifact.ExternalResultSetID != "" {
		sess.ExternalResultSetID = artifact.ExternalResultSetID
	}
	sess.UpdatedAt = r.clock.Now()
	if err := r.sessions.UpdateSession(ctx, sess); err != nil {
		return session.Session{}, fmt.Errorf("update session: %w", err)
	}
	metrics.ObserveSessionTerminal(string(session.StatusFinished))
	r.publishCompletion(ctx, sess)
	r.logger.Info("session finished",
		zap.String("session_id", sess.ID),
		zap.Int("total_items", sess.TotalItems),
	)
	return sess, nil
}

func (r *Reconciler) fail(ctx context.Context, sess session.Session, reason string) (session.Session, error) {
	sess.Status = session.StatusFailed
	sess.FailureReason = reason
	sess.UpdatedAt = r.clock.Now()
	if err := r.sessions.UpdateSession(ctx, sess); err != nil {
		return session.Session{}, fmt.Errorf("update session: %w", err)
	}
	metrics.ObserveSessionTerminal(string(session.StatusFailed))
	r.publishCompletion(ctx, sess)
	r.logger.Info("session failed",
		zap.String("session_id", sess.ID),
		zap.String("reason", reason),
	)
	return sess, nil
}

// publishCompletion emits a completion event. Publish failures are logged
// and never fail the reconciliation.
func (r *Reconciler) publishCompletion(ctx context.Context, sess session.Session) {
	if r.publisher == nil || r.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"session_id":  sess.ID,
		"status":      string(sess.Status),
		"total_items": sess.TotalItems,
		"has_data":    sess.HasData,
		"timestamp":   r.clock.Now().Format(time.RFC3339),
	}
	if sess.FailureReason != "" {
		payload["reason"] = sess.FailureReason
	}
	if _, err := r.publisher.Publish(ctx, r.cfg.Topic, payload); err != nil {
		r.logger.Warn("completion publish failed",
			zap.String("session_id", sess.ID),
			zap.Error(err),
		)
	}
}

func previewOf(items []session.NormalizedItem) []session.NormalizedItem {
	n := len(items)
	if n > session.PreviewLimit {
		n = session.PreviewLimit
	}
	out := make([]session.NormalizedItem, n)
	copy(out, items[:n])
	return out
}
