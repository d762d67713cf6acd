package session

import (
	"context"
	"time"
)

// Store persists session records. Implementations must be safe for
// concurrent use; distinct session ids never contend.
type Store interface {
	CreateSession(ctx context.Context, sess Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	// UpdateSession replaces the stored record. Implementations must
	// refuse to mutate a session that is already terminal, except for
	// an identical re-write of the same terminal state, which is a no-op.
	UpdateSession(ctx context.Context, sess Session) error
}

// ArtifactStore persists backup artifacts with create-if-absent semantics.
type ArtifactStore interface {
	// PutArtifact writes the artifact iff none exists for the session id.
	// A duplicate write returns ErrArtifactExists and leaves the stored
	// artifact untouched. No partial write may ever be visible to readers.
	PutArtifact(ctx context.Context, artifact BackupArtifact) error
	GetArtifact(ctx context.Context, sessionID string) (BackupArtifact, error)
}

// JobClient is the contract to the external job-execution service. The
// crawl itself is opaque; only status and results are consumed here.
type JobClient interface {
	StartJob(ctx context.Context, url string, opts StartOptions) (JobHandle, error)
	GetStatus(ctx context.Context, jobID string) (JobStatus, error)
	ListResults(ctx context.Context, resultSetID string) ([]map[string]any, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for artifact integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
