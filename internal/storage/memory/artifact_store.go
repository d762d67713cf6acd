package memory

import (
	"context"
	"sync"

	"github.com/miravo/scrapedesk/internal/session"
)

// ArtifactStore keeps backup artifacts in-memory with create-if-absent
// semantics.
type ArtifactStore struct {
	mu        sync.RWMutex
	artifacts map[string]session.BackupArtifact
	writes    int
}

// NewArtifactStore constructs an ArtifactStore.
func NewArtifactStore() *ArtifactStore {
	return &ArtifactStore{artifacts: make(map[string]session.BackupArtifact)}
}

// PutArtifact stores the artifact iff none exists for the session id.
func (s *ArtifactStore) PutArtifact(_ context.Context, artifact session.BackupArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.artifacts[artifact.SessionID]; exists {
		return session.ErrArtifactExists
	}
	s.artifacts[artifact.SessionID] = cloneArtifact(artifact)
	s.writes++
	return nil
}

// GetArtifact fetches the artifact for a session id.
func (s *ArtifactStore) GetArtifact(_ context.Context, sessionID string) (session.BackupArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	artifact, ok := s.artifacts[sessionID]
	if !ok {
		return session.BackupArtifact{}, session.ErrArtifactNotFound
	}
	return cloneArtifact(artifact), nil
}

// WriteCount reports how many artifacts were actually persisted. Tests use
// it to verify exactly-once writes under concurrent completion signals.
func (s *ArtifactStore) WriteCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

func cloneArtifact(artifact session.BackupArtifact) session.BackupArtifact {
	cp := artifact
	if artifact.PreviewItems != nil {
		cp.PreviewItems = make([]session.NormalizedItem, len(artifact.PreviewItems))
		copy(cp.PreviewItems, artifact.PreviewItems)
	}
	if artifact.AllItems != nil {
		cp.AllItems = make([]session.NormalizedItem, len(artifact.AllItems))
		copy(cp.AllItems, artifact.AllItems)
	}
	return cp
}
