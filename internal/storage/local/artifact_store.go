// Package local implements a local filesystem artifact store.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/miravo/scrapedesk/internal/session"
)

// Config captures the parameters for the local filesystem artifact store.
type Config struct {
	// BaseDir is the root directory where artifacts will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// ArtifactStore writes backup artifacts as JSON files. A write lands in a
// temp file first and is linked into place with an exclusive create, so a
// duplicate write is detected atomically and readers never see a partial
// artifact.
type ArtifactStore struct {
	baseDir string
}

// New creates a new filesystem-backed artifact store.
func New(cfg Config) (*ArtifactStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
				return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
			}
		} else {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &ArtifactStore{baseDir: cfg.BaseDir}, nil
}

// PutArtifact persists the artifact iff none exists for the session id.
func (s *ArtifactStore) PutArtifact(_ context.Context, artifact session.BackupArtifact) error {
	if strings.TrimSpace(artifact.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	finalPath, err := s.artifactPath(artifact.SessionID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}

	tmp, err := os.CreateTemp(s.baseDir, ".artifact-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	// Link is an exclusive create: it fails with EEXIST when another
	// writer got there first, which is exactly the duplicate guard.
	if err := os.Link(tmpPath, finalPath); err != nil {
		if errors.Is(err, os.ErrExist) {
			return session.ErrArtifactExists
		}
		return fmt.Errorf("link artifact into place: %w", err)
	}
	return nil
}

// GetArtifact reads the artifact for a session id.
func (s *ArtifactStore) GetArtifact(_ context.Context, sessionID string) (session.BackupArtifact, error) {
	path, err := s.artifactPath(sessionID)
	if err != nil {
		return session.BackupArtifact{}, err
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path is derived from the validated base dir.
	if err != nil {
		if os.IsNotExist(err) {
			return session.BackupArtifact{}, session.ErrArtifactNotFound
		}
		return session.BackupArtifact{}, fmt.Errorf("read artifact: %w", err)
	}
	var artifact session.BackupArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return session.BackupArtifact{}, fmt.Errorf("unmarshal artifact: %w", err)
	}
	return artifact, nil
}

// artifactPath resolves the on-disk path for a session, rejecting ids
// that would escape the base directory.
func (s *ArtifactStore) artifactPath(sessionID string) (string, error) {
	fullPath := filepath.Join(s.baseDir, sessionID+".json")
	cleanBaseDir := filepath.Clean(s.baseDir)
	cleanFullPath := filepath.Clean(fullPath)
	if !strings.HasPrefix(cleanFullPath, cleanBaseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}
