// Package gcs provides an ArtifactStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/miravo/scrapedesk/internal/session"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// ArtifactStore writes backup artifacts to a GCS bucket. The write uses a
// DoesNotExist precondition, so the object create is atomic and duplicate
// writes surface as ErrArtifactExists.
type ArtifactStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed artifact store.
func New(client *storage.Client, cfg Config) (*ArtifactStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &ArtifactStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// PutArtifact uploads the artifact iff no object exists for the session.
func (s *ArtifactStore) PutArtifact(ctx context.Context, artifact session.BackupArtifact) error {
	if strings.TrimSpace(artifact.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	data, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}

	obj := s.client.Bucket(s.bucket).Object(s.objectPath(artifact.SessionID))
	writer := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			return session.ErrArtifactExists
		}
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// GetArtifact downloads and decodes the artifact for a session id.
func (s *ArtifactStore) GetArtifact(ctx context.Context, sessionID string) (session.BackupArtifact, error) {
	obj := s.client.Bucket(s.bucket).Object(s.objectPath(sessionID))
	reader, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return session.BackupArtifact{}, session.ErrArtifactNotFound
		}
		return session.BackupArtifact{}, fmt.Errorf("open object: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()

	data, err := io.ReadAll(reader)
	if err != nil {
		return session.BackupArtifact{}, fmt.Errorf("read object: %w", err)
	}
	var artifact session.BackupArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return session.BackupArtifact{}, fmt.Errorf("unmarshal artifact: %w", err)
	}
	return artifact, nil
}

func (s *ArtifactStore) objectPath(sessionID string) string {
	if s.prefix == "" {
		return sessionID + ".json"
	}
	return fmt.Sprintf("%s/%s.json", s.prefix, sessionID)
}
