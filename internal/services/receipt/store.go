package receipt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"ogsolar-core/config"
)

// ArtifactStore keeps rendered receipts. Put returns the reference stored on
// the receipt row; Get reads it back.
type ArtifactStore interface {
	Put(ctx context.Context, name, contentType string, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// NewStore picks the artifact store named by ARTIFACT_STORE.
func NewStore(ctx context.Context, cfg config.ArtifactConfig) (ArtifactStore, error) {
	switch cfg.Store {
	case "", "local":
		return NewLocalStore(cfg.Dir)
	case "gcs":
		return NewGCSStore(ctx, cfg.GCSBucket, cfg.GCSCredentialsJSON)
	}
	return nil, fmt.Errorf("unsupported ARTIFACT_STORE %q", cfg.Store)
}

type LocalStore struct {
	dir string
}

func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		return nil, errors.New("ARTIFACT_DIR is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

func (s *LocalStore) Put(_ context.Context, name, _ string, data []byte) (string, error) {
	path := filepath.Join(s.dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	return name, nil
}

func (s *LocalStore) Get(_ context.Context, ref string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.dir, filepath.FromSlash(ref)))
}

// GCSStore writes artifacts to a Cloud Storage bucket. References have the
// form gs://bucket/object.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore uses explicit credentials when given and application default
// credentials otherwise.
func NewGCSStore(ctx context.Context, bucket, credentialsJSON string) (*GCSStore, error) {
	if bucket == "" {
		return nil, errors.New("GCS_BUCKET is required")
	}
	var opts []option.ClientOption
	if strings.TrimSpace(credentialsJSON) != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

func (s *GCSStore) Put(ctx context.Context, name, contentType string, data []byte) (string, error) {
	wc := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return "", fmt.Errorf("failed to upload artifact: %w", err)
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("failed to close writer: %w", err)
	}
	return "gs://" + s.bucket + "/" + name, nil
}

func (s *GCSStore) Get(ctx context.Context, ref string) ([]byte, error) {
	name := strings.TrimPrefix(ref, "gs://"+s.bucket+"/")
	rc, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
