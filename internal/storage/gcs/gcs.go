// Package gcs implements the Google Cloud Storage backend. It authenticates
// with Application Default Credentials, a service account key, or Workload
// Identity Federation; "none" is accepted for emulators reached through a
// custom endpoint.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	appconfig "github.com/emetrics/emetrics-backend/internal/config"
	appstorage "github.com/emetrics/emetrics-backend/internal/storage"
)

func init() {
	appstorage.Register("gcs", func(cfg *appconfig.ArchiveConfig) (appstorage.Storage, error) {
		return New(&cfg.GCS)
	})
}

// GCSStorage implements the Storage interface for Google Cloud Storage
type GCSStorage struct {
	client *storage.Client
	bucket string
}

// New creates the backend.
//
// Authentication methods:
//   - "default" or empty: Application Default Credentials
//   - "service_account": a key file or inline JSON key
//   - "workload_identity": ADC backed by Workload Identity Federation
//   - "none": no credentials, for emulators (requires endpoint)
func New(cfg *appconfig.GCSStorageConfig) (*GCSStorage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket name is required")
	}

	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	authMethod := cfg.AuthMethod
	if authMethod == "" {
		if cfg.CredentialsFile != "" || cfg.CredentialsJSON != "" {
			authMethod = "service_account"
		} else {
			authMethod = "default"
		}
	}

	switch authMethod {
	case "service_account":
		switch {
		case cfg.CredentialsJSON != "":
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
		case cfg.CredentialsFile != "":
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		default:
			return nil, fmt.Errorf("credentials_file or credentials_json is required for service_account auth")
		}
	case "none":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("endpoint is required for auth_method none")
		}
		opts = append(opts, option.WithoutAuthentication())
	case "workload_identity", "default":
	default:
		return nil, fmt.Errorf("unsupported auth_method: %s (must be 'default', 'service_account', 'workload_identity', or 'none')", authMethod)
	}

	client, err := storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSStorage{client: client, bucket: cfg.Bucket}, nil
}

// Close closes the GCS client
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

// Put writes the object with its SHA256 stored in the object metadata.
func (s *GCSStorage) Put(ctx context.Context, key string, r io.Reader) (*appstorage.Object, error) {
	data, sum, err := appstorage.Buffer(r)
	if err != nil {
		return nil, err
	}

	writer := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	writer.ContentType = "application/json"
	writer.Metadata = map[string]string{"sha256": sum}

	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close GCS writer: %w", err)
	}

	return &appstorage.Object{Key: key, Size: int64(len(data)), Checksum: sum}, nil
}

// Get opens a reader on the object.
func (s *GCSStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	reader, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", appstorage.ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to read from GCS: %w", err)
	}
	return reader, nil
}

// Delete removes the object.
func (s *GCSStorage) Delete(ctx context.Context, key string) error {
	if err := s.client.Bucket(s.bucket).Object(key).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return fmt.Errorf("failed to delete from GCS: %w", err)
	}
	return nil
}

// Exists fetches the object attributes.
func (s *GCSStorage) Exists(ctx context.Context, key string) (bool, error) {
	if _, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}
