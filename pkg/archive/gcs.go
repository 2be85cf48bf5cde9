//go:build gcp

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/crescendo-labs/podium/pkg/canonicalize"
)

// GCSStore keeps blobs in a Google Cloud Storage bucket under
// <prefix><checksum>.blob. The client authenticates via ADC.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig configures the GCS backend.
type GCSConfig struct {
	Bucket string
	Prefix string
}

func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: create gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	checksum := canonicalize.HashBytes(data)
	obj := s.client.Bucket(s.bucket).Object(s.key(checksum))

	if _, err := obj.Attrs(ctx); err == nil {
		return checksum, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/zip"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("archive: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("archive: gcs close: %w", err)
	}
	return checksum, nil
}

func (s *GCSStore) Get(ctx context.Context, checksum string) ([]byte, error) {
	if err := validateChecksum(checksum); err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(s.bucket).Object(s.key(checksum)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, checksum)
		}
		return nil, fmt.Errorf("archive: gcs open: %w", err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("archive: gcs read: %w", err)
	}
	return data, nil
}

func (s *GCSStore) Exists(ctx context.Context, checksum string) (bool, error) {
	if err := validateChecksum(checksum); err != nil {
		return false, err
	}
	_, err := s.client.Bucket(s.bucket).Object(s.key(checksum)).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("archive: gcs attrs: %w", err)
}

func (s *GCSStore) Delete(ctx context.Context, checksum string) error {
	if err := validateChecksum(checksum); err != nil {
		return err
	}
	err := s.client.Bucket(s.bucket).Object(s.key(checksum)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("archive: gcs delete: %w", err)
	}
	return nil
}

func (s *GCSStore) key(checksum string) string {
	return s.prefix + checksum + ".blob"
}
