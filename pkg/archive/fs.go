package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/crescendo-labs/podium/pkg/canonicalize"
)

// FSStore keeps blobs as files named <checksum>.blob under a base
// directory. Writes go through a temp file and rename so a crash never
// leaves a torn blob behind.
type FSStore struct {
	baseDir string
}

func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: ensure dir: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

func (s *FSStore) Put(_ context.Context, data []byte) (string, error) {
	checksum := canonicalize.HashBytes(data)
	path := s.blobPath(checksum)

	if _, err := os.Stat(path); err == nil {
		return checksum, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("archive: write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("archive: commit blob: %w", err)
	}
	return checksum, nil
}

func (s *FSStore) Get(_ context.Context, checksum string) ([]byte, error) {
	if err := validateChecksum(checksum); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.blobPath(checksum))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, checksum)
		}
		return nil, fmt.Errorf("archive: read blob: %w", err)
	}
	return data, nil
}

func (s *FSStore) Exists(_ context.Context, checksum string) (bool, error) {
	if err := validateChecksum(checksum); err != nil {
		return false, err
	}
	_, err := os.Stat(s.blobPath(checksum))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("archive: stat blob: %w", err)
}

func (s *FSStore) Delete(_ context.Context, checksum string) error {
	if err := validateChecksum(checksum); err != nil {
		return err
	}
	if err := os.Remove(s.blobPath(checksum)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("archive: delete blob: %w", err)
	}
	return nil
}

func (s *FSStore) blobPath(checksum string) string {
	return filepath.Join(s.baseDir, checksum+".blob")
}
