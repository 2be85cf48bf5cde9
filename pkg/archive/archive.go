// Package archive provides content-addressed storage for audit evidence
// packs. Blobs are keyed by the hex SHA-256 of their contents, so writes are
// idempotent and a stored pack can always be verified against its key.
package archive

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrNotFound is returned when no blob exists for a checksum.
var ErrNotFound = errors.New("archive: blob not found")

// Store persists immutable blobs addressed by content checksum.
type Store interface {
	// Put stores data and returns its hex SHA-256 checksum. Storing the
	// same bytes twice is a no-op returning the same checksum.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves a blob by checksum.
	Get(ctx context.Context, checksum string) ([]byte, error)
	// Exists reports whether a blob is stored under checksum.
	Exists(ctx context.Context, checksum string) (bool, error)
	// Delete removes a blob; deleting a missing blob is not an error.
	Delete(ctx context.Context, checksum string) error
}

func validateChecksum(checksum string) error {
	if len(checksum) != 64 {
		return fmt.Errorf("archive: checksum must be 64 hex chars, got %d", len(checksum))
	}
	if _, err := hex.DecodeString(checksum); err != nil {
		return fmt.Errorf("archive: checksum is not hex: %w", err)
	}
	return nil
}
