package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Backend selects the archive storage implementation.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// Config selects and configures an archive backend.
type Config struct {
	Backend  Backend
	Dir      string // fs: base directory
	Bucket   string // s3/gcs
	Region   string // s3
	Endpoint string // s3: custom endpoint for MinIO/LocalStack
	Prefix   string // s3/gcs: key prefix
}

// New builds a Store from config. An empty backend defaults to the
// filesystem store under data/evidence.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendFS, "":
		dir := cfg.Dir
		if dir == "" {
			dir = filepath.Join("data", "evidence")
		}
		return NewFSStore(dir)
	case BackendS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive: s3 backend requires a bucket")
		}
		region := cfg.Region
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Region:   region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case BackendGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive: gcs backend requires a bucket")
		}
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("archive: unsupported backend %q", cfg.Backend)
	}
}
