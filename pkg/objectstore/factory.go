package objectstore

import (
	"context"
	"fmt"
)

// Backend names a storage backend.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendFS     Backend = "fs"
	BackendS3     Backend = "s3"
	BackendGCS    Backend = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Backend   Backend
	Root      string // fs
	S3        S3Config
	GCSBucket string
}

// New builds the store named by cfg.Backend. An empty backend means s3.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendS3, "":
		return NewS3Store(ctx, cfg.S3)
	case BackendFS:
		root := cfg.Root
		if root == "" {
			root = "data/ledger"
		}
		return NewFileStore(root)
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendGCS:
		return newGCSStore(ctx, cfg.GCSBucket)
	default:
		return nil, fmt.Errorf("unsupported object storage backend: %s", cfg.Backend)
	}
}
