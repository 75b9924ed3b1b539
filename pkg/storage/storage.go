// Package storage keeps uploaded contracts and extraction results in an
// object store.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/feichai0017/contract-extractor/pkg/logger"
	"github.com/feichai0017/contract-extractor/pkg/storage/minio"
	"github.com/feichai0017/contract-extractor/pkg/storage/s3"
)

type StorageType string

const (
	StorageTypeS3    StorageType = "s3"
	StorageTypeMinio StorageType = "minio"
)

// Storage is a flat key/value object store. Get on a missing key returns an
// error of kind not_found.
type Storage interface {
	Store(ctx context.Context, reader io.Reader, key string) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	// CleanupBefore deletes objects last modified before threshold and
	// returns how many were removed.
	CleanupBefore(ctx context.Context, threshold time.Time) (int, error)
}

func NewStorage(ctx context.Context, storageType StorageType, log logger.Logger) (Storage, error) {
	switch storageType {
	case StorageTypeS3:
		return s3.NewS3Storage(ctx, log)
	case StorageTypeMinio:
		return minio.NewMinioStorage(ctx, log)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}
