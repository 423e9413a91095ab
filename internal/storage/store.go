// Package storage ships archive container files off the master host and
// fetches seed archives for new runs. Shipped objects are not opaque blobs:
// every one carries the archive's format version, its iteration count, its
// raw size, and the codec that squeezed it, so a fetch can validate and
// undo the ship without consulting the host that produced it.
package storage

import (
	"context"
	"io"

	"github.com/we-ensemble/pkg/config"
	apperrors "github.com/we-ensemble/pkg/errors"
)

// ArchiveInfo is the metadata stored alongside every shipped archive.
type ArchiveInfo struct {
	FormatVersion uint64 `json:"format_version"`
	Iterations    int64  `json:"iterations"`
	Compression   string `json:"compression"`
	RawSize       int64  `json:"raw_size"`
}

// ArchiveStore is the backend holding shipped archives.
type ArchiveStore interface {
	// Put stores an archive payload under key, with its metadata.
	Put(ctx context.Context, key string, payload io.Reader, info *ArchiveInfo) error

	// Get returns an archive payload and its metadata. The caller closes
	// the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, *ArchiveInfo, error)

	// Stat returns the metadata of a shipped archive without its payload.
	Stat(ctx context.Context, key string) (*ArchiveInfo, error)

	// Remove deletes a shipped archive. Removing a missing key is not an
	// error.
	Remove(ctx context.Context, key string) error

	// URL returns where the shipped archive can be reached.
	URL(key string) string
}

// NewArchiveStore creates the configured backend.
func NewArchiveStore(cfg *config.StorageConfig) (ArchiveStore, error) {
	if cfg == nil {
		return nil, apperrors.New(apperrors.CodeConfigError, "storage config is nil")
	}

	switch cfg.Type {
	case "cos":
		if cfg.Bucket == "" || cfg.Region == "" {
			return nil, apperrors.New(apperrors.CodeConfigError, "COS bucket and region are required")
		}
		if cfg.SecretID == "" || cfg.SecretKey == "" {
			return nil, apperrors.New(apperrors.CodeConfigError, "COS credentials are required")
		}
		return newCOSStore(cfg)
	case "local", "":
		if cfg.LocalPath == "" {
			return nil, apperrors.New(apperrors.CodeConfigError, "local storage path is required")
		}
		return newLocalStore(cfg.LocalPath)
	default:
		return nil, apperrors.Newf(apperrors.CodeConfigError, "unsupported storage type: %s", cfg.Type)
	}
}
