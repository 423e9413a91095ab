package storage

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/we-ensemble/pkg/errors"
)

// infoSuffix names the metadata sidecar written next to each payload.
const infoSuffix = ".info"

// localStore keeps shipped archives in a directory, each payload paired
// with a JSON metadata sidecar playing the role of COS object headers.
type localStore struct {
	basePath string
}

func newLocalStore(basePath string) (*localStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, apperrors.Wrapf(apperrors.CodeConfigError, err, "create archive store directory %s", basePath)
	}
	return &localStore{basePath: basePath}, nil
}

// Put stores an archive payload and its metadata sidecar.
func (s *localStore) Put(ctx context.Context, key string, payload io.Reader, info *ArchiveInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fullPath := s.keyPath(key)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return apperrors.Wrapf(apperrors.CodeUploadError, err, "create directory for %s", key)
	}

	file, err := os.Create(fullPath)
	if err != nil {
		return apperrors.Wrapf(apperrors.CodeUploadError, err, "create archive object %s", key)
	}
	defer file.Close()
	if _, err := io.Copy(file, payload); err != nil {
		return apperrors.Wrapf(apperrors.CodeUploadError, err, "write archive object %s", key)
	}

	if info == nil {
		return nil
	}
	meta, err := json.Marshal(info)
	if err != nil {
		return apperrors.Wrapf(apperrors.CodeUploadError, err, "encode metadata for %s", key)
	}
	if err := os.WriteFile(fullPath+infoSuffix, meta, 0o644); err != nil {
		return apperrors.Wrapf(apperrors.CodeUploadError, err, "write metadata for %s", key)
	}
	return nil
}

// Get returns an archive payload and its sidecar metadata. A payload
// without a sidecar yields nil metadata.
func (s *localStore) Get(ctx context.Context, key string) (io.ReadCloser, *ArchiveInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	file, err := os.Open(s.keyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, apperrors.Newf(apperrors.CodeNotFound, "archive object %s does not exist", key)
		}
		return nil, nil, apperrors.Wrapf(apperrors.CodeDownloadError, err, "open archive object %s", key)
	}

	info, err := s.readInfo(key)
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	return file, info, nil
}

// Stat reads an archive's sidecar metadata.
func (s *localStore) Stat(ctx context.Context, key string) (*ArchiveInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(s.keyPath(key)); err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.Newf(apperrors.CodeNotFound, "archive object %s does not exist", key)
		}
		return nil, apperrors.Wrapf(apperrors.CodeDownloadError, err, "stat archive object %s", key)
	}
	return s.readInfo(key)
}

// Remove deletes a shipped archive and its sidecar.
func (s *localStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.keyPath(key)); err != nil && !os.IsNotExist(err) {
		return apperrors.Wrapf(apperrors.CodeUploadError, err, "delete archive object %s", key)
	}
	if err := os.Remove(s.keyPath(key) + infoSuffix); err != nil && !os.IsNotExist(err) {
		return apperrors.Wrapf(apperrors.CodeUploadError, err, "delete metadata for %s", key)
	}
	return nil
}

// URL returns a file:// URL for the shipped archive.
func (s *localStore) URL(key string) string {
	abs, err := filepath.Abs(s.keyPath(key))
	if err != nil {
		abs = s.keyPath(key)
	}
	return "file://" + abs
}

func (s *localStore) readInfo(key string) (*ArchiveInfo, error) {
	meta, err := os.ReadFile(s.keyPath(key) + infoSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.Wrapf(apperrors.CodeDownloadError, err, "read metadata for %s", key)
	}
	var info ArchiveInfo
	if err := json.Unmarshal(meta, &info); err != nil {
		return nil, apperrors.Wrapf(apperrors.CodeDownloadError, err, "decode metadata for %s", key)
	}
	return &info, nil
}

// keyPath maps a key onto the base directory, refusing traversal out of it.
func (s *localStore) keyPath(key string) string {
	cleaned := filepath.Clean("/" + strings.TrimPrefix(key, "/"))
	return filepath.Join(s.basePath, cleaned)
}
