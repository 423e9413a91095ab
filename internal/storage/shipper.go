package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/we-ensemble/internal/archive"
	"github.com/we-ensemble/pkg/compression"
	apperrors "github.com/we-ensemble/pkg/errors"
	"github.com/we-ensemble/pkg/utils"
)

// Shipper moves archive container files between the master host and the
// archive store, compressing them in transit and stamping each object with
// the run's vital signs (format version, iteration count, codec, raw size).
type Shipper struct {
	store  ArchiveStore
	codec  *compression.Codec
	logger utils.Logger
}

// NewShipper creates a Shipper over the given store. A nil codec ships
// archives uncompressed.
func NewShipper(store ArchiveStore, codec *compression.Codec, logger utils.Logger) *Shipper {
	if codec == nil {
		codec, _ = compression.NewCodec(compression.AlgNone, compression.LevelDefault)
	}
	if logger == nil {
		logger = &utils.NullLogger{}
	}
	return &Shipper{
		store:  store,
		codec:  codec,
		logger: logger,
	}
}

// objectKey maps an archive path onto its store key; the codec extension
// keeps differently compressed ships of one archive distinguishable.
func (s *Shipper) objectKey(archivePath string) string {
	return filepath.Base(archivePath) + s.codec.Ext()
}

// Ship uploads the archive at archivePath, recording how many iterations it
// holds. The caller must have closed the archive first; shipping an open
// archive captures a torn state.
func (s *Shipper) Ship(ctx context.Context, archivePath string, iterations int64) (string, error) {
	raw, err := os.ReadFile(archivePath)
	if err != nil {
		return "", apperrors.Wrapf(apperrors.CodeUploadError, err, "read archive %s", archivePath)
	}

	payload, err := s.codec.Compress(raw)
	if err != nil {
		return "", apperrors.Wrapf(apperrors.CodeUploadError, err, "compress archive %s", archivePath)
	}

	info := &ArchiveInfo{
		FormatVersion: archive.FileFormatVersion,
		Iterations:    iterations,
		Compression:   string(s.codec.Algorithm()),
		RawSize:       int64(len(raw)),
	}

	key := s.objectKey(archivePath)
	if err := s.store.Put(ctx, key, bytes.NewReader(payload), info); err != nil {
		return "", err
	}

	s.logger.Info("shipped archive %s to %s (%d iterations, %d -> %d bytes, %s)",
		archivePath, key, iterations, len(raw), len(payload), s.codec.Algorithm())
	return key, nil
}

// Fetch downloads a shipped archive and writes it to archivePath. The
// object's recorded codec, not the shipper's, decides how the payload is
// expanded, so a host configured differently from the shipping one can
// still fetch.
func (s *Shipper) Fetch(ctx context.Context, key, archivePath string) error {
	body, info, err := s.store.Get(ctx, key)
	if err != nil {
		return err
	}
	defer body.Close()

	payload, err := io.ReadAll(body)
	if err != nil {
		return apperrors.Wrapf(apperrors.CodeDownloadError, err, "read archive object %s", key)
	}

	raw, err := s.expand(key, payload, info)
	if err != nil {
		return err
	}
	if info != nil {
		if info.FormatVersion != archive.FileFormatVersion {
			return apperrors.Newf(apperrors.CodeDownloadError,
				"archive object %s has format version %d, want %d",
				key, info.FormatVersion, archive.FileFormatVersion)
		}
		if info.RawSize > 0 && info.RawSize != int64(len(raw)) {
			return apperrors.Newf(apperrors.CodeDownloadError,
				"archive object %s expanded to %d bytes, metadata says %d",
				key, len(raw), info.RawSize)
		}
	}

	if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		return apperrors.Wrapf(apperrors.CodeDownloadError, err, "create archive directory")
	}
	if err := os.WriteFile(archivePath, raw, 0o644); err != nil {
		return apperrors.Wrapf(apperrors.CodeDownloadError, err, "write archive %s", archivePath)
	}

	s.logger.Info("fetched archive object %s to %s (%d bytes)", key, archivePath, len(raw))
	return nil
}

// expand undoes the codec recorded on the object, falling back to the
// shipper's own codec for objects shipped without metadata.
func (s *Shipper) expand(key string, payload []byte, info *ArchiveInfo) ([]byte, error) {
	codec := s.codec
	if info != nil && info.Compression != "" && info.Compression != string(s.codec.Algorithm()) {
		alg, err := compression.ParseAlgorithm(info.Compression)
		if err != nil {
			return nil, apperrors.Wrapf(apperrors.CodeDownloadError, err, "archive object %s", key)
		}
		fetchCodec, err := compression.NewCodec(alg, compression.LevelDefault)
		if err != nil {
			return nil, apperrors.Wrapf(apperrors.CodeDownloadError, err, "archive object %s", key)
		}
		defer fetchCodec.Close()
		codec = fetchCodec
	}

	raw, err := codec.Decompress(payload)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.CodeDownloadError, err, "decompress archive object %s", key)
	}
	return raw, nil
}
