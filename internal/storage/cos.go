package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tencentyun/cos-go-sdk-v5"

	"github.com/we-ensemble/pkg/config"
	apperrors "github.com/we-ensemble/pkg/errors"
)

// archiveContentType marks shipped archive objects in the bucket.
const archiveContentType = "application/x-wemd-archive"

// Archive metadata rides on the object as x-cos-meta-* headers, which COS
// echoes back verbatim on GET and HEAD.
const (
	metaFormatVersion = "x-cos-meta-wemd-format-version"
	metaIterations    = "x-cos-meta-wemd-iterations"
	metaCompression   = "x-cos-meta-wemd-compression"
	metaRawSize       = "x-cos-meta-wemd-raw-size"
)

// cosStore keeps shipped archives in a Tencent Cloud COS bucket.
type cosStore struct {
	client *cos.Client
	bucket string
	region string
	domain string
	scheme string
}

func newCOSStore(cfg *config.StorageConfig) (*cosStore, error) {
	domain := cfg.Domain
	if domain == "" {
		domain = "myqcloud.com"
	}
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "https"
	}

	bucketURL, err := url.Parse(fmt.Sprintf("%s://%s.cos.%s.%s", scheme, cfg.Bucket, cfg.Region, domain))
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.CodeConfigError, err, "parse COS bucket URL")
	}
	serviceURL, err := url.Parse(fmt.Sprintf("%s://cos.%s.%s", scheme, cfg.Region, domain))
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.CodeConfigError, err, "parse COS service URL")
	}

	client := cos.NewClient(&cos.BaseURL{
		BucketURL:  bucketURL,
		ServiceURL: serviceURL,
	}, &http.Client{
		Transport: &cos.AuthorizationTransport{
			SecretID:  cfg.SecretID,
			SecretKey: cfg.SecretKey,
		},
	})

	return &cosStore{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.Region,
		domain: domain,
		scheme: scheme,
	}, nil
}

// Put stores an archive payload with its metadata headers.
func (s *cosStore) Put(ctx context.Context, key string, payload io.Reader, info *ArchiveInfo) error {
	opt := &cos.ObjectPutOptions{
		ObjectPutHeaderOptions: &cos.ObjectPutHeaderOptions{
			ContentType: archiveContentType,
			XCosMetaXXX: infoToHeader(info),
		},
	}
	if _, err := s.client.Object.Put(ctx, key, payload, opt); err != nil {
		return apperrors.Wrapf(apperrors.CodeUploadError, err, "put archive object %s", key)
	}
	return nil
}

// Get returns an archive payload and the metadata echoed on its headers.
func (s *cosStore) Get(ctx context.Context, key string) (io.ReadCloser, *ArchiveInfo, error) {
	resp, err := s.client.Object.Get(ctx, key, nil)
	if err != nil {
		if cos.IsNotFoundError(err) {
			return nil, nil, apperrors.Newf(apperrors.CodeNotFound, "archive object %s does not exist", key)
		}
		return nil, nil, apperrors.Wrapf(apperrors.CodeDownloadError, err, "get archive object %s", key)
	}
	return resp.Body, infoFromHeader(resp.Header), nil
}

// Stat reads an archive's metadata without pulling its payload.
func (s *cosStore) Stat(ctx context.Context, key string) (*ArchiveInfo, error) {
	resp, err := s.client.Object.Head(ctx, key, nil)
	if err != nil {
		if cos.IsNotFoundError(err) {
			return nil, apperrors.Newf(apperrors.CodeNotFound, "archive object %s does not exist", key)
		}
		return nil, apperrors.Wrapf(apperrors.CodeDownloadError, err, "head archive object %s", key)
	}
	return infoFromHeader(resp.Header), nil
}

// Remove deletes a shipped archive.
func (s *cosStore) Remove(ctx context.Context, key string) error {
	if _, err := s.client.Object.Delete(ctx, key); err != nil {
		if cos.IsNotFoundError(err) {
			return nil
		}
		return apperrors.Wrapf(apperrors.CodeUploadError, err, "delete archive object %s", key)
	}
	return nil
}

// URL returns the object URL of a shipped archive.
func (s *cosStore) URL(key string) string {
	return fmt.Sprintf("%s://%s.cos.%s.%s/%s", s.scheme, s.bucket, s.region, s.domain, key)
}

func infoToHeader(info *ArchiveInfo) *http.Header {
	if info == nil {
		return nil
	}
	header := http.Header{}
	header.Set(metaFormatVersion, strconv.FormatUint(info.FormatVersion, 10))
	header.Set(metaIterations, strconv.FormatInt(info.Iterations, 10))
	header.Set(metaCompression, info.Compression)
	header.Set(metaRawSize, strconv.FormatInt(info.RawSize, 10))
	return &header
}

func infoFromHeader(header http.Header) *ArchiveInfo {
	if header.Get(metaCompression) == "" && header.Get(metaFormatVersion) == "" {
		return nil
	}
	formatVersion, _ := strconv.ParseUint(header.Get(metaFormatVersion), 10, 64)
	iterations, _ := strconv.ParseInt(header.Get(metaIterations), 10, 64)
	rawSize, _ := strconv.ParseInt(header.Get(metaRawSize), 10, 64)
	return &ArchiveInfo{
		FormatVersion: formatVersion,
		Iterations:    iterations,
		Compression:   header.Get(metaCompression),
		RawSize:       rawSize,
	}
}
