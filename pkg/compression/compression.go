// Package compression provides the codec used when shipping archive
// container files: dense numeric datasets compress well, and every shipped
// object records its codec name so a fetch can undo whatever a ship did,
// even across differently configured hosts.
package compression

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	apperrors "github.com/we-ensemble/pkg/errors"
)

// Algorithm names a shipping codec.
type Algorithm string

const (
	// AlgNone ships archives uncompressed.
	AlgNone Algorithm = "none"
	// AlgGzip is the slower, universally readable codec.
	AlgGzip Algorithm = "gzip"
	// AlgZstd is the default codec: faster and a better ratio.
	AlgZstd Algorithm = "zstd"
)

// ParseAlgorithm parses a codec name from configuration; the empty string
// means no compression.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case AlgNone, AlgGzip, AlgZstd:
		return Algorithm(s), nil
	case "":
		return AlgNone, nil
	default:
		return "", apperrors.Newf(apperrors.CodeConfigError, "unknown compression algorithm %q", s)
	}
}

// Level represents the compression level.
type Level int

const (
	// LevelFastest prioritizes speed over compression ratio
	LevelFastest Level = 1
	// LevelDefault balances speed and compression ratio
	LevelDefault Level = 3
	// LevelBest prioritizes compression ratio over speed
	LevelBest Level = 9
)

// Codec compresses and decompresses archive payloads with one algorithm.
// The zstd coders are built once and reused; a Codec is safe for concurrent
// use.
type Codec struct {
	alg       Algorithm
	gzipLevel int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

// NewCodec creates a codec for the given algorithm and level.
func NewCodec(alg Algorithm, level Level) (*Codec, error) {
	c := &Codec{alg: alg}

	switch alg {
	case AlgNone:
	case AlgGzip:
		switch level {
		case LevelFastest:
			c.gzipLevel = gzip.BestSpeed
		case LevelBest:
			c.gzipLevel = gzip.BestCompression
		default:
			c.gzipLevel = gzip.DefaultCompression
		}
	case AlgZstd:
		zstdLevel := zstd.SpeedDefault
		switch level {
		case LevelFastest:
			zstdLevel = zstd.SpeedFastest
		case LevelBest:
			zstdLevel = zstd.SpeedBestCompression
		}
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			enc.Close()
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		c.enc, c.dec = enc, dec
	default:
		return nil, apperrors.Newf(apperrors.CodeConfigError, "unknown compression algorithm %q", alg)
	}

	return c, nil
}

// Algorithm returns the codec's algorithm name.
func (c *Codec) Algorithm() Algorithm {
	return c.alg
}

// Ext returns the filename extension shipped objects carry for this codec.
func (c *Codec) Ext() string {
	switch c.alg {
	case AlgGzip:
		return ".gz"
	case AlgZstd:
		return ".zst"
	default:
		return ""
	}
}

// Compress compresses an archive payload.
func (c *Codec) Compress(data []byte) ([]byte, error) {
	switch c.alg {
	case AlgNone:
		return data, nil
	case AlgGzip:
		var buf bytes.Buffer
		writer, err := gzip.NewWriterLevel(&buf, c.gzipLevel)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		if _, err := writer.Write(data); err != nil {
			writer.Close()
			return nil, fmt.Errorf("failed to write gzip data: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("failed to close gzip writer: %w", err)
		}
		return buf.Bytes(), nil
	case AlgZstd:
		return c.enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	default:
		return nil, apperrors.Newf(apperrors.CodeInternal, "codec has no algorithm")
	}
}

// Decompress undoes Compress.
func (c *Codec) Decompress(data []byte) ([]byte, error) {
	switch c.alg {
	case AlgNone:
		return data, nil
	case AlgGzip:
		reader, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer reader.Close()
		return io.ReadAll(reader)
	case AlgZstd:
		return c.dec.DecodeAll(data, nil)
	default:
		return nil, apperrors.Newf(apperrors.CodeInternal, "codec has no algorithm")
	}
}

// Close releases the zstd coders; other algorithms hold nothing.
func (c *Codec) Close() {
	if c.enc != nil {
		c.enc.Close()
	}
	if c.dec != nil {
		c.dec.Close()
	}
}
