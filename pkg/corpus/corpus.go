// Package corpus reads pretraining text: one segment per line, with blank
// lines separating documents. Files may be plain text or compressed with
// gzip, zstd, xz or lz4, selected by file suffix.
package corpus

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// Codec names a compression format.
type Codec string

const (
	CodecNone Codec = "none"
	CodecGzip Codec = "gzip"
	CodecZstd Codec = "zstd"
	CodecXZ   Codec = "xz"
	CodecLZ4  Codec = "lz4"
)

// maxLineBytes bounds a single segment line.
const maxLineBytes = 16 * 1024 * 1024

// DetectCodec picks the codec from the file suffix.
func DetectCodec(path string) Codec {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz", ".gzip":
		return CodecGzip
	case ".zst", ".zstd":
		return CodecZstd
	case ".xz":
		return CodecXZ
	case ".lz4":
		return CodecLZ4
	default:
		return CodecNone
	}
}

type readCloser struct {
	io.Reader
	closers []func() error
}

func (r *readCloser) Close() error {
	var errs []error
	for _, c := range r.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewReader wraps r with a decompressor for codec.
func NewReader(r io.Reader, codec Codec) (io.ReadCloser, error) {
	switch codec {
	case CodecNone, "":
		return io.NopCloser(r), nil
	case CodecGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		return zr, nil
	case CodecZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		return zr.IOReadCloser(), nil
	case CodecXZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open xz stream: %w", err)
		}
		return io.NopCloser(xr), nil
	case CodecLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", codec)
	}
}

// NewWriter wraps w with a compressor for codec. Closing the returned
// writer flushes the compressor but leaves w open.
func NewWriter(w io.Writer, codec Codec) (io.WriteCloser, error) {
	switch codec {
	case CodecNone, "":
		return nopWriteCloser{w}, nil
	case CodecGzip:
		return gzip.NewWriter(w), nil
	case CodecZstd:
		return zstd.NewWriter(w)
	case CodecXZ:
		return xz.NewWriter(w)
	case CodecLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", codec)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// Open opens path and decompresses it according to its suffix.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open corpus file: %w", err)
	}
	r, err := NewReader(bufio.NewReader(f), DetectCodec(path))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &readCloser{Reader: r, closers: []func() error{r.Close, f.Close}}, nil
}

// ReadDocuments parses r into documents of raw text segments.
func ReadDocuments(ctx context.Context, r io.Reader) ([][]string, error) {
	var docs [][]string
	var current []string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		if line%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			if len(current) > 0 {
				docs = append(docs, current)
				current = nil
			}
			continue
		}
		current = append(current, text)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read corpus at line %d: %w", line+1, err)
	}
	if len(current) > 0 {
		docs = append(docs, current)
	}
	return docs, nil
}

// ReadFile opens and parses a corpus file.
func ReadFile(ctx context.Context, path string) ([][]string, error) {
	rc, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	docs, err := ReadDocuments(ctx, rc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return docs, nil
}
