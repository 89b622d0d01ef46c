package corpus

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `The cat sat on the mat.
It was happy.

  A dog ran home.  


The end.
`

var sampleDocs = [][]string{
	{"The cat sat on the mat.", "It was happy."},
	{"A dog ran home."},
	{"The end."},
}

func TestDetectCodec(t *testing.T) {
	tests := map[string]Codec{
		"a.txt":        CodecNone,
		"a":            CodecNone,
		"a.txt.gz":     CodecGzip,
		"a.GZ":         CodecGzip,
		"a.zst":        CodecZstd,
		"a.txt.zstd":   CodecZstd,
		"corpus.xz":    CodecXZ,
		"corpus.lz4":   CodecLZ4,
		"dir.gz/a.txt": CodecNone,
	}
	for path, want := range tests {
		assert.Equal(t, want, DetectCodec(path), path)
	}
}

func TestReadDocuments(t *testing.T) {
	docs, err := ReadDocuments(context.Background(), strings.NewReader(sample))
	require.NoError(t, err)
	assert.Equal(t, sampleDocs, docs)

	docs, err = ReadDocuments(context.Background(), strings.NewReader("\n\n"))
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestReadFileCodecs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"plain.txt", "c.txt.gz", "c.txt.zst", "c.txt.xz", "c.txt.lz4"} {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			w, err := NewWriter(&buf, DetectCodec(name))
			require.NoError(t, err)
			_, err = w.Write([]byte(sample))
			require.NoError(t, err)
			require.NoError(t, w.Close())

			path := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

			docs, err := ReadFile(context.Background(), path)
			require.NoError(t, err)
			assert.Equal(t, sampleDocs, docs)
		})
	}
}

func TestReadFileErrors(t *testing.T) {
	_, err := ReadFile(context.Background(), filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.gz")
	require.NoError(t, os.WriteFile(path, []byte("not gzip"), 0o644))
	_, err = ReadFile(context.Background(), path)
	assert.Error(t, err)

	_, err = NewReader(strings.NewReader(""), "brotli")
	assert.Error(t, err)
}
