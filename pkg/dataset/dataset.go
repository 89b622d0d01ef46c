// Package dataset persists built examples and verifier scores as parquet
// shards through a Sink.
package dataset

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/zeebo/blake3"

	"github.com/soundprediction/textheads/pkg/types"
)

// ManifestName is the object name of the shard manifest.
const ManifestName = "manifest.json"

// VerifierRow is one stored Retro-Reader prediction. HasAnswer is the gold
// label, or -1 when unknown.
type VerifierRow struct {
	ID             string  `parquet:"id" json:"id"`
	ScoreExternal  float64 `parquet:"score_external" json:"score_external"`
	ScoreHasAnswer float64 `parquet:"score_has_answer" json:"score_has_answer"`
	ScoreNull      float64 `parquet:"score_null" json:"score_null"`
	HasAnswer      int32   `parquet:"has_answer" json:"has_answer"`
}

// ShardInfo describes a written shard.
type ShardInfo struct {
	Name   string `json:"name"`
	Rows   int    `json:"rows"`
	Bytes  int    `json:"bytes"`
	Digest string `json:"blake3"`
}

// Manifest lists the shards of one build.
type Manifest struct {
	JobID     string      `json:"job_id"`
	CreatedAt time.Time   `json:"created_at"`
	Shards    []ShardInfo `json:"shards"`
}

// ShardName returns the object name of shard i.
func ShardName(i int) string {
	return fmt.Sprintf("examples-%05d.parquet", i)
}

// Digest returns the hex blake3 digest of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// EncodeExamples serializes examples to parquet.
func EncodeExamples(examples []types.Example) ([]byte, error) {
	var buf bytes.Buffer
	if err := parquet.Write(&buf, examples); err != nil {
		return nil, fmt.Errorf("failed to encode examples: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeExamples parses a parquet shard.
func DecodeExamples(data []byte) ([]types.Example, error) {
	rows, err := parquet.Read[types.Example](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode examples: %w", err)
	}
	return rows, nil
}

// WriteShard encodes examples as shard i and stores it in sink.
func WriteShard(ctx context.Context, sink Sink, i int, examples []types.Example) (ShardInfo, error) {
	data, err := EncodeExamples(examples)
	if err != nil {
		return ShardInfo{}, err
	}
	info := ShardInfo{
		Name:   ShardName(i),
		Rows:   len(examples),
		Bytes:  len(data),
		Digest: Digest(data),
	}
	if err := sink.Put(ctx, info.Name, data); err != nil {
		return ShardInfo{}, fmt.Errorf("failed to store %s: %w", info.Name, err)
	}
	return info, nil
}

// ReadShard loads shard name from sink and checks its digest when want is
// not empty.
func ReadShard(ctx context.Context, sink Sink, name, want string) ([]types.Example, error) {
	data, err := sink.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if want != "" {
		if got := Digest(data); got != want {
			return nil, fmt.Errorf("%w: %s has digest %s, manifest says %s", ErrCorrupt, name, got, want)
		}
	}
	return DecodeExamples(data)
}

// WriteManifest stores m as JSON.
func WriteManifest(ctx context.Context, sink Sink, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return sink.Put(ctx, ManifestName, data)
}

// ReadManifest loads the manifest from sink.
func ReadManifest(ctx context.Context, sink Sink) (*Manifest, error) {
	data, err := sink.Get(ctx, ManifestName)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}
	return &m, nil
}

// WriteVerifierRows writes verifier rows to a local parquet file.
func WriteVerifierRows(path string, rows []VerifierRow) error {
	if err := parquet.WriteFile(path, rows); err != nil {
		return fmt.Errorf("failed to write verifier scores: %w", err)
	}
	return nil
}

// ReadVerifierRows reads verifier rows from a local parquet file.
func ReadVerifierRows(path string) ([]VerifierRow, error) {
	rows, err := parquet.ReadFile[VerifierRow](path)
	if err != nil {
		return nil, fmt.Errorf("failed to read verifier scores: %w", err)
	}
	return rows, nil
}
