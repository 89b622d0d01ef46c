package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/soundprediction/textheads/pkg/dataset"
)

// ErrInvalidJobID is returned when a job ID contains invalid characters
var ErrInvalidJobID = errors.New("invalid job ID: contains path traversal or invalid characters")

// BuildStep represents a step of the example build pipeline
type BuildStep string

const (
	StepInitial       BuildStep = "initial"
	StepReadCorpus    BuildStep = "read_corpus"
	StepBuildingShard BuildStep = "building_shards"
	StepWroteManifest BuildStep = "wrote_manifest"
	StepCompleted     BuildStep = "completed"
)

// BuildCheckpoint is the state of a partially finished build job
type BuildCheckpoint struct {
	JobID string    `json:"job_id"`
	Step  BuildStep `json:"step"`

	CreatedAt      time.Time `json:"created_at"`
	LastUpdatedAt  time.Time `json:"last_updated_at"`
	AttemptCount   int       `json:"attempt_count"`
	LastError      string    `json:"last_error,omitempty"`
	LastErrorStack string    `json:"last_error_stack,omitempty"`

	// Build inputs. A resumed job must see the same inputs to produce the
	// same shards.
	Inputs       []string `json:"inputs"`
	ConfigDigest string   `json:"config_digest"`
	Seed         uint64   `json:"seed"`

	TotalShards int                       `json:"total_shards"`
	Shards      map[int]dataset.ShardInfo `json:"shards,omitempty"`
}

// CheckpointManager manages build checkpoints
type CheckpointManager struct {
	checkpointDir string
}

// NewCheckpointManager creates a new checkpoint manager
// If checkpointDir is empty, uses os.TempDir()/textheads-checkpoints
func NewCheckpointManager(checkpointDir string) (*CheckpointManager, error) {
	if checkpointDir == "" {
		checkpointDir = filepath.Join(os.TempDir(), "textheads-checkpoints")
	}

	if err := os.MkdirAll(checkpointDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	return &CheckpointManager{
		checkpointDir: checkpointDir,
	}, nil
}

// validateJobID rejects IDs containing path separators, traversal
// sequences, or null bytes.
func validateJobID(jobID string) error {
	if jobID == "" {
		return ErrInvalidJobID
	}
	if strings.Contains(jobID, "..") {
		return ErrInvalidJobID
	}
	if strings.ContainsAny(jobID, `/\`) {
		return ErrInvalidJobID
	}
	if strings.ContainsRune(jobID, '\x00') {
		return ErrInvalidJobID
	}
	return nil
}

// isPathWithinDirectory checks that the resolved path is within directory.
func isPathWithinDirectory(path, directory string) bool {
	cleanPath := filepath.Clean(path)
	cleanDir := filepath.Clean(directory)

	if !strings.HasSuffix(cleanDir, string(filepath.Separator)) {
		cleanDir += string(filepath.Separator)
	}

	return strings.HasPrefix(cleanPath, cleanDir) || cleanPath == filepath.Clean(directory)
}

// GetCheckpointPath returns the file path for a job's checkpoint.
func (m *CheckpointManager) GetCheckpointPath(jobID string) (string, error) {
	if err := validateJobID(jobID); err != nil {
		return "", err
	}

	fullPath := filepath.Join(m.checkpointDir, fmt.Sprintf("checkpoint_%s.json", jobID))
	if !isPathWithinDirectory(fullPath, m.checkpointDir) {
		return "", ErrInvalidJobID
	}

	return fullPath, nil
}

// Save persists the checkpoint to disk
func (m *CheckpointManager) Save(ctx context.Context, checkpoint *BuildCheckpoint) error {
	checkpoint.LastUpdatedAt = time.Now()

	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	checkpointPath, err := m.GetCheckpointPath(checkpoint.JobID)
	if err != nil {
		return fmt.Errorf("invalid job ID: %w", err)
	}

	// Write to a temporary file first, then rename for atomic write
	tmpPath := checkpointPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}

	if err := os.Rename(tmpPath, checkpointPath); err != nil {
		return fmt.Errorf("failed to rename checkpoint file: %w", err)
	}

	return nil
}

// Load retrieves a checkpoint from disk. It returns nil when none exists.
func (m *CheckpointManager) Load(ctx context.Context, jobID string) (*BuildCheckpoint, error) {
	checkpointPath, err := m.GetCheckpointPath(jobID)
	if err != nil {
		return nil, fmt.Errorf("invalid job ID: %w", err)
	}

	data, err := os.ReadFile(checkpointPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var checkpoint BuildCheckpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}

	return &checkpoint, nil
}

// Delete removes a checkpoint from disk
func (m *CheckpointManager) Delete(ctx context.Context, jobID string) error {
	checkpointPath, err := m.GetCheckpointPath(jobID)
	if err != nil {
		return fmt.Errorf("invalid job ID: %w", err)
	}

	if err := os.Remove(checkpointPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete checkpoint file: %w", err)
	}

	return nil
}

// Exists checks if a checkpoint exists for a job
func (m *CheckpointManager) Exists(ctx context.Context, jobID string) (bool, error) {
	checkpointPath, err := m.GetCheckpointPath(jobID)
	if err != nil {
		return false, fmt.Errorf("invalid job ID: %w", err)
	}

	_, err = os.Stat(checkpointPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check checkpoint existence: %w", err)
	}

	return true, nil
}

// List returns all checkpoints in the checkpoint directory, oldest first
func (m *CheckpointManager) List(ctx context.Context) ([]*BuildCheckpoint, error) {
	entries, err := os.ReadDir(m.checkpointDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	var checkpoints []*BuildCheckpoint
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(m.checkpointDir, entry.Name()))
		if err != nil {
			continue
		}

		var checkpoint BuildCheckpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			continue
		}

		checkpoints = append(checkpoints, &checkpoint)
	}

	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].CreatedAt.Before(checkpoints[j].CreatedAt)
	})
	return checkpoints, nil
}

// GetCheckpointDir returns the checkpoint directory path
func (m *CheckpointManager) GetCheckpointDir() string {
	return m.checkpointDir
}

// CleanOld removes checkpoints older than the specified duration
func (m *CheckpointManager) CleanOld(ctx context.Context, maxAge time.Duration) (int, error) {
	checkpoints, err := m.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for _, checkpoint := range checkpoints {
		if checkpoint.LastUpdatedAt.Before(cutoff) {
			if err := m.Delete(ctx, checkpoint.JobID); err != nil {
				continue
			}
			removed++
		}
	}

	return removed, nil
}
