package checkpoint

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/soundprediction/textheads/pkg/dataset"
)

// NewCheckpoint creates a checkpoint for a build job at the initial step
func NewCheckpoint(jobID string, inputs []string, configDigest string, seed uint64) *BuildCheckpoint {
	now := time.Now()
	return &BuildCheckpoint{
		JobID:         jobID,
		Step:          StepInitial,
		CreatedAt:     now,
		LastUpdatedAt: now,
		Inputs:        append([]string(nil), inputs...),
		ConfigDigest:  configDigest,
		Seed:          seed,
		Shards:        make(map[int]dataset.ShardInfo),
	}
}

// Matches reports whether the checkpoint was created for the same inputs
// and settings.
func (c *BuildCheckpoint) Matches(inputs []string, configDigest string, seed uint64) bool {
	if c.ConfigDigest != configDigest || c.Seed != seed || len(c.Inputs) != len(inputs) {
		return false
	}
	for i := range inputs {
		if c.Inputs[i] != inputs[i] {
			return false
		}
	}
	return true
}

// MarkShard records a finished shard.
func (c *BuildCheckpoint) MarkShard(i int, info dataset.ShardInfo) {
	if c.Shards == nil {
		c.Shards = make(map[int]dataset.ShardInfo)
	}
	c.Shards[i] = info
}

// ShardDone reports whether shard i was already written.
func (c *BuildCheckpoint) ShardDone(i int) bool {
	_, ok := c.Shards[i]
	return ok
}

// PendingShards returns the shard indexes in [0, TotalShards) not yet written.
func (c *BuildCheckpoint) PendingShards() []int {
	var pending []int
	for i := 0; i < c.TotalShards; i++ {
		if !c.ShardDone(i) {
			pending = append(pending, i)
		}
	}
	return pending
}

// ShardInfos returns the finished shards ordered by index.
func (c *BuildCheckpoint) ShardInfos() []dataset.ShardInfo {
	idx := make([]int, 0, len(c.Shards))
	for i := range c.Shards {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]dataset.ShardInfo, len(idx))
	for k, i := range idx {
		out[k] = c.Shards[i]
	}
	return out
}

// CanRetry determines if a checkpoint should be retried based on attempt count and age
func (c *BuildCheckpoint) CanRetry(maxAttempts int, maxAge time.Duration) bool {
	if c.AttemptCount >= maxAttempts {
		return false
	}
	return time.Since(c.CreatedAt) <= maxAge
}

// GetProgress returns a human-readable progress description
func (c *BuildCheckpoint) GetProgress() string {
	if c.Step == StepCompleted {
		return "100% (completed)"
	}
	if c.TotalShards == 0 {
		return fmt.Sprintf("0%% (%s)", c.Step)
	}
	percentage := float64(len(c.Shards)) / float64(c.TotalShards) * 100
	return fmt.Sprintf("%.0f%% (%d/%d shards, %s)", percentage, len(c.Shards), c.TotalShards, c.Step)
}

// SaveWithStep is a helper that updates the step and saves in one operation
func (m *CheckpointManager) SaveWithStep(ctx context.Context, checkpoint *BuildCheckpoint, step BuildStep) error {
	checkpoint.Step = step
	return m.Save(ctx, checkpoint)
}

// SaveWithError is a helper that records an error and saves in one operation
func (m *CheckpointManager) SaveWithError(ctx context.Context, checkpoint *BuildCheckpoint, err error) error {
	checkpoint.AttemptCount++
	checkpoint.LastError = err.Error()
	checkpoint.LastErrorStack = string(debug.Stack())
	return m.Save(ctx, checkpoint)
}

// LoadOrCreate loads the job's checkpoint or creates a new one. resumed
// reports whether an existing checkpoint was found. A checkpoint for
// different inputs is replaced.
func (m *CheckpointManager) LoadOrCreate(ctx context.Context, jobID string, inputs []string, configDigest string, seed uint64) (checkpoint *BuildCheckpoint, resumed bool, err error) {
	existing, err := m.Load(ctx, jobID)
	if err != nil {
		return nil, false, err
	}

	if existing != nil && existing.Matches(inputs, configDigest, seed) {
		return existing, true, nil
	}

	checkpoint = NewCheckpoint(jobID, inputs, configDigest, seed)
	if err := m.Save(ctx, checkpoint); err != nil {
		return nil, false, err
	}

	return checkpoint, false, nil
}

// Summary provides a human-readable summary of the checkpoint
func (c *BuildCheckpoint) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job: %s\n", c.JobID)
	fmt.Fprintf(&b, "Progress: %s\n", c.GetProgress())
	fmt.Fprintf(&b, "Created: %s\n", c.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Last Updated: %s\n", c.LastUpdatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Attempts: %d\n", c.AttemptCount)
	fmt.Fprintf(&b, "Inputs: %s\n", strings.Join(c.Inputs, ", "))

	if c.LastError != "" {
		fmt.Fprintf(&b, "Last Error: %s\n", c.LastError)
	}

	rows := 0
	for _, s := range c.Shards {
		rows += s.Rows
	}
	if rows > 0 {
		fmt.Fprintf(&b, "Examples: %d\n", rows)
	}

	return b.String()
}

// FindStalled returns checkpoints that haven't been updated recently
func (m *CheckpointManager) FindStalled(ctx context.Context, stalledDuration time.Duration) ([]*BuildCheckpoint, error) {
	checkpoints, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-stalledDuration)
	var stalled []*BuildCheckpoint

	for _, checkpoint := range checkpoints {
		if checkpoint.Step != StepCompleted && checkpoint.LastUpdatedAt.Before(cutoff) {
			stalled = append(stalled, checkpoint)
		}
	}

	return stalled, nil
}
