package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/textheads/pkg/retroreader"
	"github.com/soundprediction/textheads/pkg/sampler"
)

func loadFresh(t *testing.T) *Config {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	cfg, err := Load()
	require.NoError(t, err)
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := loadFresh(t)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 128, cfg.LM.MaxSeqLength)
	assert.Equal(t, 20, cfg.LM.MaxPredictionsPerSeq)
	assert.InDelta(t, 0.15, cfg.LM.MaskedLMProb, 1e-12)
	assert.Equal(t, 3, cfg.LM.NGram)
	assert.True(t, cfg.LM.DoWholeWordMask)
	assert.Equal(t, "LIFO", cfg.LM.TruncateMethod)
	assert.Equal(t, retroreader.CrossAttention, cfg.RetroReader.Mechanism)
	assert.InDelta(t, 1.0, cfg.RetroReader.Threshold, 1e-12)
	assert.Equal(t, "local", cfg.Storage.Kind)
	require.NoError(t, cfg.Validate())

	b := cfg.Builder()
	assert.Equal(t, sampler.PolicyLIFO, b.Truncate)
	assert.Equal(t, 128, b.MaxSeqLength)
}

func TestLoadFileAndEnv(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "textheads.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
lm:
  max_seq_length: 64
  truncate_method: longer-FO
retro_reader:
  matching_mechanism: matching-attention
  beta_1: 0.7
storage:
  kind: s3
  s3:
    bucket: corpus
`), 0644))
	viper.SetConfigFile(path)
	require.NoError(t, viper.ReadInConfig())

	t.Setenv("TEXTHEADS_LM_NGRAM", "2")
	t.Setenv("TEXTHEADS_STORAGE_S3_ACCESS_KEY", "")
	t.Setenv("AWS_ACCESS_KEY_ID", "akid")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 64, cfg.LM.MaxSeqLength)
	assert.Equal(t, 2, cfg.LM.NGram)
	assert.Equal(t, "longer-FO", cfg.LM.TruncateMethod)
	assert.Equal(t, retroreader.MatchingAttention, cfg.RetroReader.Mechanism)
	assert.InDelta(t, 0.7, cfg.RetroReader.Beta1, 1e-12)
	assert.InDelta(t, 0.5, cfg.RetroReader.Beta2, 1e-12)
	assert.Equal(t, "corpus", cfg.Storage.S3.Bucket)
	assert.Equal(t, "akid", cfg.Storage.S3.AccessKey)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"short sequence", func(c *Config) { c.LM.MaxSeqLength = 2 }},
		{"bad probability", func(c *Config) { c.LM.MaskedLMProb = 1.5 }},
		{"bad truncate", func(c *Config) { c.LM.TruncateMethod = "middle" }},
		{"bad mechanism", func(c *Config) { c.RetroReader.Mechanism = "dot" }},
		{"no heads", func(c *Config) { c.RetroReader.NumAttentionHeads = 0 }},
		{"no shard size", func(c *Config) { c.Data.ShardSize = 0 }},
		{"no workers", func(c *Config) { c.Data.Workers = 0 }},
		{"bad color", func(c *Config) { c.Log.Color = "rainbow" }},
		{"bad storage", func(c *Config) { c.Storage.Kind = "tape" }},
		{"no output dir", func(c *Config) { c.Storage.OutputDir = "" }},
		{"no bucket", func(c *Config) { c.Storage.Kind = "s3"; c.Storage.S3.Bucket = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadFresh(t)
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
