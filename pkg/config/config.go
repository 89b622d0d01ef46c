package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/soundprediction/textheads"
	"github.com/soundprediction/textheads/pkg/retroreader"
	"github.com/soundprediction/textheads/pkg/sampler"
)

// EnvPrefix prefixes environment overrides, e.g. TEXTHEADS_LM_MAX_SEQ_LENGTH.
const EnvPrefix = "TEXTHEADS"

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all configuration for the application
type Config struct {
	Log         LogConfig          `mapstructure:"log" yaml:"log"`
	LM          LMConfig           `mapstructure:"lm" yaml:"lm"`
	RetroReader retroreader.Config `mapstructure:"retro_reader" yaml:"retro_reader"`
	Data        DataConfig         `mapstructure:"data" yaml:"data"`
	Storage     StorageConfig      `mapstructure:"storage" yaml:"storage"`
	Telemetry   TelemetryConfig    `mapstructure:"telemetry" yaml:"telemetry"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	// Color is "auto", "always" or "never".
	Color string `mapstructure:"color" yaml:"color"`
}

// LMConfig holds example building settings
type LMConfig struct {
	MaxSeqLength         int     `mapstructure:"max_seq_length" yaml:"max_seq_length"`
	MaxPredictionsPerSeq int     `mapstructure:"max_predictions_per_seq" yaml:"max_predictions_per_seq"`
	MaskedLMProb         float64 `mapstructure:"masked_lm_prob" yaml:"masked_lm_prob"`
	ShortSeqProb         float64 `mapstructure:"short_seq_prob" yaml:"short_seq_prob"`
	NGram                int     `mapstructure:"ngram" yaml:"ngram"`
	FavorShorterNGram    bool    `mapstructure:"favor_shorter_ngram" yaml:"favor_shorter_ngram"`
	DoPermutation        bool    `mapstructure:"do_permutation" yaml:"do_permutation"`
	DoWholeWordMask      bool    `mapstructure:"do_whole_word_mask" yaml:"do_whole_word_mask"`
	DoSampleSentence     bool    `mapstructure:"do_sample_sentence" yaml:"do_sample_sentence"`
	DoLowerCase          bool    `mapstructure:"do_lower_case" yaml:"do_lower_case"`
	TruncateMethod       string  `mapstructure:"truncate_method" yaml:"truncate_method"`
	Seed                 uint64  `mapstructure:"seed" yaml:"seed"`
}

// DataConfig holds build inputs and working directories
type DataConfig struct {
	Vocab         string   `mapstructure:"vocab" yaml:"vocab"`
	Inputs        []string `mapstructure:"inputs" yaml:"inputs"`
	ShardSize     int      `mapstructure:"shard_size" yaml:"shard_size"`
	Workers       int      `mapstructure:"workers" yaml:"workers"`
	CacheDir      string   `mapstructure:"cache_dir" yaml:"cache_dir"`
	CheckpointDir string   `mapstructure:"checkpoint_dir" yaml:"checkpoint_dir"`
}

// StorageConfig selects where example shards are written
type StorageConfig struct {
	// Kind is "local" or "s3".
	Kind      string   `mapstructure:"kind" yaml:"kind"`
	OutputDir string   `mapstructure:"output_dir" yaml:"output_dir"`
	S3        S3Config `mapstructure:"s3" yaml:"s3"`
}

// S3Config holds S3-compatible object store settings
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"-"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix"`
	Secure    bool   `mapstructure:"secure" yaml:"secure"`
}

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	ParquetPath string `mapstructure:"parquet_path" yaml:"parquet_path"`
	SQLDSN      string `mapstructure:"sql_dsn" yaml:"-"`
}

// Load loads configuration from the active viper instance, file and
// environment variables
func Load() (*Config, error) {
	setDefaults()

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	overrideWithEnv(config)

	return config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.color", "auto")

	lm := textheads.DefaultConfig()
	viper.SetDefault("lm.max_seq_length", lm.MaxSeqLength)
	viper.SetDefault("lm.max_predictions_per_seq", lm.MaxPredictionsPerSeq)
	viper.SetDefault("lm.masked_lm_prob", lm.MaskedLMProb)
	viper.SetDefault("lm.short_seq_prob", lm.ShortSeqProb)
	viper.SetDefault("lm.ngram", lm.NGram)
	viper.SetDefault("lm.favor_shorter_ngram", lm.FavorShorterNGram)
	viper.SetDefault("lm.do_permutation", lm.DoPermutation)
	viper.SetDefault("lm.do_whole_word_mask", lm.DoWholeWordMask)
	viper.SetDefault("lm.do_sample_sentence", lm.DoSampleSentence)
	viper.SetDefault("lm.do_lower_case", true)
	viper.SetDefault("lm.truncate_method", string(lm.Truncate))
	viper.SetDefault("lm.seed", 12345)

	rr := retroreader.DefaultConfig()
	viper.SetDefault("retro_reader.matching_mechanism", string(rr.Mechanism))
	viper.SetDefault("retro_reader.beta_1", rr.Beta1)
	viper.SetDefault("retro_reader.beta_2", rr.Beta2)
	viper.SetDefault("retro_reader.threshold", rr.Threshold)
	viper.SetDefault("retro_reader.num_attention_heads", rr.NumAttentionHeads)
	viper.SetDefault("retro_reader.initializer_range", rr.InitializerRange)

	viper.SetDefault("data.vocab", "")
	viper.SetDefault("data.inputs", []string{})
	viper.SetDefault("data.shard_size", 10000)
	viper.SetDefault("data.workers", 4)
	viper.SetDefault("data.cache_dir", "")
	viper.SetDefault("data.checkpoint_dir", "")

	viper.SetDefault("storage.kind", "local")
	viper.SetDefault("storage.output_dir", "./examples")
	viper.SetDefault("storage.s3.endpoint", "localhost:9000")
	viper.SetDefault("storage.s3.access_key", "")
	viper.SetDefault("storage.s3.secret_key", "")
	viper.SetDefault("storage.s3.bucket", "textheads")
	viper.SetDefault("storage.s3.prefix", "")
	viper.SetDefault("storage.s3.secure", false)

	viper.SetDefault("telemetry.sql_dsn", "")
	home, err := os.UserHomeDir()
	if err == nil {
		viper.SetDefault("telemetry.parquet_path", filepath.Join(home, ".textheads", "telemetry"))
	} else {
		viper.SetDefault("telemetry.parquet_path", "")
	}
}

// overrideWithEnv fills object store credentials from the conventional
// variables when the prefixed ones are not set
func overrideWithEnv(config *Config) {
	if config.Storage.S3.AccessKey == "" {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKey = v
		} else if v := os.Getenv("MINIO_ROOT_USER"); v != "" {
			config.Storage.S3.AccessKey = v
		}
	}
	if config.Storage.S3.SecretKey == "" {
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretKey = v
		} else if v := os.Getenv("MINIO_ROOT_PASSWORD"); v != "" {
			config.Storage.S3.SecretKey = v
		}
	}
}

// Builder converts the lm section to example builder settings.
func (c *Config) Builder() textheads.Config {
	return textheads.Config{
		MaxSeqLength:         c.LM.MaxSeqLength,
		MaxPredictionsPerSeq: c.LM.MaxPredictionsPerSeq,
		MaskedLMProb:         c.LM.MaskedLMProb,
		ShortSeqProb:         c.LM.ShortSeqProb,
		NGram:                c.LM.NGram,
		FavorShorterNGram:    c.LM.FavorShorterNGram,
		DoPermutation:        c.LM.DoPermutation,
		DoWholeWordMask:      c.LM.DoWholeWordMask,
		DoSampleSentence:     c.LM.DoSampleSentence,
		Truncate:             sampler.Policy(c.LM.TruncateMethod),
	}
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if err := c.Builder().Validate(); err != nil {
		return fmt.Errorf("%w: lm: %w", ErrInvalidConfig, err)
	}
	if _, err := retroreader.ParseMechanism(string(c.RetroReader.Mechanism)); err != nil {
		return fmt.Errorf("%w: retro_reader: %w", ErrInvalidConfig, err)
	}
	if c.RetroReader.NumAttentionHeads <= 0 {
		return fmt.Errorf("%w: retro_reader.num_attention_heads must be positive", ErrInvalidConfig)
	}
	if c.Data.ShardSize <= 0 {
		return fmt.Errorf("%w: data.shard_size must be positive", ErrInvalidConfig)
	}
	if c.Data.Workers <= 0 {
		return fmt.Errorf("%w: data.workers must be positive", ErrInvalidConfig)
	}
	switch c.Log.Color {
	case "auto", "always", "never":
	default:
		return fmt.Errorf("%w: log.color %q is not auto, always or never", ErrInvalidConfig, c.Log.Color)
	}
	switch c.Storage.Kind {
	case "local":
		if c.Storage.OutputDir == "" {
			return fmt.Errorf("%w: storage.output_dir is required for local storage", ErrInvalidConfig)
		}
	case "s3":
		if c.Storage.S3.Endpoint == "" || c.Storage.S3.Bucket == "" {
			return fmt.Errorf("%w: storage.s3.endpoint and storage.s3.bucket are required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: storage.kind %q is not local or s3", ErrInvalidConfig, c.Storage.Kind)
	}
	return nil
}
