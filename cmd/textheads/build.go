package textheads

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	th "github.com/soundprediction/textheads"
	"github.com/soundprediction/textheads/pkg/cache"
	"github.com/soundprediction/textheads/pkg/checkpoint"
	"github.com/soundprediction/textheads/pkg/config"
	"github.com/soundprediction/textheads/pkg/corpus"
	"github.com/soundprediction/textheads/pkg/dataset"
	"github.com/soundprediction/textheads/pkg/tokenizer"
	"github.com/soundprediction/textheads/pkg/types"
	"github.com/soundprediction/textheads/pkg/vocab"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build masked-LM training examples from text corpora",
	Long: `Build reads one or more corpora, samples sentence pairs, masks spans
and writes fixed-shape examples as parquet shards (examples-00000.parquet,
...) plus a manifest.json to local disk or an S3-compatible bucket.

Each shard covers data.shard_size documents and is built by its own worker
with a random source derived from the seed and the shard index, so a run is
reproducible and a job interrupted part way can be resumed with --job-id.`,
	RunE: runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().String("vocab", "", "WordPiece vocabulary file, one token per line")
	buildCmd.Flags().StringSlice("input", nil, "corpus file (repeatable; .gz, .zst, .xz and .lz4 are decompressed)")
	buildCmd.Flags().String("output", "", "output directory for local storage")
	buildCmd.Flags().Int("workers", 0, "number of shards built concurrently")
	buildCmd.Flags().Int("shard-size", 0, "documents per shard")
	buildCmd.Flags().Uint64("seed", 0, "random seed")
	buildCmd.Flags().String("job-id", "", "job identifier; reusing one resumes its checkpoint")
	buildCmd.Flags().String("cache-dir", "", "token cache directory (badger)")
}

func overrideBuildFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("vocab") {
		cfg.Data.Vocab, _ = cmd.Flags().GetString("vocab")
	}
	if cmd.Flags().Changed("input") {
		cfg.Data.Inputs, _ = cmd.Flags().GetStringSlice("input")
	}
	if cmd.Flags().Changed("output") {
		cfg.Storage.Kind = "local"
		cfg.Storage.OutputDir, _ = cmd.Flags().GetString("output")
	}
	if cmd.Flags().Changed("workers") {
		cfg.Data.Workers, _ = cmd.Flags().GetInt("workers")
	}
	if cmd.Flags().Changed("shard-size") {
		cfg.Data.ShardSize, _ = cmd.Flags().GetInt("shard-size")
	}
	if cmd.Flags().Changed("seed") {
		cfg.LM.Seed, _ = cmd.Flags().GetUint64("seed")
	}
	if cmd.Flags().Changed("cache-dir") {
		cfg.Data.CacheDir, _ = cmd.Flags().GetString("cache-dir")
	}
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	overrideBuildFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	sink, err := openSink(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	jobID, _ := cmd.Flags().GetString("job-id")
	manifest, err := build(cmd.Context(), cfg, sink, jobID, log)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "job %s: %d shards\n", manifest.JobID, len(manifest.Shards))
	return nil
}

// openSink returns the configured shard sink.
func openSink(ctx context.Context, cfg *config.Config) (dataset.Sink, error) {
	switch cfg.Storage.Kind {
	case "s3":
		s3 := cfg.Storage.S3
		sink, err := dataset.NewObjectSink(dataset.ObjectConfig{
			Endpoint:  s3.Endpoint,
			AccessKey: s3.AccessKey,
			SecretKey: s3.SecretKey,
			Bucket:    s3.Bucket,
			Prefix:    s3.Prefix,
			Secure:    s3.Secure,
		})
		if err != nil {
			return nil, err
		}
		if err := sink.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return sink, nil
	default:
		return dataset.NewLocalSink(cfg.Storage.OutputDir)
	}
}

// configDigest fingerprints the settings that change shard contents.
func configDigest(cfg *config.Config) (string, error) {
	data, err := yaml.Marshal(struct {
		LM        config.LMConfig `yaml:"lm"`
		ShardSize int             `yaml:"shard_size"`
	}{cfg.LM, cfg.Data.ShardSize})
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	return dataset.Digest(data), nil
}

// shardRand returns the random source of one shard.
func shardRand(seed uint64, shard int) *rand.Rand {
	return rand.New(rand.NewPCG(seed, uint64(shard)))
}

// build converts every configured input into example shards and writes the
// manifest. Finished shards recorded in the job's checkpoint are skipped.
func build(ctx context.Context, cfg *config.Config, sink dataset.Sink, jobID string, log *slog.Logger) (*dataset.Manifest, error) {
	if jobID == "" {
		jobID = uuid.New().String()
	}
	ctx = context.WithValue(ctx, types.ContextKeyJobID, jobID)
	log = log.With("job_id", jobID)

	if cfg.Data.Vocab == "" {
		return nil, fmt.Errorf("%w: data.vocab is required", config.ErrInvalidConfig)
	}
	if len(cfg.Data.Inputs) == 0 {
		return nil, fmt.Errorf("%w: at least one input is required", config.ErrInvalidConfig)
	}

	v, err := vocab.LoadFile(cfg.Data.Vocab)
	if err != nil {
		return nil, err
	}
	tok := tokenizer.New(v, tokenizer.WithLowerCase(cfg.LM.DoLowerCase))

	var opts []th.Option
	if cfg.Data.CacheDir != "" {
		c, err := cache.Open(cache.Options{
			Dir:       cfg.Data.CacheDir,
			Namespace: fmt.Sprintf("%s/lower=%t", vocabDigest(v), cfg.LM.DoLowerCase),
			Logger:    log,
		})
		if err != nil {
			return nil, err
		}
		defer c.Close()
		opts = append(opts, th.WithCache(c))
	}

	// Adds missing structural tokens before workers share the vocabulary
	if _, err := th.NewLM(tok, cfg.Builder(), th.WithLogger(log)); err != nil {
		return nil, err
	}

	digest, err := configDigest(cfg)
	if err != nil {
		return nil, err
	}
	manager, err := checkpoint.NewCheckpointManager(cfg.Data.CheckpointDir)
	if err != nil {
		return nil, err
	}
	cp, resumed, err := manager.LoadOrCreate(ctx, jobID, cfg.Data.Inputs, digest, cfg.LM.Seed)
	if err != nil {
		return nil, err
	}
	if resumed {
		log.Info("Resuming build", "progress", cp.GetProgress())
	}

	var documents [][]string
	for _, path := range cfg.Data.Inputs {
		docs, err := corpus.ReadFile(ctx, path)
		if err != nil {
			return nil, err
		}
		log.Debug("Read corpus", "path", path, "documents", len(docs))
		documents = append(documents, docs...)
	}

	size := cfg.Data.ShardSize
	cp.TotalShards = (len(documents) + size - 1) / size
	if err := manager.SaveWithStep(ctx, cp, checkpoint.StepReadCorpus); err != nil {
		return nil, err
	}
	log.Info("Read corpora", "documents", len(documents), "shards", cp.TotalShards)

	shardOpts := append(opts, th.WithLogger(log))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Data.Workers)

	for _, i := range cp.PendingShards() {
		lo, hi := i*size, min((i+1)*size, len(documents))
		g.Go(func() error {
			shardCtx := context.WithValue(gctx, types.ContextKeyShard, i)
			info, err := buildShard(shardCtx, tok, cfg, sink, i, documents[lo:hi], shardOpts...)
			if err != nil {
				log.ErrorContext(shardCtx, "Shard failed", "shard", i, "error", err)
				return fmt.Errorf("shard %d: %w", i, err)
			}

			mu.Lock()
			defer mu.Unlock()
			cp.MarkShard(i, info)
			if err := manager.SaveWithStep(ctx, cp, checkpoint.StepBuildingShard); err != nil {
				return err
			}
			log.Info("Wrote shard", "shard", i, "rows", info.Rows, "bytes", info.Bytes)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if saveErr := manager.SaveWithError(context.WithoutCancel(ctx), cp, err); saveErr != nil {
			log.Warn("Failed to record error in checkpoint", "error", saveErr)
		}
		return nil, err
	}

	manifest := dataset.Manifest{JobID: jobID, CreatedAt: time.Now().UTC(), Shards: cp.ShardInfos()}
	if err := dataset.WriteManifest(ctx, sink, manifest); err != nil {
		return nil, err
	}
	if err := manager.SaveWithStep(ctx, cp, checkpoint.StepWroteManifest); err != nil {
		return nil, err
	}
	if err := manager.SaveWithStep(ctx, cp, checkpoint.StepCompleted); err != nil {
		return nil, err
	}

	rows := 0
	for _, s := range manifest.Shards {
		rows += s.Rows
	}
	log.Info("Build completed", "shards", len(manifest.Shards), "examples", rows)
	return &manifest, nil
}

// buildShard converts one slice of documents and stores it as shard i.
func buildShard(ctx context.Context, tok tokenizer.Tokenizer, cfg *config.Config, sink dataset.Sink, i int, documents [][]string, opts ...th.Option) (dataset.ShardInfo, error) {
	lm, err := th.NewLM(tok, cfg.Builder(), append(opts[:len(opts):len(opts)], th.WithRand(shardRand(cfg.LM.Seed, i)))...)
	if err != nil {
		return dataset.ShardInfo{}, err
	}

	inputs := make([]th.Input, len(documents))
	for k, doc := range documents {
		inputs[k] = th.Input{Segments: doc}
	}

	// Without sentence sampling every pair keeps its original order
	var labels []int
	if !cfg.LM.DoSampleSentence {
		labels = make([]int, len(inputs))
	}

	batch, err := lm.Convert(ctx, inputs, labels, nil, true)
	if err != nil {
		return dataset.ShardInfo{}, err
	}
	return dataset.WriteShard(ctx, sink, i, batch.Examples)
}

func vocabDigest(v *vocab.Vocab) string {
	var data []byte
	for _, w := range v.Words() {
		data = append(data, w...)
		data = append(data, '\n')
	}
	return dataset.Digest(data)[:16]
}
