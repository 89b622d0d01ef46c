package textheads

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/soundprediction/textheads/pkg/masking"
	"github.com/soundprediction/textheads/pkg/sampler"
	"github.com/soundprediction/textheads/pkg/tokenizer"
	"github.com/soundprediction/textheads/pkg/types"
	"github.com/soundprediction/textheads/pkg/vocab"
)

// Config controls example building.
type Config struct {
	MaxSeqLength         int
	MaxPredictionsPerSeq int
	MaskedLMProb         float64
	ShortSeqProb         float64
	NGram                int
	FavorShorterNGram    bool
	DoPermutation        bool
	DoWholeWordMask      bool
	DoSampleSentence     bool
	Truncate             sampler.Policy
}

// DefaultConfig returns the ALBERT pretraining defaults.
func DefaultConfig() Config {
	return Config{
		MaxSeqLength:         128,
		MaxPredictionsPerSeq: 20,
		MaskedLMProb:         0.15,
		ShortSeqProb:         0.1,
		NGram:                3,
		FavorShorterNGram:    true,
		DoPermutation:        false,
		DoWholeWordMask:      true,
		DoSampleSentence:     true,
		Truncate:             sampler.PolicyLIFO,
	}
}

// Validate checks that the configuration can produce examples.
func (c Config) Validate() error {
	if c.MaxSeqLength < 3 {
		return fmt.Errorf("%w: max_seq_length %d is below 3", ErrInvalidConfig, c.MaxSeqLength)
	}
	if c.DoSampleSentence && c.MaxSeqLength <= sampler.ReservedPositions {
		return fmt.Errorf("%w: max_seq_length %d leaves no room for sampled sentences", ErrInvalidConfig, c.MaxSeqLength)
	}
	if c.MaxPredictionsPerSeq < 0 {
		return fmt.Errorf("%w: max_predictions_per_seq %d is negative", ErrInvalidConfig, c.MaxPredictionsPerSeq)
	}
	if c.MaskedLMProb < 0 || c.MaskedLMProb > 1 {
		return fmt.Errorf("%w: masked_lm_prob %v outside [0, 1]", ErrInvalidConfig, c.MaskedLMProb)
	}
	if c.ShortSeqProb < 0 || c.ShortSeqProb > 1 {
		return fmt.Errorf("%w: short_seq_prob %v outside [0, 1]", ErrInvalidConfig, c.ShortSeqProb)
	}
	if _, err := sampler.ParsePolicy(string(c.Truncate)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// PredictionSlots is the padded length of the masked-LM arrays.
func (c Config) PredictionSlots() int {
	if c.DoPermutation {
		return 2 * c.MaxPredictionsPerSeq
	}
	return c.MaxPredictionsPerSeq
}

// Input is one document. Segments holds raw text, one entry per sentence;
// Tokenized holds already tokenized sentences. Exactly one must be set.
type Input struct {
	Segments  []string
	Tokenized [][]string
}

func (in Input) String() string {
	if in.Tokenized != nil {
		parts := make([]string, len(in.Tokenized))
		for i, seg := range in.Tokenized {
			parts[i] = strings.Join(seg, " ")
		}
		return strings.Join(parts, " | ")
	}
	return strings.Join(in.Segments, " | ")
}

// TokenCache stores tokenizer output keyed by the raw text.
type TokenCache interface {
	Get(text string) ([]string, bool, error)
	Put(text string, tokens []string) error
}

// Batch is the result of Convert.
type Batch struct {
	Examples []types.Example
	// Tokens holds each example's unpadded token sequence after masking.
	Tokens [][]string

	Training         bool
	HasSentenceOrder bool
}

// LM converts documents into masked-LM examples. An LM owns its random
// source and must not be used from several goroutines at once; LMs that
// share a vocabulary may run concurrently.
type LM struct {
	cfg       Config
	tokenizer tokenizer.Tokenizer
	vocab     *vocab.Vocab
	cache     TokenCache
	rng       *rand.Rand
	logger    *slog.Logger
}

// Option configures an LM.
type Option func(*LM)

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(m *LM) { m.logger = logger }
}

// WithCache enables a tokenization cache.
func WithCache(c TokenCache) Option {
	return func(m *LM) { m.cache = c }
}

// WithRand sets the random source used for sampling and masking.
func WithRand(rng *rand.Rand) Option {
	return func(m *LM) { m.rng = rng }
}

// NewLM creates an LM and makes sure the structural tokens exist in the
// tokenizer's vocabulary.
func NewLM(tok tokenizer.Tokenizer, cfg Config, opts ...Option) (*LM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tok == nil || tok.Vocab() == nil {
		return nil, fmt.Errorf("%w: tokenizer with a vocabulary is required", ErrInvalidConfig)
	}

	m := &LM{cfg: cfg, tokenizer: tok, vocab: tok.Vocab()}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	for _, special := range []string{types.TokenCLS, types.TokenSEP, types.TokenMASK} {
		if id, added := m.vocab.Ensure(special); added {
			m.logger.Info("Added necessary token to vocabulary", "token", special, "id", id)
		}
	}
	return m, nil
}

// Config returns the LM configuration.
func (m *LM) Config() Config { return m.cfg }

// Vocab returns the shared vocabulary.
func (m *LM) Vocab() *vocab.Vocab { return m.vocab }

// Convert turns inputs into a batch of fixed-shape examples. In training
// mode labels must be nil when sentence sampling is on and present when it
// is off. A malformed input aborts the whole batch with an *InputError.
func (m *LM) Convert(ctx context.Context, inputs []Input, labels []int, sampleWeight []float64, training bool) (*Batch, error) {
	if training {
		if m.cfg.DoSampleSentence && labels != nil {
			return nil, ErrConflictingLabels
		}
		if !m.cfg.DoSampleSentence && labels == nil {
			return nil, ErrMissingLabels
		}
	}
	if labels != nil && len(labels) != len(inputs) {
		return nil, fmt.Errorf("%w: %d labels for %d inputs", ErrShapeMismatch, len(labels), len(inputs))
	}

	documents := make([]types.Document, len(inputs))
	for i, in := range inputs {
		doc, err := m.tokenizeInput(in)
		if err != nil {
			return nil, &InputError{Index: i, Value: in.String(), Err: err}
		}
		documents[i] = doc
	}

	var pairs [][]types.Segment
	var orderLabels []int
	sampled := training && m.cfg.DoSampleSentence

	if sampled {
		opts := sampler.Options{
			MaxSeqLength: m.cfg.MaxSeqLength,
			ShortSeqProb: m.cfg.ShortSeqProb,
			Truncate:     m.cfg.Truncate,
		}
		for idx := range documents {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			instances, err := sampler.BuildInstances(documents, idx, opts, m.rng)
			if err != nil {
				return nil, fmt.Errorf("sampling document %d: %w", idx, err)
			}
			for _, inst := range instances {
				pairs = append(pairs, inst.Segments)
				label := 0
				if inst.IsRandomNext {
					label = 1
				}
				orderLabels = append(orderLabels, label)
			}
		}
	} else {
		for _, doc := range documents {
			pairs = append(pairs, doc)
		}
		orderLabels = labels
	}

	if sampleWeight != nil && len(sampleWeight) != len(pairs) {
		return nil, fmt.Errorf("%w: %d sample weights for %d examples", ErrShapeMismatch, len(sampleWeight), len(pairs))
	}

	batch := &Batch{
		Examples:         make([]types.Example, 0, len(pairs)),
		Tokens:           make([][]string, 0, len(pairs)),
		Training:         training,
		HasSentenceOrder: orderLabels != nil,
	}
	for idx, segments := range pairs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if training && (idx+1)%10000 == 0 {
			m.logger.Info("Sampling masks", "input", idx+1)
		}

		ex, tokens, err := m.buildExample(segments, training)
		if err != nil {
			if sampled {
				return nil, fmt.Errorf("example %d: %w", idx, err)
			}
			return nil, &InputError{Index: idx, Value: inputs[idx].String(), Err: err}
		}
		if orderLabels != nil {
			ex.SentenceOrderLabel = int32(orderLabels[idx])
		}
		ex.SampleWeight = 1
		if sampleWeight != nil {
			ex.SampleWeight = float32(sampleWeight[idx])
		}
		batch.Examples = append(batch.Examples, ex)
		batch.Tokens = append(batch.Tokens, tokens)
	}

	m.logger.Debug("Converted batch", "inputs", len(inputs), "examples", len(batch.Examples), "training", training)
	return batch, nil
}

// tokenizeInput turns one input into a document.
func (m *LM) tokenizeInput(in Input) (types.Document, error) {
	switch {
	case in.Tokenized != nil && in.Segments != nil:
		return nil, fmt.Errorf("%w: both raw and tokenized segments set", ErrInvalidInput)
	case in.Tokenized != nil:
		doc := make(types.Document, len(in.Tokenized))
		for i, seg := range in.Tokenized {
			doc[i] = types.Segment(seg)
		}
		return doc, nil
	case in.Segments != nil:
		doc := make(types.Document, 0, len(in.Segments))
		for _, text := range in.Segments {
			doc = append(doc, types.Segment(m.tokenize(text)))
		}
		return doc, nil
	default:
		return nil, fmt.Errorf("%w: no segments", ErrInvalidInput)
	}
}

func (m *LM) tokenize(text string) []string {
	if m.cache == nil {
		return m.tokenizer.Tokenize(text)
	}
	if tokens, ok, err := m.cache.Get(text); err != nil {
		m.logger.Warn("Token cache read failed", "error", err)
	} else if ok {
		return tokens
	}
	tokens := m.tokenizer.Tokenize(text)
	if err := m.cache.Put(text, tokens); err != nil {
		m.logger.Warn("Token cache write failed", "error", err)
	}
	return tokens
}

// maxSegments is the most segments an example keeps. Each kept segment
// costs one [SEP]; a sentence pair always fits.
func (c Config) maxSegments() int {
	return max(2, (c.MaxSeqLength-1)/2)
}

// mergeTrailing folds the segments past limit-1 into the last kept one.
func mergeTrailing(segments []types.Segment, limit int) []types.Segment {
	if len(segments) <= limit {
		return segments
	}
	out := make([]types.Segment, limit)
	copy(out, segments[:limit-1])
	var tail types.Segment
	for _, seg := range segments[limit-1:] {
		tail = append(tail, seg...)
	}
	out[limit-1] = tail
	return out
}

// buildExample truncates, assembles, masks and pads one segment list.
func (m *LM) buildExample(segments []types.Segment, training bool) (types.Example, []string, error) {
	segments = mergeTrailing(segments, m.cfg.maxSegments())
	segments = sampler.TruncateSegments(segments, m.cfg.MaxSeqLength-len(segments)-1, m.cfg.Truncate)

	tokens := []string{types.TokenCLS}
	segmentIDs := []int32{0}
	for i, seg := range segments {
		id := int32(min(i, 1))
		tokens = append(tokens, seg...)
		tokens = append(tokens, types.TokenSEP)
		for range len(seg) + 1 {
			segmentIDs = append(segmentIDs, id)
		}
	}

	slots := m.cfg.PredictionSlots()
	var ex types.Example

	if training {
		res := masking.MaskSpans(tokens, masking.Options{
			MaskedLMProb:         m.cfg.MaskedLMProb,
			MaxPredictionsPerSeq: m.cfg.MaxPredictionsPerSeq,
			NGram:                m.cfg.NGram,
			FavorShorterNGram:    m.cfg.FavorShorterNGram,
			WholeWordMask:        m.cfg.DoWholeWordMask,
			DoPermutation:        m.cfg.DoPermutation,
		}, m.vocab, m.rng)
		tokens = res.Tokens

		ids, err := m.vocab.TokensToIDs(res.Labels)
		if err != nil {
			return ex, nil, fmt.Errorf("masked labels: %w", err)
		}
		ex.MaskedLMPositions = make([]int32, slots)
		ex.MaskedLMIDs = make([]int32, slots)
		ex.MaskedLMWeights = make([]float32, slots)
		for p, pos := range res.Positions {
			ex.MaskedLMPositions[p] = int32(pos)
			ex.MaskedLMIDs[p] = ids[p]
			ex.MaskedLMWeights[p] = 1
		}
	} else {
		ex.MaskedLMPositions = make([]int32, slots)
		n := 0
		for i, tok := range tokens {
			if tok != types.TokenMASK {
				continue
			}
			if n == slots {
				return ex, nil, fmt.Errorf("%w: limit %d", ErrTooManyMasks, slots)
			}
			ex.MaskedLMPositions[n] = int32(i)
			n++
		}
	}

	inputIDs, err := m.vocab.TokensToIDs(tokens)
	if err != nil {
		return ex, nil, err
	}
	if len(inputIDs) > m.cfg.MaxSeqLength {
		return ex, nil, fmt.Errorf("%w: %d tokens exceed max_seq_length %d", ErrInvalidInput, len(inputIDs), m.cfg.MaxSeqLength)
	}

	ex.InputIDs = make([]int32, m.cfg.MaxSeqLength)
	ex.InputMask = make([]int32, m.cfg.MaxSeqLength)
	ex.SegmentIDs = make([]int32, m.cfg.MaxSeqLength)
	copy(ex.InputIDs, inputIDs)
	copy(ex.SegmentIDs, segmentIDs)
	for i := range inputIDs {
		ex.InputMask[i] = 1
	}
	return ex, tokens, nil
}

// DecodePredictions converts masked-LM prediction ids into tokens. Each
// example's predictions stop at its first padded (zero) position.
func (m *LM) DecodePredictions(batch *Batch, predIDs [][]int32) ([][]string, error) {
	if len(predIDs) != len(batch.Examples) {
		return nil, fmt.Errorf("%w: %d prediction rows for %d examples", ErrShapeMismatch, len(predIDs), len(batch.Examples))
	}
	out := make([][]string, len(predIDs))
	for i, row := range predIDs {
		positions := batch.Examples[i].MaskedLMPositions
		var ids []int32
		for p, id := range row {
			if p >= len(positions) || positions[p] == 0 {
				break
			}
			ids = append(ids, id)
		}
		tokens, err := m.vocab.IDsToTokens(ids)
		if err != nil {
			return nil, fmt.Errorf("example %d: %w", i, err)
		}
		out[i] = tokens
	}
	return out, nil
}
