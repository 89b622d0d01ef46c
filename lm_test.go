package textheads

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/textheads/pkg/sampler"
	"github.com/soundprediction/textheads/pkg/tokenizer"
	"github.com/soundprediction/textheads/pkg/types"
	"github.com/soundprediction/textheads/pkg/vocab"
)

var testWords = []string{
	"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]",
	"the", "cat", "sat", "on", "mat", "a", "dog", "ran", "home", "it", "was", "happy",
	"play", "##ing", "##ed", ".",
}

func newTestLM(t *testing.T, cfg Config, opts ...Option) *LM {
	t.Helper()
	opts = append([]Option{WithRand(rand.New(rand.NewPCG(7, 11)))}, opts...)
	lm, err := NewLM(tokenizer.New(vocab.New(testWords)), cfg, opts...)
	require.NoError(t, err)
	return lm
}

func testCorpus() []Input {
	return []Input{
		{Segments: []string{"The cat sat on the mat.", "It was happy.", "A dog ran home.", "The dog was playing."}},
		{Segments: []string{"A cat ran.", "It played on the mat.", "The dog sat."}},
		{Segments: []string{"It was a happy dog.", "The cat ran home.", "A mat."}},
	}
}

func TestConvertLabelContract(t *testing.T) {
	ctx := context.Background()

	sampling := newTestLM(t, DefaultConfig())
	_, err := sampling.Convert(ctx, testCorpus(), []int{0, 1, 0}, nil, true)
	assert.ErrorIs(t, err, ErrConflictingLabels)

	cfg := DefaultConfig()
	cfg.DoSampleSentence = false
	plain := newTestLM(t, cfg)
	_, err = plain.Convert(ctx, testCorpus(), nil, nil, true)
	assert.ErrorIs(t, err, ErrMissingLabels)

	_, err = plain.Convert(ctx, testCorpus(), []int{0, 1}, nil, true)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	// Inference never requires labels.
	_, err = plain.Convert(ctx, testCorpus(), nil, nil, false)
	assert.NoError(t, err)
}

func TestConvertTrainingShapes(t *testing.T) {
	for _, perm := range []bool{false, true} {
		cfg := DefaultConfig()
		cfg.MaxSeqLength = 16
		cfg.MaxPredictionsPerSeq = 3
		cfg.DoPermutation = perm
		lm := newTestLM(t, cfg)

		batch, err := lm.Convert(context.Background(), testCorpus(), nil, nil, true)
		require.NoError(t, err)
		require.NotEmpty(t, batch.Examples)
		assert.True(t, batch.HasSentenceOrder)
		assert.Len(t, batch.Tokens, len(batch.Examples))

		slots := cfg.PredictionSlots()
		for i, ex := range batch.Examples {
			require.NoError(t, ex.Validate(cfg.MaxSeqLength, slots), "example %d", i)
			assert.Len(t, ex.MaskedLMPositions, slots)
			assert.Contains(t, []int32{0, 1}, ex.SentenceOrderLabel)
			assert.Equal(t, float32(1), ex.SampleWeight)

			tokens := batch.Tokens[i]
			assert.Equal(t, len(tokens), ex.NumRealTokens())
			assert.Equal(t, types.TokenCLS, tokens[0])
			assert.Equal(t, types.TokenSEP, tokens[len(tokens)-1])

			// Trailing mask slots are zero padding.
			seenPad := false
			for p, w := range ex.MaskedLMWeights {
				if w == 0 {
					seenPad = true
					continue
				}
				assert.False(t, seenPad, "real slot %d after padding", p)
			}
		}
	}
}

func TestConvertSingleDocument(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSeqLength = 10
	cfg.ShortSeqProb = 0
	cfg.MaxPredictionsPerSeq = 2
	lm := newTestLM(t, cfg)

	batch, err := lm.Convert(context.Background(), []Input{{Segments: []string{"the cat", "sat"}}}, nil, nil, true)
	require.NoError(t, err)
	require.Len(t, batch.Examples, 1)

	ex := batch.Examples[0]
	assert.Equal(t, int32(0), ex.SentenceOrderLabel)
	assert.Equal(t, []int32{0, 0, 0, 0, 1, 1, 0, 0, 0, 0}, ex.SegmentIDs)
	assert.Equal(t, []int32{1, 1, 1, 1, 1, 1, 0, 0, 0, 0}, ex.InputMask)

	tokens := batch.Tokens[0]
	require.Len(t, tokens, 6)
	assert.Equal(t, types.TokenCLS, tokens[0])
	assert.Equal(t, types.TokenSEP, tokens[3])
	assert.Equal(t, types.TokenSEP, tokens[5])
	for p, pos := range ex.MaskedLMPositions {
		if ex.MaskedLMWeights[p] > 0 {
			assert.Contains(t, []int32{1, 2, 4}, pos)
		}
	}
}

func TestConvertWithLabels(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DoSampleSentence = false
	cfg.MaxSeqLength = 12
	cfg.Truncate = sampler.PolicyFIFO
	lm := newTestLM(t, cfg)

	inputs := []Input{
		{Tokenized: [][]string{{"the", "cat", "sat", "on", "the", "mat"}, {"it", "was", "happy", "."}}},
		{Tokenized: [][]string{{"a", "dog"}}},
	}
	batch, err := lm.Convert(context.Background(), inputs, []int{1, 0}, []float64{0.5, 2}, true)
	require.NoError(t, err)
	require.Len(t, batch.Examples, 2)

	assert.Equal(t, int32(1), batch.Examples[0].SentenceOrderLabel)
	assert.Equal(t, float32(0.5), batch.Examples[0].SampleWeight)
	assert.Equal(t, float32(2), batch.Examples[1].SampleWeight)

	// Two segments leave 12-2-1 = 9 content tokens.
	assert.Equal(t, 12, batch.Examples[0].NumRealTokens())
	assert.Equal(t, 4, batch.Examples[1].NumRealTokens())

	_, err = lm.Convert(context.Background(), inputs, []int{1, 0}, []float64{1}, true)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestConvertInference(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DoSampleSentence = false
	cfg.MaxSeqLength = 12
	cfg.MaxPredictionsPerSeq = 2
	lm := newTestLM(t, cfg)

	batch, err := lm.Convert(context.Background(), []Input{
		{Tokenized: [][]string{{"the", "[MASK]", "sat"}, {"[MASK]", "."}}},
	}, nil, nil, false)
	require.NoError(t, err)
	require.Len(t, batch.Examples, 1)

	ex := batch.Examples[0]
	assert.Equal(t, []int32{2, 5}, ex.MaskedLMPositions)
	assert.Nil(t, ex.MaskedLMIDs)
	assert.False(t, batch.HasSentenceOrder)
	assert.Equal(t, []string{"[CLS]", "the", "[MASK]", "sat", "[SEP]", "[MASK]", ".", "[SEP]"}, batch.Tokens[0])

	_, err = lm.Convert(context.Background(), []Input{
		{Tokenized: [][]string{{"[MASK]", "[MASK]", "[MASK]"}}},
	}, nil, nil, false)
	var inErr *InputError
	require.ErrorAs(t, err, &inErr)
	assert.Equal(t, 0, inErr.Index)
	assert.ErrorIs(t, err, ErrTooManyMasks)
}

func oneTokenSegments(n int) [][]string {
	segments := make([][]string, n)
	for i := range segments {
		segments[i] = []string{"cat"}
	}
	return segments
}

func TestConvertManySegments(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DoSampleSentence = false
	cfg.MaxSeqLength = 8
	cfg.MaxPredictionsPerSeq = 2
	lm := newTestLM(t, cfg)

	batch, err := lm.Convert(context.Background(), []Input{{Tokenized: oneTokenSegments(10)}}, []int{0}, nil, true)
	require.NoError(t, err)
	require.Len(t, batch.Examples, 1)
	assert.LessOrEqual(t, batch.Examples[0].NumRealTokens(), cfg.MaxSeqLength)

	batch, err = lm.Convert(context.Background(), []Input{{Tokenized: oneTokenSegments(10)}}, nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"[CLS]", "cat", "[SEP]", "cat", "[SEP]", "cat", "cat", "[SEP]"}, batch.Tokens[0])
	assert.Equal(t, []int32{0, 0, 0, 1, 1, 1, 1, 1}, batch.Examples[0].SegmentIDs)
}

func TestConvertSegmentCountInvariants(t *testing.T) {
	for _, maxLen := range []int{3, 4, 8, 12} {
		for _, n := range []int{1, 2, 3, maxLen - 1, maxLen, maxLen + 1, 3 * maxLen} {
			for _, training := range []bool{true, false} {
				cfg := DefaultConfig()
				cfg.DoSampleSentence = false
				cfg.MaxSeqLength = maxLen
				cfg.MaxPredictionsPerSeq = 2
				lm := newTestLM(t, cfg)

				var labels []int
				if training {
					labels = []int{0}
				}
				batch, err := lm.Convert(context.Background(), []Input{{Tokenized: oneTokenSegments(n)}}, labels, nil, training)
				require.NoError(t, err, "max %d segments %d training %v", maxLen, n, training)
				require.Len(t, batch.Examples, 1)

				ex := batch.Examples[0]
				numReal := len(batch.Tokens[0])
				assert.LessOrEqual(t, numReal, maxLen)
				assert.Equal(t, types.TokenCLS, batch.Tokens[0][0])

				maskSum := 0
				for _, v := range ex.InputMask {
					maskSum += int(v)
				}
				assert.Equal(t, numReal, maskSum)
				for i := numReal; i < maxLen; i++ {
					assert.Zero(t, ex.InputIDs[i])
					assert.Zero(t, ex.InputMask[i])
					assert.Zero(t, ex.SegmentIDs[i])
				}
				for _, pos := range ex.MaskedLMPositions {
					assert.GreaterOrEqual(t, int(pos), 0)
					assert.Less(t, int(pos), numReal)
				}
			}
		}
	}
}

func TestConvertInputErrors(t *testing.T) {
	lm := newTestLM(t, DefaultConfig())

	_, err := lm.Convert(context.Background(), []Input{
		{Segments: []string{"the cat"}},
		{},
	}, nil, nil, true)

	var inErr *InputError
	require.ErrorAs(t, err, &inErr)
	assert.Equal(t, 1, inErr.Index)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.True(t, errors.Is(err, &InputError{}))

	_, err = lm.Convert(context.Background(), []Input{
		{Segments: []string{"x"}, Tokenized: [][]string{{"x"}}},
	}, nil, nil, true)
	require.ErrorAs(t, err, &inErr)
	assert.Equal(t, 0, inErr.Index)
	assert.Contains(t, inErr.Error(), "input 0")
}

func TestConvertCancelled(t *testing.T) {
	lm := newTestLM(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := lm.Convert(ctx, testCorpus(), nil, nil, true)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewLMAddsStructuralTokens(t *testing.T) {
	v := vocab.New([]string{"[PAD]", "[UNK]", "the"})
	_, err := NewLM(tokenizer.New(v), DefaultConfig())
	require.NoError(t, err)

	for _, tok := range []string{types.TokenCLS, types.TokenSEP, types.TokenMASK} {
		assert.True(t, v.Contains(tok), tok)
	}
	assert.Equal(t, 6, v.Size())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"short sequence", func(c *Config) { c.MaxSeqLength = 2 }},
		{"no room for sampled sentences", func(c *Config) { c.MaxSeqLength = 3 }},
		{"negative predictions", func(c *Config) { c.MaxPredictionsPerSeq = -1 }},
		{"mask probability", func(c *Config) { c.MaskedLMProb = 1.5 }},
		{"short probability", func(c *Config) { c.ShortSeqProb = -0.1 }},
		{"policy", func(c *Config) { c.Truncate = "middle-out" }},
	}
	require.NoError(t, DefaultConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	cfg := DefaultConfig()
	cfg.Truncate = "middle-out"
	assert.ErrorIs(t, cfg.Validate(), ErrUnknownPolicy)

	cfg = DefaultConfig()
	cfg.MaxSeqLength = 3
	cfg.DoSampleSentence = false
	assert.NoError(t, cfg.Validate())
}

func TestDecodePredictions(t *testing.T) {
	lm := newTestLM(t, DefaultConfig())
	v := lm.Vocab()
	id := func(tok string) int32 {
		n, ok := v.ID(tok)
		require.True(t, ok)
		return int32(n)
	}

	batch := &Batch{Examples: []types.Example{
		{MaskedLMPositions: []int32{3, 5, 0, 0}},
		{MaskedLMPositions: []int32{0, 0, 0, 0}},
	}}
	preds := [][]int32{
		{id("cat"), id("dog"), id("the"), id("mat")},
		{id("sat"), 0, 0, 0},
	}
	got, err := lm.DecodePredictions(batch, preds)
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "dog"}, got[0])
	assert.Empty(t, got[1])

	_, err = lm.DecodePredictions(batch, preds[:1])
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

type mapCache struct {
	entries map[string][]string
	hits    int
}

func (c *mapCache) Get(text string) ([]string, bool, error) {
	tokens, ok := c.entries[text]
	if ok {
		c.hits++
	}
	return tokens, ok, nil
}

func (c *mapCache) Put(text string, tokens []string) error {
	c.entries[text] = tokens
	return nil
}

func TestConvertUsesCache(t *testing.T) {
	cache := &mapCache{entries: map[string][]string{}}
	cfg := DefaultConfig()
	cfg.DoSampleSentence = false
	lm := newTestLM(t, cfg, WithCache(cache))

	inputs := []Input{{Segments: []string{"The cat sat."}}, {Segments: []string{"The cat sat."}}}
	batch, err := lm.Convert(context.Background(), inputs, nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)
	assert.Equal(t, []string{"the", "cat", "sat", "."}, cache.entries["The cat sat."])
	assert.Equal(t, "[CLS] the cat sat . [SEP]", strings.Join(batch.Tokens[1], " "))
}
