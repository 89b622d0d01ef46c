package retroreader

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/soundprediction/textheads/pkg/tensor"
)

const hidden = 24

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, 1))
}

func randomDense(rng *rand.Rand, rows, cols int) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return mat.NewDense(rows, cols, data)
}

func batchInputs(rng *rand.Rand, batch, seqLen int) (*mat.Dense, []*mat.Dense, [][]int) {
	pooled := randomDense(rng, batch, hidden)
	seqs := make([]*mat.Dense, batch)
	masks := make([][]int, batch)
	for i := range seqs {
		seqs[i] = randomDense(rng, seqLen, hidden)
		masks[i] = make([]int, seqLen)
		for j := 1; j < 3 && j < seqLen; j++ {
			masks[i][j] = 1
		}
	}
	return pooled, seqs, masks
}

func TestVerifierDecide(t *testing.T) {
	v := Verifier{Beta1: 0.5, Beta2: 0.5, Threshold: 1.0}

	d := v.Decide(0.9, 0.1, 2.0)
	assert.InDelta(t, 1.4, d.Score, 1e-12)
	assert.True(t, d.Verified)
	assert.Equal(t, 0.9, d.ScoreHasAnswer)
	assert.Equal(t, 0.1, d.ScoreNull)
	assert.Equal(t, 2.0, d.ScoreExternal)

	// Equal to the threshold is not verified.
	d = Verifier{Beta1: 1, Beta2: 0, Threshold: 0.5}.Decide(0.75, 0.25, 9)
	assert.False(t, d.Verified)
}

func TestVerifierThresholdMonotonic(t *testing.T) {
	rng := newRand(11)
	for trial := 0; trial < 200; trial++ {
		has, null, ext := rng.Float64(), rng.Float64(), rng.NormFloat64()*3
		wasFalse := false
		for threshold := -5.0; threshold <= 5.0; threshold += 0.25 {
			d := Verifier{Beta1: 0.5, Beta2: 0.5, Threshold: threshold}.Decide(has, null, ext)
			if wasFalse {
				require.False(t, d.Verified, "raising threshold to %v flipped the decision", threshold)
			}
			wasFalse = !d.Verified
		}
	}
}

func TestNew(t *testing.T) {
	r, err := New(hidden, DefaultConfig(), newRand(1))
	require.NoError(t, err)
	assert.IsType(t, &crossAttention{}, r.Matcher)
	assert.Equal(t, 2, r.Sketchy.Out())
	assert.Equal(t, hidden, r.Prediction.In())

	cfg := DefaultConfig()
	cfg.Mechanism = MatchingAttention
	r, err = New(hidden, cfg, newRand(1))
	require.NoError(t, err)
	assert.IsType(t, &matchingAttention{}, r.Matcher)

	cfg.Mechanism = "bidaf"
	_, err = New(hidden, cfg, newRand(1))
	assert.ErrorIs(t, err, ErrUnknownMechanism)

	// 12 heads cannot split a width of 10.
	_, err = New(10, DefaultConfig(), newRand(1))
	assert.Error(t, err)
}

func TestForwardShapes(t *testing.T) {
	for _, mech := range []Mechanism{CrossAttention, MatchingAttention} {
		t.Run(string(mech), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Mechanism = mech
			r, err := New(hidden, cfg, newRand(2))
			require.NoError(t, err)

			rng := newRand(3)
			pooled, seqs, masks := batchInputs(rng, 3, 6)
			labels := [][2]int{{0, 0}, {3, 4}, {5, 5}}
			hasAnswer := []int{0, 1, 1}

			out, err := r.Forward(pooled, seqs, masks, labels, hasAnswer, nil)
			require.NoError(t, err)

			require.Len(t, out.MRCProbs, 3)
			require.Len(t, out.SketchyLosses, 3)
			require.Len(t, out.IntensiveLosses, 3)
			for i := 0; i < 3; i++ {
				for k := 0; k < 2; k++ {
					require.Len(t, out.MRCProbs[i][k], 6)
					assert.InDelta(t, 1.0, floats.Sum(out.MRCProbs[i][k]), 1e-9)
					assert.Equal(t, floats.MaxIdx(out.MRCProbs[i][k]), out.MRCPreds[i][k])
				}

				d := out.Decisions[i]
				assert.InDelta(t, 0.5*(d.ScoreHasAnswer-d.ScoreNull)+0.5*d.ScoreExternal, out.VerifierProbs[i], 1e-12)
				assert.Equal(t, d.Verified, out.VerifierPreds[i] == 1)
			}
			assert.InDelta(t, out.SketchyLoss+out.IntensiveLoss, out.TotalLoss, 1e-12)
			assert.Greater(t, out.TotalLoss, 0.0)
		})
	}
}

func TestForwardKnownValues(t *testing.T) {
	r, err := New(hidden, DefaultConfig(), newRand(4))
	require.NoError(t, err)

	// Zero weights make every logit equal to its bias.
	r.Sketchy = &tensor.Linear{W: mat.NewDense(2, hidden, nil), B: []float64{0, 2}}
	r.Prediction = &tensor.Linear{W: mat.NewDense(2, hidden, nil), B: []float64{0, 0}}

	const seqLen = 4
	pooled, seqs, masks := batchInputs(newRand(5), 2, seqLen)
	out, err := r.Forward(pooled, seqs, masks, [][2]int{{1, 2}, {0, 0}}, []int{1, 0}, []float64{1, 2})
	require.NoError(t, err)

	// Uniform span distributions: score_has == score_null.
	for i := 0; i < 2; i++ {
		assert.InDelta(t, 2.0/seqLen, out.Decisions[i].ScoreHasAnswer, 1e-12)
		assert.InDelta(t, 2.0/seqLen, out.Decisions[i].ScoreNull, 1e-12)
		assert.InDelta(t, 2.0, out.Decisions[i].ScoreExternal, 1e-12)
		// v = 0.5·0 + 0.5·2 = 1.0, which does not exceed the threshold.
		assert.InDelta(t, 1.0, out.VerifierProbs[i], 1e-12)
		assert.Equal(t, 0, out.VerifierPreds[i])
	}

	lossYes := math.Log(1 + math.Exp(-2))
	lossNo := math.Log(1 + math.Exp(2))
	assert.InDelta(t, lossYes, out.SketchyLosses[0], 1e-9)
	assert.InDelta(t, 2*lossNo, out.SketchyLosses[1], 1e-9)
	assert.InDelta(t, (lossYes+2*lossNo)/2, out.SketchyLoss, 1e-9)

	assert.InDelta(t, math.Log(seqLen), out.IntensiveLosses[0], 1e-9)
	assert.InDelta(t, 2*math.Log(seqLen), out.IntensiveLosses[1], 1e-9)
	assert.InDelta(t, 1.5*math.Log(seqLen), out.IntensiveLoss, 1e-9)
}

func TestForwardWithoutLabels(t *testing.T) {
	r, err := New(hidden, DefaultConfig(), newRand(6))
	require.NoError(t, err)

	pooled, seqs, masks := batchInputs(newRand(7), 2, 5)
	out, err := r.Forward(pooled, seqs, masks, nil, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, out.SketchyLosses)
	assert.Empty(t, out.IntensiveLosses)
	assert.Zero(t, out.TotalLoss)
	assert.Len(t, out.Decisions, 2)
}

func TestForwardErrors(t *testing.T) {
	r, err := New(hidden, DefaultConfig(), newRand(8))
	require.NoError(t, err)
	pooled, seqs, masks := batchInputs(newRand(9), 2, 5)

	tests := []struct {
		name    string
		run     func() error
		wantErr error
	}{
		{"nil pooled", func() error {
			_, err := r.Forward(nil, seqs, masks, nil, nil, nil)
			return err
		}, ErrShapeMismatch},
		{"pooled width", func() error {
			_, err := r.Forward(mat.NewDense(2, hidden+1, nil), seqs, masks, nil, nil, nil)
			return err
		}, ErrShapeMismatch},
		{"sequence batch", func() error {
			_, err := r.Forward(pooled, seqs[:1], masks, nil, nil, nil)
			return err
		}, ErrShapeMismatch},
		{"mask batch", func() error {
			_, err := r.Forward(pooled, seqs, masks[:1], nil, nil, nil)
			return err
		}, ErrShapeMismatch},
		{"mask length", func() error {
			_, err := r.Forward(pooled, seqs, [][]int{{1}, masks[1]}, nil, nil, nil)
			return err
		}, ErrShapeMismatch},
		{"sample weights", func() error {
			_, err := r.Forward(pooled, seqs, masks, nil, []int{0, 1}, []float64{1})
			return err
		}, ErrShapeMismatch},
		{"span label", func() error {
			_, err := r.Forward(pooled, seqs, masks, [][2]int{{0, 0}, {2, 5}}, nil, nil)
			return err
		}, ErrLabelOutOfRange},
		{"negative span label", func() error {
			_, err := r.Forward(pooled, seqs, masks, [][2]int{{-1, 0}, {2, 3}}, nil, nil)
			return err
		}, ErrLabelOutOfRange},
		{"has-answer label", func() error {
			_, err := r.Forward(pooled, seqs, masks, nil, []int{0, 2}, nil)
			return err
		}, ErrLabelOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.run(), tt.wantErr)
		})
	}
}

func TestMatchersIgnoreNonQuestionRows(t *testing.T) {
	for _, mech := range []Mechanism{CrossAttention, MatchingAttention} {
		t.Run(string(mech), func(t *testing.T) {
			rng := newRand(10)
			m, err := newMatcher(mech, hidden, 12, tensor.DefaultInitializerRange, rng)
			require.NoError(t, err)

			h := randomDense(rng, 5, hidden)
			mask := []int{0, 1, 1, 0, 0}
			base, err := m.Match(h, questionOnly(h, mask), mask)
			require.NoError(t, err)

			// Perturbing a passage row only changes that row's output.
			h2 := mat.DenseCopyOf(h)
			h2.Set(4, 0, h2.At(4, 0)+10)
			perturbed, err := m.Match(h2, questionOnly(h2, mask), mask)
			require.NoError(t, err)

			for row := 0; row < 4; row++ {
				assert.InDeltaSlice(t, base.RawRowView(row), perturbed.RawRowView(row), 1e-12)
			}
		})
	}
}

func TestSpanScores(t *testing.T) {
	has, null := spanScores([]float64{0.5, 0.2, 0.3}, []float64{0.1, 0.6, 0.3})
	assert.InDelta(t, 0.8, has, 1e-12)
	assert.InDelta(t, 0.6, null, 1e-12)

	has, null = spanScores([]float64{1}, []float64{1})
	assert.Zero(t, has)
	assert.Equal(t, 2.0, null)
}

func TestParseMechanism(t *testing.T) {
	m, err := ParseMechanism("")
	require.NoError(t, err)
	assert.Equal(t, CrossAttention, m)

	m, err = ParseMechanism("matching-attention")
	require.NoError(t, err)
	assert.Equal(t, MatchingAttention, m)

	_, err = ParseMechanism("bidaf")
	assert.ErrorIs(t, err, ErrUnknownMechanism)
}
