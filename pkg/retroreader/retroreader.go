// Package retroreader implements Retro-Reader decision fusion for machine
// reading comprehension.
//
// A sketchy stage classifies answerability from the pooled output of one
// encoder. An intensive stage lets every position of a second encoder's
// sequence output attend to the question tokens and predicts start/end
// distributions over positions. A Verifier fuses both into a single
// answerable/unanswerable decision.
package retroreader

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/soundprediction/textheads/pkg/tensor"
	"github.com/soundprediction/textheads/pkg/types"
)

var (
	// ErrShapeMismatch is returned when batch or hidden dimensions disagree.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrLabelOutOfRange is returned when a label does not index a valid class or position.
	ErrLabelOutOfRange = errors.New("label out of range")
)

// Config holds the fusion hyper-parameters.
type Config struct {
	Mechanism         Mechanism `mapstructure:"matching_mechanism" yaml:"matching_mechanism"`
	Beta1             float64   `mapstructure:"beta_1" yaml:"beta_1"`
	Beta2             float64   `mapstructure:"beta_2" yaml:"beta_2"`
	Threshold         float64   `mapstructure:"threshold" yaml:"threshold"`
	NumAttentionHeads int       `mapstructure:"num_attention_heads" yaml:"num_attention_heads"`
	InitializerRange  float64   `mapstructure:"initializer_range" yaml:"initializer_range"`
}

// DefaultConfig returns the standard Retro-Reader settings.
func DefaultConfig() Config {
	return Config{
		Mechanism:         CrossAttention,
		Beta1:             0.5,
		Beta2:             0.5,
		Threshold:         1.0,
		NumAttentionHeads: 12,
		InitializerRange:  tensor.DefaultInitializerRange,
	}
}

// Reader holds the parameters of both reading stages.
type Reader struct {
	Sketchy    *tensor.Linear
	Matcher    Matcher
	Prediction *tensor.Linear
	Verifier   Verifier

	hidden int
}

// New initialises a Reader for encoders of the given hidden size.
func New(hidden int, cfg Config, rng *rand.Rand) (*Reader, error) {
	mech, err := ParseMechanism(string(cfg.Mechanism))
	if err != nil {
		return nil, err
	}
	heads := cfg.NumAttentionHeads
	if heads <= 0 {
		heads = 12
	}
	stddev := cfg.InitializerRange
	if stddev <= 0 {
		stddev = tensor.DefaultInitializerRange
	}

	matcher, err := newMatcher(mech, hidden, heads, stddev, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s matcher: %w", mech, err)
	}
	return &Reader{
		Sketchy:    tensor.NewLinear(hidden, 2, stddev, rng),
		Matcher:    matcher,
		Prediction: tensor.NewLinear(hidden, 2, stddev, rng),
		Verifier:   Verifier{Beta1: cfg.Beta1, Beta2: cfg.Beta2, Threshold: cfg.Threshold},
		hidden:     hidden,
	}, nil
}

// Outputs collects everything a forward pass produces. Loss fields are zero
// when the matching labels were not supplied.
type Outputs struct {
	SketchyLosses   []float64
	IntensiveLosses []float64
	SketchyLoss     float64
	IntensiveLoss   float64
	TotalLoss       float64

	// MRCProbs[i][0] and MRCProbs[i][1] are the start and end distributions.
	MRCProbs [][2][]float64
	MRCPreds [][2]int

	VerifierPreds []int
	VerifierProbs []float64
	Decisions     []types.VerifierDecision
}

// Forward runs both stages and the verifier over a batch of B examples.
// sketchyPooled is B×H, intensive holds B matrices of L×H and queryMask
// marks the question positions of each example. labelIDs, hasAnswer and
// sampleWeight may be nil.
func (r *Reader) Forward(
	sketchyPooled *mat.Dense,
	intensive []*mat.Dense,
	queryMask [][]int,
	labelIDs [][2]int,
	hasAnswer []int,
	sampleWeight []float64,
) (*Outputs, error) {
	if sketchyPooled == nil {
		return nil, fmt.Errorf("%w: missing sketchy pooled output", ErrShapeMismatch)
	}
	batch, hidden := sketchyPooled.Dims()
	if hidden != r.hidden {
		return nil, fmt.Errorf("%w: pooled width %d, reader expects %d", ErrShapeMismatch, hidden, r.hidden)
	}
	if err := checkBatch(batch, len(intensive), "intensive outputs"); err != nil {
		return nil, err
	}
	if err := checkBatch(batch, len(queryMask), "query masks"); err != nil {
		return nil, err
	}
	if labelIDs != nil {
		if err := checkBatch(batch, len(labelIDs), "label ids"); err != nil {
			return nil, err
		}
	}
	if hasAnswer != nil {
		if err := checkBatch(batch, len(hasAnswer), "has-answer labels"); err != nil {
			return nil, err
		}
	}
	if sampleWeight != nil {
		if err := checkBatch(batch, len(sampleWeight), "sample weights"); err != nil {
			return nil, err
		}
	}

	out := &Outputs{
		MRCProbs:      make([][2][]float64, batch),
		MRCPreds:      make([][2]int, batch),
		VerifierPreds: make([]int, batch),
		VerifierProbs: make([]float64, batch),
		Decisions:     make([]types.VerifierDecision, batch),
	}

	scoreExt, err := r.sketchy(sketchyPooled, hasAnswer, sampleWeight, out)
	if err != nil {
		return nil, err
	}

	for i := 0; i < batch; i++ {
		var label *[2]int
		if labelIDs != nil {
			label = &labelIDs[i]
		}
		scoreHas, scoreNull, loss, err := r.intensive(i, intensive[i], queryMask[i], label, out)
		if err != nil {
			return nil, err
		}
		if labelIDs != nil {
			out.IntensiveLosses = append(out.IntensiveLosses, loss*weight(sampleWeight, i))
		}

		d := r.Verifier.Decide(scoreHas, scoreNull, scoreExt[i])
		out.Decisions[i] = d
		out.VerifierProbs[i] = d.Score
		if d.Verified {
			out.VerifierPreds[i] = 1
		}
	}

	if len(out.SketchyLosses) > 0 {
		out.SketchyLoss = floats.Sum(out.SketchyLosses) / float64(len(out.SketchyLosses))
	}
	if len(out.IntensiveLosses) > 0 {
		out.IntensiveLoss = floats.Sum(out.IntensiveLosses) / float64(len(out.IntensiveLosses))
	}
	out.TotalLoss = out.SketchyLoss + out.IntensiveLoss
	return out, nil
}

// sketchy classifies answerability and returns score_ext per example.
func (r *Reader) sketchy(pooled *mat.Dense, hasAnswer []int, sampleWeight []float64, out *Outputs) ([]float64, error) {
	logits, err := r.Sketchy.Forward(pooled)
	if err != nil {
		return nil, fmt.Errorf("sketchy prediction: %w", err)
	}
	batch, _ := logits.Dims()
	scoreExt := make([]float64, batch)
	for i := 0; i < batch; i++ {
		row := logits.RawRowView(i)
		scoreExt[i] = row[1] - row[0]
		if hasAnswer == nil {
			continue
		}
		label := hasAnswer[i]
		if label < 0 || label > 1 {
			return nil, fmt.Errorf("%w: has-answer label %d at index %d", ErrLabelOutOfRange, label, i)
		}
		logProbs := tensor.LogSoftmax(row)
		out.SketchyLosses = append(out.SketchyLosses, -logProbs[label]*weight(sampleWeight, i))
	}
	return scoreExt, nil
}

// intensive predicts the span distributions of example i and returns
// score_has, score_null and the unweighted span loss.
func (r *Reader) intensive(i int, h *mat.Dense, queryMask []int, label *[2]int, out *Outputs) (float64, float64, float64, error) {
	if h == nil {
		return 0, 0, 0, fmt.Errorf("%w: intensive output %d is nil", ErrShapeMismatch, i)
	}
	seqLen, hidden := h.Dims()
	if hidden != r.hidden {
		return 0, 0, 0, fmt.Errorf("%w: intensive output %d width %d, reader expects %d", ErrShapeMismatch, i, hidden, r.hidden)
	}
	if len(queryMask) != seqLen {
		return 0, 0, 0, fmt.Errorf("%w: query mask %d has length %d, sequence has %d", ErrShapeMismatch, i, len(queryMask), seqLen)
	}

	hPrime, err := r.Matcher.Match(h, questionOnly(h, queryMask), queryMask)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("matching example %d: %w", i, err)
	}
	logits, err := r.Prediction.Forward(hPrime)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("span prediction %d: %w", i, err)
	}

	// logits is L×2; transpose into start and end rows.
	startLogits := mat.Col(nil, 0, logits)
	endLogits := mat.Col(nil, 1, logits)

	startProbs := tensor.Softmax(startLogits)
	endProbs := tensor.Softmax(endLogits)
	out.MRCProbs[i] = [2][]float64{startProbs, endProbs}
	out.MRCPreds[i] = [2]int{tensor.Argmax(startLogits), tensor.Argmax(endLogits)}

	var loss float64
	if label != nil {
		start, end := label[0], label[1]
		if start < 0 || start >= seqLen || end < 0 || end >= seqLen {
			return 0, 0, 0, fmt.Errorf("%w: span (%d, %d) at index %d, sequence length %d", ErrLabelOutOfRange, start, end, i, seqLen)
		}
		loss = -0.5*tensor.LogSoftmax(startLogits)[start] - 0.5*tensor.LogSoftmax(endLogits)[end]
	}

	scoreHas, scoreNull := spanScores(startProbs, endProbs)
	return scoreHas, scoreNull, loss, nil
}

// questionOnly returns a copy of h with every non-question row zeroed.
func questionOnly(h *mat.Dense, queryMask []int) *mat.Dense {
	hq := mat.DenseCopyOf(h)
	for j, keep := range queryMask {
		if keep == 0 {
			row := hq.RawRowView(j)
			for k := range row {
				row[k] = 0
			}
		}
	}
	return hq
}

// spanScores returns the best non-null start+end probability sum and the
// null (position 0) sum.
func spanScores(startProbs, endProbs []float64) (scoreHas, scoreNull float64) {
	if len(startProbs) == 0 {
		return 0, 0
	}
	scoreNull = startProbs[0] + endProbs[0]
	for j := 1; j < len(startProbs); j++ {
		scoreHas = max(scoreHas, startProbs[j]+endProbs[j])
	}
	return scoreHas, scoreNull
}

func checkBatch(want, got int, what string) error {
	if want != got {
		return fmt.Errorf("%w: batch size %d, got %d %s", ErrShapeMismatch, want, got, what)
	}
	return nil
}

func weight(sampleWeight []float64, i int) float64 {
	if sampleWeight == nil {
		return 1
	}
	return sampleWeight[i]
}
