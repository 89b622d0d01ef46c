package heads

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/soundprediction/textheads/pkg/tensor"
)

const (
	layerNormEpsilon = 1e-12
	mlmWeightEpsilon = 1e-5
)

// LM is the pretraining head: masked-LM prediction over the sequence
// output and sentence-order prediction over the pooled output.
type LM struct {
	Transform *tensor.Linear
	Gamma     []float64
	Beta      []float64
	Output    *tensor.Linear
	SOP       *tensor.Linear
}

// NewLM initialises an LM head for the given hidden and vocabulary sizes.
func NewLM(hidden, vocabSize int, stddev float64, rng *rand.Rand) *LM {
	return &LM{
		Transform: tensor.NewLinear(hidden, hidden, stddev, rng),
		Gamma:     tensor.Ones(hidden),
		Beta:      make([]float64, hidden),
		Output:    tensor.NewLinear(hidden, vocabSize, stddev, rng),
		SOP:       tensor.NewLinear(hidden, 2, stddev, rng),
	}
}

func (m *LM) Kind() Kind { return KindLM }

func (m *LM) Forward(in *Inputs) (*Outputs, error) {
	if in == nil || in.Encoder == nil {
		return nil, fmt.Errorf("%w: encoder output", ErrMissingInput)
	}
	out := &Outputs{}

	if in.MaskedLMPositions != nil {
		if err := m.maskedLM(in, out); err != nil {
			return nil, err
		}
	}
	if in.Encoder.Pooled() != nil {
		if err := m.sentenceOrder(in, out); err != nil {
			return nil, err
		}
	}
	out.TotalLoss = out.MLMLoss + mean(out.Losses)
	return out, nil
}

func (m *LM) maskedLM(in *Inputs, out *Outputs) error {
	batch, err := sequenceOf(in)
	if err != nil {
		return err
	}
	if err := checkLen(batch, len(in.MaskedLMPositions), "masked position rows"); err != nil {
		return err
	}
	hasLabels := in.MaskedLMIDs != nil
	if hasLabels {
		if err := checkLen(batch, len(in.MaskedLMIDs), "masked id rows"); err != nil {
			return err
		}
		if in.MaskedLMWeights != nil {
			if err := checkLen(batch, len(in.MaskedLMWeights), "masked weight rows"); err != nil {
				return err
			}
		}
	}
	if err := checkOptional(batch, nil, in.SampleWeight); err != nil {
		return err
	}

	out.MLMPreds = make([][]int, batch)
	out.MLMProbs = make([][][]float64, batch)
	var numerator, denominator, correct, counted float64

	for i, seq := range in.Encoder.Sequence() {
		positions := in.MaskedLMPositions[i]
		seqLen, hidden := seq.Dims()

		gathered := mat.NewDense(max(1, len(positions)), hidden, nil)
		for p, pos := range positions {
			if pos < 0 || pos >= seqLen {
				return fmt.Errorf("%w: example %d masked position %d, sequence %d", ErrLabelOutOfRange, i, pos, seqLen)
			}
			gathered.SetRow(p, seq.RawRowView(pos))
		}
		if len(positions) == 0 {
			out.MLMLosses = append(out.MLMLosses, 0)
			continue
		}

		logits, err := m.vocabLogits(gathered)
		if err != nil {
			return fmt.Errorf("lm example %d: %w", i, err)
		}

		preds := make([]int, len(positions))
		probs := make([][]float64, len(positions))
		for p := range positions {
			row := logits.RawRowView(p)
			preds[p] = tensor.Argmax(row)
			probs[p] = tensor.Softmax(row)
		}
		out.MLMPreds[i] = preds
		out.MLMProbs[i] = probs

		if !hasLabels {
			continue
		}
		ids := in.MaskedLMIDs[i]
		if len(ids) != len(positions) {
			return fmt.Errorf("%w: example %d has %d masked ids for %d positions", ErrShapeMismatch, i, len(ids), len(positions))
		}
		var weights []float64
		if in.MaskedLMWeights != nil {
			weights = in.MaskedLMWeights[i]
			if len(weights) != len(positions) {
				return fmt.Errorf("%w: example %d has %d masked weights for %d positions", ErrShapeMismatch, i, len(weights), len(positions))
			}
		}

		sw := weightAt(in.SampleWeight, i)
		var exNum, exDen float64
		for p, id := range ids {
			w := 1.0
			if weights != nil {
				w = weights[p]
			}
			if w == 0 {
				continue
			}
			nll, err := crossEntropy(logits.RawRowView(p), id)
			if err != nil {
				return fmt.Errorf("example %d masked slot %d: %w", i, p, err)
			}
			exNum += w * nll
			exDen += w
			counted++
			if preds[p] == id {
				correct++
			}
		}
		out.MLMLosses = append(out.MLMLosses, sw*exNum/(exDen+mlmWeightEpsilon))
		numerator += sw * exNum
		denominator += exDen
	}

	if hasLabels {
		out.MLMLoss = numerator / (denominator + mlmWeightEpsilon)
		if counted > 0 {
			out.MLMAccuracy = correct / counted
		}
	} else {
		out.MLMLosses = nil
	}
	return nil
}

// vocabLogits applies dense + GELU + layer norm and projects onto the vocabulary.
func (m *LM) vocabLogits(x *mat.Dense) (*mat.Dense, error) {
	h, err := m.Transform.Forward(x)
	if err != nil {
		return nil, err
	}
	h.Apply(func(_, _ int, v float64) float64 { return tensor.GELU(v) }, h)
	if err := tensor.LayerNorm(h, m.Gamma, m.Beta, layerNormEpsilon); err != nil {
		return nil, err
	}
	return m.Output.Forward(h)
}

func (m *LM) sentenceOrder(in *Inputs, out *Outputs) error {
	batch, err := pooledOf(in)
	if err != nil {
		return err
	}
	if err := checkOptional(batch, in.SentenceOrder, in.SampleWeight); err != nil {
		return err
	}

	logits, err := m.SOP.Forward(in.Encoder.Pooled())
	if err != nil {
		return fmt.Errorf("sentence order: %w", err)
	}
	out.Probs = make([][]float64, batch)
	out.Preds = make([]int, batch)
	for i := 0; i < batch; i++ {
		row := logits.RawRowView(i)
		out.Probs[i] = tensor.Softmax(row)
		out.Preds[i] = tensor.Argmax(row)
		if in.SentenceOrder == nil {
			continue
		}
		loss, err := crossEntropy(row, in.SentenceOrder[i])
		if err != nil {
			return fmt.Errorf("example %d sentence order: %w", i, err)
		}
		out.Losses = append(out.Losses, loss*weightAt(in.SampleWeight, i))
	}
	return nil
}
