package heads

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/soundprediction/textheads/pkg/tensor"
)

// MRC predicts answer start and end positions over the sequence output.
type MRC struct {
	Output *tensor.Linear
}

func (m *MRC) Kind() Kind { return KindMRC }

func (m *MRC) Forward(in *Inputs) (*Outputs, error) {
	batch, err := sequenceOf(in)
	if err != nil {
		return nil, err
	}
	if in.Spans != nil {
		if err := checkLen(batch, len(in.Spans), "spans"); err != nil {
			return nil, err
		}
	}
	if err := checkOptional(batch, nil, in.SampleWeight); err != nil {
		return nil, err
	}

	out := &Outputs{SpanProbs: make([][2][]float64, batch), SpanPreds: make([][2]int, batch)}
	for i, seq := range in.Encoder.Sequence() {
		logits, err := m.Output.Forward(seq)
		if err != nil {
			return nil, fmt.Errorf("mrc example %d: %w", i, err)
		}
		var sides [2][]float64
		for k := 0; k < 2; k++ {
			col := mat.Col(nil, k, logits)
			sides[k] = col
			out.SpanProbs[i][k] = tensor.Softmax(col)
			out.SpanPreds[i][k] = tensor.Argmax(col)
		}

		if in.Spans == nil {
			continue
		}
		var loss float64
		for k := 0; k < 2; k++ {
			l, err := crossEntropy(sides[k], in.Spans[i][k])
			if err != nil {
				return nil, fmt.Errorf("example %d: %w", i, err)
			}
			loss += 0.5 * l
		}
		out.Losses = append(out.Losses, loss*weightAt(in.SampleWeight, i))
	}
	out.TotalLoss = mean(out.Losses)
	return out, nil
}
