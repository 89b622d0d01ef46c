package heads

import (
	"fmt"

	"github.com/soundprediction/textheads/pkg/tensor"
)

// Classifier predicts one of LabelSize classes from the pooled output.
type Classifier struct {
	Output *tensor.Linear
}

func (c *Classifier) Kind() Kind { return KindClassifier }

func (c *Classifier) Forward(in *Inputs) (*Outputs, error) {
	batch, err := pooledOf(in)
	if err != nil {
		return nil, err
	}
	if err := checkOptional(batch, in.Labels, in.SampleWeight); err != nil {
		return nil, err
	}

	logits, err := c.Output.Forward(in.Encoder.Pooled())
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}

	out := &Outputs{Probs: make([][]float64, batch), Preds: make([]int, batch)}
	for i := 0; i < batch; i++ {
		row := logits.RawRowView(i)
		out.Probs[i] = tensor.Softmax(row)
		out.Preds[i] = tensor.Argmax(row)
		if in.Labels == nil {
			continue
		}
		loss, err := crossEntropy(row, in.Labels[i])
		if err != nil {
			return nil, fmt.Errorf("example %d: %w", i, err)
		}
		out.Losses = append(out.Losses, loss*weightAt(in.SampleWeight, i))
	}
	out.TotalLoss = mean(out.Losses)
	return out, nil
}

// BinaryClassifier makes an independent yes/no decision per label.
type BinaryClassifier struct {
	Output      *tensor.Linear
	LabelWeight []float64
}

func (c *BinaryClassifier) Kind() Kind { return KindBinaryClassifier }

func (c *BinaryClassifier) Forward(in *Inputs) (*Outputs, error) {
	batch, err := pooledOf(in)
	if err != nil {
		return nil, err
	}
	if in.MultiLabels != nil {
		if err := checkLen(batch, len(in.MultiLabels), "label rows"); err != nil {
			return nil, err
		}
	}
	if err := checkOptional(batch, nil, in.SampleWeight); err != nil {
		return nil, err
	}

	logits, err := c.Output.Forward(in.Encoder.Pooled())
	if err != nil {
		return nil, fmt.Errorf("binary classifier: %w", err)
	}
	labels := c.Output.Out()

	out := &Outputs{Probs: make([][]float64, batch), MultiPreds: make([][]int, batch)}
	for i := 0; i < batch; i++ {
		row := logits.RawRowView(i)
		probs := make([]float64, labels)
		preds := make([]int, labels)
		for k, x := range row {
			probs[k] = tensor.Sigmoid(x)
			if probs[k] > 0.5 {
				preds[k] = 1
			}
		}
		out.Probs[i] = probs
		out.MultiPreds[i] = preds

		if in.MultiLabels == nil {
			continue
		}
		y := in.MultiLabels[i]
		if len(y) != labels {
			return nil, fmt.Errorf("%w: example %d has %d labels, head has %d", ErrShapeMismatch, i, len(y), labels)
		}
		var loss float64
		for k, x := range row {
			var l float64
			switch y[k] {
			case 1:
				l = -tensor.LogSigmoid(x)
			case 0:
				l = -tensor.LogSigmoid(-x)
			default:
				return nil, fmt.Errorf("%w: example %d label %d is %d, want 0 or 1", ErrLabelOutOfRange, i, k, y[k])
			}
			if c.LabelWeight != nil {
				l *= c.LabelWeight[k]
			}
			loss += l
		}
		out.Losses = append(out.Losses, loss*weightAt(in.SampleWeight, i))
	}
	out.TotalLoss = mean(out.Losses)
	return out, nil
}

// SequenceClassifier labels every token of the sequence output.
type SequenceClassifier struct {
	Output *tensor.Linear
}

func (c *SequenceClassifier) Kind() Kind { return KindSequenceClassifier }

func (c *SequenceClassifier) Forward(in *Inputs) (*Outputs, error) {
	batch, err := sequenceOf(in)
	if err != nil {
		return nil, err
	}
	if in.TokenLabels != nil {
		if err := checkLen(batch, len(in.TokenLabels), "token label rows"); err != nil {
			return nil, err
		}
	}
	if in.InputMask != nil {
		if err := checkLen(batch, len(in.InputMask), "input masks"); err != nil {
			return nil, err
		}
	}
	if err := checkOptional(batch, nil, in.SampleWeight); err != nil {
		return nil, err
	}

	out := &Outputs{TokenProbs: make([][][]float64, batch), TokenPreds: make([][]int, batch)}
	for i, seq := range in.Encoder.Sequence() {
		logits, err := c.Output.Forward(seq)
		if err != nil {
			return nil, fmt.Errorf("sequence classifier example %d: %w", i, err)
		}
		seqLen, _ := logits.Dims()
		if in.InputMask != nil && len(in.InputMask[i]) != seqLen {
			return nil, fmt.Errorf("%w: example %d mask length %d, sequence %d", ErrShapeMismatch, i, len(in.InputMask[i]), seqLen)
		}

		probs := make([][]float64, seqLen)
		preds := make([]int, seqLen)
		for j := 0; j < seqLen; j++ {
			row := logits.RawRowView(j)
			probs[j] = tensor.Softmax(row)
			preds[j] = tensor.Argmax(row)
		}
		out.TokenProbs[i] = probs
		out.TokenPreds[i] = preds

		if in.TokenLabels == nil {
			continue
		}
		if len(in.TokenLabels[i]) != seqLen {
			return nil, fmt.Errorf("%w: example %d has %d token labels, sequence %d", ErrShapeMismatch, i, len(in.TokenLabels[i]), seqLen)
		}
		var sum, count float64
		for j := 0; j < seqLen; j++ {
			if in.InputMask != nil && in.InputMask[i][j] == 0 {
				continue
			}
			l, err := crossEntropy(logits.RawRowView(j), in.TokenLabels[i][j])
			if err != nil {
				return nil, fmt.Errorf("example %d token %d: %w", i, j, err)
			}
			sum += l
			count++
		}
		var loss float64
		if count > 0 {
			loss = sum / count
		}
		out.Losses = append(out.Losses, loss*weightAt(in.SampleWeight, i))
	}
	out.TotalLoss = mean(out.Losses)
	return out, nil
}

// checkOptional validates the lengths of optional per-example slices.
func checkOptional(batch int, labels []int, sampleWeight []float64) error {
	if labels != nil {
		if err := checkLen(batch, len(labels), "labels"); err != nil {
			return err
		}
	}
	if sampleWeight != nil {
		if err := checkLen(batch, len(sampleWeight), "sample weights"); err != nil {
			return err
		}
	}
	return nil
}
