// Package heads provides the task decoders that sit on top of an encoder.
//
// Every head is one variant of a closed set selected by Kind at
// construction time and exposes the same Forward method. Heads read the
// encoder outputs and whichever label fields their task needs from Inputs,
// and fill the matching fields of Outputs.
package heads

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"

	"github.com/soundprediction/textheads/pkg/encoder"
	"github.com/soundprediction/textheads/pkg/retroreader"
	"github.com/soundprediction/textheads/pkg/tensor"
)

// Kind names a head variant.
type Kind string

const (
	KindClassifier         Kind = "classifier"
	KindBinaryClassifier   Kind = "binary-classifier"
	KindSequenceClassifier Kind = "sequence-classifier"
	KindMRC                Kind = "mrc"
	KindLM                 Kind = "lm"
	KindRetroReader        Kind = "retro-reader"
)

var (
	// ErrUnknownKind is returned by New for an unsupported head.
	ErrUnknownKind = errors.New("unknown head kind")
	// ErrMissingInput is returned when a head needs an input that was not set.
	ErrMissingInput = errors.New("missing head input")

	ErrShapeMismatch   = retroreader.ErrShapeMismatch
	ErrLabelOutOfRange = retroreader.ErrLabelOutOfRange
)

// Config sizes a head.
type Config struct {
	HiddenSize int
	LabelSize  int
	VocabSize  int

	// LabelWeight scales the loss of each label of a binary classifier.
	LabelWeight []float64

	InitializerRange float64
	RetroReader      retroreader.Config
}

// Inputs carries encoder outputs and labels. Only the fields a head uses
// need to be set; every label field is optional at inference time.
type Inputs struct {
	Encoder encoder.Output
	// Intensive is the second encoder read by the retro-reader head.
	Intensive encoder.Output

	// InputMask marks real tokens, used by the sequence classifier.
	InputMask [][]int

	Labels      []int
	MultiLabels [][]int
	TokenLabels [][]int
	Spans       [][2]int

	QueryMask [][]int
	HasAnswer []int

	MaskedLMPositions [][]int
	MaskedLMIDs       [][]int
	MaskedLMWeights   [][]float64
	SentenceOrder     []int

	SampleWeight []float64
}

// Outputs holds the results of a forward pass. Which fields are populated
// depends on the head kind.
type Outputs struct {
	Losses    []float64
	TotalLoss float64

	// Classifier, binary classifier and SOP.
	Probs [][]float64
	Preds []int
	// Binary classifier: one 0/1 decision per label.
	MultiPreds [][]int

	// Sequence classifier.
	TokenProbs [][][]float64
	TokenPreds [][]int

	// MRC: start and end distributions and argmax positions.
	SpanProbs [][2][]float64
	SpanPreds [][2]int

	// LM: predictions at masked positions, plus the MLM part of the loss.
	MLMPreds    [][]int
	MLMProbs    [][][]float64
	MLMLosses   []float64
	MLMLoss     float64
	MLMAccuracy float64

	Retro *retroreader.Outputs
}

// Head is one task decoder.
type Head interface {
	Kind() Kind
	Forward(in *Inputs) (*Outputs, error)
}

// New constructs the head named by kind.
func New(kind Kind, cfg Config, rng *rand.Rand) (Head, error) {
	if cfg.HiddenSize <= 0 {
		return nil, fmt.Errorf("%w: hidden size %d", ErrShapeMismatch, cfg.HiddenSize)
	}
	stddev := cfg.InitializerRange
	if stddev <= 0 {
		stddev = tensor.DefaultInitializerRange
	}

	switch kind {
	case KindClassifier:
		if cfg.LabelSize < 2 {
			return nil, fmt.Errorf("%w: classifier needs at least 2 labels, got %d", ErrShapeMismatch, cfg.LabelSize)
		}
		return &Classifier{Output: tensor.NewLinear(cfg.HiddenSize, cfg.LabelSize, stddev, rng)}, nil
	case KindBinaryClassifier:
		if cfg.LabelSize < 1 {
			return nil, fmt.Errorf("%w: binary classifier needs labels, got %d", ErrShapeMismatch, cfg.LabelSize)
		}
		if cfg.LabelWeight != nil && len(cfg.LabelWeight) != cfg.LabelSize {
			return nil, fmt.Errorf("%w: %d label weights for %d labels", ErrShapeMismatch, len(cfg.LabelWeight), cfg.LabelSize)
		}
		return &BinaryClassifier{
			Output:      tensor.NewLinear(cfg.HiddenSize, cfg.LabelSize, stddev, rng),
			LabelWeight: cfg.LabelWeight,
		}, nil
	case KindSequenceClassifier:
		if cfg.LabelSize < 2 {
			return nil, fmt.Errorf("%w: sequence classifier needs at least 2 labels, got %d", ErrShapeMismatch, cfg.LabelSize)
		}
		return &SequenceClassifier{Output: tensor.NewLinear(cfg.HiddenSize, cfg.LabelSize, stddev, rng)}, nil
	case KindMRC:
		return &MRC{Output: tensor.NewLinear(cfg.HiddenSize, 2, stddev, rng)}, nil
	case KindLM:
		if cfg.VocabSize <= 0 {
			return nil, fmt.Errorf("%w: vocab size %d", ErrShapeMismatch, cfg.VocabSize)
		}
		return NewLM(cfg.HiddenSize, cfg.VocabSize, stddev, rng), nil
	case KindRetroReader:
		r, err := retroreader.New(cfg.HiddenSize, cfg.RetroReader, rng)
		if err != nil {
			return nil, err
		}
		return &RetroReader{Reader: r}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func pooledOf(in *Inputs) (rows int, err error) {
	if in == nil || in.Encoder == nil || in.Encoder.Pooled() == nil {
		return 0, fmt.Errorf("%w: pooled encoder output", ErrMissingInput)
	}
	rows, _ = in.Encoder.Pooled().Dims()
	return rows, nil
}

func sequenceOf(in *Inputs) (int, error) {
	if in == nil || in.Encoder == nil || in.Encoder.Sequence() == nil {
		return 0, fmt.Errorf("%w: sequence encoder output", ErrMissingInput)
	}
	return len(in.Encoder.Sequence()), nil
}

func checkLen(batch, got int, what string) error {
	if batch != got {
		return fmt.Errorf("%w: batch size %d, got %d %s", ErrShapeMismatch, batch, got, what)
	}
	return nil
}

func weightAt(sampleWeight []float64, i int) float64 {
	if sampleWeight == nil {
		return 1
	}
	return sampleWeight[i]
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return floats.Sum(v) / float64(len(v))
}

// crossEntropy returns -log softmax(logits)[label].
func crossEntropy(logits []float64, label int) (float64, error) {
	if label < 0 || label >= len(logits) {
		return 0, fmt.Errorf("%w: label %d of %d classes", ErrLabelOutOfRange, label, len(logits))
	}
	return -tensor.LogSoftmax(logits)[label], nil
}
