package heads

import (
	"fmt"

	"github.com/soundprediction/textheads/pkg/retroreader"
)

// RetroReader adapts retroreader.Reader to the Head interface. The pooled
// output of Inputs.Encoder feeds the sketchy stage and the sequence output
// of Inputs.Intensive feeds the intensive stage.
type RetroReader struct {
	Reader *retroreader.Reader
}

func (r *RetroReader) Kind() Kind { return KindRetroReader }

func (r *RetroReader) Forward(in *Inputs) (*Outputs, error) {
	if _, err := pooledOf(in); err != nil {
		return nil, err
	}
	if in.Intensive == nil || in.Intensive.Sequence() == nil {
		return nil, fmt.Errorf("%w: intensive encoder output", ErrMissingInput)
	}
	if in.QueryMask == nil {
		return nil, fmt.Errorf("%w: query mask", ErrMissingInput)
	}

	res, err := r.Reader.Forward(
		in.Encoder.Pooled(),
		in.Intensive.Sequence(),
		in.QueryMask,
		in.Spans,
		in.HasAnswer,
		in.SampleWeight,
	)
	if err != nil {
		return nil, fmt.Errorf("retro-reader: %w", err)
	}
	return &Outputs{
		Losses:    res.SketchyLosses,
		TotalLoss: res.TotalLoss,
		Preds:     res.VerifierPreds,
		SpanProbs: res.MRCProbs,
		SpanPreds: res.MRCPreds,
		Retro:     res,
	}, nil
}
