package retroreader

import "github.com/soundprediction/textheads/pkg/types"

// Verifier fuses the intensive and sketchy scores with a linear threshold
// rule: v = Beta1·(hasAnswer - null) + Beta2·external, verified when
// v > Threshold.
type Verifier struct {
	Beta1     float64
	Beta2     float64
	Threshold float64
}

// Score returns the fused verifier score v.
func (v Verifier) Score(scoreHas, scoreNull, scoreExt float64) float64 {
	return v.Beta1*(scoreHas-scoreNull) + v.Beta2*scoreExt
}

// Decide scores one example and applies the threshold.
func (v Verifier) Decide(scoreHas, scoreNull, scoreExt float64) types.VerifierDecision {
	s := v.Score(scoreHas, scoreNull, scoreExt)
	return types.VerifierDecision{
		ScoreExternal:  scoreExt,
		ScoreHasAnswer: scoreHas,
		ScoreNull:      scoreNull,
		Score:          s,
		Verified:       s > v.Threshold,
	}
}
