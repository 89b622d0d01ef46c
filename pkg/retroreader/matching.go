package retroreader

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/soundprediction/textheads/pkg/attention"
	"github.com/soundprediction/textheads/pkg/tensor"
)

// ErrUnknownMechanism is returned for an unsupported matching mechanism.
var ErrUnknownMechanism = errors.New("unknown matching mechanism")

// Mechanism selects how the passage attends to the question.
type Mechanism string

const (
	CrossAttention    Mechanism = "cross-attention"
	MatchingAttention Mechanism = "matching-attention"
)

// ParseMechanism validates a mechanism name. The empty string selects
// CrossAttention.
func ParseMechanism(s string) (Mechanism, error) {
	switch Mechanism(s) {
	case CrossAttention, MatchingAttention:
		return Mechanism(s), nil
	case "":
		return CrossAttention, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMechanism, s)
	}
}

// Matcher produces the question-aware representation H' from the sequence
// H and its question-only copy H_Q. Both are L×H.
type Matcher interface {
	Match(h, hq *mat.Dense, queryMask []int) (*mat.Dense, error)
}

func newMatcher(m Mechanism, hidden, heads int, stddev float64, rng *rand.Rand) (Matcher, error) {
	switch m {
	case CrossAttention:
		mh, err := attention.New(hidden, heads, stddev, rng)
		if err != nil {
			return nil, err
		}
		return &crossAttention{layer: mh}, nil
	case MatchingAttention:
		return &matchingAttention{transform: tensor.NewLinear(hidden, hidden, stddev, rng)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMechanism, m)
	}
}

// crossAttention attends from every position to the question positions.
type crossAttention struct {
	layer *attention.MultiHead
}

func (c *crossAttention) Match(h, hq *mat.Dense, queryMask []int) (*mat.Dense, error) {
	return c.layer.Forward(h, hq, queryMask)
}

// matchingAttention computes softmax(H·(H_Q·Wᵀ + b)ᵀ)·H_Q.
type matchingAttention struct {
	transform *tensor.Linear
}

func (m *matchingAttention) Match(h, hq *mat.Dense, _ []int) (*mat.Dense, error) {
	trans, err := m.transform.Forward(hq)
	if err != nil {
		return nil, err
	}
	var scores mat.Dense
	scores.Mul(h, trans.T())
	tensor.SoftmaxRows(&scores)

	var out mat.Dense
	out.Mul(&scores, hq)
	return &out, nil
}
