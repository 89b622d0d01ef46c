// Package attention implements scaled dot-product multi-head attention with
// an additive key mask.
package attention

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/soundprediction/textheads/pkg/tensor"
)

// MaskAdder is added to the score of every masked-out key before softmax.
const MaskAdder = -10000.0

// ErrHeads is returned when the hidden size does not split evenly into heads.
var ErrHeads = errors.New("hidden size is not a multiple of the head count")

// MultiHead projects queries from one sequence and keys/values from another
// and attends per head. The head outputs are concatenated.
type MultiHead struct {
	Heads    int
	HeadSize int

	Query *tensor.Linear
	Key   *tensor.Linear
	Value *tensor.Linear
}

// New creates a layer for the given hidden size with initialised projections.
func New(hidden, heads int, stddev float64, rng *rand.Rand) (*MultiHead, error) {
	if heads <= 0 || hidden%heads != 0 {
		return nil, fmt.Errorf("%w: hidden %d, heads %d", ErrHeads, hidden, heads)
	}
	width := heads * (hidden / heads)
	return &MultiHead{
		Heads:    heads,
		HeadSize: hidden / heads,
		Query:    tensor.NewLinear(hidden, width, stddev, rng),
		Key:      tensor.NewLinear(hidden, width, stddev, rng),
		Value:    tensor.NewLinear(hidden, width, stddev, rng),
	}, nil
}

// Forward attends from every row of from (Lq × H) over the rows of to
// (Lk × H). keyMask has length Lk; keys with a zero entry receive MaskAdder.
// A nil keyMask attends to every key. The result is Lq × Heads·HeadSize.
func (m *MultiHead) Forward(from, to mat.Matrix, keyMask []int) (*mat.Dense, error) {
	lk, _ := to.Dims()
	if keyMask != nil && len(keyMask) != lk {
		return nil, fmt.Errorf("%w: key mask length %d, keys %d", tensor.ErrShape, len(keyMask), lk)
	}

	q, err := m.Query.Forward(from)
	if err != nil {
		return nil, fmt.Errorf("query projection: %w", err)
	}
	k, err := m.Key.Forward(to)
	if err != nil {
		return nil, fmt.Errorf("key projection: %w", err)
	}
	v, err := m.Value.Forward(to)
	if err != nil {
		return nil, fmt.Errorf("value projection: %w", err)
	}

	lq, _ := q.Dims()
	out := mat.NewDense(lq, m.Heads*m.HeadSize, nil)
	scale := 1 / math.Sqrt(float64(m.HeadSize))

	for h := 0; h < m.Heads; h++ {
		lo, hi := h*m.HeadSize, (h+1)*m.HeadSize
		qh := q.Slice(0, lq, lo, hi)
		kh := k.Slice(0, lk, lo, hi)
		vh := v.Slice(0, lk, lo, hi)

		var scores mat.Dense
		scores.Mul(qh, kh.T())
		scores.Scale(scale, &scores)
		if keyMask != nil {
			for i := 0; i < lq; i++ {
				row := scores.RawRowView(i)
				for j, keep := range keyMask {
					if keep == 0 {
						row[j] += MaskAdder
					}
				}
			}
		}
		tensor.SoftmaxRows(&scores)

		var ctx mat.Dense
		ctx.Mul(&scores, vh)
		out.Slice(0, lq, lo, hi).(*mat.Dense).Copy(&ctx)
	}
	return out, nil
}
