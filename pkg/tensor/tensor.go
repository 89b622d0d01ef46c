// Package tensor holds the small set of dense numeric primitives the heads
// are built from: linear layers, softmax variants, activations and the
// truncated-normal initializer. Matrices are gonum *mat.Dense values with
// one row per position.
package tensor

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// DefaultInitializerRange is the standard deviation used for weights.
const DefaultInitializerRange = 0.02

// ErrShape is returned when operand dimensions disagree.
var ErrShape = errors.New("tensor shape mismatch")

// TruncatedNormal draws from N(0, stddev²) resampling anything beyond two
// standard deviations.
func TruncatedNormal(rng *rand.Rand, stddev float64) float64 {
	for {
		x := rng.NormFloat64()
		if x >= -2 && x <= 2 {
			return x * stddev
		}
	}
}

// Linear is a dense layer computing x·Wᵀ + b with W shaped (out × in).
type Linear struct {
	W *mat.Dense
	B []float64
}

// NewLinear creates a layer with truncated-normal weights and zero bias.
func NewLinear(in, out int, stddev float64, rng *rand.Rand) *Linear {
	data := make([]float64, in*out)
	for i := range data {
		data[i] = TruncatedNormal(rng, stddev)
	}
	return &Linear{W: mat.NewDense(out, in, data), B: make([]float64, out)}
}

// In returns the input width.
func (l *Linear) In() int {
	_, c := l.W.Dims()
	return c
}

// Out returns the output width.
func (l *Linear) Out() int {
	r, _ := l.W.Dims()
	return r
}

// Forward applies the layer to every row of x.
func (l *Linear) Forward(x mat.Matrix) (*mat.Dense, error) {
	rows, cols := x.Dims()
	if cols != l.In() {
		return nil, fmt.Errorf("%w: linear expects width %d, got %d", ErrShape, l.In(), cols)
	}
	var y mat.Dense
	y.Mul(x, l.W.T())
	for i := 0; i < rows; i++ {
		floats.Add(y.RawRowView(i), l.B)
	}
	return &y, nil
}

// ForwardVec applies the layer to a single vector.
func (l *Linear) ForwardVec(x []float64) ([]float64, error) {
	y, err := l.Forward(mat.NewDense(1, len(x), x))
	if err != nil {
		return nil, err
	}
	return y.RawRowView(0), nil
}

// Softmax returns the normalised exponentials of v.
func Softmax(v []float64) []float64 {
	out := LogSoftmax(v)
	for i := range out {
		out[i] = math.Exp(out[i])
	}
	return out
}

// LogSoftmax returns v minus its log-sum-exp.
func LogSoftmax(v []float64) []float64 {
	out := make([]float64, len(v))
	if len(v) == 0 {
		return out
	}
	lse := floats.LogSumExp(v)
	for i, x := range v {
		out[i] = x - lse
	}
	return out
}

// SoftmaxRows applies Softmax to every row of m in place.
func SoftmaxRows(m *mat.Dense) {
	rows, _ := m.Dims()
	for i := 0; i < rows; i++ {
		row := m.RawRowView(i)
		copy(row, Softmax(row))
	}
}

// Argmax returns the index of the largest element, the first on ties.
func Argmax(v []float64) int {
	if len(v) == 0 {
		return -1
	}
	return floats.MaxIdx(v)
}

// Sigmoid is the logistic function.
func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// LogSigmoid returns log(sigmoid(x)) without overflow.
func LogSigmoid(x float64) float64 {
	if x >= 0 {
		return -math.Log1p(math.Exp(-x))
	}
	return x - math.Log1p(math.Exp(x))
}

// GELU is the tanh approximation of the Gaussian error linear unit.
func GELU(x float64) float64 {
	return 0.5 * x * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(x+0.044715*x*x*x)))
}

// LayerNorm normalises each row of m in place and applies gamma and beta.
func LayerNorm(m *mat.Dense, gamma, beta []float64, eps float64) error {
	rows, cols := m.Dims()
	if len(gamma) != cols || len(beta) != cols {
		return fmt.Errorf("%w: layer norm width %d, gamma %d, beta %d", ErrShape, cols, len(gamma), len(beta))
	}
	for i := 0; i < rows; i++ {
		row := m.RawRowView(i)
		mean, variance := stat.PopMeanVariance(row, nil)
		inv := 1 / math.Sqrt(variance+eps)
		for j := range row {
			row[j] = (row[j]-mean)*inv*gamma[j] + beta[j]
		}
	}
	return nil
}

// Ones returns a slice of n ones.
func Ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
