// Package encoder describes the encoder outputs consumed by the heads.
//
// The transformer itself lives outside this module; heads only read a
// pooled B×H matrix and one L×H matrix per example.
package encoder

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrShape is returned when pooled and sequence outputs disagree.
var ErrShape = errors.New("encoder output shape mismatch")

// Output is the read-only view of an encoder forward pass.
type Output interface {
	// Pooled returns the B×H pooled representation.
	Pooled() *mat.Dense
	// Sequence returns one L×H matrix per example.
	Sequence() []*mat.Dense
}

// Static is an Output backed by precomputed matrices.
type Static struct {
	pooled   *mat.Dense
	sequence []*mat.Dense
}

// NewStatic checks that the batch size and hidden width agree and wraps the
// matrices. Either part may be nil when a head does not need it.
func NewStatic(pooled *mat.Dense, sequence []*mat.Dense) (*Static, error) {
	hidden := -1
	if pooled != nil {
		var batch int
		batch, hidden = pooled.Dims()
		if sequence != nil && batch != len(sequence) {
			return nil, fmt.Errorf("%w: pooled batch %d, sequence batch %d", ErrShape, batch, len(sequence))
		}
	}
	seqLen := -1
	for i, s := range sequence {
		if s == nil {
			return nil, fmt.Errorf("%w: sequence %d is nil", ErrShape, i)
		}
		l, h := s.Dims()
		if hidden >= 0 && h != hidden {
			return nil, fmt.Errorf("%w: sequence %d width %d, expected %d", ErrShape, i, h, hidden)
		}
		if seqLen >= 0 && l != seqLen {
			return nil, fmt.Errorf("%w: sequence %d length %d, expected %d", ErrShape, i, l, seqLen)
		}
		hidden, seqLen = h, l
	}
	return &Static{pooled: pooled, sequence: sequence}, nil
}

func (s *Static) Pooled() *mat.Dense     { return s.pooled }
func (s *Static) Sequence() []*mat.Dense { return s.sequence }

// BatchSize returns the number of examples.
func (s *Static) BatchSize() int {
	if s.pooled != nil {
		r, _ := s.pooled.Dims()
		return r
	}
	return len(s.sequence)
}
