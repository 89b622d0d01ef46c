package encoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestNewStatic(t *testing.T) {
	tests := []struct {
		name     string
		pooled   *mat.Dense
		sequence []*mat.Dense
		wantErr  bool
		batch    int
	}{
		{"pooled only", mat.NewDense(3, 4, nil), nil, false, 3},
		{"sequence only", nil, []*mat.Dense{mat.NewDense(5, 4, nil), mat.NewDense(5, 4, nil)}, false, 2},
		{"both", mat.NewDense(2, 4, nil), []*mat.Dense{mat.NewDense(5, 4, nil), mat.NewDense(5, 4, nil)}, false, 2},
		{"batch mismatch", mat.NewDense(3, 4, nil), []*mat.Dense{mat.NewDense(5, 4, nil)}, true, 0},
		{"width mismatch", mat.NewDense(1, 4, nil), []*mat.Dense{mat.NewDense(5, 3, nil)}, true, 0},
		{"length mismatch", nil, []*mat.Dense{mat.NewDense(5, 4, nil), mat.NewDense(6, 4, nil)}, true, 0},
		{"nil row", nil, []*mat.Dense{nil}, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := NewStatic(tt.pooled, tt.sequence)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrShape)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.batch, out.BatchSize())
			if tt.pooled != nil {
				assert.Same(t, tt.pooled, out.Pooled())
			}
			assert.Len(t, out.Sequence(), len(tt.sequence))
		})
	}
}
