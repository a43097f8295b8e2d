package utils

import "gonum.org/v1/gonum/mat"

// Tensor is the gob-friendly form of a dense matrix.
type Tensor struct {
	Rows, Cols int
	Data       []float64
}

func FromDense(m *mat.Dense) Tensor {
	if m == nil {
		return Tensor{}
	}
	r, c := m.Dims()
	raw := mat.DenseCopyOf(m).RawMatrix()
	return Tensor{Rows: r, Cols: c, Data: append([]float64(nil), raw.Data...)}
}

func (t Tensor) Empty() bool { return t.Rows == 0 || t.Cols == 0 }

func (t Tensor) Dense() *mat.Dense {
	return mat.NewDense(t.Rows, t.Cols, append([]float64(nil), t.Data...))
}

// SameShape reports whether t can be copied into m.
func (t Tensor) SameShape(m *mat.Dense) bool {
	r, c := m.Dims()
	return r == t.Rows && c == t.Cols && len(t.Data) == r*c
}
