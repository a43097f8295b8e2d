package utils

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// RandomArray returns size samples from U(-1/sqrt(v), 1/sqrt(v)).
func RandomArray(src rand.Source, size int, v float64) []float64 {
	bound := 1.0 / math.Sqrt(v+1e-12)
	return UniformArray(src, size, bound)
}

// UniformArray returns size samples from U(-bound, bound).
func UniformArray(src rand.Source, size int, bound float64) []float64 {
	dist := distuv.Uniform{Min: -bound, Max: bound, Src: src}
	out := make([]float64, size)
	for i := range out {
		out[i] = dist.Rand()
	}
	return out
}

// XavierArray samples a (rows x cols) Glorot-uniform weight.
func XavierArray(src rand.Source, rows, cols int) []float64 {
	return UniformArray(src, rows*cols, math.Sqrt(6.0/float64(rows+cols)))
}

// NormalArray returns size samples from N(0, std^2).
func NormalArray(src rand.Source, size int, std float64) []float64 {
	dist := distuv.Normal{Mu: 0, Sigma: std, Src: src}
	out := make([]float64, size)
	for i := range out {
		out[i] = dist.Rand()
	}
	return out
}

// OneHot writes a 1 at idx of a zeroed vector of length n.
func OneHot(n, idx int) []float64 {
	v := make([]float64, n)
	if idx >= 0 && idx < n {
		v[idx] = 1.0
	}
	return v
}

func ZerosLike(a *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	return mat.NewDense(r, c, nil)
}

// Zero clears a in place.
func Zero(a *mat.Dense) {
	raw := a.RawMatrix()
	for i := 0; i < raw.Rows; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
		for j := range row {
			row[j] = 0
		}
	}
}

// MatrixNorm is the Frobenius norm of m.
func MatrixNorm(m *mat.Dense) float64 {
	sum := 0.0
	raw := m.RawMatrix()
	for i := 0; i < raw.Rows; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
		sum += floats.Dot(row, row)
	}
	return math.Sqrt(sum)
}

// ClipGrads scales all grads so their combined norm <= maxNorm.
// Returns the scale actually applied (<=1.0) or 1.0 if no clip.
func ClipGrads(maxNorm float64, grads ...*mat.Dense) float64 {
	if maxNorm <= 0 {
		return 1.0
	}
	gn := GlobalNorm(grads...)
	if gn <= maxNorm || gn == 0 {
		return 1.0
	}
	s := maxNorm / (gn + 1e-6)
	for _, g := range grads {
		if g != nil {
			g.Scale(s, g)
		}
	}
	return s
}

// GlobalNorm is the L2 norm of all grads taken as one vector.
func GlobalNorm(grads ...*mat.Dense) float64 {
	sum := 0.0
	for _, g := range grads {
		if g == nil {
			continue
		}
		n := MatrixNorm(g)
		sum += n * n
	}
	return math.Sqrt(sum)
}
