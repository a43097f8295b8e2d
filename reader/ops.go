package reader

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// affine returns W*X + b with b (r x 1) broadcast over the columns of X.
func affine(W, X, b *mat.Dense) *mat.Dense {
	r, _ := W.Dims()
	_, c := X.Dims()
	out := mat.NewDense(r, c, nil)
	out.Mul(W, X)
	if b != nil {
		for i := 0; i < r; i++ {
			bi := b.At(i, 0)
			row := out.RawRowView(i)
			for j := range row {
				row[j] += bi
			}
		}
	}
	return out
}

// accumAffine adds the gradients of Y = W*X + b given dY:
// dW += dY X^T, db += rowsum(dY). It returns dX = W^T dY.
func accumAffine(dW, db, W, X, dY *mat.Dense) *mat.Dense {
	var dWs mat.Dense
	dWs.Mul(dY, X.T())
	dW.Add(dW, &dWs)
	if db != nil {
		r, _ := dY.Dims()
		for i := 0; i < r; i++ {
			s := 0.0
			for _, v := range dY.RawRowView(i) {
				s += v
			}
			db.Set(i, 0, db.At(i, 0)+s)
		}
	}
	_, in := W.Dims()
	_, c := dY.Dims()
	dX := mat.NewDense(in, c, nil)
	dX.Mul(W.T(), dY)
	return dX
}

// dropout applies inverted dropout. The returned mask is nil when nothing
// was dropped, otherwise it holds 0 or 1/(1-p) per entry.
func dropout(X *mat.Dense, p float64, train bool, rng *rand.Rand) (*mat.Dense, *mat.Dense) {
	if !train || p <= 0 || rng == nil {
		return X, nil
	}
	r, c := X.Dims()
	mask := mat.NewDense(r, c, nil)
	keep := 1.0 / (1.0 - p)
	for i := 0; i < r; i++ {
		row := mask.RawRowView(i)
		for j := range row {
			if rng.Float64() >= p {
				row[j] = keep
			}
		}
	}
	out := mat.NewDense(r, c, nil)
	out.MulElem(X, mask)
	return out, mask
}

func dropoutBackward(dY, mask *mat.Dense) *mat.Dense {
	if mask == nil {
		return dY
	}
	r, c := dY.Dims()
	out := mat.NewDense(r, c, nil)
	out.MulElem(dY, mask)
	return out
}

// vcat stacks matrices with equal column counts on top of each other.
func vcat(ms ...*mat.Dense) *mat.Dense {
	rows, cols := 0, -1
	for _, m := range ms {
		r, c := m.Dims()
		if cols >= 0 && c != cols {
			panic("vcat: column mismatch")
		}
		rows, cols = rows+r, c
	}
	out := mat.NewDense(rows, cols, nil)
	at := 0
	for _, m := range ms {
		r, _ := m.Dims()
		out.Slice(at, at+r, 0, cols).(*mat.Dense).Copy(m)
		at += r
	}
	return out
}

// rows returns a copy of rows [i, k) of m.
func rows(m *mat.Dense, i, k int) *mat.Dense {
	_, c := m.Dims()
	return mat.DenseCopyOf(m.Slice(i, k, 0, c))
}

// padCols returns m widened to n columns with zeros.
func padCols(m *mat.Dense, n int) *mat.Dense {
	r, c := m.Dims()
	if c == n {
		return m
	}
	out := mat.NewDense(r, n, nil)
	out.Slice(0, r, 0, c).(*mat.Dense).Copy(m)
	return out
}
