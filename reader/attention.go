package reader

import (
	"math/rand/v2"

	"github.com/Andrey-Tkachev/DrQA/utils"
	"gonum.org/v1/gonum/mat"
)

// seqAttnMatch aligns every document token with the question:
// out_i = sum_j softmax_j(relu(W x_i + b) . relu(W y_j + b)) y_j
type seqAttnMatch struct {
	w, b weight
}

func newSeqAttnMatch(ps *Params, src rand.Source, name string, dim int) *seqAttnMatch {
	return &seqAttnMatch{
		w: ps.add(name+".w", mat.NewDense(dim, dim, utils.RandomArray(src, dim*dim, float64(dim)))),
		b: ps.add(name+".b", mat.NewDense(dim, 1, utils.RandomArray(src, dim, float64(dim)))),
	}
}

type matchCache struct {
	x, y   *mat.Dense
	px, py *mat.Dense // relu projections
	alpha  *mat.Dense // (Tx x Ty)
}

func (m *seqAttnMatch) forward(x, y *mat.Dense, yMask []bool) (*mat.Dense, *matchCache) {
	px := affine(m.w.V(), x, m.b.V())
	py := affine(m.w.V(), y, m.b.V())
	px.Apply(func(_, _ int, v float64) float64 { return utils.ReLU(v) }, px)
	py.Apply(func(_, _ int, v float64) float64 { return utils.ReLU(v) }, py)
	var scores mat.Dense
	scores.Mul(px.T(), py)
	tx, ty := scores.Dims()
	alpha := mat.NewDense(tx, ty, nil)
	for i := 0; i < tx; i++ {
		alpha.SetRow(i, utils.MaskedSoftmax(scores.RawRowView(i), yMask))
	}
	d, _ := y.Dims()
	out := mat.NewDense(d, tx, nil)
	out.Mul(y, alpha.T())
	return out, &matchCache{x: x, y: y, px: px, py: py, alpha: alpha}
}

// backward returns dx and dy.
func (m *seqAttnMatch) backward(c *matchCache, dOut *mat.Dense, g *Gradients) (*mat.Dense, *mat.Dense) {
	tx, ty := c.alpha.Dims()
	var dAlpha mat.Dense
	dAlpha.Mul(dOut.T(), c.y) // (Tx x Ty)
	dy := mat.NewDense(c.y.RawMatrix().Rows, ty, nil)
	dy.Mul(dOut, c.alpha)

	dScores := mat.NewDense(tx, ty, nil)
	for i := 0; i < tx; i++ {
		dScores.SetRow(i, utils.SoftmaxBackward(dAlpha.RawRowView(i), c.alpha.RawRowView(i)))
	}
	d, _ := c.px.Dims()
	dpx := mat.NewDense(d, tx, nil)
	dpx.Mul(c.py, dScores.T())
	dpy := mat.NewDense(d, ty, nil)
	dpy.Mul(c.px, dScores)
	reluBackward(dpx, c.px)
	reluBackward(dpy, c.py)

	gw, gb := g.of(m.w), g.of(m.b)
	dx := accumAffine(gw, gb, m.w.V(), c.x, dpx)
	dyProj := accumAffine(gw, gb, m.w.V(), c.y, dpy)
	dy.Add(dy, dyProj)
	return dx, dy
}

// reluBackward zeroes grad where the relu output was not positive.
func reluBackward(grad, out *mat.Dense) {
	grad.Apply(func(i, j int, v float64) float64 {
		if out.At(i, j) > 0 {
			return v
		}
		return 0
	}, grad)
}

// linearSeqAttn pools a sequence with weights softmax(w . x_j + b).
type linearSeqAttn struct {
	w, b weight
}

func newLinearSeqAttn(ps *Params, src rand.Source, name string, dim int) *linearSeqAttn {
	return &linearSeqAttn{
		w: ps.add(name+".w", mat.NewDense(1, dim, utils.RandomArray(src, dim, float64(dim)))),
		b: ps.add(name+".b", mat.NewDense(1, 1, utils.RandomArray(src, 1, float64(dim)))),
	}
}

type poolCache struct {
	x     *mat.Dense
	alpha []float64
	extra *mat.VecDense // bilinear: W q + b
	q     *mat.VecDense // bilinear: the question vector
}

func (a *linearSeqAttn) forward(x *mat.Dense, mask []bool) (*mat.VecDense, *poolCache) {
	scores := affine(a.w.V(), x, a.b.V())
	alpha := utils.MaskedSoftmax(scores.RawRowView(0), mask)
	return weightedSum(x, alpha), &poolCache{x: x, alpha: alpha}
}

func (a *linearSeqAttn) backward(c *poolCache, dOut *mat.VecDense, g *Gradients) *mat.Dense {
	dx, dAlpha := weightedSumBackward(c.x, c.alpha, dOut)
	dScores := mat.NewDense(1, len(c.alpha), utils.SoftmaxBackward(dAlpha, c.alpha))
	dxs := accumAffine(g.of(a.w), g.of(a.b), a.w.V(), c.x, dScores)
	dx.Add(dx, dxs)
	return dx
}

// uniformPool averages the unmasked columns of x.
func uniformPool(x *mat.Dense, mask []bool) (*mat.VecDense, *poolCache) {
	_, n := x.Dims()
	alpha := make([]float64, n)
	count := 0
	for j := range alpha {
		if j >= len(mask) || !mask[j] {
			alpha[j] = 1
			count++
		}
	}
	for j := range alpha {
		if count > 0 {
			alpha[j] /= float64(count)
		}
	}
	return weightedSum(x, alpha), &poolCache{x: x, alpha: alpha}
}

func uniformPoolBackward(c *poolCache, dOut *mat.VecDense) *mat.Dense {
	dx, _ := weightedSumBackward(c.x, c.alpha, dOut)
	return dx
}

// bilinearSeqAttn pools x with weights softmax(x_i . (W q + b)).
type bilinearSeqAttn struct {
	w, b weight
}

func newBilinearSeqAttn(ps *Params, src rand.Source, name string, xDim, qDim int) *bilinearSeqAttn {
	return &bilinearSeqAttn{
		w: ps.add(name+".w", mat.NewDense(xDim, qDim, utils.RandomArray(src, xDim*qDim, float64(qDim)))),
		b: ps.add(name+".b", mat.NewDense(xDim, 1, utils.RandomArray(src, xDim, float64(qDim)))),
	}
}

func (a *bilinearSeqAttn) forward(x *mat.Dense, q *mat.VecDense, mask []bool) (*mat.VecDense, *poolCache) {
	xDim, n := x.Dims()
	wq := mat.NewVecDense(xDim, nil)
	wq.MulVec(a.w.V(), q)
	wq.AddVec(wq, a.b.V().ColView(0))
	scores := mat.NewVecDense(n, nil)
	scores.MulVec(x.T(), wq)
	alpha := utils.MaskedSoftmax(scores.RawVector().Data, mask)
	return weightedSum(x, alpha), &poolCache{x: x, alpha: alpha, extra: wq, q: q}
}

// backward returns dx and dq.
func (a *bilinearSeqAttn) backward(c *poolCache, dOut *mat.VecDense, g *Gradients) (*mat.Dense, *mat.VecDense) {
	dx, dAlpha := weightedSumBackward(c.x, c.alpha, dOut)
	dScores := mat.NewVecDense(len(c.alpha), utils.SoftmaxBackward(dAlpha, c.alpha))
	xDim, _ := c.x.Dims()
	// scores = x^T wq
	dx.RankOne(dx, 1, c.extra, dScores)
	dwq := mat.NewVecDense(xDim, nil)
	dwq.MulVec(c.x, dScores)

	gw := g.of(a.w)
	gw.RankOne(gw, 1, dwq, c.q)
	gb := g.of(a.b)
	for i := 0; i < xDim; i++ {
		gb.Set(i, 0, gb.At(i, 0)+dwq.AtVec(i))
	}
	dq := mat.NewVecDense(c.q.Len(), nil)
	dq.MulVec(a.w.V().T(), dwq)
	return dx, dq
}

func weightedSum(x *mat.Dense, alpha []float64) *mat.VecDense {
	d, _ := x.Dims()
	out := mat.NewVecDense(d, nil)
	out.MulVec(x, mat.NewVecDense(len(alpha), alpha))
	return out
}

// weightedSumBackward returns dx = dOut alpha^T and dAlpha_j = dOut . x_j.
func weightedSumBackward(x *mat.Dense, alpha []float64, dOut *mat.VecDense) (*mat.Dense, []float64) {
	d, n := x.Dims()
	dx := mat.NewDense(d, n, nil)
	dx.RankOne(dx, 1, dOut, mat.NewVecDense(n, alpha))
	dAlpha := mat.NewVecDense(n, nil)
	dAlpha.MulVec(x.T(), dOut)
	return dx, dAlpha.RawVector().Data
}
