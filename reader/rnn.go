package reader

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/Andrey-Tkachev/DrQA/utils"
	"gonum.org/v1/gonum/mat"
)

// gates per cell type
var cellGates = map[string]int{"rnn": 1, "gru": 3, "lstm": 4}

// rnnDir is one direction of one recurrent layer.
//
// lstm: z = Wx x + Wh h + b, gates [i f g o]
// gru:  r, u from Wx x + b + Wh h + bh; n = tanh(Wx_n x + b_n + r*(Wh_n h + bh_n))
// rnn:  h = tanh(Wx x + Wh h + b)
type rnnDir struct {
	kind   string
	hidden int
	wx, wh weight
	b, bh  weight // bh only for gru
}

func newRNNDir(ps *Params, src rand.Source, name, kind string, in, hidden int) *rnnDir {
	g := cellGates[kind]
	if g == 0 {
		panic("reader: unknown rnn type " + kind)
	}
	d := &rnnDir{kind: kind, hidden: hidden}
	fan := float64(hidden)
	d.wx = ps.add(name+".wx", mat.NewDense(g*hidden, in, utils.RandomArray(src, g*hidden*in, fan)))
	d.wh = ps.add(name+".wh", mat.NewDense(g*hidden, hidden, utils.RandomArray(src, g*hidden*hidden, fan)))
	d.b = ps.add(name+".b", mat.NewDense(g*hidden, 1, utils.RandomArray(src, g*hidden, fan)))
	if kind == "gru" {
		d.bh = ps.add(name+".bh", mat.NewDense(g*hidden, 1, utils.RandomArray(src, g*hidden, fan)))
	}
	return d
}

type rnnCache struct {
	x      *mat.Dense // (in x T) input actually consumed
	order  []int      // positions in processing order
	gates  *mat.Dense // (g*h x T) post-activation gates
	hPrev  *mat.Dense // (h x T) state fed into each position
	cPrev  *mat.Dense // lstm only
	cells  *mat.Dense // lstm only
	zhN    *mat.Dense // gru only: Wh_n h + bh_n
	h      *mat.Dense // (h x T)
	length int
}

// forward runs the first n columns of X, in reverse order when reverse is
// set. The result has the same column count as X, zero beyond n.
func (d *rnnDir) forward(X *mat.Dense, n int, reverse bool) (*mat.Dense, *rnnCache) {
	_, total := X.Dims()
	H := d.hidden
	x := mat.DenseCopyOf(X.Slice(0, X.RawMatrix().Rows, 0, n))
	zx := affine(d.wx.V(), x, d.b.V())
	c := &rnnCache{x: x, length: n, order: make([]int, n)}
	for k := range c.order {
		if reverse {
			c.order[k] = n - 1 - k
		} else {
			c.order[k] = k
		}
	}
	g, _ := zx.Dims()
	c.gates = mat.NewDense(g, n, nil)
	c.hPrev = mat.NewDense(H, n, nil)
	c.h = mat.NewDense(H, n, nil)
	if d.kind == "lstm" {
		c.cPrev = mat.NewDense(H, n, nil)
		c.cells = mat.NewDense(H, n, nil)
	}
	if d.kind == "gru" {
		c.zhN = mat.NewDense(H, n, nil)
	}

	hPrev := mat.NewVecDense(H, nil)
	cPrev := mat.NewVecDense(H, nil)
	zh := mat.NewVecDense(g, nil)
	for _, t := range c.order {
		c.hPrev.SetCol(t, hPrev.RawVector().Data)
		zh.MulVec(d.wh.V(), hPrev)
		h := make([]float64, H)
		switch d.kind {
		case "rnn":
			for i := 0; i < H; i++ {
				v := math.Tanh(zx.At(i, t) + zh.AtVec(i))
				c.gates.Set(i, t, v)
				h[i] = v
			}
		case "lstm":
			c.cPrev.SetCol(t, cPrev.RawVector().Data)
			cell := make([]float64, H)
			for i := 0; i < H; i++ {
				ig := utils.Sigmoid(zx.At(i, t) + zh.AtVec(i))
				fg := utils.Sigmoid(zx.At(H+i, t) + zh.AtVec(H+i))
				gg := math.Tanh(zx.At(2*H+i, t) + zh.AtVec(2*H+i))
				og := utils.Sigmoid(zx.At(3*H+i, t) + zh.AtVec(3*H+i))
				c.gates.Set(i, t, ig)
				c.gates.Set(H+i, t, fg)
				c.gates.Set(2*H+i, t, gg)
				c.gates.Set(3*H+i, t, og)
				cell[i] = fg*cPrev.AtVec(i) + ig*gg
				h[i] = og * math.Tanh(cell[i])
			}
			c.cells.SetCol(t, cell)
			cPrev = mat.NewVecDense(H, cell)
		case "gru":
			bh := d.bh.V()
			for i := 0; i < H; i++ {
				r := utils.Sigmoid(zx.At(i, t) + zh.AtVec(i) + bh.At(i, 0))
				u := utils.Sigmoid(zx.At(H+i, t) + zh.AtVec(H+i) + bh.At(H+i, 0))
				hn := zh.AtVec(2*H+i) + bh.At(2*H+i, 0)
				nn := math.Tanh(zx.At(2*H+i, t) + r*hn)
				c.gates.Set(i, t, r)
				c.gates.Set(H+i, t, u)
				c.gates.Set(2*H+i, t, nn)
				c.zhN.Set(i, t, hn)
				h[i] = (1-u)*nn + u*hPrev.AtVec(i)
			}
		}
		c.h.SetCol(t, h)
		hPrev = mat.NewVecDense(H, h)
	}
	return padCols(c.h, total), c
}

// backward takes dH (h x total) and returns dX (in x total).
func (d *rnnDir) backward(c *rnnCache, dH *mat.Dense, g *Gradients) *mat.Dense {
	H := d.hidden
	n := c.length
	_, total := dH.Dims()
	gn, _ := c.gates.Dims()
	dZx := mat.NewDense(gn, n, nil)
	dZh := dZx
	if d.kind == "gru" {
		dZh = mat.NewDense(gn, n, nil)
	}
	dhNext := mat.NewVecDense(H, nil)
	dcNext := make([]float64, H)
	dzhCol := mat.NewVecDense(gn, nil)

	for k := n - 1; k >= 0; k-- {
		t := c.order[k]
		dh := make([]float64, H)
		for i := range dh {
			dh[i] = dH.At(i, t) + dhNext.AtVec(i)
		}
		dhDirect := make([]float64, H)
		switch d.kind {
		case "rnn":
			for i := 0; i < H; i++ {
				hv := c.gates.At(i, t)
				dZx.Set(i, t, dh[i]*(1-hv*hv))
			}
		case "lstm":
			for i := 0; i < H; i++ {
				ig := c.gates.At(i, t)
				fg := c.gates.At(H+i, t)
				gg := c.gates.At(2*H+i, t)
				og := c.gates.At(3*H+i, t)
				tc := math.Tanh(c.cells.At(i, t))
				do := dh[i] * tc
				dc := dcNext[i] + dh[i]*og*(1-tc*tc)
				di := dc * gg
				dg := dc * ig
				df := dc * c.cPrev.At(i, t)
				dcNext[i] = dc * fg
				dZx.Set(i, t, di*ig*(1-ig))
				dZx.Set(H+i, t, df*fg*(1-fg))
				dZx.Set(2*H+i, t, dg*(1-gg*gg))
				dZx.Set(3*H+i, t, do*og*(1-og))
			}
		case "gru":
			for i := 0; i < H; i++ {
				r := c.gates.At(i, t)
				u := c.gates.At(H+i, t)
				nn := c.gates.At(2*H+i, t)
				hp := c.hPrev.At(i, t)
				dn := dh[i] * (1 - u)
				du := dh[i] * (hp - nn)
				dhDirect[i] = dh[i] * u
				dan := dn * (1 - nn*nn)
				dr := dan * c.zhN.At(i, t)
				dar := dr * r * (1 - r)
				dau := du * u * (1 - u)
				dZx.Set(i, t, dar)
				dZx.Set(H+i, t, dau)
				dZx.Set(2*H+i, t, dan)
				dZh.Set(i, t, dar)
				dZh.Set(H+i, t, dau)
				dZh.Set(2*H+i, t, dan*r)
			}
		default:
			panic(fmt.Sprintf("reader: unknown rnn type %s", d.kind))
		}
		for i := 0; i < gn; i++ {
			dzhCol.SetVec(i, dZh.At(i, t))
		}
		dhNext.MulVec(d.wh.V().T(), dzhCol)
		for i := 0; i < H; i++ {
			dhNext.SetVec(i, dhNext.AtVec(i)+dhDirect[i])
		}
	}

	// recurrent weights: dWh += dZh hPrev^T
	var dWh mat.Dense
	dWh.Mul(dZh, c.hPrev.T())
	gwh := g.of(d.wh)
	gwh.Add(gwh, &dWh)
	if d.kind == "gru" {
		gbh := g.of(d.bh)
		for i := 0; i < gn; i++ {
			s := 0.0
			for _, v := range dZh.RawRowView(i) {
				s += v
			}
			gbh.Set(i, 0, gbh.At(i, 0)+s)
		}
	}
	dX := accumAffine(g.of(d.wx), g.of(d.b), d.wx.V(), c.x, dZx)
	return padCols(dX, total)
}
