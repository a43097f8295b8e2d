package reader

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// stackedBRNN is a stack of bidirectional recurrent layers. Every layer
// input goes through dropout; the output is either the last layer or the
// concatenation of all layers.
type stackedBRNN struct {
	fwd, bwd      []*rnnDir
	hidden        int
	dropout       float64
	dropoutOutput bool
	concatLayers  bool
}

func newStackedBRNN(ps *Params, src rand.Source, name, kind string, in, hidden, layers int,
	dropout float64, dropoutOutput, concat bool) *stackedBRNN {
	s := &stackedBRNN{hidden: hidden, dropout: dropout, dropoutOutput: dropoutOutput, concatLayers: concat}
	for l := 0; l < layers; l++ {
		lin := in
		if l > 0 {
			lin = 2 * hidden
		}
		s.fwd = append(s.fwd, newRNNDir(ps, src, fmt.Sprintf("%s.%d.fwd", name, l), kind, lin, hidden))
		s.bwd = append(s.bwd, newRNNDir(ps, src, fmt.Sprintf("%s.%d.bwd", name, l), kind, lin, hidden))
	}
	return s
}

func (s *stackedBRNN) outputSize() int {
	if s.concatLayers {
		return 2 * s.hidden * len(s.fwd)
	}
	return 2 * s.hidden
}

type brnnCache struct {
	masks    []*mat.Dense // input dropout per layer
	fwd, bwd []*rnnCache
	outMask  *mat.Dense
	total    int
}

// forward runs the stack over the first n columns of X (in x total).
func (s *stackedBRNN) forward(X *mat.Dense, n int, train bool, rng *rand.Rand) (*mat.Dense, *brnnCache) {
	_, total := X.Dims()
	c := &brnnCache{total: total}
	var outputs []*mat.Dense
	in := X
	for l := range s.fwd {
		dropped, mask := dropout(in, s.dropout, train, rng)
		hf, cf := s.fwd[l].forward(dropped, n, false)
		hb, cb := s.bwd[l].forward(dropped, n, true)
		out := vcat(hf, hb)
		c.masks = append(c.masks, mask)
		c.fwd = append(c.fwd, cf)
		c.bwd = append(c.bwd, cb)
		outputs = append(outputs, out)
		in = out
	}
	var res *mat.Dense
	if s.concatLayers {
		res = vcat(outputs...)
	} else {
		res = outputs[len(outputs)-1]
	}
	if s.dropoutOutput {
		res, c.outMask = dropout(res, s.dropout, train, rng)
	}
	return res, c
}

func (s *stackedBRNN) backward(c *brnnCache, dOut *mat.Dense, g *Gradients) *mat.Dense {
	dOut = dropoutBackward(dOut, c.outMask)
	L := len(s.fwd)
	H := s.hidden
	dLayer := make([]*mat.Dense, L)
	if s.concatLayers {
		for l := 0; l < L; l++ {
			dLayer[l] = rows(dOut, 2*H*l, 2*H*(l+1))
		}
	} else {
		dLayer[L-1] = mat.DenseCopyOf(dOut)
	}
	var dIn *mat.Dense
	for l := L - 1; l >= 0; l-- {
		if dLayer[l] == nil {
			continue
		}
		dxf := s.fwd[l].backward(c.fwd[l], rows(dLayer[l], 0, H), g)
		dxb := s.bwd[l].backward(c.bwd[l], rows(dLayer[l], H, 2*H), g)
		dxf.Add(dxf, dxb)
		dIn = dropoutBackward(dxf, c.masks[l])
		if l > 0 {
			if dLayer[l-1] == nil {
				dLayer[l-1] = dIn
			} else {
				dLayer[l-1].Add(dLayer[l-1], dIn)
			}
		}
	}
	return dIn
}
