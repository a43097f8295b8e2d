package reader

import (
	"math/rand/v2"

	"github.com/Andrey-Tkachev/DrQA/utils"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// embedding is a (|V| x dim) lookup table. Row 0 is padding and never
// receives gradient. With tunePartial > 0 only the first tunePartial+2 rows
// (padding, unknown, then the most frequent words) are trained.
type embedding struct {
	w           weight
	fixed       bool
	tunePartial int
}

func newEmbedding(ps *Params, src rand.Source, pretrained *mat.Dense, vocab, dim int) *embedding {
	var table *mat.Dense
	if pretrained != nil {
		table = mat.DenseCopyOf(pretrained)
	} else {
		table = mat.NewDense(vocab, dim, utils.NormalArray(src, vocab*dim, 1.0))
		for j := 0; j < dim; j++ {
			table.Set(0, j, 0)
		}
	}
	return &embedding{w: ps.add("embedding", table)}
}

func (e *embedding) dim() int {
	_, d := e.w.V().Dims()
	return d
}

// lookup returns the (dim x len(ids)) matrix of embedded tokens.
func (e *embedding) lookup(ids []int) (*mat.Dense, error) {
	v, d := e.w.V().Dims()
	out := mat.NewDense(d, len(ids), nil)
	for t, id := range ids {
		if id < 0 || id >= v {
			return nil, errors.Errorf("token id %d at position %d outside vocabulary of %d", id, t, v)
		}
		out.SetCol(t, e.w.V().RawRowView(id))
	}
	return out, nil
}

func (e *embedding) trainableRow(id int) bool {
	if e.fixed || id == 0 {
		return false
	}
	if e.tunePartial > 0 && id >= e.tunePartial+2 {
		return false
	}
	return true
}

func (e *embedding) backward(ids []int, dX *mat.Dense, g *Gradients) {
	if e.fixed {
		return
	}
	for t, id := range ids {
		if !e.trainableRow(id) {
			continue
		}
		g.addEmbRow(id, dX.ColView(t))
	}
}
