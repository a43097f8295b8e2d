package reader

import (
	"sort"

	"github.com/Andrey-Tkachev/DrQA/optimizations"
	"github.com/Andrey-Tkachev/DrQA/utils"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Params is the ordered set of named network weights.
type Params struct {
	list   []*optimizations.Param
	byName map[string]int
}

// weight is a handle a layer keeps on one of its parameters.
type weight struct {
	p  *optimizations.Param
	id int
}

func (w weight) V() *mat.Dense { return w.p.Value }

func newParams() *Params {
	return &Params{byName: map[string]int{}}
}

func (ps *Params) add(name string, v *mat.Dense) weight {
	if _, dup := ps.byName[name]; dup {
		panic("reader: duplicate parameter " + name)
	}
	id := len(ps.list)
	ps.list = append(ps.list, optimizations.NewParam(name, v))
	ps.byName[name] = id
	return weight{p: ps.list[id], id: id}
}

func (ps *Params) List() []*optimizations.Param { return ps.list }

func (ps *Params) Get(name string) *optimizations.Param {
	if id, ok := ps.byName[name]; ok {
		return ps.list[id]
	}
	return nil
}

func (ps *Params) Names() []string {
	names := make([]string, 0, len(ps.list))
	for _, p := range ps.list {
		names = append(names, p.Name)
	}
	return names
}

// StateDict copies every weight into gob-friendly tensors.
func (ps *Params) StateDict() map[string]utils.Tensor {
	sd := make(map[string]utils.Tensor, len(ps.list))
	for _, p := range ps.list {
		sd[p.Name] = utils.FromDense(p.Value)
	}
	return sd
}

// LoadStateDict copies matching tensors into the weights. Keys unknown to
// this network are ignored; a known key with a different shape is an error.
// It returns the names of weights that were not present in sd.
func (ps *Params) LoadStateDict(sd map[string]utils.Tensor) ([]string, error) {
	var missing []string
	for _, p := range ps.list {
		t, ok := sd[p.Name]
		if !ok {
			missing = append(missing, p.Name)
			continue
		}
		if !t.SameShape(p.Value) {
			r, c := p.Value.Dims()
			return nil, errors.Errorf("state dict %s: shape %dx%d, network has %dx%d", p.Name, t.Rows, t.Cols, r, c)
		}
		p.Value.Copy(t.Dense())
	}
	sort.Strings(missing)
	return missing, nil
}

// Gradients is one worker's gradient buffer. Dense grads are allocated on
// first use; embedding rows are kept sparse.
type Gradients struct {
	dense []*mat.Dense
	emb   map[int][]float64
}

func (ps *Params) NewGradients() *Gradients {
	return &Gradients{dense: make([]*mat.Dense, len(ps.list)), emb: map[int][]float64{}}
}

func (g *Gradients) of(w weight) *mat.Dense {
	if g.dense[w.id] == nil {
		g.dense[w.id] = utils.ZerosLike(w.V())
	}
	return g.dense[w.id]
}

func (g *Gradients) addEmbRow(id int, col mat.Vector) {
	row, ok := g.emb[id]
	if !ok {
		row = make([]float64, col.Len())
		g.emb[id] = row
	}
	for k := range row {
		row[k] += col.AtVec(k)
	}
}

func (g *Gradients) Reset() {
	for _, d := range g.dense {
		if d != nil {
			utils.Zero(d)
		}
	}
	g.emb = map[int][]float64{}
}
