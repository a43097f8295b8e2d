package optimizations

import (
	"github.com/Andrey-Tkachev/DrQA/utils"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// SGD with optional momentum and L2 weight decay.
type SGD struct {
	lr, momentum, weightDecay float64
	bufs                      map[string]*mat.Dense
	steps                     map[string]int
}

func NewSGD(lr, momentum, weightDecay float64) *SGD {
	return &SGD{
		lr:          lr,
		momentum:    momentum,
		weightDecay: weightDecay,
		bufs:        map[string]*mat.Dense{},
		steps:       map[string]int{},
	}
}

func (s *SGD) LR() float64      { return s.lr }
func (s *SGD) SetLR(lr float64) { s.lr = lr }

func (s *SGD) Step(ps []*Param) {
	for _, p := range ps {
		checkShape(p.Name, p.Value, p.Grad)
		d := mat.DenseCopyOf(p.Grad)
		if s.weightDecay != 0 {
			d.Add(d, scaled(s.weightDecay, p.Value))
		}
		if s.momentum != 0 {
			buf, ok := s.bufs[p.Name]
			if !ok {
				buf = mat.DenseCopyOf(d)
				s.bufs[p.Name] = buf
			} else {
				buf.Scale(s.momentum, buf)
				buf.Add(buf, d)
			}
			d = buf
		}
		s.steps[p.Name]++
		p.Value.Sub(p.Value, scaled(s.lr, d))
	}
}

func scaled(f float64, m *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Scale(f, m)
	return &out
}

func (s *SGD) State() State {
	st := State{Kind: "sgd", LR: s.lr, Momentum: s.momentum, WeightDecay: s.weightDecay, Params: map[string]ParamState{}}
	for name, n := range s.steps {
		st.Params[name] = ParamState{Step: n, Momentum: utils.FromDense(s.bufs[name])}
	}
	return st
}

func (s *SGD) Load(st State, ps []*Param) error {
	if st.Kind != "sgd" {
		return errors.Errorf("cannot load %q state into sgd", st.Kind)
	}
	s.lr, s.momentum, s.weightDecay = st.LR, st.Momentum, st.WeightDecay
	s.bufs = map[string]*mat.Dense{}
	s.steps = map[string]int{}
	for _, p := range ps {
		pst, ok := st.Params[p.Name]
		if !ok {
			continue
		}
		s.steps[p.Name] = pst.Step
		if pst.Momentum.Empty() {
			continue
		}
		buf, err := loadSlot(pst.Momentum, p.Value)
		if err != nil {
			return errors.Wrap(err, p.Name)
		}
		s.bufs[p.Name] = buf
	}
	return nil
}
