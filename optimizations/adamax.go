package optimizations

import (
	"math"

	"github.com/Andrey-Tkachev/DrQA/utils"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const (
	adamaxLR    = 2e-3
	adamaxBeta1 = 0.9
	adamaxBeta2 = 0.999
	adamaxEps   = 1e-8
)

type adamaxSlot struct {
	step           int
	expAvg, expInf *mat.Dense
}

// Adamax is the infinity-norm variant of Adam with L2 weight decay.
type Adamax struct {
	lr, beta1, beta2, eps, weightDecay float64
	slots                              map[string]*adamaxSlot
}

func NewAdamax(weightDecay float64) *Adamax {
	return &Adamax{
		lr:          adamaxLR,
		beta1:       adamaxBeta1,
		beta2:       adamaxBeta2,
		eps:         adamaxEps,
		weightDecay: weightDecay,
		slots:       map[string]*adamaxSlot{},
	}
}

func (a *Adamax) LR() float64      { return a.lr }
func (a *Adamax) SetLR(lr float64) { a.lr = lr }

func (a *Adamax) slot(p *Param) *adamaxSlot {
	s, ok := a.slots[p.Name]
	if !ok {
		s = &adamaxSlot{expAvg: utils.ZerosLike(p.Value), expInf: utils.ZerosLike(p.Value)}
		a.slots[p.Name] = s
	}
	return s
}

func (a *Adamax) Step(ps []*Param) {
	for _, p := range ps {
		checkShape(p.Name, p.Value, p.Grad)
		s := a.slot(p)
		s.step++
		AdamaxUpdateInPlace(p.Value, p.Grad, s.expAvg, s.expInf, s.step,
			a.lr, a.beta1, a.beta2, a.eps, a.weightDecay)
	}
}

// AdamaxUpdateInPlace applies one Adamax step:
//
//	g += wd * p
//	m = b1*m + (1-b1)*g
//	u = max(b2*u, |g| + eps)
//	p -= lr / (1 - b1^t) * m / u
func AdamaxUpdateInPlace(p, g, m, u *mat.Dense, t int, lr, beta1, beta2, eps, weightDecay float64) {
	pr, pc := p.Dims()
	clr := lr / (1.0 - math.Pow(beta1, float64(t)))
	for i := 0; i < pr; i++ {
		for j := 0; j < pc; j++ {
			pij := p.At(i, j)
			gij := g.At(i, j)
			if weightDecay != 0 {
				gij += weightDecay * pij
			}
			mij := beta1*m.At(i, j) + (1.0-beta1)*gij
			uij := math.Max(beta2*u.At(i, j), math.Abs(gij)+eps)
			m.Set(i, j, mij)
			u.Set(i, j, uij)
			p.Set(i, j, pij-clr*mij/uij)
		}
	}
}

func (a *Adamax) State() State {
	st := State{
		Kind:        "adamax",
		LR:          a.lr,
		WeightDecay: a.weightDecay,
		Beta1:       a.beta1,
		Beta2:       a.beta2,
		Eps:         a.eps,
		Params:      make(map[string]ParamState, len(a.slots)),
	}
	for name, s := range a.slots {
		st.Params[name] = ParamState{
			Step:   s.step,
			ExpAvg: utils.FromDense(s.expAvg),
			ExpInf: utils.FromDense(s.expInf),
		}
	}
	return st
}

func (a *Adamax) Load(st State, ps []*Param) error {
	if st.Kind != "adamax" {
		return errors.Errorf("cannot load %q state into adamax", st.Kind)
	}
	a.lr, a.weightDecay = st.LR, st.WeightDecay
	if st.Beta1 != 0 || st.Beta2 != 0 {
		a.beta1, a.beta2, a.eps = st.Beta1, st.Beta2, st.Eps
	}
	a.slots = map[string]*adamaxSlot{}
	for _, p := range ps {
		pst, ok := st.Params[p.Name]
		if !ok {
			continue
		}
		m, err := loadSlot(pst.ExpAvg, p.Value)
		if err != nil {
			return errors.Wrap(err, p.Name)
		}
		u, err := loadSlot(pst.ExpInf, p.Value)
		if err != nil {
			return errors.Wrap(err, p.Name)
		}
		a.slots[p.Name] = &adamaxSlot{step: pst.Step, expAvg: m, expInf: u}
	}
	return nil
}
