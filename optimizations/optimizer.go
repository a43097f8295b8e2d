package optimizations

import (
	"github.com/Andrey-Tkachev/DrQA/params"
	"github.com/Andrey-Tkachev/DrQA/utils"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Param is a named trainable matrix with its accumulated gradient.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

func NewParam(name string, value *mat.Dense) *Param {
	return &Param{Name: name, Value: value, Grad: utils.ZerosLike(value)}
}

type Optimizer interface {
	Step(ps []*Param)
	LR() float64
	SetLR(lr float64)
	State() State
	Load(s State, ps []*Param) error
}

// State is the serialisable optimizer state, keyed by parameter name.
type State struct {
	Kind         string
	LR           float64
	WeightDecay  float64
	Momentum     float64 // sgd
	Beta1, Beta2 float64 // adamax
	Eps          float64 // adamax
	Params       map[string]ParamState
}

type ParamState struct {
	Step     int
	ExpAvg   utils.Tensor // adamax
	ExpInf   utils.Tensor // adamax
	Momentum utils.Tensor // sgd
}

// New builds the optimizer selected by cfg.Optimizer.
func New(cfg params.TrainingConfig) (Optimizer, error) {
	switch cfg.Optimizer {
	case "sgd":
		return NewSGD(cfg.LearningRate, cfg.Momentum, cfg.WeightDecay), nil
	case "adamax":
		return NewAdamax(cfg.WeightDecay), nil
	default:
		return nil, errors.Errorf("unsupported optimizer: %s", cfg.Optimizer)
	}
}

// DecayLR multiplies the learning rate by factor.
func DecayLR(opt Optimizer, factor float64) Optimizer {
	opt.SetLR(opt.LR() * factor)
	return opt
}

// ZeroGrad clears every gradient.
func ZeroGrad(ps []*Param) {
	for _, p := range ps {
		utils.Zero(p.Grad)
	}
}

func Grads(ps []*Param) []*mat.Dense {
	out := make([]*mat.Dense, len(ps))
	for i, p := range ps {
		out[i] = p.Grad
	}
	return out
}

func checkShape(name string, p, g *mat.Dense) {
	pr, pc := p.Dims()
	if gr, gc := g.Dims(); gr != pr || gc != pc {
		panic("optimizer: grad shape mismatch for " + name)
	}
}

func loadSlot(t utils.Tensor, like *mat.Dense) (*mat.Dense, error) {
	if t.Empty() {
		return utils.ZerosLike(like), nil
	}
	if !t.SameShape(like) {
		r, c := like.Dims()
		return nil, errors.Errorf("optimizer state shape %dx%d, param %dx%d", t.Rows, t.Cols, r, c)
	}
	return t.Dense(), nil
}
