package optimizations

import (
	"math"
	"testing"

	"github.com/Andrey-Tkachev/DrQA/params"
	"gonum.org/v1/gonum/mat"
)

func param(name string, vals ...float64) *Param {
	return NewParam(name, mat.NewDense(1, len(vals), vals))
}

func TestAdamaxFirstStep(t *testing.T) {
	p := param("w", 1, -2)
	p.Grad.SetRow(0, []float64{0.5, -0.25})
	a := NewAdamax(0)
	a.Step([]*Param{p})
	// step 1: m = 0.1 g, u = |g| + eps, lr/(1-0.9) * m/u = lr * sign(g)
	want := []float64{1 - 2e-3*0.5/(0.5+1e-8), -2 + 2e-3*0.25/(0.25+1e-8)}
	for j, w := range want {
		if got := p.Value.At(0, j); math.Abs(got-w) > 1e-12 {
			t.Fatalf("w[%d] = %.12f, want %.12f", j, got, w)
		}
	}
}

func TestAdamaxStateRoundTrip(t *testing.T) {
	p := param("w", 1, 2, 3)
	p.Grad.SetRow(0, []float64{0.1, -0.2, 0.3})
	a := NewAdamax(0.01)
	a.Step([]*Param{p})
	a.Step([]*Param{p})

	clone := param("w", 1, 2, 3)
	clone.Value.Copy(p.Value)
	clone.Grad.Copy(p.Grad)
	b := NewAdamax(0)
	if err := b.Load(a.State(), []*Param{clone}); err != nil {
		t.Fatal(err)
	}
	a.Step([]*Param{p})
	b.Step([]*Param{clone})
	if !mat.Equal(p.Value, clone.Value) {
		t.Fatal("restored optimizer diverged")
	}
	if err := NewSGD(0.1, 0, 0).Load(a.State(), []*Param{clone}); err == nil {
		t.Fatal("loading adamax state into sgd should fail")
	}
}

func TestSGDMomentumAndDecay(t *testing.T) {
	p := param("w", 1)
	s := NewSGD(0.1, 0.9, 0.5)
	p.Grad.Set(0, 0, 1)
	s.Step([]*Param{p})
	// d = 1 + 0.5*1 = 1.5, buf = 1.5, w = 1 - 0.15
	if got := p.Value.At(0, 0); math.Abs(got-0.85) > 1e-12 {
		t.Fatalf("after step 1: %v", got)
	}
	s.Step([]*Param{p})
	// d = 1 + 0.425 = 1.425, buf = 0.9*1.5 + 1.425 = 2.775
	if got := p.Value.At(0, 0); math.Abs(got-(0.85-0.2775)) > 1e-12 {
		t.Fatalf("after step 2: %v", got)
	}
	st := s.State()
	if st.Params["w"].Step != 2 || math.Abs(st.Params["w"].Momentum.Data[0]-2.775) > 1e-12 {
		t.Fatalf("state %+v", st.Params["w"])
	}
}

func TestNewAndDecayLR(t *testing.T) {
	cfg := params.Default()
	opt, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if opt.LR() != 2e-3 {
		t.Fatalf("adamax lr = %v", opt.LR())
	}
	DecayLR(opt, 0.5)
	if opt.LR() != 1e-3 {
		t.Fatalf("decayed lr = %v", opt.LR())
	}
	cfg.Optimizer = "sgd"
	if opt, _ = New(cfg); opt.LR() != cfg.LearningRate {
		t.Fatal("sgd ignores learning_rate")
	}
	cfg.Optimizer = "adam"
	if _, err := New(cfg); err == nil {
		t.Fatal("unknown optimizer accepted")
	}
}

func TestSGDStateRestoresHyperparameters(t *testing.T) {
	p := param("w", 1, -1)
	s := NewSGD(0.1, 0.9, 0.01)
	p.Grad.SetRow(0, []float64{0.5, 0.25})
	s.Step([]*Param{p})

	clone := param("w", 1, -1)
	clone.Value.Copy(p.Value)
	clone.Grad.Copy(p.Grad)
	r := NewSGD(1, 0, 0)
	if err := r.Load(s.State(), []*Param{clone}); err != nil {
		t.Fatal(err)
	}
	if r.momentum != 0.9 || r.weightDecay != 0.01 || r.LR() != 0.1 {
		t.Fatalf("restored lr=%v momentum=%v decay=%v", r.LR(), r.momentum, r.weightDecay)
	}
	s.Step([]*Param{p})
	r.Step([]*Param{clone})
	if !mat.Equal(p.Value, clone.Value) {
		t.Fatal("restored sgd diverged")
	}
}
