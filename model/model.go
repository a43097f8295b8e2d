package model

import (
	"math/rand/v2"

	"github.com/Andrey-Tkachev/DrQA/IO"
	"github.com/Andrey-Tkachev/DrQA/optimizations"
	"github.com/Andrey-Tkachev/DrQA/params"
	"github.com/Andrey-Tkachev/DrQA/reader"
	"github.com/Andrey-Tkachev/DrQA/utils"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// DocReaderModel owns the network, its optimizer and the training
// book-keeping.
type DocReaderModel struct {
	Opt       params.TrainingConfig
	Network   *reader.RnnDocReader
	Optimizer optimizations.Optimizer
	Updates   int
	TrainLoss utils.AverageMeter

	rng   *RNG
	grads []*reader.Gradients
}

// New builds the network, restores state when it is not nil and builds the
// optimizer over the trainable weights.
func New(opt params.TrainingConfig, embedding *mat.Dense, state *StateDict, rng *RNG) (*DocReaderModel, error) {
	net, err := reader.New(opt, embedding, rng)
	if err != nil {
		return nil, err
	}
	m := &DocReaderModel{Opt: opt, Network: net, rng: rng}
	if state != nil {
		m.Updates = state.Updates
		m.TrainLoss.Load(state.Loss)
		missing, err := net.LoadStateDict(state.Network)
		if err != nil {
			return nil, errors.Wrap(err, "load network state")
		}
		if len(missing) > 0 {
			utils.Warnf("[ weights not in checkpoint, keeping initial values: %v ]", missing)
		}
	}
	if m.Optimizer, err = optimizations.New(opt); err != nil {
		return nil, err
	}
	if state != nil && state.Optimizer.Kind != "" {
		if err := m.Optimizer.Load(state.Optimizer, net.Trainable()); err != nil {
			return nil, errors.Wrap(err, "load optimizer state")
		}
	}
	return m, nil
}

func (m *DocReaderModel) workers() int {
	if m.Opt.Workers > 0 {
		return m.Opt.Workers
	}
	return params.DefaultWorkers()
}

func (m *DocReaderModel) gradBuffers(n int) []*reader.Gradients {
	for len(m.grads) < n {
		m.grads = append(m.grads, m.Network.NewGradients())
	}
	for _, g := range m.grads[:n] {
		g.Reset()
	}
	return m.grads[:n]
}

// Update runs one optimisation step on a training batch.
func (m *DocReaderModel) Update(b *IO.Batch) error {
	n := b.Size()
	if n == 0 {
		return nil
	}
	if len(b.Answer) != n {
		return errors.New("update: batch has no answers")
	}
	// drawn in example order so dropout does not depend on scheduling
	seeds := make([]uint64, n)
	for i := range seeds {
		seeds[i] = m.rng.Uint64()
	}
	w := min(m.workers(), n)
	grads := m.gradBuffers(w)
	losses := make([]float64, n)
	errs := make([]error, n)
	reader.Parallel(w, n, func(worker, i int) {
		rng := rand.New(rand.NewPCG(seeds[i], uint64(i)))
		p, c, err := m.Network.Forward(b.Example(i), true, rng)
		if err != nil {
			errs[i] = err
			return
		}
		y := b.Answer[i]
		losses[i] = utils.BinaryCrossEntropy(p, y)
		m.Network.Backward(c, (p-y)/float64(n), grads[worker])
	})
	for _, err := range errs {
		if err != nil {
			return errors.Wrap(err, "update")
		}
	}

	ps := m.Network.Params().List()
	optimizations.ZeroGrad(ps)
	m.Network.Accumulate(grads)
	utils.ClipGrads(m.Opt.GradClipping, optimizations.Grads(ps)...)
	m.Optimizer.Step(m.Network.Trainable())
	m.Updates++
	m.TrainLoss.Update(floats.Sum(losses)/float64(n), 1)
	return nil
}

// Probabilities returns P(yes) for every example of b, without dropout.
func (m *DocReaderModel) Probabilities(b *IO.Batch) ([]float64, error) {
	n := b.Size()
	probs := make([]float64, n)
	errs := make([]error, n)
	reader.Parallel(m.workers(), n, func(_, i int) {
		probs[i], _, errs[i] = m.Network.Forward(b.Example(i), false, nil)
	})
	for _, err := range errs {
		if err != nil {
			return nil, errors.Wrap(err, "predict")
		}
	}
	return probs, nil
}

// Predict answers 1 (yes) when P(yes) > 0.5.
func (m *DocReaderModel) Predict(b *IO.Batch) ([]int, error) {
	probs, err := m.Probabilities(b)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(probs))
	for i, p := range probs {
		if p > 0.5 {
			out[i] = 1
		}
	}
	return out, nil
}

// Evaluate predicts every batch of gen and scores against truth. progress,
// when set, is called after each batch.
func (m *DocReaderModel) Evaluate(gen *IO.BatchGen, truth []int, progress func(i, n int)) (float64, error) {
	var preds []int
	err := gen.All(func(i int, b *IO.Batch) error {
		p, err := m.Predict(b)
		if err != nil {
			return err
		}
		preds = append(preds, p...)
		if progress != nil {
			progress(i, gen.Len())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return IO.Score(preds, truth)
}

// State snapshots the network, optimizer and counters.
func (m *DocReaderModel) State() StateDict {
	return StateDict{
		Network:   m.Network.StateDict(),
		Optimizer: m.Optimizer.State(),
		Updates:   m.Updates,
		Loss:      m.TrainLoss.State(),
	}
}

// Save writes a checkpoint. A failure is logged and returned; callers are
// expected to keep training.
func (m *DocReaderModel) Save(filename string, epoch int, accuracy, bestEval float64) error {
	rs, err := m.rng.State()
	if err == nil {
		err = SaveCheckpoint(&Checkpoint{
			StateDict:   m.State(),
			Config:      m.Opt,
			Epoch:       epoch,
			Accuracy:    accuracy,
			BestEval:    bestEval,
			RandomState: rs,
		}, filename)
	}
	if err != nil {
		utils.Warnf("[ WARN: Saving failed... continuing anyway. ] %v", err)
		return err
	}
	utils.Infof("model saved to %s", filename)
	return nil
}
