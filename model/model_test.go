package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Andrey-Tkachev/DrQA/IO"
	"github.com/Andrey-Tkachev/DrQA/params"
	"github.com/Andrey-Tkachev/DrQA/utils"
	"gonum.org/v1/gonum/mat"
)

func testConfig() params.TrainingConfig {
	cfg := params.Default()
	cfg.VocabSize = 16
	cfg.EmbeddingDim = 4
	cfg.HiddenSize = 3
	cfg.DocLayers = 1
	cfg.QuestionLayers = 1
	cfg.NumFeatures = 1
	cfg.PosSize = 2
	cfg.NerSize = 2
	cfg.DropoutEmb = 0.2
	cfg.DropoutRNN = 0.2
	cfg.Workers = 2
	return cfg
}

func examples(fields int) []IO.Example {
	var out []IO.Example
	for i := 0; i < 6; i++ {
		n := 2 + i%3
		ex := IO.Example{ID: string(rune('a' + i)), QuestionIDs: []int{3 + i, 5}, Answer: i % 2, Fields: fields}
		for j := 0; j < n; j++ {
			ex.ContextIDs = append(ex.ContextIDs, 2+(i+j)%10)
			ex.Features = append(ex.Features, []float64{float64(j % 2)})
			ex.Tags = append(ex.Tags, j%2)
			ex.Ents = append(ex.Ents, (i+j)%2)
		}
		out = append(out, ex)
	}
	return out
}

func trainBatch(t *testing.T, cfg params.TrainingConfig) *IO.Batch {
	t.Helper()
	g := IO.NewBatchGen(examples(9), 8, IO.BatchOptions{PosSize: cfg.PosSize, NerSize: cfg.NerSize})
	b, err := g.Batch(0)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func newModel(t *testing.T, cfg params.TrainingConfig, seed uint64) *DocReaderModel {
	t.Helper()
	m, err := New(cfg, nil, nil, NewRNG(seed))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestUpdateStepsOptimizer(t *testing.T) {
	cfg := testConfig()
	m := newModel(t, cfg, 1)
	before := mat.DenseCopyOf(m.Network.Params().Get("out.w").Value)
	if err := m.Update(trainBatch(t, cfg)); err != nil {
		t.Fatal(err)
	}
	if m.Updates != 1 || m.TrainLoss.Count != 1 || m.TrainLoss.Value() <= 0 {
		t.Fatalf("updates %d, loss meter %+v", m.Updates, m.TrainLoss)
	}
	if mat.Equal(before, m.Network.Params().Get("out.w").Value) {
		t.Fatal("weights did not move")
	}
}

func TestUpdateIsDeterministic(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 3
	a, b := newModel(t, cfg, 5), newModel(t, cfg, 5)
	batch := trainBatch(t, cfg)
	for i := 0; i < 3; i++ {
		if err := a.Update(batch); err != nil {
			t.Fatal(err)
		}
		if err := b.Update(batch); err != nil {
			t.Fatal(err)
		}
	}
	for _, name := range a.Network.Params().Names() {
		if !mat.Equal(a.Network.Params().Get(name).Value, b.Network.Params().Get(name).Value) {
			t.Fatalf("%s differs between identically seeded runs", name)
		}
	}
}

func TestTrainingReducesLoss(t *testing.T) {
	cfg := testConfig()
	cfg.DropoutEmb, cfg.DropoutRNN = 0, 0
	m := newModel(t, cfg, 2)
	batch := trainBatch(t, cfg)
	loss := func() float64 {
		probs, err := m.Probabilities(batch)
		if err != nil {
			t.Fatal(err)
		}
		s := 0.0
		for i, p := range probs {
			s += utils.BinaryCrossEntropy(p, batch.Answer[i])
		}
		return s / float64(len(probs))
	}
	start := loss()
	for i := 0; i < 60; i++ {
		if err := m.Update(batch); err != nil {
			t.Fatal(err)
		}
	}
	if end := loss(); end >= start {
		t.Fatalf("loss went from %.5f to %.5f", start, end)
	}
}

func TestUpdateNeedsAnswers(t *testing.T) {
	cfg := testConfig()
	m := newModel(t, cfg, 1)
	g := IO.NewBatchGen(examples(8), 8, IO.BatchOptions{Eval: true, PosSize: 2, NerSize: 2})
	b, err := g.Batch(0)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Update(b); err == nil {
		t.Fatal("evaluation batch accepted for training")
	}
}

func TestSaveAndResume(t *testing.T) {
	cfg := testConfig()
	m := newModel(t, cfg, 3)
	batch := trainBatch(t, cfg)
	if err := m.Update(batch); err != nil {
		t.Fatal(err)
	}
	dev := examples(8)
	truth := make([]int, len(dev))
	for i := range dev {
		truth[i] = 1 - i%2
	}
	evalGen := func() *IO.BatchGen {
		return IO.NewBatchGen(dev, 4, IO.BatchOptions{Eval: true, PosSize: 2, NerSize: 2})
	}
	acc, err := m.Evaluate(evalGen(), truth, nil)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	file := filepath.Join(dir, "checkpoint_epoch_1.ckpt")
	if err := m.Save(file, 1, acc, acc); err != nil {
		t.Fatal(err)
	}
	best := filepath.Join(dir, "best_model.ckpt")
	if err := CopyFile(file, best); err != nil {
		t.Fatal(err)
	}
	wantNext := m.rng.Uint64()

	ck, err := LoadCheckpoint(best)
	if err != nil {
		t.Fatal(err)
	}
	if ck.Epoch != 1 || ck.Accuracy != acc || ck.StateDict.Updates != 1 {
		t.Fatalf("checkpoint header %+v", ck)
	}
	rng := NewRNG(999)
	resumed, err := New(ck.Config, nil, &ck.StateDict, rng)
	if err != nil {
		t.Fatal(err)
	}
	if err := rng.Restore(ck.RandomState); err != nil {
		t.Fatal(err)
	}
	if got := rng.Uint64(); got != wantNext {
		t.Fatal("random stream not restored")
	}
	got, err := resumed.Evaluate(evalGen(), truth, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != acc {
		t.Fatalf("resumed accuracy %v, recorded %v", got, acc)
	}
	if resumed.Updates != 1 || resumed.TrainLoss.Count != 1 {
		t.Fatal("book-keeping not restored")
	}
	if resumed.Optimizer.State().Params["out.w"].Step != 1 {
		t.Fatal("optimizer state not restored")
	}
}

func TestSaveFailureIsReported(t *testing.T) {
	m := newModel(t, testConfig(), 1)
	err := m.Save(filepath.Join(t.TempDir(), "missing", "x.ckpt"), 1, 0, 0)
	if err == nil {
		t.Fatal("saving into a missing directory should fail")
	}
}

func TestCopyFileReplacesTarget(t *testing.T) {
	dir := t.TempDir()
	src, dst := filepath.Join(dir, "a"), filepath.Join(dir, "b")
	if err := os.WriteFile(src, []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dst, []byte("old contents"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := CopyFile(src, dst); err != nil {
		t.Fatal(err)
	}
	if b, _ := os.ReadFile(dst); string(b) != "new" {
		t.Fatalf("dst = %q", b)
	}
}
