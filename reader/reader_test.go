package reader

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/Andrey-Tkachev/DrQA/optimizations"
	"github.com/Andrey-Tkachev/DrQA/params"
	"github.com/Andrey-Tkachev/DrQA/utils"
	"gonum.org/v1/gonum/mat"
)

func finiteDiffCheck(t *testing.T, name string, param *mat.Dense, grad *mat.Dense,
	forward func() float64, i, j int) {
	t.Helper()

	eps := 1e-5
	w0 := param.At(i, j)

	param.Set(i, j, w0+eps)
	lp := forward()
	param.Set(i, j, w0-eps)
	lm := forward()
	param.Set(i, j, w0)

	numGrad := (lp - lm) / (2.0 * eps)
	anaGrad := grad.At(i, j)

	if math.Abs(numGrad-anaGrad) > 1e-6+1e-4*math.Max(math.Abs(numGrad), math.Abs(anaGrad)) {
		t.Fatalf("%s[%d,%d] grad mismatch: num=%.8g ana=%.8g", name, i, j, numGrad, anaGrad)
	}
}

func testConfig() params.TrainingConfig {
	cfg := params.Default()
	cfg.VocabSize = 12
	cfg.EmbeddingDim = 4
	cfg.HiddenSize = 3
	cfg.DocLayers = 2
	cfg.QuestionLayers = 2
	cfg.NumFeatures = 2
	cfg.PosSize = 3
	cfg.NerSize = 2
	cfg.DropoutEmb = 0
	cfg.DropoutRNN = 0
	cfg.RNNPadding = true
	cfg.Workers = 1
	return cfg
}

func oneHots(n int, idx ...int) [][]float64 {
	out := make([][]float64, len(idx))
	for k, i := range idx {
		out[k] = utils.OneHot(n, i)
	}
	return out
}

// testExample has one padded context position and one padded question position.
func testExample() Example {
	return Example{
		ContextID:      []int{2, 3, 4, 5, 0},
		ContextFeature: [][]float64{{1, 0.5}, {0, 0.25}, {1, 0}, {0, 1}, {0, 0}},
		ContextTag:     oneHots(3, 0, 1, 2, 1, -1),
		ContextEnt:     oneHots(2, 1, 0, 0, 1, -1),
		ContextMask:    []bool{false, false, false, false, true},
		QuestionID:     []int{6, 3, 0},
		QuestionMask:   []bool{false, false, true},
	}
}

func newTestReader(t *testing.T, cfg params.TrainingConfig) *RnnDocReader {
	t.Helper()
	r, err := New(cfg, nil, rand.NewPCG(7, 11))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func lossOf(t *testing.T, r *RnnDocReader, ex Example, y float64) func() float64 {
	return func() float64 {
		p, _, err := r.Forward(ex, true, nil)
		if err != nil {
			t.Fatal(err)
		}
		return utils.BinaryCrossEntropy(p, y)
	}
}

func analyticGrads(t *testing.T, r *RnnDocReader, ex Example, y float64) {
	t.Helper()
	p, c, err := r.Forward(ex, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	g := r.NewGradients()
	r.Backward(c, p-y, g)
	optimizations.ZeroGrad(r.Params().List())
	r.Accumulate([]*Gradients{g})
}

func checkAllParams(t *testing.T, r *RnnDocReader, ex Example, y float64) {
	analyticGrads(t, r, ex, y)
	forward := lossOf(t, r, ex, y)
	for _, p := range r.Params().List() {
		if p.Name == "embedding" {
			finiteDiffCheck(t, p.Name, p.Value, p.Grad, forward, 3, 1)
			finiteDiffCheck(t, p.Name, p.Value, p.Grad, forward, 6, 0)
			finiteDiffCheck(t, p.Name, p.Value, p.Grad, forward, 5, 3)
			continue
		}
		rr, cc := p.Value.Dims()
		finiteDiffCheck(t, p.Name, p.Value, p.Grad, forward, 0, 0)
		finiteDiffCheck(t, p.Name, p.Value, p.Grad, forward, rr-1, cc-1)
		finiteDiffCheck(t, p.Name, p.Value, p.Grad, forward, rr/2, cc/2)
	}
}

func TestReaderGradCheck(t *testing.T) {
	for _, kind := range []string{"lstm", "gru", "rnn"} {
		for _, merge := range []string{"self_attn", "avg"} {
			t.Run(fmt.Sprintf("%s/%s", kind, merge), func(t *testing.T) {
				cfg := testConfig()
				cfg.RNNType = kind
				cfg.QuestionMerge = merge
				checkAllParams(t, newTestReader(t, cfg), testExample(), 1)
			})
		}
	}
}

func TestReaderGradCheckVariants(t *testing.T) {
	cases := map[string]func(*params.TrainingConfig){
		"no qemb":         func(c *params.TrainingConfig) { c.UseQEmb = false },
		"last layer only": func(c *params.TrainingConfig) { c.ConcatRNNLayers = false },
		"padded rnn":      func(c *params.TrainingConfig) { c.RNNPadding = false },
		"no tags":         func(c *params.TrainingConfig) { c.Pos, c.Ner = false, false },
		"one layer":       func(c *params.TrainingConfig) { c.DocLayers, c.QuestionLayers = 1, 1 },
	}
	for name, mod := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			mod(&cfg)
			checkAllParams(t, newTestReader(t, cfg), testExample(), 0)
		})
	}
}

func TestReaderBertModeHasNoFeatureInputs(t *testing.T) {
	cfg := testConfig()
	cfg.Bert = true
	r := newTestReader(t, cfg)
	ex := testExample()
	ex.ContextFeature, ex.ContextTag, ex.ContextEnt = nil, nil, nil
	checkAllParams(t, r, ex, 1)

	_, in := r.Params().Get("doc_rnn.0.fwd.wx").Value.Dims()
	if want := 2 * cfg.EmbeddingDim; in != want {
		t.Fatalf("doc rnn input = %d, want %d", in, want)
	}
}

func TestPaddingDoesNotChangePrediction(t *testing.T) {
	r := newTestReader(t, testConfig())
	padded := testExample()
	short := Example{
		ContextID:      padded.ContextID[:4],
		ContextFeature: padded.ContextFeature[:4],
		ContextTag:     padded.ContextTag[:4],
		ContextEnt:     padded.ContextEnt[:4],
		ContextMask:    padded.ContextMask[:4],
		QuestionID:     padded.QuestionID[:2],
		QuestionMask:   padded.QuestionMask[:2],
	}
	p1, _, err := r.Forward(padded, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	p2, _, err := r.Forward(short, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(p1-p2) > 1e-12 {
		t.Fatalf("padded %.15f != unpadded %.15f", p1, p2)
	}
}

func TestForwardRejectsBadFeatureWidth(t *testing.T) {
	r := newTestReader(t, testConfig())
	ex := testExample()
	ex.ContextFeature = [][]float64{{1, 2, 3}}
	if _, _, err := r.Forward(ex, false, nil); err == nil {
		t.Fatal("expected an error for a 3-wide feature row")
	}
	ex = testExample()
	ex.QuestionID = nil
	if _, _, err := r.Forward(ex, false, nil); err == nil {
		t.Fatal("expected an error for an empty question")
	}
}

func TestForwardRejectsIDsOutsideVocabulary(t *testing.T) {
	r := newTestReader(t, testConfig())
	for _, bad := range []func(*Example){
		func(ex *Example) { ex.ContextID[1] = 12 },
		func(ex *Example) { ex.QuestionID[0] = -1 },
	} {
		ex := testExample()
		bad(&ex)
		if _, _, err := r.Forward(ex, true, rand.New(rand.NewPCG(1, 2))); err == nil {
			t.Fatalf("ids %v / %v accepted", ex.ContextID, ex.QuestionID)
		}
	}
}

func TestDropoutOnlyInTraining(t *testing.T) {
	cfg := testConfig()
	cfg.DropoutEmb = 0.5
	cfg.DropoutRNN = 0.5
	r := newTestReader(t, cfg)
	ex := testExample()
	p1, _, _ := r.Forward(ex, false, rand.New(rand.NewPCG(1, 1)))
	p2, _, _ := r.Forward(ex, false, rand.New(rand.NewPCG(2, 2)))
	if p1 != p2 {
		t.Fatalf("eval forward depends on rng: %v vs %v", p1, p2)
	}
	q1, _, _ := r.Forward(ex, true, rand.New(rand.NewPCG(1, 1)))
	q2, _, _ := r.Forward(ex, true, rand.New(rand.NewPCG(1, 1)))
	if q1 != q2 {
		t.Fatalf("same seed gave %v and %v", q1, q2)
	}
}

func TestEmbeddingRowMasking(t *testing.T) {
	ps := newParams()
	table := mat.NewDense(8, 2, nil)
	e := newEmbedding(ps, rand.NewPCG(1, 2), table, 8, 2)
	e.tunePartial = 2
	g := ps.NewGradients()
	ids := []int{0, 1, 3, 4, 7}
	dX := mat.NewDense(2, len(ids), []float64{1, 1, 1, 1, 1, 2, 2, 2, 2, 2})
	e.backward(ids, dX, g)
	for _, id := range []int{0, 4, 7} {
		if _, ok := g.emb[id]; ok {
			t.Errorf("row %d should not receive gradient", id)
		}
	}
	for _, id := range []int{1, 3} {
		if _, ok := g.emb[id]; !ok {
			t.Errorf("row %d should receive gradient", id)
		}
	}

	e.fixed = true
	g.Reset()
	e.backward(ids, dX, g)
	if len(g.emb) != 0 {
		t.Fatalf("fixed embedding got %d gradient rows", len(g.emb))
	}
}

func TestTrainableSkipsFixedEmbedding(t *testing.T) {
	cfg := testConfig()
	cfg.FixEmbeddings = true
	r := newTestReader(t, cfg)
	for _, p := range r.Trainable() {
		if p.Name == "embedding" {
			t.Fatal("fixed embedding handed to the optimizer")
		}
	}
	if len(r.Trainable()) != len(r.Params().List())-1 {
		t.Fatal("only the embedding should be excluded")
	}
}

func TestStateDictRoundTrip(t *testing.T) {
	cfg := testConfig()
	a := newTestReader(t, cfg)
	b, err := New(cfg, nil, rand.NewPCG(99, 100))
	if err != nil {
		t.Fatal(err)
	}
	sd := a.StateDict()
	sd["from_an_older_network"] = utils.Tensor{Rows: 1, Cols: 1, Data: []float64{1}}
	missing, err := b.LoadStateDict(sd)
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 0 {
		t.Fatalf("missing %v", missing)
	}
	pa, _, _ := a.Forward(testExample(), false, nil)
	pb, _, _ := b.Forward(testExample(), false, nil)
	if pa != pb {
		t.Fatalf("loaded network predicts %v, original %v", pb, pa)
	}

	sd["out.w"] = utils.Tensor{Rows: 1, Cols: 1, Data: []float64{0}}
	if _, err := b.LoadStateDict(sd); err == nil {
		t.Fatal("expected a shape mismatch error")
	}
}

func TestParallelStaticAssignment(t *testing.T) {
	const n, workers = 23, 4
	var mu sync.Mutex
	seen := map[int]int{}
	Parallel(workers, n, func(w, i int) {
		mu.Lock()
		defer mu.Unlock()
		if _, dup := seen[i]; dup {
			t.Errorf("item %d ran twice", i)
		}
		seen[i] = w
	})
	if len(seen) != n {
		t.Fatalf("ran %d items, want %d", len(seen), n)
	}
	for i, w := range seen {
		if w != i%workers {
			t.Errorf("item %d ran on worker %d", i, w)
		}
	}
}
