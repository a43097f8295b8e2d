package reader

import (
	"math/rand/v2"

	"github.com/Andrey-Tkachev/DrQA/optimizations"
	"github.com/Andrey-Tkachev/DrQA/params"
	"github.com/Andrey-Tkachev/DrQA/utils"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Example is one collated (passage, question) pair. Slices over context
// positions all have the padded context length; masks are true on padding.
// ContextFeature, ContextTag and ContextEnt are nil in bert mode.
type Example struct {
	ContextID      []int
	ContextFeature [][]float64 // per token, NumFeatures values
	ContextTag     [][]float64 // per token, one-hot POS
	ContextEnt     [][]float64 // per token, one-hot NER
	ContextMask    []bool
	QuestionID     []int
	QuestionMask   []bool
}

// RnnDocReader scores P(yes) for a question about a passage.
//
//	doc input  = [emb(x); aligned question emb; features; pos; ner]
//	doc        = BRNN(doc input), question = BRNN(emb(q))
//	q          = merge(question)            (avg or self attention)
//	d          = bilinear pooling of doc conditioned on q
//	P(yes)     = sigmoid(w . [d; q] + b)
type RnnDocReader struct {
	cfg    params.TrainingConfig
	params *Params

	emb     *embedding
	qemb    *seqAttnMatch
	docRNN  *stackedBRNN
	qRNN    *stackedBRNN
	qSelf   *linearSeqAttn
	docAttn *bilinearSeqAttn
	outW    weight
	outB    weight

	features, posSize, nerSize int
}

// New builds the network. embedding, when not nil, is the pretrained
// (vocab x dim) word matrix and is copied.
func New(cfg params.TrainingConfig, embedding *mat.Dense, src rand.Source) (*RnnDocReader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	vocab, dim := cfg.VocabSize, cfg.EmbeddingDim
	if embedding != nil {
		vocab, dim = embedding.Dims()
	}
	if vocab <= 0 || dim <= 0 {
		return nil, errors.Errorf("reader: embedding shape %dx%d", vocab, dim)
	}

	r := &RnnDocReader{cfg: cfg, params: newParams()}
	ps := r.params
	r.emb = newEmbedding(ps, src, embedding, vocab, dim)
	r.emb.fixed = cfg.FixEmbeddings
	if cfg.PretrainedWords && !cfg.FixEmbeddings {
		r.emb.tunePartial = cfg.TunePartial
	}

	docIn := dim
	if cfg.UseQEmb {
		r.qemb = newSeqAttnMatch(ps, src, "qemb_match", dim)
		docIn += dim
	}
	if !cfg.Bert {
		r.features = cfg.NumFeatures
		if cfg.Pos {
			r.posSize = cfg.PosSize
		}
		if cfg.Ner {
			r.nerSize = cfg.NerSize
		}
		docIn += r.features + r.posSize + r.nerSize
	}

	r.docRNN = newStackedBRNN(ps, src, "doc_rnn", cfg.RNNType, docIn, cfg.HiddenSize, cfg.DocLayers,
		cfg.DropoutRNN, cfg.DropoutRNNOutput, cfg.ConcatRNNLayers)
	r.qRNN = newStackedBRNN(ps, src, "question_rnn", cfg.RNNType, dim, cfg.HiddenSize, cfg.QuestionLayers,
		cfg.DropoutRNN, cfg.DropoutRNNOutput, cfg.ConcatRNNLayers)
	docH, qH := r.docRNN.outputSize(), r.qRNN.outputSize()
	if cfg.QuestionMerge == "self_attn" {
		r.qSelf = newLinearSeqAttn(ps, src, "self_attn", qH)
	}
	r.docAttn = newBilinearSeqAttn(ps, src, "doc_attn", docH, qH)
	r.outW = ps.add("out.w", mat.NewDense(1, docH+qH, utils.XavierArray(src, 1, docH+qH)))
	r.outB = ps.add("out.b", mat.NewDense(1, 1, nil))
	return r, nil
}

func (r *RnnDocReader) Params() *Params { return r.params }

// Trainable lists the weights handed to the optimizer.
func (r *RnnDocReader) Trainable() []*optimizations.Param {
	var out []*optimizations.Param
	for _, p := range r.params.List() {
		if p == r.emb.w.p && r.emb.fixed {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (r *RnnDocReader) NewGradients() *Gradients { return r.params.NewGradients() }

func (r *RnnDocReader) StateDict() map[string]utils.Tensor { return r.params.StateDict() }

func (r *RnnDocReader) LoadStateDict(sd map[string]utils.Tensor) ([]string, error) {
	return r.params.LoadStateDict(sd)
}

// Accumulate adds the worker buffers into Param.Grad, in slice order.
func (r *RnnDocReader) Accumulate(gs []*Gradients) {
	embGrad := r.emb.w.p.Grad
	for _, g := range gs {
		for i, d := range g.dense {
			if d == nil {
				continue
			}
			p := r.params.list[i]
			p.Grad.Add(p.Grad, d)
		}
		for id, row := range g.emb {
			floats.Add(embGrad.RawRowView(id), row)
		}
	}
}

// Cache holds what Backward needs from one Forward call.
type Cache struct {
	ex                 Example
	xDropMask, qDrop   *mat.Dense
	match              *matchCache
	doc, question      *brnnCache
	qPool, docPool     *poolCache
	docVec, qVec       *mat.VecDense
	prob               float64
	embDim, matchWidth int
}

// Prob is P(yes) computed by the forward pass.
func (c *Cache) Prob() float64 { return c.prob }

func trueLength(mask []bool, padded int) int {
	n := 0
	for i := 0; i < padded; i++ {
		if i >= len(mask) || !mask[i] {
			n = i + 1
		}
	}
	return n
}

// rnnLength is how many positions the recurrent layers consume.
func (r *RnnDocReader) rnnLength(mask []bool, padded int, train bool) int {
	if train && !r.cfg.RNNPadding {
		return padded
	}
	if n := trueLength(mask, padded); n > 0 {
		return n
	}
	return 1
}

// rowsOf turns per-token vectors into a (width x L) matrix, zero beyond the
// data.
func rowsOf(vs [][]float64, width, L int, what string) (*mat.Dense, error) {
	m := mat.NewDense(width, L, nil)
	for t, v := range vs {
		if t >= L {
			break
		}
		if len(v) != width {
			return nil, errors.Errorf("reader: %s at position %d has %d values, want %d", what, t, len(v), width)
		}
		m.SetCol(t, v)
	}
	return m, nil
}

// Forward returns P(yes). rng drives dropout and may be nil when train is
// false.
func (r *RnnDocReader) Forward(ex Example, train bool, rng *rand.Rand) (float64, *Cache, error) {
	L, Lq := len(ex.ContextID), len(ex.QuestionID)
	if L == 0 || Lq == 0 {
		return 0, nil, errors.New("reader: empty passage or question")
	}
	c := &Cache{ex: ex, embDim: r.emb.dim()}

	xEmb, err := r.emb.lookup(ex.ContextID)
	if err != nil {
		return 0, nil, errors.Wrap(err, "passage")
	}
	qEmb, err := r.emb.lookup(ex.QuestionID)
	if err != nil {
		return 0, nil, errors.Wrap(err, "question")
	}
	xEmb, c.xDropMask = dropout(xEmb, r.cfg.DropoutEmb, train, rng)
	qEmb, c.qDrop = dropout(qEmb, r.cfg.DropoutEmb, train, rng)

	inputs := []*mat.Dense{xEmb}
	if r.qemb != nil {
		var aligned *mat.Dense
		aligned, c.match = r.qemb.forward(xEmb, qEmb, ex.QuestionMask)
		inputs = append(inputs, aligned)
		c.matchWidth = c.embDim
	}
	if r.features > 0 {
		f, err := rowsOf(ex.ContextFeature, r.features, L, "feature")
		if err != nil {
			return 0, nil, err
		}
		inputs = append(inputs, f)
	}
	if r.posSize > 0 {
		f, err := rowsOf(ex.ContextTag, r.posSize, L, "pos tag")
		if err != nil {
			return 0, nil, err
		}
		inputs = append(inputs, f)
	}
	if r.nerSize > 0 {
		f, err := rowsOf(ex.ContextEnt, r.nerSize, L, "ner tag")
		if err != nil {
			return 0, nil, err
		}
		inputs = append(inputs, f)
	}
	docIn := vcat(inputs...)

	docH, dc := r.docRNN.forward(docIn, r.rnnLength(ex.ContextMask, L, train), train, rng)
	qH, qc := r.qRNN.forward(qEmb, r.rnnLength(ex.QuestionMask, Lq, train), train, rng)
	c.doc, c.question = dc, qc

	if r.qSelf != nil {
		c.qVec, c.qPool = r.qSelf.forward(qH, ex.QuestionMask)
	} else {
		c.qVec, c.qPool = uniformPool(qH, ex.QuestionMask)
	}
	c.docVec, c.docPool = r.docAttn.forward(docH, c.qVec, ex.ContextMask)

	z := r.outB.V().At(0, 0)
	w := r.outW.V().RawRowView(0)
	dh := c.docVec.Len()
	for i := 0; i < dh; i++ {
		z += w[i] * c.docVec.AtVec(i)
	}
	for i := 0; i < c.qVec.Len(); i++ {
		z += w[dh+i] * c.qVec.AtVec(i)
	}
	c.prob = utils.Sigmoid(z)
	return c.prob, c, nil
}

// Backward accumulates into g the gradient of a loss whose derivative with
// respect to the output logit is dLogit. For binary cross-entropy that is
// P(yes) - target.
func (r *RnnDocReader) Backward(c *Cache, dLogit float64, g *Gradients) {
	w := r.outW.V().RawRowView(0)
	gw := g.of(r.outW).RawRowView(0)
	gb := g.of(r.outB)
	gb.Set(0, 0, gb.At(0, 0)+dLogit)
	dh := c.docVec.Len()
	dDoc := mat.NewVecDense(dh, nil)
	dQ := mat.NewVecDense(c.qVec.Len(), nil)
	for i := 0; i < dh; i++ {
		gw[i] += dLogit * c.docVec.AtVec(i)
		dDoc.SetVec(i, dLogit*w[i])
	}
	for i := 0; i < c.qVec.Len(); i++ {
		gw[dh+i] += dLogit * c.qVec.AtVec(i)
		dQ.SetVec(i, dLogit*w[dh+i])
	}

	dDocH, dQFromDoc := r.docAttn.backward(c.docPool, dDoc, g)
	dQ.AddVec(dQ, dQFromDoc)
	var dQH *mat.Dense
	if r.qSelf != nil {
		dQH = r.qSelf.backward(c.qPool, dQ, g)
	} else {
		dQH = uniformPoolBackward(c.qPool, dQ)
	}

	dQEmb := r.qRNN.backward(c.question, dQH, g)
	dDocIn := r.docRNN.backward(c.doc, dDocH, g)
	dXEmb := rows(dDocIn, 0, c.embDim)
	if c.match != nil {
		dAligned := rows(dDocIn, c.embDim, c.embDim+c.matchWidth)
		dx, dy := r.qemb.backward(c.match, dAligned, g)
		dXEmb.Add(dXEmb, dx)
		dQEmb.Add(dQEmb, dy)
	}

	dXEmb = dropoutBackward(dXEmb, c.xDropMask)
	dQEmb = dropoutBackward(dQEmb, c.qDrop)
	r.emb.backward(c.ex.ContextID, dXEmb, g)
	r.emb.backward(c.ex.QuestionID, dQEmb, g)
}
