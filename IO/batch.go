package IO

import (
	"math/rand/v2"
	"sort"

	"github.com/Andrey-Tkachev/DrQA/reader"
	"github.com/pkg/errors"
)

// BatchOptions configure collation.
type BatchOptions struct {
	Eval    bool       // keep length order and expect 8-field records
	Bert    bool       // ids only: no features, POS or NER tensors
	PadID   int        // id written into padding positions
	PosSize int        // one-hot width of POS tags
	NerSize int        // one-hot width of NER tags
	Rng     *rand.Rand // shuffles batch order in training mode
}

// BatchGen groups examples of similar context length into batches.
type BatchGen struct {
	opts    BatchOptions
	batches [][]Example
}

// NewBatchGen sorts data by context length (stable), chunks it into
// batchSize groups and, unless opts.Eval, shuffles the group order.
func NewBatchGen(data []Example, batchSize int, opts BatchOptions) *BatchGen {
	if batchSize < 1 {
		batchSize = 1
	}
	sorted := append([]Example(nil), data...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].ContextIDs) < len(sorted[j].ContextIDs)
	})
	var batches [][]Example
	for i := 0; i < len(sorted); i += batchSize {
		batches = append(batches, sorted[i:min(i+batchSize, len(sorted))])
	}
	if !opts.Eval && opts.Rng != nil {
		opts.Rng.Shuffle(len(batches), func(i, j int) {
			batches[i], batches[j] = batches[j], batches[i]
		})
	}
	return &BatchGen{opts: opts, batches: batches}
}

func (g *BatchGen) Len() int { return len(g.batches) }

// Batch is one collated mini-batch. Per-token tensors are indexed
// [example][position][...] and padded to the longest context.
type Batch struct {
	ContextID      [][]int
	ContextFeature [][][]float64 // nil in bert mode
	ContextTag     [][][]float64 // nil in bert mode
	ContextEnt     [][][]float64 // nil in bert mode
	ContextMask    [][]bool
	QuestionID     [][]int
	QuestionMask   [][]bool
	Text           []string
	Span           [][][]int
	Answer         []float64 // nil in evaluation mode
}

func (b *Batch) Size() int { return len(b.ContextID) }

// Example returns the i-th row in the form the network consumes.
func (b *Batch) Example(i int) reader.Example {
	ex := reader.Example{
		ContextID:    b.ContextID[i],
		ContextMask:  b.ContextMask[i],
		QuestionID:   b.QuestionID[i],
		QuestionMask: b.QuestionMask[i],
	}
	if b.ContextFeature != nil {
		ex.ContextFeature = b.ContextFeature[i]
		ex.ContextTag = b.ContextTag[i]
		ex.ContextEnt = b.ContextEnt[i]
	}
	return ex
}

// Batch collates the i-th batch.
func (g *BatchGen) Batch(i int) (*Batch, error) {
	return collate(g.batches[i], g.opts)
}

// All collates every batch in order, stopping at the first error.
func (g *BatchGen) All(fn func(i int, b *Batch) error) error {
	for i := range g.batches {
		b, err := g.Batch(i)
		if err != nil {
			return err
		}
		if err := fn(i, b); err != nil {
			return err
		}
	}
	return nil
}

func maxLen(n int, length func(int) int) int {
	m := 1
	for i := 0; i < n; i++ {
		m = max(m, length(i))
	}
	return m
}

func padIDs(ids []int, n, pad int) ([]int, []bool) {
	out := make([]int, n)
	mask := make([]bool, n)
	for j := range out {
		out[j] = pad
		if j < len(ids) {
			out[j] = ids[j]
		}
		mask[j] = out[j] == pad
	}
	return out, mask
}

func oneHotRows(tags []int, n, width int, what string) ([][]float64, error) {
	out := make([][]float64, n)
	for j := range out {
		out[j] = make([]float64, width)
	}
	for j, tag := range tags {
		if j >= n {
			break
		}
		if tag < 0 || tag >= width {
			return nil, errors.Errorf("%s id %d outside [0, %d)", what, tag, width)
		}
		out[j][tag] = 1
	}
	return out, nil
}

func collate(exs []Example, opts BatchOptions) (*Batch, error) {
	want := trainFields
	if opts.Eval {
		want = evalFields
	}
	for _, ex := range exs {
		if ex.Fields != want {
			return nil, errors.Errorf("example %q has %d fields, want %d", ex.ID, ex.Fields, want)
		}
	}
	B := len(exs)
	L := maxLen(B, func(i int) int { return len(exs[i].ContextIDs) })
	Q := maxLen(B, func(i int) int { return len(exs[i].QuestionIDs) })

	b := &Batch{
		ContextID:    make([][]int, B),
		ContextMask:  make([][]bool, B),
		QuestionID:   make([][]int, B),
		QuestionMask: make([][]bool, B),
		Text:         make([]string, B),
		Span:         make([][][]int, B),
	}
	for i, ex := range exs {
		b.ContextID[i], b.ContextMask[i] = padIDs(ex.ContextIDs, L, opts.PadID)
		b.QuestionID[i], b.QuestionMask[i] = padIDs(ex.QuestionIDs, Q, opts.PadID)
		b.Text[i] = ex.Text
		b.Span[i] = ex.Spans
	}

	if !opts.Bert {
		featureLen := 0
		if B > 0 && len(exs[0].Features) > 0 {
			featureLen = len(exs[0].Features[0])
		}
		b.ContextFeature = make([][][]float64, B)
		b.ContextTag = make([][][]float64, B)
		b.ContextEnt = make([][][]float64, B)
		for i, ex := range exs {
			rows := make([][]float64, L)
			for j := range rows {
				rows[j] = make([]float64, featureLen)
				if j < len(ex.Features) {
					if len(ex.Features[j]) != featureLen {
						return nil, errors.Errorf("example %q token %d has %d features, want %d",
							ex.ID, j, len(ex.Features[j]), featureLen)
					}
					copy(rows[j], ex.Features[j])
				}
			}
			b.ContextFeature[i] = rows
			var err error
			if b.ContextTag[i], err = oneHotRows(ex.Tags, L, opts.PosSize, "pos"); err != nil {
				return nil, errors.Wrapf(err, "example %q", ex.ID)
			}
			if b.ContextEnt[i], err = oneHotRows(ex.Ents, L, opts.NerSize, "ner"); err != nil {
				return nil, errors.Wrapf(err, "example %q", ex.ID)
			}
		}
	}

	if !opts.Eval {
		b.Answer = make([]float64, B)
		for i, ex := range exs {
			b.Answer[i] = float64(ex.Answer)
		}
	}
	return b, nil
}
