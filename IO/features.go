package IO

import (
	"strings"
)

// unknownWord is the id of <UNK> in the preprocessing vocabulary.
const unknownWord = 1

// BuildExample turns a raw passage and question into an evaluation record.
// In word mode tokens are looked up in vocab (exact, then lower-cased) and
// each context token gets the four preprocessing features: exact match,
// lower-cased match, lemma match (approximated by the lower-cased form) and
// normalised term frequency. In bert mode vocab is ignored and the
// tokenizer ids are used as is.
func BuildExample(tok *Tokenizer, vocab map[string]int, bert bool, id, passage, question string) (Example, error) {
	ctx, err := tok.Encode(passage)
	if err != nil {
		return Example{}, err
	}
	q, err := tok.Encode(question)
	if err != nil {
		return Example{}, err
	}
	ex := Example{ID: id, Text: passage, Spans: ctx.Spans, Fields: evalFields}
	if bert {
		ex.ContextIDs, ex.QuestionIDs = ctx.IDs, q.IDs
		return ex, nil
	}
	ex.ContextIDs = wordIDs(ctx.Tokens, vocab)
	ex.QuestionIDs = wordIDs(q.Tokens, vocab)
	ex.Features = tokenFeatures(ctx.Tokens, q.Tokens)
	return ex, nil
}

func wordIDs(tokens []string, vocab map[string]int) []int {
	ids := make([]int, len(tokens))
	for i, t := range tokens {
		if id, ok := vocab[t]; ok {
			ids[i] = id
		} else if id, ok := vocab[strings.ToLower(t)]; ok {
			ids[i] = id
		} else {
			ids[i] = unknownWord
		}
	}
	return ids
}

func tokenFeatures(context, question []string) [][]float64 {
	exact := map[string]bool{}
	lower := map[string]bool{}
	for _, w := range question {
		exact[w] = true
		lower[strings.ToLower(w)] = true
	}
	counts := map[string]int{}
	for _, w := range context {
		counts[strings.ToLower(w)]++
	}
	out := make([][]float64, len(context))
	for i, w := range context {
		lw := strings.ToLower(w)
		out[i] = []float64{
			boolFeature(exact[w]),
			boolFeature(lower[lw]),
			boolFeature(lower[lw]),
			float64(counts[lw]) / float64(len(context)),
		}
	}
	return out
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
