package IO

import (
	"github.com/pkg/errors"
	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

const padToken = "[PAD]"

// Tokenizer wraps a HuggingFace tokenizer.json (bert-base-uncased in bert
// mode).
type Tokenizer struct {
	tk  *tokenizer.Tokenizer
	pad int
}

func LoadTokenizer(path string) (*Tokenizer, error) {
	tk, err := pretrained.FromFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load tokenizer %s", path)
	}
	t := &Tokenizer{tk: tk}
	if id, ok := tk.TokenToId(padToken); ok {
		t.pad = id
	}
	return t, nil
}

// PadID is the id of [PAD], or 0 when the vocabulary has none.
func (t *Tokenizer) PadID() int { return t.pad }

func (t *Tokenizer) VocabSize() int { return t.tk.GetVocabSize(true) }

// Encoded is one tokenized text. Spans are [start, end) byte offsets.
type Encoded struct {
	IDs    []int
	Tokens []string
	Spans  [][]int
}

// Encode tokenizes text without adding special tokens.
func (t *Tokenizer) Encode(text string) (*Encoded, error) {
	en, err := t.tk.EncodeSingle(text, false)
	if err != nil {
		return nil, errors.Wrap(err, "encode")
	}
	out := &Encoded{IDs: en.Ids, Tokens: en.Tokens}
	for _, o := range en.Offsets {
		out.Spans = append(out.Spans, []int{o[0], o[1]})
	}
	return out, nil
}
