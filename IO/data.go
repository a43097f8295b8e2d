package IO

import (
	"bufio"
	"fmt"
	"os"
	"sort"

	"github.com/Andrey-Tkachev/DrQA/params"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/mat"
)

// bertEmbeddingDim is the hidden size of bert-base.
const bertEmbeddingDim = 768

// Meta is the preprocessing output shared by every data split.
type Meta struct {
	Vocab     []string    `msgpack:"vocab"`
	VocabTag  []string    `msgpack:"vocab_tag"`
	VocabEnt  []string    `msgpack:"vocab_ent"`
	Embedding [][]float64 `msgpack:"embedding"`
	Bert      bool        `msgpack:"bert"`
}

// Example is one preprocessed record. On disk it is a positional array:
//
//	id, context ids, context features, POS ids, NER ids,
//	question ids, context text, token spans[, answer]
//
// Training records carry the answer, evaluation records do not.
type Example struct {
	ID          string
	ContextIDs  []int
	Features    [][]float64
	Tags        []int
	Ents        []int
	QuestionIDs []int
	Text        string
	Spans       [][]int
	Answer      int
	Fields      int // positional fields present
}

const (
	evalFields  = 8
	trainFields = 9
)

var _ msgpack.CustomDecoder = (*Example)(nil)

func (e *Example) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return errors.Wrap(err, "example")
	}
	if n < 0 {
		return errors.New("example: nil record")
	}
	*e = Example{Fields: n}
	for i := 0; i < n; i++ {
		if err := e.decodeField(dec, i); err != nil {
			return errors.Wrapf(err, "example %q field %d", e.ID, i)
		}
	}
	return nil
}

func (e *Example) decodeField(dec *msgpack.Decoder, i int) error {
	switch i {
	case 0:
		v, err := dec.DecodeInterfaceLoose()
		if err != nil {
			return err
		}
		e.ID = fmt.Sprint(v)
	case 1:
		return dec.Decode(&e.ContextIDs)
	case 2:
		v, err := dec.DecodeInterfaceLoose()
		if err != nil {
			return err
		}
		e.Features, err = toFloatRows(v)
		return err
	case 3:
		return dec.Decode(&e.Tags)
	case 4:
		return dec.Decode(&e.Ents)
	case 5:
		return dec.Decode(&e.QuestionIDs)
	case 6:
		return dec.Decode(&e.Text)
	case 7:
		return dec.Decode(&e.Spans)
	case 8:
		v, err := dec.DecodeInterfaceLoose()
		if err != nil {
			return err
		}
		f, err := toFloat(v)
		if err != nil {
			return err
		}
		e.Answer = int(f)
	default:
		return dec.Skip()
	}
	return nil
}

// toFloat accepts what loose msgpack decoding yields for a number or bool.
func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	default:
		return 0, errors.Errorf("expected a number, got %T", v)
	}
}

func toFloatRows(v any) ([][]float64, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, errors.Errorf("expected a list of feature vectors, got %T", v)
	}
	out := make([][]float64, len(list))
	for t, rv := range list {
		row, ok := rv.([]any)
		if !ok {
			return nil, errors.Errorf("feature vector %d: got %T", t, rv)
		}
		out[t] = make([]float64, len(row))
		for k, x := range row {
			f, err := toFloat(x)
			if err != nil {
				return nil, errors.Wrapf(err, "feature %d of token %d", k, t)
			}
			out[t][k] = f
		}
	}
	return out, nil
}

// Data is the decoded data file. Dev is sorted by context length and has
// its answers moved to DevY.
type Data struct {
	Train []Example
	Dev   []Example
	DevY  []int
}

type rawData struct {
	Train []Example `msgpack:"train"`
	Dev   []Example `msgpack:"dev"`
}

func decodeFile(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open")
	}
	defer f.Close()
	dec := msgpack.NewDecoder(bufio.NewReader(f))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(v); err != nil {
		return errors.Wrapf(err, "decode %s", path)
	}
	return nil
}

func LoadMeta(path string) (*Meta, error) {
	var m Meta
	if err := decodeFile(path, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func LoadData(path string) (*Data, error) {
	var raw rawData
	if err := decodeFile(path, &raw); err != nil {
		return nil, err
	}
	d := &Data{Train: raw.Train, Dev: raw.Dev}
	sort.SliceStable(d.Dev, func(i, j int) bool {
		return len(d.Dev[i].ContextIDs) < len(d.Dev[j].ContextIDs)
	})
	d.DevY = make([]int, len(d.Dev))
	for i := range d.Dev {
		if d.Dev[i].Fields != trainFields {
			return nil, errors.Errorf("dev example %q has %d fields, want %d", d.Dev[i].ID, d.Dev[i].Fields, trainFields)
		}
		d.DevY[i] = d.Dev[i].Answer
		d.Dev[i].Answer = 0
		d.Dev[i].Fields = evalFields
	}
	return d, nil
}

// EmbeddingMatrix returns the (vocab x dim) pretrained word vectors, or nil
// when the meta file carries none.
func (m *Meta) EmbeddingMatrix() (*mat.Dense, error) {
	if len(m.Embedding) == 0 || len(m.Embedding[0]) == 0 {
		return nil, nil
	}
	v, d := len(m.Embedding), len(m.Embedding[0])
	out := mat.NewDense(v, d, nil)
	for i, row := range m.Embedding {
		if len(row) != d {
			return nil, errors.Errorf("embedding row %d has %d values, want %d", i, len(row), d)
		}
		out.SetRow(i, row)
	}
	return out, nil
}

// WordIndex maps every vocabulary word to its id.
func (m *Meta) WordIndex() map[string]int {
	idx := make(map[string]int, len(m.Vocab))
	for i, w := range m.Vocab {
		idx[w] = i
	}
	return idx
}

// ApplyMeta fills the data-derived fields of cfg and returns the pretrained
// embedding (nil in bert mode). tok is only consulted in bert mode.
func ApplyMeta(cfg *params.TrainingConfig, m *Meta, tok *Tokenizer) (*mat.Dense, error) {
	cfg.Bert = m.Bert
	if cfg.Bert {
		if tok == nil {
			return nil, errors.New("bert data needs a tokenizer")
		}
		cfg.PretrainedWords = false
		cfg.EmbeddingDim = bertEmbeddingDim
		cfg.VocabSize = tok.VocabSize()
		return nil, nil
	}
	emb, err := m.EmbeddingMatrix()
	if err != nil {
		return nil, err
	}
	if emb == nil {
		return nil, errors.New("meta file has no embedding")
	}
	cfg.PretrainedWords = true
	cfg.VocabSize, cfg.EmbeddingDim = emb.Dims()
	cfg.PosSize = len(m.VocabTag)
	cfg.NerSize = len(m.VocabEnt)
	return emb, nil
}

// Score is the fraction of predictions equal to the truth.
func Score(pred, truth []int) (float64, error) {
	if len(pred) != len(truth) {
		return 0, errors.Errorf("score: %d predictions for %d answers", len(pred), len(truth))
	}
	if len(truth) == 0 {
		return 0, nil
	}
	n := 0
	for i := range pred {
		if pred[i] == truth[i] {
			n++
		}
	}
	return float64(n) / float64(len(truth)), nil
}
