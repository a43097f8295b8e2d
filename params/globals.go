package params

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
)

type TrainingConfig struct {
	// System
	LogPerUpdates int    // log model loss per x updates (mini-batches)
	DataFile      string // preprocessed data file
	MetaFile      string // vocab / embedding meta file
	ModelDir      string // where checkpoints and log.txt go
	SaveLastOnly  bool   // only save the final model
	SaveDawnLogs  bool   // append dawn_entry lines to the log
	Seed          uint64 // data shuffling, dropout, init
	Workers       int    // goroutines used per batch (0 = physical cores)
	MonitorAddr   string // serve live stats on this address ("" = off)

	// Training
	Epochs        int
	BatchSize     int
	Resume        string  // previous model file name inside ModelDir
	ResumeOptions bool    // use the checkpoint's options instead of the flags
	ReduceLR      float64 // multiply the resumed learning rate by this factor (0 = keep)
	Optimizer     string  // adamax, sgd
	GradClipping  float64 // <=0 disables
	WeightDecay   float64
	LearningRate  float64 // SGD only
	Momentum      float64 // SGD only
	TunePartial   int     // finetune the top-x embeddings
	FixEmbeddings bool    // if true, TunePartial is ignored
	RNNPadding    bool    // stop the RNNs at each example's true length while training too

	// Model
	QuestionMerge    string // avg, self_attn
	DocLayers        int
	QuestionLayers   int
	HiddenSize       int
	NumFeatures      int
	Pos              bool // POS tags as a feature
	Ner              bool // named entity tags as a feature
	UseQEmb          bool // aligned question embedding
	ConcatRNNLayers  bool
	DropoutEmb       float64
	DropoutRNN       float64
	DropoutRNNOutput bool
	MaxLen           int
	RNNType          string // rnn, gru, lstm

	// Filled from the meta file
	Bert            bool
	PretrainedWords bool
	VocabSize       int
	EmbeddingDim    int
	PosSize         int
	NerSize         int
	TokenizerFile   string // tokenizer.json, required in bert mode and for -predict
}

var Config = Default()

// Default returns the stock configuration.
func Default() TrainingConfig {
	return TrainingConfig{
		LogPerUpdates: 3,
		DataFile:      "boolq/data.msgpack",
		MetaFile:      "meta/meta.msgpack",
		ModelDir:      "models",
		Seed:          1013,
		Workers:       DefaultWorkers(),

		Epochs:        40,
		BatchSize:     32,
		Resume:        "best_model.ckpt",
		Optimizer:     "adamax",
		GradClipping:  10,
		LearningRate:  0.1,
		TunePartial:   1000,
		QuestionMerge: "self_attn",

		DocLayers:        3,
		QuestionLayers:   3,
		HiddenSize:       128,
		NumFeatures:      4,
		Pos:              true,
		Ner:              true,
		UseQEmb:          true,
		ConcatRNNLayers:  true,
		DropoutEmb:       0.4,
		DropoutRNN:       0.4,
		DropoutRNNOutput: true,
		MaxLen:           15,
		RNNType:          "lstm",

		TokenizerFile: "meta/tokenizer.json",
	}
}

// DefaultWorkers picks one worker per physical core.
func DefaultWorkers() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

func (c TrainingConfig) Validate() error {
	switch c.Optimizer {
	case "adamax", "sgd":
	default:
		return errors.Errorf("unsupported optimizer: %s", c.Optimizer)
	}
	switch c.RNNType {
	case "rnn", "gru", "lstm":
	default:
		return errors.Errorf("unsupported rnn type: %s", c.RNNType)
	}
	switch c.QuestionMerge {
	case "avg", "self_attn":
	default:
		return errors.Errorf("unsupported question merge: %s", c.QuestionMerge)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.LogPerUpdates <= 0 {
		return errors.Errorf("log_per_updates must be positive, got %d", c.LogPerUpdates)
	}
	if c.HiddenSize <= 0 || c.DocLayers <= 0 || c.QuestionLayers <= 0 {
		return errors.New("hidden size and layer counts must be positive")
	}
	if c.DropoutEmb < 0 || c.DropoutEmb >= 1 || c.DropoutRNN < 0 || c.DropoutRNN >= 1 {
		return errors.New("dropout rates must be in [0, 1)")
	}
	return nil
}

// Save writes the config as indented JSON, replacing path atomically.
func (c TrainingConfig) Save(path string) error {
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path))
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "create config")
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err = enc.Encode(c); err != nil {
		f.Close()
		return errors.Wrap(err, "encode config")
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load reads a config written by Save. Missing fields keep their defaults.
func Load(path string) (TrainingConfig, error) {
	c := Default()
	f, err := os.Open(path)
	if err != nil {
		return c, err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&c); err != nil {
		return c, errors.Wrapf(err, "decode %s", path)
	}
	return c, nil
}
