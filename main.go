package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/Andrey-Tkachev/DrQA/params"
)

var predictFlag bool

func init() {
	c := &params.Config

	// system
	flag.IntVar(&c.LogPerUpdates, "log_per_updates", c.LogPerUpdates, "log model loss per x updates (mini-batches)")
	flag.StringVar(&c.DataFile, "data_file", c.DataFile, "path to preprocessed data file")
	flag.StringVar(&c.MetaFile, "meta_file", c.MetaFile, "path to the vocabulary/embedding meta file")
	flag.StringVar(&c.TokenizerFile, "tokenizer_file", c.TokenizerFile, "tokenizer.json used in bert mode and by -predict")
	flag.StringVar(&c.ModelDir, "model_dir", c.ModelDir, "path to store saved models")
	flag.BoolVar(&c.SaveLastOnly, "save_last_only", c.SaveLastOnly, "only save the final models")
	flag.BoolVar(&c.SaveDawnLogs, "save_dawn_logs", c.SaveDawnLogs, "append dawnbench log entries prefixed with dawn_entry:")
	flag.Uint64Var(&c.Seed, "seed", c.Seed, "random seed for data shuffling, dropout, etc.")
	flag.IntVar(&c.Workers, "workers", c.Workers, "examples processed in parallel within a batch")
	flag.StringVar(&c.MonitorAddr, "monitor_addr", c.MonitorAddr, "serve training stats on this address, e.g. localhost:8080")

	// training
	flag.IntVar(&c.Epochs, "epochs", c.Epochs, "number of epochs")
	flag.IntVar(&c.BatchSize, "batch_size", c.BatchSize, "mini-batch size")
	flag.StringVar(&c.Resume, "resume", c.Resume, `previous model file name (in model_dir), e.g. "checkpoint_epoch_11.ckpt"`)
	flag.BoolVar(&c.ResumeOptions, "resume_options", c.ResumeOptions, "use previous model options, ignore the cli and defaults")
	flag.Float64Var(&c.ReduceLR, "reduce_lr", c.ReduceLR, "reduce initial (resumed) learning rate by this factor")
	flag.StringVar(&c.Optimizer, "optimizer", c.Optimizer, "supported optimizer: adamax, sgd")
	flag.Float64Var(&c.GradClipping, "grad_clipping", c.GradClipping, "clip the global gradient norm to this value")
	flag.Float64Var(&c.WeightDecay, "weight_decay", c.WeightDecay, "L2 weight decay")
	flag.Float64Var(&c.LearningRate, "learning_rate", c.LearningRate, "only applied to SGD")
	flag.Float64Var(&c.Momentum, "momentum", c.Momentum, "only applied to SGD")
	flag.IntVar(&c.TunePartial, "tune_partial", c.TunePartial, "finetune top-x embeddings")
	flag.BoolVar(&c.FixEmbeddings, "fix_embeddings", c.FixEmbeddings, "if true, tune_partial will be ignored")
	flag.BoolVar(&c.RNNPadding, "rnn_padding", c.RNNPadding, "stop the rnns at the true length during training too")

	// model
	flag.StringVar(&c.QuestionMerge, "question_merge", c.QuestionMerge, "avg or self_attn")
	flag.IntVar(&c.DocLayers, "doc_layers", c.DocLayers, "passage rnn layers")
	flag.IntVar(&c.QuestionLayers, "question_layers", c.QuestionLayers, "question rnn layers")
	flag.IntVar(&c.HiddenSize, "hidden_size", c.HiddenSize, "rnn hidden size")
	flag.IntVar(&c.NumFeatures, "num_features", c.NumFeatures, "per-token features in the data file")
	flag.BoolVar(&c.Pos, "pos", c.Pos, "use pos tags as a feature")
	flag.BoolVar(&c.Ner, "ner", c.Ner, "use named entity tags as a feature")
	flag.BoolVar(&c.UseQEmb, "use_qemb", c.UseQEmb, "use the aligned question embedding")
	flag.BoolVar(&c.ConcatRNNLayers, "concat_rnn_layers", c.ConcatRNNLayers, "concatenate the outputs of all rnn layers")
	flag.Float64Var(&c.DropoutEmb, "dropout_emb", c.DropoutEmb, "embedding dropout")
	flag.Float64Var(&c.DropoutRNN, "dropout_rnn", c.DropoutRNN, "rnn input dropout")
	flag.BoolVar(&c.DropoutRNNOutput, "dropout_rnn_output", c.DropoutRNNOutput, "dropout on the rnn output")
	flag.IntVar(&c.MaxLen, "max_len", c.MaxLen, "kept for compatibility with span-prediction checkpoints")
	flag.StringVar(&c.RNNType, "rnn_type", c.RNNType, "supported types: rnn, gru, lstm")

	flag.BoolVar(&predictFlag, "predict", false, "answer questions read from stdin with best_model.ckpt")
}

func main() {
	flag.Parse()

	if predictFlag {
		if err := PredictCLI(params.Config, os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if _, err := Train(params.Config); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
