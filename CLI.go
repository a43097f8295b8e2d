package main

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/Andrey-Tkachev/DrQA/IO"
	"github.com/Andrey-Tkachev/DrQA/model"
	"github.com/Andrey-Tkachev/DrQA/params"
)

// PredictCLI loads the best checkpoint and answers yes/no questions read
// from in, one passage line followed by one question line. "exit" quits.
func PredictCLI(cfg params.TrainingConfig, in io.Reader, out io.Writer) error {
	file := cfg.Resume
	if file == "" {
		file = bestModelFile
	}
	ck, err := model.LoadCheckpoint(filepath.Join(cfg.ModelDir, file))
	if err != nil {
		return err
	}
	opt := ck.Config
	opt.Workers = 1
	tok, err := IO.LoadTokenizer(cfg.TokenizerFile)
	if err != nil {
		return err
	}
	var vocab map[string]int
	if !opt.Bert {
		meta, err := IO.LoadMeta(cfg.MetaFile)
		if err != nil {
			return err
		}
		vocab = meta.WordIndex()
	}
	m, err := model.New(opt, nil, &ck.StateDict, model.NewRNG(opt.Seed))
	if err != nil {
		return err
	}
	padID := 0
	if opt.Bert {
		padID = tok.PadID()
	}

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	read := func(prompt string) (string, bool) {
		fmt.Fprint(out, prompt)
		if !sc.Scan() {
			return "", false
		}
		line := strings.TrimSpace(sc.Text())
		return line, line != "exit"
	}
	fmt.Fprintf(out, "Loaded %s (epoch %d, dev accuracy %.4f). Type 'exit' to quit.\n", file, ck.Epoch, ck.Accuracy)
	for n := 0; ; n++ {
		passage, ok := read("Passage: ")
		if !ok {
			break
		}
		question, ok := read("Question: ")
		if !ok {
			break
		}
		ex, err := IO.BuildExample(tok, vocab, opt.Bert, fmt.Sprintf("stdin-%d", n), passage, question)
		if err != nil {
			fmt.Fprintln(out, "Error:", err)
			continue
		}
		gen := IO.NewBatchGen([]IO.Example{ex}, 1, batchOptions(opt, padID, true, nil))
		b, err := gen.Batch(0)
		if err != nil {
			fmt.Fprintln(out, "Error:", err)
			continue
		}
		probs, err := m.Probabilities(b)
		if err != nil {
			fmt.Fprintln(out, "Error:", err)
			continue
		}
		answer := "no"
		if probs[0] > 0.5 {
			answer = "yes"
		}
		fmt.Fprintf(out, "Answer: %s (P(yes)=%.3f)\n", answer, probs[0])
	}
	return sc.Err()
}
