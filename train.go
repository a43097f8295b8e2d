package main

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/Andrey-Tkachev/DrQA/IO"
	"github.com/Andrey-Tkachev/DrQA/model"
	"github.com/Andrey-Tkachev/DrQA/monitor"
	"github.com/Andrey-Tkachev/DrQA/optimizations"
	"github.com/Andrey-Tkachev/DrQA/params"
	"github.com/Andrey-Tkachev/DrQA/stats"
	"github.com/Andrey-Tkachev/DrQA/utils"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const (
	bestModelFile = "best_model.ckpt"
	historyPlot   = "history.svg"
	// accuracy drift tolerated when re-evaluating a resumed checkpoint
	resumeTolerance = 1e-3
)

var errInconsistent = errors.New("current code is inconsistent with code used to train the previous model")

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// setup creates the model dir, drops the default resume file when there is
// nothing to resume, seeds the shared RNG and opens the log.
func setup(cfg params.TrainingConfig) (params.TrainingConfig, *utils.Logger, *model.RNG, error) {
	if err := os.MkdirAll(cfg.ModelDir, 0o755); err != nil {
		return cfg, nil, nil, errors.Wrap(err, "model dir")
	}
	abs, err := filepath.Abs(cfg.ModelDir)
	if err != nil {
		return cfg, nil, nil, err
	}
	cfg.ModelDir = abs
	if cfg.Resume == bestModelFile && !fileExists(filepath.Join(cfg.ModelDir, cfg.Resume)) {
		cfg.Resume = ""
	}
	log, err := utils.OpenLogger(filepath.Join(cfg.ModelDir, "log.txt"))
	if err != nil {
		return cfg, nil, nil, err
	}
	utils.SetDefault(log)
	return cfg, log, model.NewRNG(cfg.Seed), nil
}

type dataset struct {
	data      *IO.Data
	embedding *mat.Dense
	padID     int
}

// loadData reads the meta and data files and fills the data-derived part
// of opt.
func loadData(opt *params.TrainingConfig) (*dataset, error) {
	meta, err := IO.LoadMeta(opt.MetaFile)
	if err != nil {
		return nil, err
	}
	ds := &dataset{}
	var tok *IO.Tokenizer
	if meta.Bert {
		if tok, err = IO.LoadTokenizer(opt.TokenizerFile); err != nil {
			return nil, err
		}
		ds.padID = tok.PadID()
	}
	if ds.embedding, err = IO.ApplyMeta(opt, meta, tok); err != nil {
		return nil, err
	}
	if ds.data, err = IO.LoadData(opt.DataFile); err != nil {
		return nil, err
	}
	return ds, nil
}

func batchOptions(opt params.TrainingConfig, padID int, eval bool, rng *model.RNG) IO.BatchOptions {
	o := IO.BatchOptions{Eval: eval, Bert: opt.Bert, PadID: padID, PosSize: opt.PosSize, NerSize: opt.NerSize}
	if rng != nil {
		o.Rng = rng.Rand
	}
	return o
}

// remaining formats a duration as H:MM:SS.
func remaining(d time.Duration) string {
	s := int(d.Seconds())
	return fmt.Sprintf("%d:%02d:%02d", s/3600, s/60%60, s%60)
}

func evaluate(log *utils.Logger, m *model.DocReaderModel, ds *dataset, cfg params.TrainingConfig) (float64, error) {
	gen := IO.NewBatchGen(ds.data.Dev, cfg.BatchSize, batchOptions(m.Opt, ds.padID, true, nil))
	return m.Evaluate(gen, ds.data.DevY, func(i, n int) {
		log.Debugf("> evaluating [%d/%d]", i, n)
	})
}

// saveEpoch writes the epoch checkpoint and copies it to the best model file
// when accuracy improves. The best score advances even when the save fails.
func saveEpoch(log *utils.Logger, m *model.DocReaderModel, dir string, epoch int, accuracy, bestEval float64) float64 {
	modelFile := filepath.Join(dir, fmt.Sprintf("checkpoint_epoch_%d.ckpt", epoch))
	saveErr := m.Save(modelFile, epoch, accuracy, bestEval)
	if accuracy <= bestEval {
		return bestEval
	}
	if saveErr != nil {
		log.Warnf("best model not copied: %v", saveErr)
	} else if err := model.CopyFile(modelFile, filepath.Join(dir, bestModelFile)); err != nil {
		log.Warnf("best model not copied: %v", err)
	} else {
		log.Infof("[new best model saved.]")
	}
	return accuracy
}

// Train runs the train/eval/save loop and returns the best dev accuracy.
func Train(cfg params.TrainingConfig) (float64, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	cfg, log, rng, err := setup(cfg)
	if err != nil {
		return 0, err
	}
	defer log.Close()

	log.Infof("[Program starts. Loading data...]")
	opt := cfg
	ds, err := loadData(&opt)
	if err != nil {
		return 0, err
	}
	log.Infof("%+v", opt)
	log.Infof("[Data loaded.]")
	var dawnStart time.Time
	if cfg.SaveDawnLogs {
		dawnStart = time.Now()
		log.Infof("dawn_entry: epoch\taccuracy\thours")
	}

	var (
		m        *model.DocReaderModel
		epoch0   = 1
		bestEval float64
	)
	if cfg.Resume != "" {
		log.Infof("[loading previous model...]")
		ck, err := model.LoadCheckpoint(filepath.Join(cfg.ModelDir, cfg.Resume))
		if err != nil {
			return 0, err
		}
		if cfg.ResumeOptions {
			workers := opt.Workers
			opt = ck.Config
			opt.Workers = workers
		}
		if m, err = model.New(opt, ds.embedding, &ck.StateDict, rng); err != nil {
			return 0, err
		}
		epoch0 = ck.Epoch + 1
		if err := rng.Restore(ck.RandomState); err != nil {
			return 0, err
		}
		if cfg.ReduceLR != 0 {
			optimizations.DecayLR(m.Optimizer, cfg.ReduceLR)
			log.Infof("[learning rate reduced by %v]", cfg.ReduceLR)
		}
		accuracy, err := evaluate(log, m, ds, cfg)
		if err != nil {
			return 0, err
		}
		log.Infof("[dev accuracy %v]", accuracy)
		if math.Abs(accuracy-ck.Accuracy) > resumeTolerance {
			log.Infof("Inconsistent: recorded accuracy %v", ck.Accuracy)
			log.Errorf("Error loading model: current code is inconsistent with code used to train the previous model.")
			return 0, errInconsistent
		}
		bestEval = ck.BestEval
	} else {
		if m, err = model.New(opt, ds.embedding, nil, rng); err != nil {
			return 0, err
		}
	}
	if err := opt.Save(filepath.Join(cfg.ModelDir, "config.json")); err != nil {
		log.Warnf("config not saved: %v", err)
	}

	history := &stats.History{}
	if cfg.MonitorAddr != "" {
		srv := monitor.New(history, opt)
		go func() {
			if err := srv.ListenAndServe(cfg.MonitorAddr); err != nil {
				log.Warnf("monitor stopped: %v", err)
			}
		}()
	}

	runStart := time.Now()
	last := epoch0 + cfg.Epochs - 1
	for epoch := epoch0; epoch <= last; epoch++ {
		log.Warnf("Epoch %d", epoch)

		gen := IO.NewBatchGen(ds.data.Train, cfg.BatchSize, batchOptions(opt, ds.padID, false, rng))
		start := time.Now()
		err := gen.All(func(i int, b *IO.Batch) error {
			if err := m.Update(b); err != nil {
				return err
			}
			if i%cfg.LogPerUpdates == 0 {
				left := time.Since(start) / time.Duration(i+1) * time.Duration(gen.Len()-i-1)
				log.Infof("> epoch [%2d] updates[%6d] train loss[%.5f] remaining[%s]",
					epoch, m.Updates, m.TrainLoss.Value(), remaining(left))
			}
			return nil
		})
		if err != nil {
			return bestEval, errors.Wrapf(err, "epoch %d", epoch)
		}
		log.Debugf("\n")

		accuracy, err := evaluate(log, m, ds, cfg)
		if err != nil {
			return bestEval, err
		}
		log.Warnf("dev accuracy %v", accuracy)
		if cfg.SaveDawnLogs {
			log.Warnf("dawn_entry: %d\t%v\t%v", epoch, accuracy, time.Since(dawnStart).Hours())
		}

		if !cfg.SaveLastOnly || epoch == last {
			bestEval = saveEpoch(log, m, cfg.ModelDir, epoch, accuracy, bestEval)
		}

		history.Add(stats.Epoch{
			Epoch:    epoch,
			Updates:  m.Updates,
			Loss:     m.TrainLoss.Value(),
			Accuracy: accuracy,
			Elapsed:  time.Since(runStart),
		})
		if err := history.SavePlot(filepath.Join(cfg.ModelDir, historyPlot), 800, 500); err != nil {
			log.Warnf("history plot: %v", err)
		}
	}
	return bestEval, nil
}
