package model

import (
	"bytes"
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/Andrey-Tkachev/DrQA/optimizations"
	"github.com/Andrey-Tkachev/DrQA/params"
	"github.com/Andrey-Tkachev/DrQA/utils"
	"github.com/pkg/errors"
)

// StateDict is everything needed to continue training a network.
type StateDict struct {
	Network   map[string]utils.Tensor
	Optimizer optimizations.State
	Updates   int
	Loss      utils.MeterState
}

// Checkpoint is the on-disk training snapshot.
type Checkpoint struct {
	StateDict   StateDict
	Config      params.TrainingConfig
	Epoch       int
	Accuracy    float64
	BestEval    float64
	RandomState []byte
}

// writeAtomic writes data next to path and renames it into place.
func writeAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err = f.Write(data); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err = os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
	}
	return err
}

func SaveCheckpoint(ck *Checkpoint, filename string) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ck); err != nil {
		return errors.Wrap(err, "encode checkpoint")
	}
	return writeAtomic(filename, buf.Bytes())
}

func LoadCheckpoint(filename string) (*Checkpoint, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "read checkpoint")
	}
	var ck Checkpoint
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&ck); err != nil {
		return nil, errors.Wrapf(err, "decode checkpoint %s", filename)
	}
	return &ck, nil
}

// CopyFile copies src over dst atomically.
func CopyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return writeAtomic(dst, data)
}
