package params

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	bad := map[string]func(*TrainingConfig){
		"optimizer":  func(c *TrainingConfig) { c.Optimizer = "adam" },
		"rnn type":   func(c *TrainingConfig) { c.RNNType = "transformer" },
		"merge":      func(c *TrainingConfig) { c.QuestionMerge = "max" },
		"batch size": func(c *TrainingConfig) { c.BatchSize = 0 },
		"layers":     func(c *TrainingConfig) { c.DocLayers = 0 },
		"dropout":    func(c *TrainingConfig) { c.DropoutRNN = 1 },
		"logging":    func(c *TrainingConfig) { c.LogPerUpdates = 0 },
	}
	for name, mod := range bad {
		c := Default()
		mod(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	c := Default()
	c.HiddenSize = 64
	c.RNNType = "gru"
	c.Seed = 7
	if err := c.Save(path); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != c {
		t.Fatalf("round trip changed the config:\n%+v\n%+v", got, c)
	}

	if err := os.WriteFile(path, []byte(`{"HiddenSize": 32}`), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err = Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.HiddenSize != 32 || got.RNNType != "lstm" {
		t.Fatalf("partial file should keep defaults: %+v", got)
	}
}

func TestDefaultWorkers(t *testing.T) {
	if DefaultWorkers() < 1 {
		t.Fatal("no workers")
	}
}
