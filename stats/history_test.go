package stats

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestHistoryPlot(t *testing.T) {
	var h History
	var seen []int
	h.Subscribe(func(e Epoch) { seen = append(seen, e.Epoch) })
	for i := 1; i <= 3; i++ {
		h.Add(Epoch{Epoch: i, Updates: 10 * i, Loss: 1 / float64(i), Accuracy: 0.5 + 0.1*float64(i), Elapsed: time.Minute})
	}
	if h.Len() != 3 || len(seen) != 3 || seen[2] != 3 {
		t.Fatalf("len %d, subscriber saw %v", h.Len(), seen)
	}

	var buf bytes.Buffer
	if err := h.WritePlot(&buf, 400, 300); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "<svg") {
		t.Fatal("output is not svg")
	}

	path := filepath.Join(t.TempDir(), "history.svg")
	if err := h.SavePlot(path, 400, 300); err != nil {
		t.Fatal(err)
	}
	if fi, err := os.Stat(path); err != nil || fi.Size() == 0 {
		t.Fatalf("plot file: %v", err)
	}
}

func TestEmptyHistoryPlots(t *testing.T) {
	var h History
	var buf bytes.Buffer
	if err := h.WritePlot(&buf, 200, 100); err != nil {
		t.Fatal(err)
	}
}
