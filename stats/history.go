package stats

import (
	"bytes"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// dpi converts pixel sizes to plot lengths.
const dpi = 96

// Epoch is the summary of one train/eval cycle.
type Epoch struct {
	Epoch    int           `json:"epoch"`
	Updates  int           `json:"updates"`
	Loss     float64       `json:"loss"`
	Accuracy float64       `json:"accuracy"`
	Elapsed  time.Duration `json:"elapsed"`
}

// History collects epoch records. It is safe for concurrent use; add
// notifies subscribers such as the live monitor.
type History struct {
	mu     sync.Mutex
	epochs []Epoch
	subs   []func(Epoch)
}

func (h *History) Add(e Epoch) {
	h.mu.Lock()
	h.epochs = append(h.epochs, e)
	subs := append([]func(Epoch){}, h.subs...)
	h.mu.Unlock()
	for _, fn := range subs {
		fn(e)
	}
}

// Subscribe registers fn to be called with every new record.
func (h *History) Subscribe(fn func(Epoch)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = append(h.subs, fn)
}

func (h *History) Epochs() []Epoch {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Epoch(nil), h.epochs...)
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.epochs)
}

func line(epochs []Epoch, ix int, value func(Epoch) float64) (*plotter.Line, error) {
	pts := make(plotter.XYs, len(epochs))
	for i, e := range epochs {
		pts[i].X, pts[i].Y = float64(e.Epoch), value(e)
	}
	l, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	l.Width = 2
	l.Color = plotutil.Color(ix)
	return l, nil
}

func (h *History) newPlot() (*plot.Plot, error) {
	epochs := h.Epochs()
	p := plot.New()
	p.Title.Text = "training history"
	p.X.Label.Text = "epoch"
	p.Y.Min = 0
	p.Legend.Top = true
	p.Add(plotter.NewGrid())
	if len(epochs) == 0 {
		return p, nil
	}
	loss, err := line(epochs, 0, func(e Epoch) float64 { return e.Loss })
	if err != nil {
		return nil, err
	}
	acc, err := line(epochs, 1, func(e Epoch) float64 { return e.Accuracy })
	if err != nil {
		return nil, err
	}
	p.Add(loss, acc)
	p.Legend.Add("train loss", loss)
	p.Legend.Add("dev accuracy", acc)
	return p, nil
}

// WritePlot renders loss and accuracy per epoch as a w x h pixel SVG.
func (h *History) WritePlot(out io.Writer, w, ht int) error {
	p, err := h.newPlot()
	if err != nil {
		return errors.Wrap(err, "plot")
	}
	wt, err := p.WriterTo(vg.Inch*vg.Length(w)/dpi, vg.Inch*vg.Length(ht)/dpi, "svg")
	if err != nil {
		return errors.Wrap(err, "plot")
	}
	_, err = wt.WriteTo(out)
	return err
}

// SavePlot writes the SVG to path.
func (h *History) SavePlot(path string, w, ht int) error {
	var buf bytes.Buffer
	if err := h.WritePlot(&buf, w, ht); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
