package histogram

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/jlab-solid/gemdecode/internal/fsutil"
)

// PlotPNG renders the named histogram as a bar chart and writes it to
// path as a PNG. It is a diagnostic aid only; nothing in the decode
// path depends on it succeeding.
func (s *Sink) PlotPNG(fsys fsutil.FileSystem, name string, path string) error {
	b, ok := s.Histograms[name]
	if !ok {
		return fmt.Errorf("histogram: no histogram named %q", name)
	}

	p := plot.New()
	p.Title.Text = name
	p.X.Label.Text = "value"
	p.Y.Label.Text = "count"

	width := (b.High - b.Low) / float64(len(b.Counts))
	values := make(plotter.Values, len(b.Counts))
	for i, c := range b.Counts {
		values[i] = float64(c)
	}

	bars, err := plotter.NewBarChart(values, vg.Points(width))
	if err != nil {
		return fmt.Errorf("histogram: build bar chart for %q: %w", name, err)
	}
	p.Add(bars)

	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("histogram: render %q: %w", name, err)
	}

	pw, err := fsys.Create(path)
	if err != nil {
		return fmt.Errorf("histogram: create %s: %w", path, err)
	}
	defer pw.Close()

	if _, err := wt.WriteTo(pw); err != nil {
		return fmt.Errorf("histogram: write %s: %w", path, err)
	}
	return nil
}

// PlotAllPNG renders every accumulated histogram into dir, one PNG per
// histogram named "<dir>/<name>.png".
func (s *Sink) PlotAllPNG(fsys fsutil.FileSystem, dir string) error {
	for name := range s.Histograms {
		path := dir + "/" + name + ".png"
		if err := s.PlotPNG(fsys, name, path); err != nil {
			return err
		}
	}
	return nil
}
