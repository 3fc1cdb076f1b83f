// Package histogram accumulates diagnostic distributions during a run
// (pedestal-subtracted ADC spread, common-mode drift, pulse-shape
// goodness) and persists them to a binary scientific-histogram file at
// run end.
package histogram

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"math"

	"github.com/jlab-solid/gemdecode/internal/fsutil"
)

// Bins is a fixed-width 1D histogram over [Low, High).
type Bins struct {
	Low, High float64
	Counts    []int64
	Underflow int64
	Overflow  int64
}

// NewBins creates an n-bin histogram spanning [low, high).
func NewBins(n int, low, high float64) *Bins {
	return &Bins{Low: low, High: high, Counts: make([]int64, n)}
}

// Fill increments the bin containing v.
func (b *Bins) Fill(v float64) {
	if v < b.Low {
		b.Underflow++
		return
	}
	if v >= b.High {
		b.Overflow++
		return
	}
	width := (b.High - b.Low) / float64(len(b.Counts))
	idx := int((v - b.Low) / width)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(b.Counts) {
		idx = len(b.Counts) - 1
	}
	b.Counts[idx]++
}

// Mean returns the bin-centre-weighted mean of the filled entries.
func (b *Bins) Mean() float64 {
	width := (b.High - b.Low) / float64(len(b.Counts))
	var sum, total float64
	for i, c := range b.Counts {
		if c == 0 {
			continue
		}
		center := b.Low + width*(float64(i)+0.5)
		sum += center * float64(c)
		total += float64(c)
	}
	if total == 0 {
		return 0
	}
	return sum / total
}

// RMS returns the bin-centre-weighted RMS of the filled entries.
func (b *Bins) RMS() float64 {
	width := (b.High - b.Low) / float64(len(b.Counts))
	mean := b.Mean()
	var sumSq, total float64
	for i, c := range b.Counts {
		if c == 0 {
			continue
		}
		center := b.Low + width*(float64(i)+0.5)
		d := center - mean
		sumSq += d * d * float64(c)
		total += float64(c)
	}
	if total == 0 {
		return 0
	}
	variance := sumSq / total
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// Sink accumulates named histograms across a run and persists them as
// a single gob+gzip blob.
type Sink struct {
	Histograms map[string]*Bins
}

// NewSink creates an empty Sink.
func NewSink() *Sink {
	return &Sink{Histograms: make(map[string]*Bins)}
}

// Fill records v into the named histogram, creating it with the given
// binning if it does not already exist.
func (s *Sink) Fill(name string, n int, low, high float64, v float64) {
	h, ok := s.Histograms[name]
	if !ok {
		h = NewBins(n, low, high)
		s.Histograms[name] = h
	}
	h.Fill(v)
}

// snapshot is the gob-serializable form of a Sink.
type snapshot struct {
	Histograms map[string]*Bins
}

// Save writes the sink's histograms to path as a gob+gzip blob.
func (s *Sink) Save(fsys fsutil.FileSystem, path string) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := gob.NewEncoder(gz)
	if err := enc.Encode(snapshot{Histograms: s.Histograms}); err != nil {
		gz.Close()
		return fmt.Errorf("histogram: encode: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("histogram: close gzip writer: %w", err)
	}
	if err := fsys.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("histogram: write %s: %w", path, err)
	}
	return nil
}

// Load reads a previously saved Sink from path.
func Load(fsys fsutil.FileSystem, path string) (*Sink, error) {
	blob, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("histogram: read %s: %w", path, err)
	}
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("histogram: gzip reader: %w", err)
	}
	defer gz.Close()

	var snap snapshot
	dec := gob.NewDecoder(gz)
	if err := dec.Decode(&snap); err != nil {
		return nil, fmt.Errorf("histogram: decode: %w", err)
	}
	return &Sink{Histograms: snap.Histograms}, nil
}
