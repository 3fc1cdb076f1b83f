// Package pedestal holds the per-strip expected baseline and noise
// tables used to subtract a strip's DC offset before common-mode
// correction and zero suppression.
package pedestal

import "fmt"

// Table holds per-strip pedestal mean and RMS, keyed by axis and strip
// index. It is read-only after construction; the decode loop never
// mutates it.
type Table struct {
	meanU, rmsU []float64
	meanV, rmsV []float64
}

// NewTable builds a Table from per-axis mean/RMS slices. The slices for
// a given axis must have equal length; NewTable panics otherwise, since
// a mismatched pedestal table is a configuration error caught at load
// time, not a per-event condition.
func NewTable(meanU, rmsU, meanV, rmsV []float64) *Table {
	if len(meanU) != len(rmsU) {
		panic(fmt.Sprintf("pedestal: U mean/rms length mismatch: %d vs %d", len(meanU), len(rmsU)))
	}
	if len(meanV) != len(rmsV) {
		panic(fmt.Sprintf("pedestal: V mean/rms length mismatch: %d vs %d", len(meanV), len(rmsV)))
	}
	return &Table{meanU: meanU, rmsU: rmsU, meanV: meanV, rmsV: rmsV}
}

// Mean returns the pedestal mean for strip i on the given axis (0=U, 1=V).
func (t *Table) Mean(axis int, i int) float64 {
	if axis == 0 {
		return t.meanU[i]
	}
	return t.meanV[i]
}

// RMS returns the pedestal RMS for strip i on the given axis.
func (t *Table) RMS(axis int, i int) float64 {
	if axis == 0 {
		return t.rmsU[i]
	}
	return t.rmsV[i]
}

// RMSSlice returns the full per-strip RMS slice for the given axis,
// for callers that need a population-level summary (e.g. an average
// noise scale) rather than one strip's value.
func (t *Table) RMSSlice(axis int) []float64 {
	if axis == 0 {
		return t.rmsU
	}
	return t.rmsV
}

// NStrips returns the number of strips on the given axis.
func (t *Table) NStrips(axis int) int {
	if axis == 0 {
		return len(t.meanU)
	}
	return len(t.meanV)
}

// ExpandScalar builds a uniform per-strip slice of length n from a
// single scalar value; used when the configuration supplies one pedestal
// or RMS value for an entire axis instead of a per-strip or per-chip
// array, for configurations that supply one pedestal or RMS value for
// a whole axis rather than per strip.
func ExpandScalar(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// ExpandPerChip expands a per-chip slice (one value per front-end chip)
// into a per-strip slice, replicating each chip's value across its
// NumChannels contributed strips.
func ExpandPerChip(perChip []float64, numChannelsPerChip, nstrips int) []float64 {
	out := make([]float64, nstrips)
	for i := range out {
		chip := i / numChannelsPerChip
		if chip >= len(perChip) {
			chip = len(perChip) - 1
		}
		out[i] = perChip[chip]
	}
	return out
}
