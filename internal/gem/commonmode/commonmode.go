// Package commonmode computes the per-chip, per-time-sample baseline
// fluctuation ("common mode") that must be subtracted from every
// channel's pedestal-subtracted ADC value, using one of four selectable
// algorithms, plus a rolling-history correction path for chips whose
// online zero suppression already discarded some strips.
package commonmode

import (
	"math"
	"sort"

	"github.com/jlab-solid/gemdecode/internal/gem/gemerr"
)

// Flag selects the common-mode algorithm.
type Flag int

const (
	// Sorting discards the lowest/highest strips and averages the rest.
	Sorting Flag = iota
	// Danning iteratively recenters on the mean of in-range strips.
	Danning
	// Histogramming scans a sliding window and picks the densest bin.
	Histogramming
	// OnlineDanningGMn is the two-pass "online" Danning variant used
	// during the GMn-era running conditions.
	OnlineDanningGMn
	// OnlineDanningGEn is the iterative, bounded online Danning variant
	// used during the GEn-era running conditions.
	OnlineDanningGEn
)

// Params holds the tunable thresholds for all four algorithms. Zero
// values are not valid defaults; use DefaultParams.
type Params struct {
	NStripRejectLow  int     // R_lo, default 28
	NStripRejectHigh int     // R_hi, default 28
	MinStripsInRange int     // M_min, default 10
	NumIterations    int     // N_iter for Danning, default 3
	DanningNsigmaCut float64 // k, default 5
	BinWidthNsigma   float64 // W, default 2
	ScanRangeNsigma  float64 // R, default 4
	StepSizeNsigma   float64 // S, default 0.2
	NumSamples       int     // N_samples, used to scale per-sample sigma to per-sum sigma
}

// DefaultParams returns the parameter set used during normal running.
func DefaultParams() Params {
	return Params{
		NStripRejectLow:  28,
		NStripRejectHigh: 28,
		MinStripsInRange: 10,
		NumIterations:    3,
		DanningNsigmaCut: 5.0,
		BinWidthNsigma:   2.0,
		ScanRangeNsigma:  4.0,
		StepSizeNsigma:   0.2,
		NumSamples:       6,
	}
}

// Estimator computes a common-mode value from one chip's pedestal-
// subtracted ADC values for one time sample, using the configured
// algorithm and falling back to sorting when the configured algorithm
// cannot produce an estimate.
type Estimator struct {
	Flag   Flag
	Params Params
}

// NewEstimator builds an Estimator for the given algorithm flag.
func NewEstimator(flag Flag, params Params) *Estimator {
	return &Estimator{Flag: flag, Params: params}
}

// Compute returns the common-mode value to subtract from every sample
// in this time slice, given the chip's pedestal-subtracted values and
// the expected per-sample strip RMS (sigma_strip) used by the
// algorithms that need a noise scale.
func (e *Estimator) Compute(values []float64, sigmaStrip float64) (float64, error) {
	switch e.Flag {
	case Sorting:
		return sortingMethod(values, e.Params.NStripRejectLow, e.Params.NStripRejectHigh, e.Params.MinStripsInRange)
	case Danning:
		v, err := danningMethod(values, sigmaStrip, e.Params)
		if err != nil {
			// Danning iteration 0 falls back to sorting.
			return sortingMethod(values, e.Params.NStripRejectLow, e.Params.NStripRejectHigh, e.Params.MinStripsInRange)
		}
		return v, nil
	case Histogramming:
		v, ok := histogrammingMethod(values, sigmaStrip, e.Params)
		if !ok {
			return sortingMethod(values, e.Params.NStripRejectLow, e.Params.NStripRejectHigh, e.Params.MinStripsInRange)
		}
		return v, nil
	case OnlineDanningGMn:
		return onlineDanningGMn(values, sigmaStrip)
	case OnlineDanningGEn:
		return onlineDanningGEn(values, sigmaStrip, e.Params)
	default:
		return sortingMethod(values, e.Params.NStripRejectLow, e.Params.NStripRejectHigh, e.Params.MinStripsInRange)
	}
}

// sortingMethod implements Flag 0: sort ascending, discard the lowest
// rLo and highest rHi, average the remainder.
func sortingMethod(values []float64, rLo, rHi, mMin int) (float64, error) {
	n := len(values)
	if n < rLo+rHi+mMin {
		return 0, &gemerr.NotEnoughStripsError{Method: "sorting", Have: n, Required: rLo + rHi + mMin}
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	kept := sorted[rLo : n-rHi]
	if len(kept) == 0 {
		return 0, &gemerr.NotEnoughStripsError{Method: "sorting", Have: n, Required: rLo + rHi + 1}
	}
	return mean(kept), nil
}

// danningMethod implements Flag 1: iterate up to NumIterations times,
// accepting strips within an nsigma window that recenters each pass.
func danningMethod(values []float64, sigmaStrip float64, p Params) (float64, error) {
	n := len(values)
	if n == 0 {
		return 0, &gemerr.NotEnoughStripsError{Method: "danning", Have: 0, Required: p.MinStripsInRange}
	}

	mu := mean(values)
	sigma := stddev(values, mu)

	inRange := values
	for iter := 0; iter < p.NumIterations; iter++ {
		var lo, hi float64
		if iter == 0 {
			lo, hi = mu-p.DanningNsigmaCut*sigma, mu+p.DanningNsigmaCut*sigma
		} else {
			width := p.DanningNsigmaCut * sigmaStrip * math.Sqrt(float64(maxInt(p.NumSamples, 1)))
			lo, hi = mu-width, mu+width
		}

		selected := selectInRange(values, lo, hi)
		if iter == 0 && len(selected) < p.MinStripsInRange {
			return 0, &gemerr.NotEnoughStripsError{Method: "danning", Have: len(selected), Required: p.MinStripsInRange}
		}
		if len(selected) == 0 {
			break
		}
		inRange = selected
		mu = mean(inRange)
	}
	return mu, nil
}

// histogrammingMethod implements Flag 2: step a sliding window of
// half-width W across [mu-R*sigma, mu+R*sigma] in stride S*sigma; each
// strip increments every bin whose centre is within W of its value;
// return the mean of the strips landing in the densest bin. ok is false
// (triggering the sorting fallback) when the densest bin's count is
// below MinStripsInRange.
func histogrammingMethod(values []float64, sigmaStrip float64, p Params) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	mu := mean(values)
	halfWidth := p.BinWidthNsigma * sigmaStrip
	lo := mu - p.ScanRangeNsigma*sigmaStrip
	hi := mu + p.ScanRangeNsigma*sigmaStrip
	step := p.StepSizeNsigma * sigmaStrip
	if step <= 0 {
		step = sigmaStrip
	}

	bestCount := -1
	var bestMean float64
	for center := lo; center <= hi; center += step {
		var sum float64
		count := 0
		for _, v := range values {
			if math.Abs(v-center) <= halfWidth {
				sum += v
				count++
			}
		}
		if count > bestCount {
			bestCount = count
			if count > 0 {
				bestMean = sum / float64(count)
			}
		}
	}
	if bestCount < p.MinStripsInRange {
		return 0, false
	}
	return bestMean, true
}

// onlineDanningGMn implements Flags 3: two-pass online Danning. Pass 1
// averages positive strips below mu+5*sigma; pass 2 averages strips
// below the pass-1 result plus 3*sigmaStrip.
func onlineDanningGMn(values []float64, sigmaStrip float64) (float64, error) {
	if len(values) == 0 {
		return 0, &gemerr.NotEnoughStripsError{Method: "online-danning-3", Have: 0, Required: 1}
	}
	mu := mean(values)
	sigma := stddev(values, mu)

	var sum1 float64
	n1 := 0
	for _, v := range values {
		if v > 0 && v < mu+5*sigma {
			sum1 += v
			n1++
		}
	}
	if n1 == 0 {
		return mu, nil
	}
	pass1 := sum1 / float64(n1)

	var sum2 float64
	n2 := 0
	for _, v := range values {
		if v < pass1+3*sigmaStrip {
			sum2 += v
			n2++
		}
	}
	if n2 == 0 {
		return pass1, nil
	}
	return sum2 / float64(n2), nil
}

// onlineDanningGEn implements Flag 4: like onlineDanningGMn, but
// iterates to convergence (bounded by NumIterations) and additionally
// bounds the accepted range to +/- cut*2.5*sigmaStrip about the running
// result.
func onlineDanningGEn(values []float64, sigmaStrip float64, p Params) (float64, error) {
	result, err := onlineDanningGMn(values, sigmaStrip)
	if err != nil {
		return 0, err
	}
	bound := p.DanningNsigmaCut * 2.5 * sigmaStrip
	for iter := 1; iter < p.NumIterations; iter++ {
		var sum float64
		n := 0
		for _, v := range values {
			if math.Abs(v-result) <= bound {
				sum += v
				n++
			}
		}
		if n == 0 {
			break
		}
		next := sum / float64(n)
		if math.Abs(next-result) < 1e-9 {
			result = next
			break
		}
		result = next
	}
	return result, nil
}

func selectInRange(values []float64, lo, hi float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if v >= lo && v <= hi {
			out = append(out, v)
		}
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stddev(values []float64, mu float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sumSq float64
	for _, v := range values {
		d := v - mu
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
