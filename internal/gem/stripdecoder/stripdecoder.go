// Package stripdecoder turns one chip's raw sample stream into
// per-strip records: pedestal and common-mode subtracted sums, timing
// observables, a deconvoluted pulse estimate, and a retention decision.
package stripdecoder

import "math"

// FirstLastPolicy governs whether a strip whose peak sample lands on
// the first or last time bin is rejected.
type FirstLastPolicy int

const (
	AllowFirstLast      FirstLastPolicy = 0
	RejectBothFirstLast FirstLastPolicy = 1
	RejectFirstOnly     FirstLastPolicy = -1
	RejectLastOnly      FirstLastPolicy = -2
)

// Params holds the per-module tunables the strip decoder needs. Fields
// not relevant to a given run can be left at their zero value (cuts
// disabled).
type Params struct {
	NSamples int     // number of ADC samples per strip
	Delta    float64 // time bin width
	Tau      float64 // deconvolution shaping time constant

	NZSSigma float64 // zero-suppression threshold in units of sigma_strip

	SuppressFirstLast FirstLastPolicy

	UseChiSqCut bool
	ChiSqCut    float64
	MuK, SigmaK []float64 // pulse-shape reference fractions per sample, len NSamples

	DeconvolutionFlag  bool
	DeconvMaxMin       float64
	DeconvTwoSampleMin float64

	Gain float64 // chip gain * module gain, applied after timing observables

	RecordNegativePolarity bool
}

// Weights returns the 3-tap deconvolution weights derived from
// x = Delta/Tau.
func (p Params) Weights() (w0, w1, w2 float64) {
	x := p.Delta / p.Tau
	w0 = math.Exp(x-1) / x
	w1 = -2 * math.Exp(-1) / x
	w2 = math.Exp(-1-x) / x
	return w0, w1, w2
}

// Record is one strip's fully decoded observables.
type Record struct {
	Index int

	Sum       float64
	MaxSample float64
	MaxIndex  int
	TimeMean  float64
	TimeRMS   float64

	// Shaped holds the pedestal- and common-mode-subtracted, gain-applied
	// sample vector (pre-deconvolution), kept so that 1D clustering can
	// compute a growth-gate correlation against it.
	Shaped []float64

	Deconv               []float64
	DeconvMax            float64
	DeconvMaxIndex       int
	DeconvTwoSampleMax   float64
	DeconvTwoSampleStart int
	DeconvTimeMean       float64

	ChiSquare float64

	Retained         bool
	NegativePolarity bool
}

// Decoder decodes strips for one chip using a fixed Params set.
type Decoder struct {
	Params Params
}

// NewDecoder builds a Decoder for the given parameters.
func NewDecoder(params Params) *Decoder {
	return &Decoder{Params: params}
}

// DecodeStrip processes one strip's raw sample vector (length
// Params.NSamples). pedestalMean is the strip's pedestal; if
// pedestalAlreadySubtracted is true the raw samples are assumed already
// baseline-corrected and pedestalMean is ignored. commonMode is the
// value (offline-computed or corrected) to subtract from every sample
// after pedestal subtraction. sigmaStrip is this strip's expected
// per-sample RMS, used for the zero-suppression and prominence cuts.
// commonMode holds one value per time sample (same for every strip on
// this chip during that readout cycle), decoded either by the offline
// estimator or from the chip's online debug words.
func (d *Decoder) DecodeStrip(index int, rawSamples []float64, pedestalMean float64, pedestalAlreadySubtracted bool, commonMode []float64, sigmaStrip float64) *Record {
	p := d.Params
	n := len(rawSamples)

	a := make([]float64, n)
	for k, raw := range rawSamples {
		v := raw
		if !pedestalAlreadySubtracted {
			v -= pedestalMean
		}
		if k < len(commonMode) {
			v -= commonMode[k]
		}
		a[k] = v
	}

	rec := &Record{Index: index}

	var sum float64
	maxVal := math.Inf(-1)
	maxIdx := 0
	for k, v := range a {
		sum += v
		if v > maxVal {
			maxVal = v
			maxIdx = k
		}
	}
	rec.Sum = sum
	rec.MaxSample = maxVal
	rec.MaxIndex = maxIdx

	var tSum, tSumSq float64
	if sum != 0 {
		for k, v := range a {
			tk := p.Delta * (float64(k) + 0.5)
			tSum += tk * v
		}
		rec.TimeMean = tSum / sum
		for k, v := range a {
			tk := p.Delta * (float64(k) + 0.5)
			d := tk - rec.TimeMean
			tSumSq += d * d * v
		}
		variance := tSumSq / sum
		if variance < 0 {
			variance = 0
		}
		rec.TimeRMS = math.Sqrt(variance)
	}

	w0, w1, w2 := p.Weights()
	deconv := make([]float64, n)
	for k := 0; k < n; k++ {
		v := w0 * a[k]
		if k >= 1 {
			v += w1 * a[k-1]
		}
		if k >= 2 {
			v += w2 * a[k-2]
		}
		deconv[k] = v
	}
	rec.Deconv = deconv

	dMax := math.Inf(-1)
	dMaxIdx := 0
	for k, v := range deconv {
		if v > dMax {
			dMax = v
			dMaxIdx = k
		}
	}
	rec.DeconvMax = dMax
	rec.DeconvMaxIndex = dMaxIdx

	twoMax := math.Inf(-1)
	twoStart := 0
	for k := 0; k < n-1; k++ {
		combo := deconv[k] + deconv[k+1]
		if combo > twoMax {
			twoMax = combo
			twoStart = k
		}
	}
	rec.DeconvTwoSampleMax = twoMax
	rec.DeconvTwoSampleStart = twoStart

	var dtSum, dSum float64
	for _, v := range deconv {
		dSum += v
	}
	if dSum != 0 {
		for k, v := range deconv {
			tk := p.Delta * (float64(k) + 0.5)
			dtSum += tk * v
		}
		rec.DeconvTimeMean = dtSum / dSum
	}

	if p.UseChiSqCut && sum != 0 && len(p.MuK) == n && len(p.SigmaK) == n {
		var chi2 float64
		for k, v := range a {
			if p.SigmaK[k] == 0 {
				continue
			}
			r := (v/sum - p.MuK[k]) / p.SigmaK[k]
			chi2 += r * r
		}
		rec.ChiSquare = chi2
	}

	rec.Retained = d.decideRetention(rec, p, n, sigmaStrip)

	if p.RecordNegativePolarity && !rec.Retained {
		meanSample := sum / float64(maxInt(n, 1))
		if meanSample < -p.NZSSigma*sigmaStrip {
			rec.NegativePolarity = true
		}
	}

	rec.Sum *= p.Gain
	rec.MaxSample *= p.Gain
	rec.DeconvMax *= p.Gain
	rec.DeconvTwoSampleMax *= p.Gain
	for k := range rec.Deconv {
		rec.Deconv[k] *= p.Gain
	}
	for k := range a {
		a[k] *= p.Gain
	}
	rec.Shaped = a

	return rec
}

func (d *Decoder) decideRetention(rec *Record, p Params, n int, sigmaStrip float64) bool {
	meanSample := rec.Sum / float64(maxInt(n, 1))
	if meanSample < p.NZSSigma*sigmaStrip {
		return false
	}

	switch p.SuppressFirstLast {
	case RejectBothFirstLast:
		if rec.MaxIndex == 0 || rec.MaxIndex == n-1 {
			return false
		}
	case RejectFirstOnly:
		if rec.MaxIndex == 0 {
			return false
		}
	case RejectLastOnly:
		if rec.MaxIndex == n-1 {
			return false
		}
	}

	if p.UseChiSqCut && rec.ChiSquare > p.ChiSqCut {
		return false
	}

	if p.DeconvolutionFlag {
		if rec.DeconvMax < p.DeconvMaxMin || rec.DeconvTwoSampleMax < p.DeconvTwoSampleMin {
			return false
		}
		if rec.DeconvMaxIndex == 0 || rec.DeconvMaxIndex == n-1 {
			return false
		}
	}

	return true
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
