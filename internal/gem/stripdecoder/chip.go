package stripdecoder

import (
	"github.com/jlab-solid/gemdecode/internal/gem/commonmode"
)

// ChipSamples is one chip's raw sample matrix: one row per strip that
// the chip reported, in ascending strip order, each of length
// Params.NSamples.
type ChipSamples struct {
	StripIndex            []int
	Samples               [][]float64
	PedestalMean          []float64
	SigmaStrip            []float64
	PedestalAlreadySubbed bool

	// FullReadout is true when the chip reported all of its channels;
	// the common-mode estimator then runs offline, once per time
	// sample, over this chip's own pedestal-subtracted samples. When
	// false, OnlineCommonMode supplies the value decoded from the
	// chip's debug words for each time sample (length NSamples),
	// optionally passed through the rolling-history corrector.
	FullReadout      bool
	OnlineCommonMode []float64
}

// ChipDecoder decodes every strip reported by one chip for one event,
// choosing between the offline common-mode estimator and the
// online-decoded value (with optional rolling-history correction).
type ChipDecoder struct {
	Strip     *Decoder
	Estimator *commonmode.Estimator
	Corrector *commonmode.Corrector
	State     *commonmode.ChipState

	// Compare, when set, is run alongside Estimator on the same
	// full-readout samples purely so the two methods' results can be
	// histogrammed side by side; its output never affects which strips
	// are retained.
	Compare *commonmode.Estimator
}

// NewChipDecoder builds a ChipDecoder. corrector and state may be nil
// when the run configuration does not enable rolling-history
// correction; estimator may be nil when the run never needs an offline
// estimate (all chips online-suppressed).
func NewChipDecoder(strip *Decoder, estimator *commonmode.Estimator, corrector *commonmode.Corrector, state *commonmode.ChipState) *ChipDecoder {
	return &ChipDecoder{Strip: strip, Estimator: estimator, Corrector: corrector, State: state}
}

// Decode returns one Record per reported strip, in the same order as
// chip.StripIndex, the per-time-sample common-mode vector actually
// applied (offline-estimated, online-decoded, or rolling-corrected),
// kept so the caller can feed it into diagnostics, and the per-sample
// result of Compare when set (nil otherwise).
func (c *ChipDecoder) Decode(chip ChipSamples) ([]*Record, []float64, []float64, error) {
	n := len(chip.StripIndex)
	nSamples := c.Strip.Params.NSamples
	cmPerSample := make([]float64, nSamples)
	var cmCompare []float64
	if c.Compare != nil {
		cmCompare = make([]float64, nSamples)
	}

	switch {
	case chip.FullReadout && c.Estimator != nil && n > 0:
		for s := 0; s < nSamples; s++ {
			vals := make([]float64, n)
			for i := range chip.Samples {
				raw := chip.Samples[i][s]
				if !chip.PedestalAlreadySubbed {
					raw -= chip.PedestalMean[i]
				}
				vals[i] = raw
			}
			v, err := c.Estimator.Compute(vals, chip.SigmaStrip[0])
			if err != nil {
				v = 0
			}
			cmPerSample[s] = v

			if c.Corrector != nil && c.State != nil {
				c.Corrector.Observe(c.State, v)
			}

			if c.Compare != nil {
				cv, cErr := c.Compare.Compute(vals, chip.SigmaStrip[0])
				if cErr == nil {
					cmCompare[s] = cv
				}
			}
		}
	case c.Corrector != nil && c.State != nil && n > 0 && len(chip.OnlineCommonMode) == nSamples:
		// Online zero suppression already discarded strips before this
		// chip was reported: nGood is exactly the number of surviving
		// strips, so the corrector only attempts a correction when that
		// count clears its minimum, falling back to the online value
		// itself otherwise.
		for s := 0; s < nSamples; s++ {
			vals := make([]float64, n)
			for i := range chip.Samples {
				raw := chip.Samples[i][s]
				if !chip.PedestalAlreadySubbed {
					raw -= chip.PedestalMean[i]
				}
				vals[i] = raw
			}
			corrected, cErr := c.Corrector.Compute(c.State, chip.OnlineCommonMode[s], vals, chip.SigmaStrip[0], n)
			if cErr == nil {
				cmPerSample[s] = corrected
			} else {
				cmPerSample[s] = chip.OnlineCommonMode[s]
			}
		}
	case len(chip.OnlineCommonMode) == nSamples:
		copy(cmPerSample, chip.OnlineCommonMode)
	}

	out := make([]*Record, n)
	for i, idx := range chip.StripIndex {
		out[i] = c.Strip.DecodeStrip(idx, chip.Samples[i], chip.PedestalMean[i], chip.PedestalAlreadySubbed, cmPerSample, chip.SigmaStrip[i])
	}
	return out, cmPerSample, cmCompare, nil
}
