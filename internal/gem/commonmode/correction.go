package commonmode

import "github.com/jlab-solid/gemdecode/internal/gem/gemerr"

// CorrectionParams tunes the rolling-history correction path applied
// when online zero suppression has already discarded some strips
// before the common-mode estimate is computed.
type CorrectionParams struct {
	MinStrips     int     // minimum surviving strips required to trust the direct estimate
	NCorrSigma    float64 // N_corr, widens the acceptance window by this many sigma
	HistoryLength int     // rolling window length for both CM and bias history
}

// DefaultCorrectionParams returns the correction tunables used during
// normal online-suppressed running.
func DefaultCorrectionParams() CorrectionParams {
	return CorrectionParams{
		MinStrips:     10,
		NCorrSigma:    3.0,
		HistoryLength: 100,
	}
}

// ChipState holds the persistent, per-chip rolling history needed by
// the correction path: a rolling window of recent common-mode estimates
// and a rolling window of the bias this chip has exhibited against its
// own recent history. Both windows share the RollingWindow
// implementation.
type ChipState struct {
	cmHistory   *RollingWindow
	biasHistory *RollingWindow
}

// NewChipState creates a ChipState with the given rolling-history length.
func NewChipState(historyLength int) *ChipState {
	return &ChipState{
		cmHistory:   NewRollingWindow(historyLength),
		biasHistory: NewRollingWindow(historyLength),
	}
}

// Corrector applies the rolling-history correction path on top of a
// plain Estimator: when a chip has too few surviving strips for the
// direct algorithm to trust (online zero suppression already dropped
// the rest), the online value is used unchanged; otherwise the common
// mode is recomputed on the surviving strips and the online value is
// corrected by the difference, adjusted by the chip's rolling bias and
// scaled for the fraction of strips the online suppression discarded.
type Corrector struct {
	Estimator *Estimator
	Params    CorrectionParams
}

// NewCorrector builds a Corrector wrapping the given Estimator.
func NewCorrector(estimator *Estimator, params CorrectionParams) *Corrector {
	return &Corrector{Estimator: estimator, Params: params}
}

// Observe feeds value (the direct common-mode estimate for one
// full-readout chip/time-slice) into the rolling history that
// Compute compares the online value against. It is
// the only way cmHistory is populated; Compute only ever reads it.
func (c *Corrector) Observe(state *ChipState, value float64) {
	state.cmHistory.Add(value)
}

// Compute returns the common-mode value to subtract for one
// online-suppressed chip's time slice. online is the chip-reported
// online common-mode estimate for this sample; survivingValues holds
// the nGood pedestal-subtracted (but not online-CM-subtracted) samples
// of the strips that survived online zero suppression; sigmaStrip is
// this chip's per-strip RMS.
//
// Returns online unchanged ("no correction applied") when fewer than
// MinStrips strips survived, or when online is already within
// NCorrSigma·σ of the rolling mean (a check skipped while the rolling
// history is empty), or when the estimator finds too few usable
// samples. Otherwise it recomputes the common mode on the
// surviving strips — adding online back in first, since those strips
// were selected by a threshold measured against it — and returns
// online minus the occupancy-scaled (online − new − bias) correction.
func (c *Corrector) Compute(state *ChipState, online float64, survivingValues []float64, sigmaStrip float64, nGood int) (float64, error) {
	if nGood < c.Params.MinStrips {
		return online, nil
	}
	if state.cmHistory.Len() > 0 && abs(online-state.cmHistory.Mean()) < c.Params.NCorrSigma*state.cmHistory.RMS() {
		return online, nil
	}

	adjusted := make([]float64, len(survivingValues))
	for i, v := range survivingValues {
		adjusted[i] = v + online
	}
	newEstimate, err := c.Estimator.Compute(adjusted, sigmaStrip)
	if err != nil {
		var nes *gemerr.NotEnoughStripsError
		if asNotEnoughStrips(err, &nes) {
			return online, nil
		}
		return 0, err
	}

	bias := state.biasHistory.Mean()
	occupancyScale := 2.0 * (1.0 - float64(nGood)/float64(chanmapChannelsPerChip))
	if occupancyScale < 0 {
		occupancyScale = 0
	}
	correction := (online - newEstimate - bias) * occupancyScale

	state.biasHistory.Add(online - newEstimate)

	return online - correction, nil
}

// chanmapChannelsPerChip mirrors chanmap.NumChannels without importing
// the chanmap package, since the correction path only needs the scalar
// channel count, not the channel-mapping machinery.
const chanmapChannelsPerChip = 128

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func asNotEnoughStrips(err error, target **gemerr.NotEnoughStripsError) bool {
	nes, ok := err.(*gemerr.NotEnoughStripsError)
	if !ok {
		return false
	}
	*target = nes
	return true
}
