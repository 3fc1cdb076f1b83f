package commonmode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// suppressedParams mirrors the looser estimator tuning used once online
// zero suppression has already thinned the strip list: the default
// reject windows (28 each side) assume a full 128-channel readout and
// would reject every sample left on a suppressed chip.
func suppressedParams() Params {
	p := DefaultParams()
	p.NStripRejectLow = 2
	p.NStripRejectHigh = 2
	p.MinStripsInRange = 5
	return p
}

func TestCorrectorNoOpWhenTooFewStrips(t *testing.T) {
	est := NewEstimator(Sorting, suppressedParams())
	corr := NewCorrector(est, DefaultCorrectionParams())
	state := NewChipState(10)

	v, err := corr.Compute(state, 80.0, flatValues(3, -30.0), 1.0, 3)
	require.NoError(t, err)
	require.InDelta(t, 80.0, v, 1e-9)
	require.Equal(t, 0, state.cmHistory.Len())
}

func TestCorrectorNoOpWhenOnlineWithinHistorySigma(t *testing.T) {
	est := NewEstimator(Sorting, suppressedParams())
	corr := NewCorrector(est, DefaultCorrectionParams())
	state := NewChipState(10)

	for _, v := range []float64{49.0, 51.0, 49.0, 51.0} {
		corr.Observe(state, v) // mean 50, RMS 1
	}

	v, err := corr.Compute(state, 50.2, flatValues(20, -30.0), 1.0, 20)
	require.NoError(t, err)
	require.InDelta(t, 50.2, v, 1e-9)
}

// TestCorrectorAppliesOccupancyScaledCorrection exercises the seed
// scenario: 20 strips survive online suppression at a chip whose true
// common mode sits 30 ADC below what the firmware's online estimate
// assumed, and the resulting correction is scaled by 2*(1-20/128).
func TestCorrectorAppliesOccupancyScaledCorrection(t *testing.T) {
	est := NewEstimator(Sorting, suppressedParams())
	corr := NewCorrector(est, DefaultCorrectionParams())
	state := NewChipState(10)

	for i := 0; i < 5; i++ {
		corr.Observe(state, 10.0)
	}

	online := 80.0
	nGood := 20
	// vals + online recomputes to 50, the "full-readout reference" value
	// for this sample: online overshoots the true common mode by 30.
	vals := flatValues(nGood, -30.0)

	v, err := corr.Compute(state, online, vals, 1.0, nGood)
	require.NoError(t, err)

	wantScale := 2.0 * (1.0 - float64(nGood)/128.0)
	require.InDelta(t, 1.6875, wantScale, 1e-9)

	wantCorrection := (online - 50.0) * wantScale
	require.InDelta(t, 30.0*wantScale, wantCorrection, 5.0*wantScale)

	wantResult := online - wantCorrection
	require.InDelta(t, wantResult, v, 1e-6)
}

func TestCorrectorAccumulatesBiasHistory(t *testing.T) {
	est := NewEstimator(Sorting, suppressedParams())
	corr := NewCorrector(est, DefaultCorrectionParams())
	state := NewChipState(10)

	for i := 0; i < 5; i++ {
		corr.Observe(state, 10.0)
	}

	_, err := corr.Compute(state, 80.0, flatValues(20, -30.0), 1.0, 20)
	require.NoError(t, err)
	require.Equal(t, 1, state.biasHistory.Len())
}

func TestCorrectorFallsBackOnEstimatorError(t *testing.T) {
	est := NewEstimator(Sorting, DefaultParams())
	corr := NewCorrector(est, DefaultCorrectionParams())
	state := NewChipState(10)

	for i := 0; i < 5; i++ {
		corr.Observe(state, 10.0)
	}

	// nGood clears MinStrips but is far short of what the (default,
	// full-readout-tuned) estimator itself requires, so it errors and the
	// corrector falls back to the online value untouched.
	v, err := corr.Compute(state, 80.0, flatValues(12, -30.0), 1.0, 12)
	require.NoError(t, err)
	require.InDelta(t, 80.0, v, 1e-9)
}
