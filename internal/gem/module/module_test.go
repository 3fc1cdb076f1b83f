package module

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jlab-solid/gemdecode/internal/gem/chanmap"
	"github.com/jlab-solid/gemdecode/internal/gem/commonmode"
	"github.com/jlab-solid/gemdecode/internal/gem/eventfile"
	"github.com/jlab-solid/gemdecode/internal/gem/gemconfig"
)

const (
	testCrate = 1
	testSlot  = 1
	chipU     = 0
	chipV     = 1
)

// pulseShape is a fixed 6-sample time profile summing to 1.0; every
// injected strip in these tests reuses it so that shaped-sample
// correlation between strips is exact (1.0 for same-polarity pulses),
// matching the real APV25 pulse shape's role without needing a physics
// model here.
var pulseShape = []float64{0.05, 0.15, 0.30, 0.30, 0.15, 0.05}

// baseConfig returns a Config shared by every scenario below: a single
// U chip and a single V chip, identity (MC) channel mapping so a raw
// wire channel equals its physical strip index, and a pedestal baseline
// of 100 ADC with RMS 2 across all 256 strips.
func baseConfig() *gemconfig.Config {
	ped := make([]float64, 128)
	rms := make([]float64, 128)
	for i := range ped {
		ped[i] = 100
		rms[i] = 2
	}
	return &gemconfig.Config{
		NStripsU: 128, NStripsV: 128,
		UAngle: 0, VAngle: 1.5707963267948966,
		UPitch: 0.04, VPitch: 0.04,
		Position: [3]float64{0, 0, 0},
		Size:     [3]float64{4, 4, 4},
		Angle:    [3]float64{0, 0, 0},

		PedU: ped, PedV: append([]float64(nil), ped...),
		RMSU: rms, RMSV: append([]float64(nil), rms...),

		ModuleGain: 1.0,
		UGain:      []float64{1.0},
		VGain:      []float64{1.0},

		ThresholdSample:           50,
		ThresholdStripSum:         250,
		ThresholdClusterSum:       500,
		PeakProminenceMinSigma:    3.0,
		PeakProminenceMinFraction: 0.5,

		MaxNUCharge: 5, MaxNVCharge: 5,
		MaxNUPos: 5, MaxNVPos: 5,
		SigmaHitShape: 0.5,

		ADCAsymCut:   0.1,
		DeltaTCut:    5,
		CorrCoeffCut: 0.9,

		ZeroSuppress:       true,
		ZeroSuppressNSigma: 3.0,

		CommonModeFlag:             commonmode.Sorting,
		CommonModeOnlineFlag:       commonmode.Sorting,
		CommonModeNStripLo:         28,
		CommonModeNStripHi:         28,
		CommonModeNIter:            3,
		CommonModeMinStrips:        10,
		CommonModeDanningNSigmaCut: 5.0,
		CommonModeBinNSigma:        2.0,
		CommonModeScanNSigma:       4.0,
		CommonModeStepNSigma:       0.2,
		CommonModeNEventsLookback:  100,
		CorrectCommonModeMinStrips: 10,
		CorrectCommonModeNSigma:    3.0,

		AddStripCCorCut:  0.5,
		DeconvolutionTau: 50,
		NSamples:         6,
		SampleDelta:      24.0,
		ChiSqCut:         10.0,

		ChanMap: []chanmap.Entry{
			{Crate: testCrate, Slot: testSlot, ChipID: chipU, Position: 0, Invert: false, Axis: 0, DenseIndex: 0},
			{Crate: testCrate, Slot: testSlot, ChipID: chipV, Position: 0, Invert: false, Axis: 1, DenseIndex: 1},
		},
		APVMap: int(chanmap.MC),

		// -1 (not 0) disables the APV timing debug channels: raw
		// channel 0 is strip 0's channel in this fixture's identity
		// mapping, and must not be mistaken for a timing/event-count
		// debug word.
		ChanTimestampLow:  -1,
		ChanTimestampHigh: -1,
		ChanEventCount:    -1,

		Max2DHits: 100,
	}
}

// addFlatStrip injects a strip whose raw ADC is constant across every
// time sample: pedestal baseline plus a fixed per-sample offset.
func addFlatStrip(ev *eventfile.MemoryEvent, chip uint32, strip int, nSamples int, raw float64) {
	for s := 0; s < nSamples; s++ {
		packed := uint32(strip<<8 | s)
		ev.Add(testCrate, testSlot, chip, packed, uint32(raw))
	}
}

// addPulseStrip injects a strip shaped by pulseShape, scaled so its
// pedestal-subtracted sum equals sum. Each raw sample is truncated to a
// whole ADC count, so a sum whose scaled samples are fractional comes
// out slightly lower (550 gives 27.5 and 82.5, stored as 27 and 82, for
// a sum of 548).
func addPulseStrip(ev *eventfile.MemoryEvent, chip uint32, strip int, pedestal, sum float64) {
	for s, frac := range pulseShape {
		packed := uint32(strip<<8 | s)
		ev.Add(testCrate, testSlot, chip, packed, uint32(pedestal+frac*sum))
	}
}

// Scenario 1: pedestal-only run. Every strip on the U chip sits at its
// pedestal plus symmetric noise (+/-2, matching its configured RMS);
// none should clear the zero-suppression threshold, and the offline
// common-mode estimate should land on zero since the noise is balanced
// strip-by-strip.
func TestModulePedestalOnlyRunRetainsNoStrips(t *testing.T) {
	cfg := baseConfig()
	m, err := New(cfg)
	require.NoError(t, err)

	ev := eventfile.NewMemoryEvent(1)
	for strip := 0; strip < 128; strip++ {
		offset := 2.0
		if strip%2 == 1 {
			offset = -2.0
		}
		addFlatStrip(ev, chipU, strip, cfg.NSamples, 100+offset)
	}

	state := m.DecodeEvent(ev)
	require.Empty(t, state.Errors)
	require.Empty(t, state.StripsU)
	require.Empty(t, state.Hits)

	// common_mode_u bins on a width-4 grid over [-200,200); the true
	// estimate (0, exactly, since the sorting trim is symmetric around
	// the balanced +/-2 noise) falls in the bin centred on 2.
	h, ok := m.Histograms.Histograms["common_mode_u"]
	require.True(t, ok)
	require.InDelta(t, 2.0, h.Mean(), 1e-6)

	// adc_minus_pedestal_cm bins on a width-1 grid over [-100,100); half
	// the 128 strips fall in the bin centred on 2.5 (true value 2), half
	// in the bin centred on -1.5 (true value -2), giving an exact 0.5/2.0
	// mean/RMS rather than the untouched +/-2.
	diag, ok := m.Histograms.Histograms["adc_minus_pedestal_cm"]
	require.True(t, ok)
	require.InDelta(t, 0.5, diag.Mean(), 1e-6)
	require.InDelta(t, 2.0, diag.RMS(), 1e-6)
}

// Scenario 2: one isolated hit on U. A single strip carries a pulse
// with no neighbours present at all; it must survive as one 1D cluster
// with the exact summary fields the raw samples imply, and produce no
// 2D hit since there is no V-side partner.
func TestModuleIsolatedSingleHitOnU(t *testing.T) {
	cfg := baseConfig()
	m, err := New(cfg)
	require.NoError(t, err)

	ev := eventfile.NewMemoryEvent(2)
	samples := []float64{5, 60, 180, 220, 140, 40}
	for s, v := range samples {
		packed := uint32(100<<8 | s)
		ev.Add(testCrate, testSlot, chipU, packed, uint32(100+v))
	}

	state := m.DecodeEvent(ev)
	require.Empty(t, state.Errors)
	require.Len(t, state.StripsU, 1)
	require.Equal(t, 100, state.StripsU[0].Index)
	require.InDelta(t, 645.0, state.StripsU[0].Sum, 1e-9)

	require.Len(t, state.ClustersU, 1)
	cluster := state.ClustersU[0]
	require.Equal(t, 100, cluster.PeakIndex)
	require.Equal(t, 1, cluster.NStrips)
	require.InDelta(t, 645.0, cluster.Sum, 1e-9)

	require.Empty(t, state.Hits)
}

// Scenario 3: matched U/V crossing. Three contiguous strips on each
// axis share the same time profile, so the 2D assembler should see low
// asymmetry, near-zero delta-t, and perfect strip/cluster correlation.
func TestModuleMatchedUVCrossingProducesHighQualityHit(t *testing.T) {
	cfg := baseConfig()
	m, err := New(cfg)
	require.NoError(t, err)

	ev := eventfile.NewMemoryEvent(3)
	addPulseStrip(ev, chipU, 50, 100, 600)
	addPulseStrip(ev, chipU, 51, 100, 1200)
	addPulseStrip(ev, chipU, 52, 100, 500)
	addPulseStrip(ev, chipV, 80, 100, 550)
	addPulseStrip(ev, chipV, 81, 100, 1300)
	addPulseStrip(ev, chipV, 82, 100, 580)

	state := m.DecodeEvent(ev)
	require.Empty(t, state.Errors)

	require.Len(t, state.ClustersU, 1)
	require.Equal(t, 51, state.ClustersU[0].PeakIndex)
	require.InDelta(t, 2300.0, state.ClustersU[0].Sum, 1e-6)

	require.Len(t, state.ClustersV, 1)
	require.Equal(t, 81, state.ClustersV[0].PeakIndex)
	require.InDelta(t, 2428.0, state.ClustersV[0].Sum, 1e-6) // 548 + 1300 + 580, see addPulseStrip

	require.Len(t, state.Hits, 1)
	hit := state.Hits[0]
	require.InDelta(t, 0.0, hit.Asymmetry, 0.05)
	require.InDelta(t, 0.0, hit.DeltaT, 1e-6)
	require.GreaterOrEqual(t, hit.CorrClusterShaped, 0.95)
	require.True(t, hit.Keep)
	require.True(t, hit.HighQuality)
}

// injectOverlappingPeaks builds the shared strip layout for scenario 4:
// two peaks at strips 40 and 46 separated by a valley at 43, plus a low
// guard strip at 47 so the right-hand prominence scan has somewhere to
// descend to instead of stopping at the chip's edge.
func injectOverlappingPeaks(ev *eventfile.MemoryEvent) {
	sums := map[int]float64{
		40: 1000, 41: 700, 42: 450, 43: 300, 44: 450, 45: 600, 46: 800, 47: 50,
	}
	for strip, sum := range sums {
		addPulseStrip(ev, chipU, strip, 100, sum)
	}
}

// Scenario 4a: with a loose fractional-prominence cut, both peaks clear
// pruning and the finder reports two separate 1D clusters.
func TestModuleOverlappingPeaksProminenceKeepsBothWithLooseFraction(t *testing.T) {
	cfg := baseConfig()
	cfg.PeakProminenceMinSigma = 3.0   // N_prom
	cfg.PeakProminenceMinFraction = 0.3 // F_prom: 500/800 = 0.625 clears this
	m, err := New(cfg)
	require.NoError(t, err)
	m.finderU.Config.SigmaSum = 60.0 // sigma_sum, per the scenario's N_prom*sigma_sum=180

	ev := eventfile.NewMemoryEvent(4)
	injectOverlappingPeaks(ev)

	state := m.DecodeEvent(ev)
	require.Empty(t, state.Errors)
	require.Len(t, state.ClustersU, 2)

	peaks := []int{state.ClustersU[0].PeakIndex, state.ClustersU[1].PeakIndex}
	require.ElementsMatch(t, []int{40, 46}, peaks)
}

// Scenario 4b: tightening the fractional-prominence cut to 0.7 prunes
// the smaller peak (500/800 = 0.625 < 0.7), leaving one cluster behind
// the dominant peak at strip 40.
func TestModuleOverlappingPeaksProminencePrunesSecondWithTightFraction(t *testing.T) {
	cfg := baseConfig()
	cfg.PeakProminenceMinSigma = 3.0
	cfg.PeakProminenceMinFraction = 0.7
	m, err := New(cfg)
	require.NoError(t, err)
	m.finderU.Config.SigmaSum = 60.0

	ev := eventfile.NewMemoryEvent(4)
	injectOverlappingPeaks(ev)

	state := m.DecodeEvent(ev)
	require.Empty(t, state.Errors)
	require.Len(t, state.ClustersU, 1)
	require.Equal(t, 40, state.ClustersU[0].PeakIndex)
}

// Scenario 5: common-mode drift. A full-readout chip carries a constant
// +40 ADC baseline shift on top of its usual balanced +/-2 noise for
// 150 consecutive events; the common-mode diagnostic should track the
// shift closely (well within a couple of ADC) throughout, since the
// sorting estimator recovers the shift exactly from the balanced noise.
func TestModuleCommonModeDriftTracksConstantOffset(t *testing.T) {
	cfg := baseConfig()
	m, err := New(cfg)
	require.NoError(t, err)

	const offset = 40.0
	for evNum := uint64(1); evNum <= 150; evNum++ {
		ev := eventfile.NewMemoryEvent(evNum)
		for strip := 0; strip < 128; strip++ {
			delta := 2.0
			if strip%2 == 1 {
				delta = -2.0
			}
			addFlatStrip(ev, chipU, strip, cfg.NSamples, 100+offset+delta)
		}
		state := m.DecodeEvent(ev)
		require.Empty(t, state.Errors)
		require.Empty(t, state.StripsU)
	}

	// The sorting estimate recovers the +40 offset exactly every event
	// (symmetric +/-2 trim), so every fill lands in the same width-4 bin,
	// centred on 42 rather than the untouched 40.
	h := m.Histograms.Histograms["common_mode_u"]
	require.InDelta(t, offset+2.0, h.Mean(), 1e-6)
	require.InDelta(t, 0.0, h.RMS(), 1e-6)
}

// Scenario 6: an online-suppressed event after rolling-history seeding.
// Two full-readout "calibration" events feed the chip's rolling
// common-mode history (10 and then 20 ADC per time sample); a third
// event reports only 20 of 128 strips and carries no online common-mode
// debug words, so the decoder has no online value to correct and
// subtracts nothing: the seeded history is not substituted for it.
func TestModuleOnlineSuppressedEventWithoutOnlineCMIgnoresRollingHistory(t *testing.T) {
	cfg := baseConfig()
	cfg.CorrectCommonMode = true
	cfg.CorrectCommonModeMinStrips = 30
	cfg.CommonModeNEventsLookback = 2
	m, err := New(cfg)
	require.NoError(t, err)

	seedEvent := func(evNum uint64, target float64) {
		ev := eventfile.NewMemoryEvent(evNum)
		for strip := 0; strip < 128; strip++ {
			delta := target - 2.0
			if strip%2 == 1 {
				delta = target + 2.0
			}
			addFlatStrip(ev, chipU, strip, cfg.NSamples, 100+delta)
		}
		state := m.DecodeEvent(ev)
		require.Empty(t, state.Errors)
	}
	seedEvent(1, 10)
	seedEvent(2, 20)

	// No online common mode is reported for the final event, so no
	// common mode, corrected or otherwise, is subtracted.
	const wantCorrection = 0.0

	// The final event reports only 20 of 128 strips: 19 sit flat at
	// pedestal (and so sum to zero, below threshold) and one carries a
	// real pulse, so its sum is
	// readable directly off state.StripsU without the cross-event
	// contamination a shared cumulative histogram would introduce.
	const pulseSum = 2000.0
	ev := eventfile.NewMemoryEvent(3)
	addPulseStrip(ev, chipU, 0, 100, pulseSum)
	for strip := 1; strip < 20; strip++ {
		addFlatStrip(ev, chipU, strip, cfg.NSamples, 100)
	}
	state := m.DecodeEvent(ev)
	require.Empty(t, state.Errors)

	require.Len(t, state.StripsU, 1)
	require.Equal(t, 0, state.StripsU[0].Index)
	wantSum := pulseSum - float64(cfg.NSamples)*wantCorrection
	require.InDelta(t, wantSum, state.StripsU[0].Sum, 1e-6)
}

// APV event-count diagnostic: each chip's raw stream can carry a
// dedicated event-count debug word (channel 200, outside the 128-strip
// range) alongside its ordinary strip data. A chip whose counter
// diverges from the reference chip's should be flagged without the
// debug word being mistaken for strip data.
func TestModuleEventCountAlignmentFlagsDriftedAPV(t *testing.T) {
	cfg := baseConfig()
	cfg.ChanEventCount = 200
	m, err := New(cfg)
	require.NoError(t, err)

	ev := eventfile.NewMemoryEvent(1)
	addFlatStrip(ev, chipU, 10, cfg.NSamples, 100)
	addFlatStrip(ev, chipV, 10, cfg.NSamples, 100)
	ev.Add(testCrate, testSlot, chipU, uint32(200<<8|0), 7)
	ev.Add(testCrate, testSlot, chipV, uint32(200<<8|0), 9)

	state := m.DecodeEvent(ev)
	require.Empty(t, state.Errors)

	require.Empty(t, state.StripsU)
	require.Empty(t, state.StripsV)
	require.Equal(t, []int{1}, m.EventCountAlignment())
}

// Pedestal-run diagnostic mode: every strip's pedestal/common-mode-
// subtracted ADC goes into a per-strip histogram instead of feeding
// clustering, even for strips well below the zero-suppression threshold.
func TestModulePedestalModeFillsPerStripHistogramsSkipsClustering(t *testing.T) {
	cfg := baseConfig()
	cfg.PedestalMode = true
	m, err := New(cfg)
	require.NoError(t, err)

	ev := eventfile.NewMemoryEvent(1)
	for strip := 0; strip < 128; strip++ {
		addFlatStrip(ev, chipU, strip, cfg.NSamples, 100)
	}

	state := m.DecodeEvent(ev)
	require.Empty(t, state.Errors)
	require.Empty(t, state.StripsU)
	require.Empty(t, state.Hits)

	// Width-1 bins over [-100,100): the true value 0 falls in the bin
	// centred on 0.5.
	h, ok := m.Histograms.Histograms["pedestal_strip_u_10"]
	require.True(t, ok)
	require.InDelta(t, 0.5, h.Mean(), 1e-6)

	_, ok = m.Histograms.Histograms["adc_minus_pedestal_cm"]
	require.False(t, ok, "pedestal mode should bypass the clustering diagnostic fill")
}

// MakeCommonModePlots: the configured common-mode method (Danning here)
// still governs retention, but the sorting method also runs on the side
// purely for histogram comparison.
func TestModuleMakeCommonModePlotsFillsComparisonHistogram(t *testing.T) {
	cfg := baseConfig()
	cfg.CommonModeFlag = commonmode.Danning
	cfg.MakeCommonModePlots = true
	m, err := New(cfg)
	require.NoError(t, err)

	ev := eventfile.NewMemoryEvent(1)
	for strip := 0; strip < 128; strip++ {
		addFlatStrip(ev, chipU, strip, cfg.NSamples, 100)
	}

	state := m.DecodeEvent(ev)
	require.Empty(t, state.Errors)

	_, ok := m.Histograms.Histograms["common_mode_u"]
	require.True(t, ok)
	// Width-4 bins over [-200,200): the sorting estimate 0 falls in the
	// bin centred on 2.
	h, ok := m.Histograms.Histograms["common_mode_u_sorting"]
	require.True(t, ok)
	require.InDelta(t, 2.0, h.Mean(), 1e-6)
}

// Every fired strip's per-sample ADC fraction goes into a diagnostic
// histogram (whether or not it survives retention), and a second,
// narrower histogram collects only the strips that do survive.
func TestModulePulseShapeFractionHistogramsCoverFiredAndGoodStrips(t *testing.T) {
	cfg := baseConfig()
	m, err := New(cfg)
	require.NoError(t, err)

	ev := eventfile.NewMemoryEvent(1)
	addPulseStrip(ev, chipU, 10, 100, 1000)

	state := m.DecodeEvent(ev)
	require.Empty(t, state.Errors)
	require.Len(t, state.StripsU, 1)

	_, ok := m.Histograms.Histograms["goodstrip_tsfrac_all_2"]
	require.True(t, ok, "fired strip should contribute to the all-strips fraction histogram")
	_, ok = m.Histograms.Histograms["goodstrip_tsfrac_good_2"]
	require.True(t, ok, "retained strip should also contribute to the surviving-cut fraction histogram")
}

// A strip whose mean ADC dips well below zero (crosstalk/overshoot from
// a neighbouring real hit, not a genuine signal) never clears the
// positive zero-suppression threshold, so it is dropped from clustering
// entirely, but its negative excursion still lands in a dedicated
// diagnostic histogram.
func TestModuleNegativePolarityStripFillsDiagnosticHistogram(t *testing.T) {
	cfg := baseConfig()
	m, err := New(cfg)
	require.NoError(t, err)

	ev := eventfile.NewMemoryEvent(1)
	addFlatStrip(ev, chipU, 10, cfg.NSamples, 100-50)

	state := m.DecodeEvent(ev)
	require.Empty(t, state.Errors)
	require.Empty(t, state.StripsU)

	h, ok := m.Histograms.Histograms["negative_polarity_u"]
	require.True(t, ok)
	require.Less(t, h.Mean(), 0.0)
}
