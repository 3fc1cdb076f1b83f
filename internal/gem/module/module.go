// Package module owns one GEM module's decode pipeline end to end: it
// wires the chip map, pedestal table, common-mode estimator/corrector,
// strip decoder, 1D cluster finders, and 2D hit assembler together and
// exposes a single per-event entrypoint. A Module is single-threaded —
// concurrent events are handled by running one Module per goroutine
// over disjoint modules, never by sharing one Module across goroutines.
package module

import (
	"fmt"
	"log"
	"math"
	"sort"

	"github.com/jlab-solid/gemdecode/internal/gem/chanmap"
	"github.com/jlab-solid/gemdecode/internal/gem/cluster1d"
	"github.com/jlab-solid/gemdecode/internal/gem/commonmode"
	"github.com/jlab-solid/gemdecode/internal/gem/eventfile"
	"github.com/jlab-solid/gemdecode/internal/gem/gemconfig"
	"github.com/jlab-solid/gemdecode/internal/gem/geometry"
	"github.com/jlab-solid/gemdecode/internal/gem/hit2d"
	"github.com/jlab-solid/gemdecode/internal/gem/histogram"
	"github.com/jlab-solid/gemdecode/internal/gem/pedestal"
	"github.com/jlab-solid/gemdecode/internal/gem/stripdecoder"
)

const axisU = 0
const axisV = 1

// EventState is the per-event transient state a Module owns. It is
// reset (not reallocated) at the start of every DecodeEvent call, so
// its strip and hit slices and strip lookup maps keep their capacity
// across events; the cluster slices are rebuilt by each Find call.
type EventState struct {
	EventNumber uint64

	StripsU []cluster1d.Strip
	StripsV []cluster1d.Strip

	stripByIndexU map[int]cluster1d.Strip
	stripByIndexV map[int]cluster1d.Strip

	ClustersU   []cluster1d.Cluster
	ClustersV   []cluster1d.Cluster
	TotalFoundU int
	TotalFoundV int

	Hits []hit2d.Hit

	Errors []error
}

func newEventState(maxStrips, maxHits int) *EventState {
	return &EventState{
		StripsU:       make([]cluster1d.Strip, 0, maxStrips),
		StripsV:       make([]cluster1d.Strip, 0, maxStrips),
		stripByIndexU: make(map[int]cluster1d.Strip, maxStrips),
		stripByIndexV: make(map[int]cluster1d.Strip, maxStrips),
		Hits:          make([]hit2d.Hit, 0, maxHits),
	}
}

func (s *EventState) reset(eventNumber uint64) {
	s.EventNumber = eventNumber
	s.StripsU = s.StripsU[:0]
	s.StripsV = s.StripsV[:0]
	for k := range s.stripByIndexU {
		delete(s.stripByIndexU, k)
	}
	for k := range s.stripByIndexV {
		delete(s.stripByIndexV, k)
	}
	s.ClustersU = nil
	s.ClustersV = nil
	s.TotalFoundU = 0
	s.TotalFoundV = 0
	s.Hits = s.Hits[:0]
	s.Errors = nil
}

// Module decodes raw events from one GEM module's chip set into 2D
// hits.
type Module struct {
	Config    *gemconfig.Config
	ChanMap   *chanmap.Table
	Pedestal  *pedestal.Table
	Transform geometry.Transform
	Origin    geometry.Origin
	Orient    geometry.Orientation

	family chanmap.Family

	offlineEstimator *commonmode.Estimator
	compareEstimator *commonmode.Estimator
	corrector        *commonmode.Corrector
	chipStates       map[int]*commonmode.ChipState

	finderU   *cluster1d.Finder
	finderV   *cluster1d.Finder
	assembler *hit2d.Assembler

	stripParamsU stripdecoder.Params
	stripParamsV stripdecoder.Params

	Histograms *histogram.Sink

	apvTiming map[int]*APVTimingState

	state *EventState
}

// APVTimingState carries the per-APV timestamp/event-count debug
// fields decoded from the dedicated raw channels named by
// Config.ChanTimestampLow/High and Config.ChanEventCount. These are a
// diagnostic only — nothing in the decode path conditions on them; a
// drifted event counter is surfaced through EventCountAlignment for an
// operator to notice, never used to drop or reorder data.
type APVTimingState struct {
	TimestampLow  uint32
	TimestampHigh uint32
	EventCount    uint32
	seen          bool
}

func (m *Module) apvTimingFor(denseIndex int) *APVTimingState {
	st, ok := m.apvTiming[denseIndex]
	if !ok {
		st = &APVTimingState{}
		m.apvTiming[denseIndex] = st
	}
	return st
}

// recordAPVTimingWord checks rawChannel against Config.ChanTimestampLow/High
// and Config.ChanEventCount; when it matches one of them (each defaults
// to -1, disabled, since 0 is itself a valid raw channel), it records
// value into that chip's APVTimingState and reports true so the caller
// skips treating this word as strip data.
func (m *Module) recordAPVTimingWord(denseIndex, rawChannel int, value uint32) bool {
	cfg := m.Config
	switch rawChannel {
	case cfg.ChanTimestampLow:
		st := m.apvTimingFor(denseIndex)
		st.TimestampLow = value
		st.seen = true
	case cfg.ChanTimestampHigh:
		st := m.apvTimingFor(denseIndex)
		st.TimestampHigh = value
		st.seen = true
	case cfg.ChanEventCount:
		st := m.apvTimingFor(denseIndex)
		st.EventCount = value
		st.seen = true
	default:
		return false
	}
	return true
}

// EventCountAlignment reports the dense chip index of every APV whose
// decoded event counter does not match the reference chip's (the
// lowest dense index that reported a counter this event). Returns nil
// when fewer than two chips have reported a counter, or when none
// diverge.
func (m *Module) EventCountAlignment() []int {
	indices := make([]int, 0, len(m.apvTiming))
	for idx, st := range m.apvTiming {
		if st.seen {
			indices = append(indices, idx)
		}
	}
	sort.Ints(indices)

	var drifted []int
	var reference uint32
	for i, idx := range indices {
		st := m.apvTiming[idx]
		if i == 0 {
			reference = st.EventCount
			continue
		}
		if st.EventCount != reference {
			drifted = append(drifted, idx)
		}
	}
	return drifted
}

// New builds a Module from a validated run configuration.
func New(cfg *gemconfig.Config) (*Module, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	chanMap := chanmap.NewTable(cfg.ChanMap)
	pedTable := pedestal.NewTable(cfg.PedU, cfg.RMSU, cfg.PedV, cfg.RMSV)
	transform := geometry.NewTransform(geometry.NewProjection(cfg.UAngle), geometry.NewProjection(cfg.VAngle))

	cmParams := commonmode.Params{
		NStripRejectLow:  cfg.CommonModeNStripLo,
		NStripRejectHigh: cfg.CommonModeNStripHi,
		MinStripsInRange: cfg.CommonModeMinStrips,
		NumIterations:    cfg.CommonModeNIter,
		DanningNsigmaCut: cfg.CommonModeDanningNSigmaCut,
		BinWidthNsigma:   cfg.CommonModeBinNSigma,
		ScanRangeNsigma:  cfg.CommonModeScanNSigma,
		StepSizeNsigma:   cfg.CommonModeStepNSigma,
		NumSamples:       cfg.NSamples,
	}

	m := &Module{
		Config:           cfg,
		ChanMap:          chanMap,
		Pedestal:         pedTable,
		Transform:        transform,
		family:           chanmap.Family(cfg.APVMap),
		offlineEstimator: commonmode.NewEstimator(cfg.CommonModeFlag, cmParams),
		chipStates:       make(map[int]*commonmode.ChipState),
		Histograms:       histogram.NewSink(),
		apvTiming:        make(map[int]*APVTimingState),
	}

	if cfg.MakeCommonModePlots {
		m.compareEstimator = commonmode.NewEstimator(commonmode.Sorting, cmParams)
	}

	m.Origin = geometry.Origin{X: cfg.Position[0], Y: cfg.Position[1], Z: cfg.Position[2]}
	m.Orient = geometry.Orientation{
		XAxis: [3]float64{math.Cos(cfg.Angle[2]), math.Sin(cfg.Angle[2]), 0},
		YAxis: [3]float64{-math.Sin(cfg.Angle[2]), math.Cos(cfg.Angle[2]), 0},
	}

	if cfg.CorrectCommonMode {
		onlineParams := cmParams
		onlineEstimator := commonmode.NewEstimator(cfg.CommonModeOnlineFlag, onlineParams)
		m.corrector = commonmode.NewCorrector(onlineEstimator, commonmode.CorrectionParams{
			MinStrips:     cfg.CorrectCommonModeMinStrips,
			NCorrSigma:    cfg.CorrectCommonModeNSigma,
			HistoryLength: cfg.CommonModeNEventsLookback,
		})
	}

	m.stripParamsU = m.baseStripParams()
	m.stripParamsV = m.baseStripParams()

	sigmaSumU := avg(pedTable.RMSSlice(axisU)) * float64(maxInt(cfg.NSamples, 1))
	sigmaSumV := avg(pedTable.RMSSlice(axisV)) * float64(maxInt(cfg.NSamples, 1))

	m.finderU = cluster1d.NewFinder(cluster1d.Config{
		MaxSampleThreshold:        cfg.ThresholdSample,
		StripSumThreshold:         cfg.ThresholdStripSum,
		ClusterSumThreshold:       cfg.ThresholdClusterSum,
		UseStripTimingCut:         cfg.UseStripTimingCut,
		T0:                        cfg.MaxStripT0,
		Wt:                        cfg.MaxStripTCut,
		Wadd:                      cfg.AddStripTCut,
		MaxSep:                    cfg.MaxNUCharge,
		MaxSepPos:                 cfg.MaxNUPos,
		NProm:                     cfg.PeakProminenceMinSigma,
		FProm:                     cfg.PeakProminenceMinFraction,
		SigmaSum:                  sigmaSumU,
		Cadd:                      cfg.AddStripCCorCut,
		SigmaShape:                cfg.SigmaHitShape,
		FilterFlag:                cfg.FilterFlag1D,
	})
	m.finderV = cluster1d.NewFinder(cluster1d.Config{
		MaxSampleThreshold:        cfg.ThresholdSample,
		StripSumThreshold:         cfg.ThresholdStripSum,
		ClusterSumThreshold:       cfg.ThresholdClusterSum,
		UseStripTimingCut:         cfg.UseStripTimingCut,
		T0:                        cfg.MaxStripT0,
		Wt:                        cfg.MaxStripTCut,
		Wadd:                      cfg.AddStripTCut,
		MaxSep:                    cfg.MaxNVCharge,
		MaxSepPos:                 cfg.MaxNVPos,
		NProm:                     cfg.PeakProminenceMinSigma,
		FProm:                     cfg.PeakProminenceMinFraction,
		SigmaSum:                  sigmaSumV,
		Cadd:                      cfg.AddStripCCorCut,
		SigmaShape:                cfg.SigmaHitShape,
		FilterFlag:                cfg.FilterFlag1D,
	})

	m.assembler = hit2d.NewAssembler(transform, hit2d.Config{
		XMin: -cfg.Size[0] / 2, XMax: cfg.Size[0] / 2,
		YMin: -cfg.Size[1] / 2, YMax: cfg.Size[1] / 2,
		SizeX:        cfg.Size[0],
		SizeY:        cfg.Size[1],
		AsymCut:      cfg.ADCAsymCut,
		DeltaTCut:    cfg.DeltaTCut,
		CorrCoeffCut: cfg.CorrCoeffCut,
		MaxHits:      cfg.Max2DHits,
		FilterFlag:   cfg.FilterFlag2D,
	})

	maxStrips := len(chanMap.Entries()) * chanmap.NumChannels
	m.state = newEventState(maxStrips, cfg.Max2DHits)

	return m, nil
}

func (m *Module) baseStripParams() stripdecoder.Params {
	cfg := m.Config
	return stripdecoder.Params{
		NSamples:               cfg.NSamples,
		Delta:                  cfg.SampleDelta,
		Tau:                    cfg.DeconvolutionTau,
		NZSSigma:               cfg.ZeroSuppressNSigma,
		SuppressFirstLast:      stripdecoder.FirstLastPolicy(cfg.SuppressFirstLast),
		UseChiSqCut:            cfg.UseChiSqCut,
		ChiSqCut:               cfg.ChiSqCut,
		MuK:                    cfg.GoodStripTSFracMean,
		SigmaK:                 cfg.GoodStripTSFracSigma,
		DeconvolutionFlag:      cfg.DeconvolutionFlag,
		DeconvMaxMin:           cfg.DeconvMaxMin,
		DeconvTwoSampleMin:     cfg.DeconvTwoSampleMin,
		RecordNegativePolarity: true,
	}
}

// BeginEvent resets the module's reused per-event state.
func (m *Module) BeginEvent(eventNumber uint64) {
	m.state.reset(eventNumber)
	for _, st := range m.apvTiming {
		st.seen = false
	}
}

// chipGain returns chip gain * module gain for the given chanmap entry.
func (m *Module) chipGain(entry chanmap.Entry) float64 {
	var perChip []float64
	if entry.Axis == axisU {
		perChip = m.Config.UGain
	} else {
		perChip = m.Config.VGain
	}
	chipGain := 1.0
	if len(perChip) > 0 {
		idx := entry.DenseIndex
		if idx < 0 || idx >= len(perChip) {
			idx = len(perChip) - 1
		}
		chipGain = perChip[idx]
	}
	return chipGain * m.Config.ModuleGain
}

// rawChip describes one chip's decoded raw samples before pedestal
// subtraction, keyed by physical strip index.
type rawChip struct {
	samples map[int][]float64
}

func newRawChip(nSamples int) *rawChip {
	return &rawChip{samples: make(map[int][]float64)}
}

func (r *rawChip) set(strip, sample int, adc float64, nSamples int) {
	row, ok := r.samples[strip]
	if !ok {
		row = make([]float64, nSamples)
		r.samples[strip] = row
	}
	if sample >= 0 && sample < len(row) {
		row[sample] = adc
	}
}

// DecodeEvent decodes every chip in the chip map against the given raw
// event and returns the reused EventState. Per-chip and per-event
// errors are recorded on EventState.Errors; DecodeEvent itself never
// returns an error.
func (m *Module) DecodeEvent(ev eventfile.Event) *EventState {
	m.BeginEvent(ev.EventNumber())

	for _, entry := range m.ChanMap.Entries() {
		m.decodeChip(entry, ev)
	}

	m.state.ClustersU, m.state.TotalFoundU = m.finderU.Find(m.state.StripsU, false, 0, 0)
	m.state.ClustersV, m.state.TotalFoundV = m.finderV.Find(m.state.StripsV, false, 0, 0)

	lookupU := func(peakIndex int) (cluster1d.Strip, bool) {
		s, ok := m.state.stripByIndexU[peakIndex]
		return s, ok
	}
	lookupV := func(peakIndex int) (cluster1d.Strip, bool) {
		s, ok := m.state.stripByIndexV[peakIndex]
		return s, ok
	}

	hits, err := m.assembler.Assemble(m.state.ClustersU, m.state.ClustersV, lookupU, lookupV)
	m.state.Hits = append(m.state.Hits[:0], hits...)
	if err != nil {
		m.state.Errors = append(m.state.Errors, err)
		log.Printf("module: event %d: %v", ev.EventNumber(), err)
	}

	return m.state
}

// decodeChip pulls one chip's raw hits out of the event, groups them
// into strips, runs the strip decoder, and appends every retained
// strip into the appropriate axis's 1D input list.
func (m *Module) decodeChip(entry chanmap.Entry, ev eventfile.Event) {
	cfg := m.Config
	nSamples := maxInt(cfg.NSamples, 1)

	n := ev.NumHits(entry.Crate, entry.Slot, entry.ChipID)
	if n == 0 {
		return
	}

	raw := newRawChip(nSamples)
	for i := 0; i < n; i++ {
		packed := ev.RawData(entry.Crate, entry.Slot, entry.ChipID, i)
		rawChannel := int(packed >> 8)
		sample := int(packed & 0xFF)
		adc := float64(ev.Data(entry.Crate, entry.Slot, entry.ChipID, i))

		if m.recordAPVTimingWord(entry.DenseIndex, rawChannel, uint32(adc)) {
			continue
		}

		strip, err := m.ChanMap.StripNumber(m.family, rawChannel, entry.Position, entry.Invert)
		if err != nil {
			log.Printf("module: chip (crate=%d slot=%d chip=%d): %v", entry.Crate, entry.Slot, entry.ChipID, err)
			m.state.Errors = append(m.state.Errors, err)
			continue
		}
		raw.set(strip, sample, adc, nSamples)
	}
	if len(raw.samples) == 0 {
		return
	}

	axis := axisU
	pitch, offset := cfg.UPitch, cfg.UOffset
	if entry.Axis == axisV {
		axis = axisV
		pitch, offset = cfg.VPitch, cfg.VOffset
	}
	nstripsAxis := m.Pedestal.NStrips(axis)

	chip := stripdecoder.ChipSamples{
		FullReadout: len(raw.samples) >= chanmap.NumChannels,
	}
	for strip, row := range raw.samples {
		if strip < 0 || strip >= nstripsAxis {
			continue
		}
		chip.StripIndex = append(chip.StripIndex, strip)
		chip.Samples = append(chip.Samples, row)
		chip.PedestalMean = append(chip.PedestalMean, m.Pedestal.Mean(axis, strip))
		sigma := m.Pedestal.RMS(axis, strip)
		if sigma == 0 {
			sigma = 1
		}
		chip.SigmaStrip = append(chip.SigmaStrip, sigma)
	}
	if len(chip.StripIndex) == 0 {
		return
	}

	if !chip.FullReadout {
		online := eventfile.OnlineCommonMode(ev, entry.Crate, entry.Slot, entry.ChipID)
		if len(online) == nSamples {
			chip.OnlineCommonMode = make([]float64, nSamples)
			for i, v := range online {
				chip.OnlineCommonMode[i] = float64(v)
			}
		}
	}

	params := m.stripParamsU
	if entry.Axis == axisV {
		params = m.stripParamsV
	}
	params.Gain = m.chipGain(entry)
	decoder := stripdecoder.NewDecoder(params)

	var corrector *commonmode.Corrector
	var state *commonmode.ChipState
	if m.corrector != nil {
		// Fed on every chip, full-readout or suppressed: full-readout
		// events are what populate the rolling history that suppressed
		// events' online values are compared against.
		corrector = m.corrector
		state = m.chipStateFor(entry.DenseIndex)
	}
	chipDecoder := stripdecoder.NewChipDecoder(decoder, m.offlineEstimator, corrector, state)
	if chip.FullReadout {
		chipDecoder.Compare = m.compareEstimator
	}

	records, cmPerSample, cmCompare, err := chipDecoder.Decode(chip)
	if err != nil {
		log.Printf("module: chip (crate=%d slot=%d chip=%d): decode: %v", entry.Crate, entry.Slot, entry.ChipID, err)
		m.state.Errors = append(m.state.Errors, err)
		return
	}

	if len(cmPerSample) > 0 {
		histName := "common_mode_u"
		if entry.Axis == axisV {
			histName = "common_mode_v"
		}
		for _, v := range cmPerSample {
			m.Histograms.Fill(histName, 100, -200, 200, v)
		}
	}
	if len(cmCompare) > 0 {
		histName := "common_mode_u_sorting"
		if entry.Axis == axisV {
			histName = "common_mode_v_sorting"
		}
		for _, v := range cmCompare {
			m.Histograms.Fill(histName, 100, -200, 200, v)
		}
	}

	if cfg.PedestalMode {
		axisLetter := "u"
		if entry.Axis == axisV {
			axisLetter = "v"
		}
		for _, rec := range records {
			histName := fmt.Sprintf("pedestal_strip_%s_%d", axisLetter, rec.Index)
			m.Histograms.Fill(histName, 200, -100, 100, rec.Sum/float64(nSamples))
		}
		return
	}

	clusteringUsesDeconv := cfg.DeconvolutionFlag

	for _, rec := range records {
		m.Histograms.Fill("adc_minus_pedestal_cm", 200, -100, 100, rec.Sum/float64(nSamples))
		m.fillPulseShapeFractions(rec)
		if rec.NegativePolarity {
			histName := "negative_polarity_u"
			if entry.Axis == axisV {
				histName = "negative_polarity_v"
			}
			m.Histograms.Fill(histName, 200, -100, 100, rec.Sum/float64(nSamples))
		}
		if !rec.Retained {
			continue
		}

		clusteringValue := rec.Sum
		if clusteringUsesDeconv {
			clusteringValue = rec.DeconvTwoSampleMax
		}

		strip := cluster1d.Strip{
			Index:           rec.Index,
			Position:        geometry.StripCenter(rec.Index, nstripsAxis, pitch, offset),
			Pitch:           pitch,
			Sum:             rec.Sum,
			MaxSample:       rec.MaxSample,
			ClusteringValue: clusteringValue,
			TimeMean:        rec.TimeMean,
			DeconvTimeMean:  rec.DeconvTimeMean,
			Shaped:          rec.Shaped,
			Deconv:          rec.Deconv,
		}

		if entry.Axis == axisU {
			m.state.StripsU = append(m.state.StripsU, strip)
			m.state.stripByIndexU[strip.Index] = strip
		} else {
			m.state.StripsV = append(m.state.StripsV, strip)
			m.state.stripByIndexV[strip.Index] = strip
		}
	}
}

// fillPulseShapeFractions bins rec's per-sample ADC fraction
// (Shaped[k]/Sum) into the "all fired strips" histogram, and again into
// the "surviving the timing-shape cut" histogram when rec passed
// retention, letting an operator derive goodstrip_TSfrac_{mean,sigma}
// offline from real running data instead of guessing at them.
func (m *Module) fillPulseShapeFractions(rec *stripdecoder.Record) {
	if rec.Sum == 0 {
		return
	}
	for k, v := range rec.Shaped {
		frac := v / rec.Sum
		m.Histograms.Fill(fmt.Sprintf("goodstrip_tsfrac_all_%d", k), 100, -1, 2, frac)
		if rec.Retained {
			m.Histograms.Fill(fmt.Sprintf("goodstrip_tsfrac_good_%d", k), 100, -1, 2, frac)
		}
	}
}

func (m *Module) chipStateFor(denseIndex int) *commonmode.ChipState {
	state, ok := m.chipStates[denseIndex]
	if !ok {
		state = commonmode.NewChipState(maxInt(m.Config.CommonModeNEventsLookback, 1))
		m.chipStates[denseIndex] = state
	}
	return state
}

// avg returns the mean of a slice, or 0 for an empty slice.
func avg(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
