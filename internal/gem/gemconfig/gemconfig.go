// Package gemconfig loads a module's run configuration from a flat
// key/value text file. Every option has a default so a missing key
// never fails the load except for the handful of keys needed to size
// the module's fixed allocations up front.
package gemconfig

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/jlab-solid/gemdecode/internal/fsutil"
	"github.com/jlab-solid/gemdecode/internal/gem/chanmap"
	"github.com/jlab-solid/gemdecode/internal/gem/commonmode"
	"github.com/jlab-solid/gemdecode/internal/gem/gemerr"
)

// Config is the immutable per-run configuration for one module,
// assembled from the key/value text file's recognised groups.
type Config struct {
	// Geometry
	Layer     int
	NStripsU  int
	NStripsV  int
	UAngle    float64
	VAngle    float64
	UPitch    float64
	VPitch    float64
	UOffset   float64
	VOffset   float64
	Position  [3]float64
	Size      [3]float64
	Angle     [3]float64

	// Pedestal/RMS (already expanded to per-strip by the time Load returns)
	PedU, PedV []float64
	RMSU, RMSV []float64

	// Gain
	UGain      []float64 // per chip
	VGain      []float64
	ModuleGain float64

	// Thresholds
	ThresholdSample              float64
	ThresholdStripSum            float64
	ThresholdClusterSum          float64
	PeakProminenceMinSigma       float64
	PeakProminenceMinFraction    float64

	// Cluster shape
	MaxNUCharge   int
	MaxNVCharge   int
	MaxNUPos      int
	MaxNVPos      int
	SigmaHitShape float64

	// 2D hit filters
	ADCAsymCut    float64
	DeltaTCut     float64
	CorrCoeffCut  float64
	FilterFlag1D  int
	FilterFlag2D  int

	// Zero suppression
	ZeroSuppress        bool
	ZeroSuppressNSigma  float64
	OnlineZeroSuppress  bool

	// Common mode
	CommonModeFlag             commonmode.Flag
	CommonModeOnlineFlag       commonmode.Flag
	CommonModeNStripLo         int
	CommonModeNStripHi         int
	CommonModeNIter            int
	CommonModeMinStrips        int
	CommonModeRangeNSigma      float64
	CommonModeDanningNSigmaCut float64
	CommonModeBinNSigma        float64
	CommonModeScanNSigma       float64
	CommonModeStepNSigma       float64
	UseCommonModeRollingAvg    bool
	CommonModeNEventsLookback  int
	CorrectCommonMode          bool
	CorrectCommonModeMinStrips int
	CorrectCommonModeNSigma    float64

	// Strip timing
	UseStripTimingCut      bool
	UseTSChi2Cut           bool
	MaxStripT0             float64
	MaxStripTCut           float64
	AddStripTCut           float64
	AddStripCCorCut        float64
	GoodStripTSFracMean    []float64
	GoodStripTSFracSigma   []float64
	SuppressFirstLast      int
	DeconvolutionTau       float64
	NSamples               int
	SampleDelta            float64
	ChiSqCut               float64
	UseChiSqCut            bool
	DeconvMaxMin           float64
	DeconvTwoSampleMin     float64

	// Chip map
	ChanMap          []chanmap.Entry
	APVMap           int
	ChanCMFlags      []int
	ChanTimestampLow int
	ChanTimestampHigh int
	ChanEventCount    int

	// Misc
	Max2DHits         int
	ClusteringFlag    int
	DeconvolutionFlag bool

	// Diagnostics
	PedestalMode        bool
	MakeCommonModePlots bool
}

// defaults returns a Config pre-populated with every documented
// default before the file's keys are applied.
func defaults() Config {
	return Config{
		UPitch: 0.04, VPitch: 0.04,
		ModuleGain:                 1.0,
		ThresholdSample:            5.0,
		ThresholdStripSum:          5.0,
		ThresholdClusterSum:        5.0,
		PeakProminenceMinSigma:     3.0,
		PeakProminenceMinFraction:  0.5,
		MaxNUCharge:                5,
		MaxNVCharge:                5,
		MaxNUPos:                   3,
		MaxNVPos:                   3,
		SigmaHitShape:              0.025,
		ADCAsymCut:                 0.5,
		DeltaTCut:                  20,
		CorrCoeffCut:               0.5,
		ZeroSuppress:               true,
		ZeroSuppressNSigma:         5.0,
		CommonModeFlag:             commonmode.Sorting,
		CommonModeOnlineFlag:       commonmode.OnlineDanningGMn,
		CommonModeNStripLo:         28,
		CommonModeNStripHi:         28,
		CommonModeNIter:            3,
		CommonModeMinStrips:        10,
		CommonModeRangeNSigma:      4.0,
		CommonModeDanningNSigmaCut: 5.0,
		CommonModeBinNSigma:        2.0,
		CommonModeScanNSigma:       4.0,
		CommonModeStepNSigma:       0.2,
		CommonModeNEventsLookback:  100,
		CorrectCommonModeMinStrips: 10,
		CorrectCommonModeNSigma:    3.0,
		MaxStripT0:                 75,
		MaxStripTCut:               20,
		AddStripTCut:               20,
		AddStripCCorCut:            0.5,
		DeconvolutionTau:           50,
		NSamples:                   6,
		SampleDelta:                24.0,
		ChiSqCut:                   10.0,
		ChanTimestampLow:           -1,
		ChanTimestampHigh:          -1,
		ChanEventCount:             -1,
		Max2DHits:                  1000,
	}
}

// Load reads and parses a key/value text configuration file.
func Load(fsys fsutil.FileSystem, path string) (*Config, error) {
	raw, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gemconfig: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse parses key/value configuration text already held in memory.
// Each non-blank, non-comment line is "key value value ...". Lines
// beginning with '#' are comments.
func Parse(raw []byte) (*Config, error) {
	kv := make(map[string][]string)
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		key := strings.ToLower(fields[0])
		kv[key] = append(kv[key], fields[1:]...)
	}

	cfg := defaults()

	nstripsU, ok := popInt(kv, "nstripsu")
	if !ok {
		return nil, &gemerr.ConfigMissingError{Key: "nstripsU"}
	}
	nstripsV, ok := popInt(kv, "nstripsv")
	if !ok {
		return nil, &gemerr.ConfigMissingError{Key: "nstripsV"}
	}
	layer, ok := popInt(kv, "layer")
	if !ok {
		return nil, &gemerr.ConfigMissingError{Key: "layer"}
	}
	cfg.NStripsU, cfg.NStripsV, cfg.Layer = nstripsU, nstripsV, layer

	cfg.UAngle = popFloatDefault(kv, "uangle", 0)
	cfg.VAngle = popFloatDefault(kv, "vangle", 1.5707963267948966)
	cfg.UPitch = popFloatDefault(kv, "upitch", cfg.UPitch)
	cfg.VPitch = popFloatDefault(kv, "vpitch", cfg.VPitch)
	cfg.UOffset = popFloatDefault(kv, "uoffset", 0)
	cfg.VOffset = popFloatDefault(kv, "voffset", 0)
	cfg.Position = popVec3(kv, "position")
	cfg.Size = popVec3(kv, "size")
	cfg.Angle = popAngle(kv, "angle")

	cfg.PedU = expandAxisValues(popFloats(kv, "pedu"), cfg.NStripsU)
	cfg.PedV = expandAxisValues(popFloats(kv, "pedv"), cfg.NStripsV)
	cfg.RMSU = expandAxisValues(popFloats(kv, "rmsu"), cfg.NStripsU)
	cfg.RMSV = expandAxisValues(popFloats(kv, "rmsv"), cfg.NStripsV)

	cfg.UGain = popFloats(kv, "ugain")
	cfg.VGain = popFloats(kv, "vgain")
	cfg.ModuleGain = popFloatDefault(kv, "modulegain", cfg.ModuleGain)

	cfg.ThresholdSample = popFloatDefault(kv, "threshold_sample", cfg.ThresholdSample)
	cfg.ThresholdStripSum = popFloatDefault(kv, "threshold_stripsum", cfg.ThresholdStripSum)
	cfg.ThresholdClusterSum = popFloatDefault(kv, "threshold_clustersum", cfg.ThresholdClusterSum)
	cfg.PeakProminenceMinSigma = popFloatDefault(kv, "peakprominence_minsigma", cfg.PeakProminenceMinSigma)
	cfg.PeakProminenceMinFraction = popFloatDefault(kv, "peakprominence_minfraction", cfg.PeakProminenceMinFraction)

	cfg.MaxNUCharge = popIntDefault(kv, "maxnu_charge", cfg.MaxNUCharge)
	cfg.MaxNVCharge = popIntDefault(kv, "maxnv_charge", cfg.MaxNVCharge)
	cfg.MaxNUPos = popIntDefault(kv, "maxnu_pos", cfg.MaxNUPos)
	cfg.MaxNVPos = popIntDefault(kv, "maxnv_pos", cfg.MaxNVPos)
	cfg.SigmaHitShape = popFloatDefault(kv, "sigmahitshape", cfg.SigmaHitShape)

	cfg.ADCAsymCut = popFloatDefault(kv, "adcasym_cut", cfg.ADCAsymCut)
	cfg.DeltaTCut = popFloatDefault(kv, "deltat_cut", cfg.DeltaTCut)
	cfg.CorrCoeffCut = popFloatDefault(kv, "corrcoeff_cut", cfg.CorrCoeffCut)
	cfg.FilterFlag1D = popIntDefault(kv, "filterflag1d", cfg.FilterFlag1D)
	cfg.FilterFlag2D = popIntDefault(kv, "filterflag2d", cfg.FilterFlag2D)

	cfg.ZeroSuppress = popBoolDefault(kv, "zerosuppress", cfg.ZeroSuppress)
	cfg.ZeroSuppressNSigma = popFloatDefault(kv, "zerosuppress_nsigma", cfg.ZeroSuppressNSigma)
	cfg.OnlineZeroSuppress = popBoolDefault(kv, "onlinezerosuppress", cfg.OnlineZeroSuppress)

	cfg.CommonModeFlag = commonmode.Flag(popIntDefault(kv, "commonmode_flag", int(cfg.CommonModeFlag)))
	cfg.CommonModeOnlineFlag = commonmode.Flag(popIntDefault(kv, "commonmode_online_flag", int(cfg.CommonModeOnlineFlag)))
	cfg.CommonModeNStripLo = popIntDefault(kv, "commonmode_nstriplo", cfg.CommonModeNStripLo)
	cfg.CommonModeNStripHi = popIntDefault(kv, "commonmode_nstriphi", cfg.CommonModeNStripHi)
	cfg.CommonModeNIter = popIntDefault(kv, "commonmode_niter", cfg.CommonModeNIter)
	cfg.CommonModeMinStrips = popIntDefault(kv, "commonmode_minstrips", cfg.CommonModeMinStrips)
	cfg.CommonModeRangeNSigma = popFloatDefault(kv, "commonmode_range_nsigma", cfg.CommonModeRangeNSigma)
	cfg.CommonModeDanningNSigmaCut = popFloatDefault(kv, "commonmode_danning_nsigma_cut", cfg.CommonModeDanningNSigmaCut)
	cfg.CommonModeBinNSigma = popFloatDefault(kv, "commonmode_bin_nsigma", cfg.CommonModeBinNSigma)
	cfg.CommonModeScanNSigma = popFloatDefault(kv, "commonmode_scan_nsigma", cfg.CommonModeScanNSigma)
	cfg.CommonModeStepNSigma = popFloatDefault(kv, "commonmode_step_nsigma", cfg.CommonModeStepNSigma)
	cfg.UseCommonModeRollingAvg = popBoolDefault(kv, "use_commonmode_rolling_average", cfg.UseCommonModeRollingAvg)
	cfg.CommonModeNEventsLookback = popIntDefault(kv, "commonmode_nevents_lookback", cfg.CommonModeNEventsLookback)
	cfg.CorrectCommonMode = popBoolDefault(kv, "correct_common_mode", cfg.CorrectCommonMode)
	cfg.CorrectCommonModeMinStrips = popIntDefault(kv, "correct_common_mode_minstrips", cfg.CorrectCommonModeMinStrips)
	cfg.CorrectCommonModeNSigma = popFloatDefault(kv, "correct_common_mode_nsigma", cfg.CorrectCommonModeNSigma)

	cfg.UseStripTimingCut = popBoolDefault(kv, "usestriptimingcut", cfg.UseStripTimingCut)
	cfg.UseTSChi2Cut = popBoolDefault(kv, "usetschi2cut", cfg.UseTSChi2Cut)
	cfg.MaxStripT0 = popFloatDefault(kv, "maxstrip_t0", cfg.MaxStripT0)
	cfg.MaxStripTCut = popFloatDefault(kv, "maxstrip_tcut", cfg.MaxStripTCut)
	cfg.AddStripTCut = popFloatDefault(kv, "addstrip_tcut", cfg.AddStripTCut)
	cfg.AddStripCCorCut = popFloatDefault(kv, "addstrip_ccor_cut", cfg.AddStripCCorCut)
	cfg.GoodStripTSFracMean = popFloats(kv, "goodstrip_tsfrac_mean")
	cfg.GoodStripTSFracSigma = popFloats(kv, "goodstrip_tsfrac_sigma")
	cfg.SuppressFirstLast = popIntDefault(kv, "suppressfirstlast", cfg.SuppressFirstLast)
	cfg.DeconvolutionTau = popFloatDefault(kv, "deconvolution_tau", cfg.DeconvolutionTau)
	cfg.NSamples = popIntDefault(kv, "nsamples", cfg.NSamples)
	cfg.SampleDelta = popFloatDefault(kv, "sample_delta", cfg.SampleDelta)
	cfg.ChiSqCut = popFloatDefault(kv, "chisq_cut", cfg.ChiSqCut)
	cfg.UseChiSqCut = popBoolDefault(kv, "usechisqcut", cfg.UseChiSqCut)
	cfg.DeconvMaxMin = popFloatDefault(kv, "deconv_maxmin", cfg.DeconvMaxMin)
	cfg.DeconvTwoSampleMin = popFloatDefault(kv, "deconv_twosamplemin", cfg.DeconvTwoSampleMin)

	cfg.ChanMap = popChanMap(kv, "chanmap")
	cfg.APVMap = popIntDefault(kv, "apvmap", cfg.APVMap)
	cfg.ChanCMFlags = popInts(kv, "chan_cm_flags")
	cfg.ChanTimestampLow = popIntDefault(kv, "chan_timestamp_low", cfg.ChanTimestampLow)
	cfg.ChanTimestampHigh = popIntDefault(kv, "chan_timestamp_high", cfg.ChanTimestampHigh)
	cfg.ChanEventCount = popIntDefault(kv, "chan_event_count", cfg.ChanEventCount)

	cfg.Max2DHits = popIntDefault(kv, "max2dhits", cfg.Max2DHits)
	cfg.ClusteringFlag = popIntDefault(kv, "clustering_flag", cfg.ClusteringFlag)
	cfg.DeconvolutionFlag = popBoolDefault(kv, "deconvolution_flag", cfg.DeconvolutionFlag)

	cfg.PedestalMode = popBoolDefault(kv, "pedestalmode", cfg.PedestalMode)
	cfg.MakeCommonModePlots = popBoolDefault(kv, "makecommonmodeplots", cfg.MakeCommonModePlots)

	return &cfg, nil
}

// Validate checks cross-field invariants that a plain per-key default
// cannot express.
func (c *Config) Validate() error {
	if c.NStripsU <= 0 {
		return fmt.Errorf("gemconfig: nstripsU must be positive, got %d", c.NStripsU)
	}
	if c.NStripsV <= 0 {
		return fmt.Errorf("gemconfig: nstripsV must be positive, got %d", c.NStripsV)
	}
	if c.UPitch <= 0 || c.VPitch <= 0 {
		return fmt.Errorf("gemconfig: strip pitch must be positive")
	}
	if c.Max2DHits <= 0 {
		return fmt.Errorf("gemconfig: max2Dhits must be positive, got %d", c.Max2DHits)
	}
	if c.SigmaHitShape <= 0 {
		return fmt.Errorf("gemconfig: sigmahitshape must be positive")
	}
	return nil
}

// expandAxisValues mirrors pedestal.ExpandScalar/ExpandPerChip's
// "auto-distinguished by length" rule: one value means scalar, a short
// slice means per-chip, a slice of strip length means per-strip.
func expandAxisValues(values []float64, nstrips int) []float64 {
	switch {
	case len(values) == 0:
		return make([]float64, nstrips)
	case len(values) == 1:
		out := make([]float64, nstrips)
		for i := range out {
			out[i] = values[0]
		}
		return out
	case len(values) == nstrips:
		return values
	default:
		out := make([]float64, nstrips)
		perChip := nstrips / maxInt(len(values), 1)
		if perChip == 0 {
			perChip = 1
		}
		for i := range out {
			chip := i / perChip
			if chip >= len(values) {
				chip = len(values) - 1
			}
			out[i] = values[chip]
		}
		return out
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func popInt(kv map[string][]string, key string) (int, bool) {
	vals, ok := kv[key]
	if !ok || len(vals) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(vals[0])
	if err != nil {
		return 0, false
	}
	return n, true
}

func popIntDefault(kv map[string][]string, key string, def int) int {
	if n, ok := popInt(kv, key); ok {
		return n
	}
	return def
}

func popInts(kv map[string][]string, key string) []int {
	vals, ok := kv[key]
	if !ok {
		return nil
	}
	out := make([]int, 0, len(vals))
	for _, v := range vals {
		n, err := strconv.Atoi(v)
		if err == nil {
			out = append(out, n)
		}
	}
	return out
}

func popFloatDefault(kv map[string][]string, key string, def float64) float64 {
	vals, ok := kv[key]
	if !ok || len(vals) == 0 {
		return def
	}
	f, err := strconv.ParseFloat(vals[0], 64)
	if err != nil {
		return def
	}
	return f
}

func popFloats(kv map[string][]string, key string) []float64 {
	vals, ok := kv[key]
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(vals))
	for _, v := range vals {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			out = append(out, f)
		}
	}
	return out
}

func popBoolDefault(kv map[string][]string, key string, def bool) bool {
	vals, ok := kv[key]
	if !ok || len(vals) == 0 {
		return def
	}
	switch strings.ToLower(vals[0]) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func popVec3(kv map[string][]string, key string) [3]float64 {
	vals := popFloats(kv, key)
	var out [3]float64
	for i := 0; i < 3 && i < len(vals); i++ {
		out[i] = vals[i]
	}
	return out
}

func popAngle(kv map[string][]string, key string) [3]float64 {
	vals := popFloats(kv, key)
	var out [3]float64
	switch len(vals) {
	case 1:
		out[0], out[1], out[2] = vals[0], vals[0], vals[0]
	case 3:
		copy(out[:], vals)
	}
	return out
}

// popChanMap parses a sequence of 9-tuples:
// crate slot chipid position invert axis denseindex family extra.
func popChanMap(kv map[string][]string, key string) []chanmap.Entry {
	vals, ok := kv[key]
	if !ok {
		return nil
	}
	var out []chanmap.Entry
	for i := 0; i+9 <= len(vals); i += 9 {
		crate, _ := strconv.Atoi(vals[i])
		slot, _ := strconv.Atoi(vals[i+1])
		chipID, _ := strconv.Atoi(vals[i+2])
		position, _ := strconv.Atoi(vals[i+3])
		invert := vals[i+4] == "1"
		axis, _ := strconv.Atoi(vals[i+5])
		denseIndex, _ := strconv.Atoi(vals[i+6])
		out = append(out, chanmap.Entry{
			Crate:      uint32(crate),
			Slot:       uint32(slot),
			ChipID:     uint32(chipID),
			Position:   uint32(position),
			Invert:     invert,
			Axis:       axis,
			DenseIndex: denseIndex,
		})
	}
	return out
}
