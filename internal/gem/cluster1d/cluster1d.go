// Package cluster1d groups retained strips on one axis into 1D
// clusters: find local maxima, prune low-prominence peaks, grow each
// surviving peak outward, split overlapping strips between
// neighbouring peaks by a Cauchy weight, and summarize each cluster's
// position, sum, and timing.
package cluster1d

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Strip is one retained strip's contribution to the 1D cluster finder,
// assembled from stripdecoder.Record plus its physical position.
type Strip struct {
	Index           int
	Position        float64 // physical strip-centre coordinate
	Pitch           float64
	Sum             float64
	MaxSample       float64
	ClusteringValue float64 // shaped sum or deconvoluted two-sample max, as chosen by the caller
	TimeMean        float64
	DeconvTimeMean  float64
	Shaped          []float64 // shaped (pedestal/CM-subtracted, gain-applied) samples
	Deconv          []float64 // deconvoluted samples
}

// Config holds the per-axis tunables for the cluster finder.
type Config struct {
	MaxSampleThreshold  float64
	StripSumThreshold   float64
	ClusterSumThreshold float64

	UseStripTimingCut bool
	T0                float64
	Wt                float64 // |tbar - t0| window for candidate acceptance
	Wadd              float64 // timing window for growth

	MaxSep    int // maximum strip separation from peak
	MaxSepPos int // position-restriction radius used in Summarize

	NProm      float64 // prominence threshold in units of sigma_sum
	FProm      float64 // prominence threshold as a fraction of the peak ADC
	SigmaSum   float64 // per-sum RMS = N_samples * sigma_strip

	Cadd       float64 // correlation cutoff for cluster growth
	SigmaShape float64 // Cauchy-weight width used during split

	// FilterFlag drives the two-stage post-pass filter applied to the
	// constrained cluster list: bit 0 selects hard mode for the
	// cluster-sum stage, bit 1 selects hard mode for the strip-count
	// stage. A clear bit means that stage runs in soft mode.
	FilterFlag int
}

// Cluster is one 1D cluster's summary.
type Cluster struct {
	PeakIndex int
	StripLo   int // lowest member strip's physical index
	StripHi   int // highest member strip's physical index
	Strips    []int

	Position    float64
	PositionRMS float64
	Sum         float64
	NStrips     int
	Time        float64

	// ShapedSamples and DeconvSamples are the split-fraction-weighted
	// per-sample sums over every contributing strip: ShapedSamples[k]
	// = Σ strip.Shaped[k]·share, and likewise for DeconvSamples. Sum is
	// the total of ShapedSamples; DeconvSum is the total of
	// DeconvSamples.
	ShapedSamples []float64
	DeconvSamples []float64
	DeconvSum     float64
	DeconvTime    float64

	ShapedPeakSample   int
	DeconvPeakSample   int
	DeconvTwoStart     int
	DeconvTwoSampleMax float64

	InsideConstraint bool
	Keep             bool

	// Negative mirrors a per-cluster negative-polarity flag. Clusters
	// only ever form from strips that cleared the (positive) zero
	// suppression threshold, so under the current strip decoder a
	// cluster's member strips can never be flagged negative-polarity
	// themselves; this stays false here. Negative-polarity strips are
	// a separate per-strip diagnostic, surfaced through histogram.Sink.
	Negative bool
}

// Finder runs the collect/find/prune/grow/split/summarize pipeline for
// one axis using a fixed Config.
type Finder struct {
	Config Config
}

// NewFinder builds a Finder.
func NewFinder(cfg Config) *Finder {
	return &Finder{Config: cfg}
}

// Find runs the full pipeline over the retained, index-sorted strips of
// one axis. hasConstraint/centre/halfWidth supply the externally
// provided window used to flag clusters relevant to a 2D hit search.
// TotalFound is the count of clusters (pre-constraint-filter) with >= 2
// strips meeting the cluster-sum threshold.
func (f *Finder) Find(strips []Strip, hasConstraint bool, centre, halfWidth float64) (clusters []Cluster, totalFound int) {
	if len(strips) == 0 {
		return nil, 0
	}
	sorted := make([]Strip, len(strips))
	copy(sorted, strips)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	byIndex := make(map[int]int, len(sorted))
	for pos, s := range sorted {
		byIndex[s.Index] = pos
	}

	peaks := f.findLocalMaxima(sorted, byIndex)
	peaks = f.pruneByProminence(sorted, byIndex, peaks)

	for _, peakPos := range peaks {
		span := f.grow(sorted, byIndex, peakPos, peaks)
		cluster := f.splitAndSummarize(sorted, byIndex, peakPos, span, peaks)

		if len(cluster.Strips) >= 2 && cluster.Sum >= f.Config.ClusterSumThreshold {
			totalFound++
		}

		if hasConstraint {
			cluster.InsideConstraint = abs(cluster.Position-centre) <= halfWidth
		} else {
			cluster.InsideConstraint = true
		}

		if cluster.InsideConstraint {
			clusters = append(clusters, cluster)
		}
	}

	sort.Slice(clusters, func(i, j int) bool { return clusters[i].PeakIndex < clusters[j].PeakIndex })

	f.applyPostPassFilter(clusters)

	return clusters, totalFound
}

// applyPostPassFilter runs the two-stage cluster-sum / strip-count
// filter over the constrained cluster list, clearing Keep (never
// removing the entry) on clusters that fail a stage. Each stage is
// soft or hard per Config.FilterFlag.
func (f *Finder) applyPostPassFilter(clusters []Cluster) {
	if len(clusters) == 0 {
		return
	}
	sumThreshold := f.Config.ClusterSumThreshold
	filterStage(clusters, f.Config.FilterFlag&1 != 0, func(c *Cluster) bool {
		return c.Sum >= sumThreshold
	})
	filterStage(clusters, f.Config.FilterFlag&2 != 0, func(c *Cluster) bool {
		return c.NStrips >= 2
	})
}

// filterStage rejects (clears Keep on) clusters failing passes. In
// hard mode every failing cluster is rejected. In soft mode failing
// clusters are rejected only if at least one still-kept cluster passed
// this stage — otherwise the whole list would be wiped out by a stage
// nothing happens to satisfy.
func filterStage(clusters []Cluster, hard bool, passes func(*Cluster) bool) {
	anyPassed := false
	for i := range clusters {
		if !clusters[i].Keep {
			continue
		}
		if passes(&clusters[i]) {
			anyPassed = true
		}
	}
	if !hard && !anyPassed {
		return
	}
	for i := range clusters {
		if !clusters[i].Keep {
			continue
		}
		if !passes(&clusters[i]) {
			clusters[i].Keep = false
		}
	}
}

func (f *Finder) findLocalMaxima(sorted []Strip, byIndex map[int]int) []int {
	var peaks []int
	for pos, s := range sorted {
		leftOK := true
		if lp, ok := byIndex[s.Index-1]; ok {
			leftOK = s.ClusteringValue >= sorted[lp].ClusteringValue
		}
		rightOK := true
		if rp, ok := byIndex[s.Index+1]; ok {
			rightOK = s.ClusteringValue >= sorted[rp].ClusteringValue
		}
		if !leftOK || !rightOK {
			continue
		}
		if s.MaxSample < f.Config.MaxSampleThreshold || s.Sum < f.Config.StripSumThreshold {
			continue
		}
		if f.Config.UseStripTimingCut && abs(s.TimeMean-f.Config.T0) > f.Config.Wt {
			continue
		}
		peaks = append(peaks, pos)
	}
	return peaks
}

func (f *Finder) pruneByProminence(sorted []Strip, byIndex map[int]int, peaks []int) []int {
	peakSet := make(map[int]bool, len(peaks))
	for _, p := range peaks {
		peakSet[p] = true
	}

	var kept []int
	for _, p := range peaks {
		peakVal := sorted[p].ClusteringValue

		leftValley := peakVal
		higherWithin := false
		nearestHigherDist := -1
		for i := p - 1; i >= 0 && p-i <= 2*maxInt(f.Config.MaxSep, 1); i-- {
			v := sorted[i].ClusteringValue
			if v < leftValley {
				leftValley = v
			}
			if peakSet[i] && v > peakVal {
				higherWithin = true
				if nearestHigherDist == -1 || p-i < nearestHigherDist {
					nearestHigherDist = p - i
				}
				break
			}
		}

		rightValley := peakVal
		for i := p + 1; i < len(sorted) && i-p <= 2*maxInt(f.Config.MaxSep, 1); i++ {
			v := sorted[i].ClusteringValue
			if v < rightValley {
				rightValley = v
			}
			if peakSet[i] && v > peakVal {
				higherWithin = true
				if nearestHigherDist == -1 || i-p < nearestHigherDist {
					nearestHigherDist = i - p
				}
				break
			}
		}

		valley := leftValley
		if rightValley > valley {
			valley = rightValley
		}
		prominence := peakVal - valley

		if higherWithin && (prominence < f.Config.NProm*f.Config.SigmaSum || prominence < f.Config.FProm*peakVal) {
			continue
		}
		kept = append(kept, p)
	}
	return kept
}

func (f *Finder) grow(sorted []Strip, byIndex map[int]int, peakPos int, allPeaks []int) []int {
	span := []int{peakPos}
	peak := sorted[peakPos]

	// leftward
	cur := peakPos
	for {
		idx := sorted[cur].Index - 1
		nextPos, ok := byIndex[idx]
		if !ok {
			break
		}
		if peak.Index-sorted[nextPos].Index > f.Config.MaxSep {
			break
		}
		if !f.passesGrowthGate(sorted[nextPos], peak) {
			break
		}
		span = append([]int{nextPos}, span...)
		cur = nextPos
	}

	// rightward
	cur = peakPos
	for {
		idx := sorted[cur].Index + 1
		nextPos, ok := byIndex[idx]
		if !ok {
			break
		}
		if sorted[nextPos].Index-peak.Index > f.Config.MaxSep {
			break
		}
		if !f.passesGrowthGate(sorted[nextPos], peak) {
			break
		}
		span = append(span, nextPos)
		cur = nextPos
	}

	return span
}

func (f *Finder) passesGrowthGate(candidate, peak Strip) bool {
	if f.Config.UseStripTimingCut && abs(candidate.TimeMean-peak.TimeMean) > f.Config.Wadd {
		return false
	}
	corrShaped := correlation(candidate.Shaped, peak.Shaped)
	corrDeconv := correlation(candidate.Deconv, peak.Deconv)
	if corrShaped < f.Config.Cadd && corrDeconv < f.Config.Cadd {
		return false
	}
	return true
}

// correlation returns the Pearson correlation coefficient, or the
// sentinel -10 when there are too few paired samples to compute one.
func correlation(u, v []float64) float64 {
	n := minInt(len(u), len(v))
	if n < 2 {
		return -10
	}
	return stat.Correlation(u[:n], v[:n], nil)
}

func (f *Finder) splitAndSummarize(sorted []Strip, byIndex map[int]int, peakPos int, span []int, allPeaks []int) Cluster {
	peak := sorted[peakPos]
	c := Cluster{PeakIndex: peak.Index, StripLo: sorted[span[0]].Index, StripHi: sorted[span[len(span)-1]].Index, ShapedPeakSample: -1, DeconvPeakSample: -1}

	nSamples := len(peak.Shaped)
	c.ShapedSamples = make([]float64, nSamples)
	c.DeconvSamples = make([]float64, len(peak.Deconv))

	var posSum, posWeight, rmsAccum float64
	var clusterSum, clusterTime, deconvTime float64

	for _, pos := range span {
		s := sorted[pos]
		wPeak := peak.Sum / (1 + square((float64(peak.Index-s.Index)*s.Pitch)/f.Config.SigmaShape))
		wSum := wPeak
		for _, op := range allPeaks {
			if op == peakPos {
				continue
			}
			dist := abs(float64(sorted[op].Index - s.Index))
			if int(dist) > f.Config.MaxSep {
				continue
			}
			other := sorted[op]
			wOther := other.Sum / (1 + square((dist*s.Pitch)/f.Config.SigmaShape))
			wSum += wOther
		}
		share := 1.0
		if wSum > 0 {
			share = wPeak / wSum
		}

		contribution := s.Sum * share
		clusterSum += contribution
		clusterTime += s.TimeMean * contribution
		deconvTime += s.DeconvTimeMean * contribution

		for k := 0; k < nSamples && k < len(s.Shaped); k++ {
			c.ShapedSamples[k] += s.Shaped[k] * share
		}
		for k := range c.DeconvSamples {
			if k < len(s.Deconv) {
				c.DeconvSamples[k] += s.Deconv[k] * share
			}
		}

		c.Strips = append(c.Strips, s.Index)

		if absInt(peak.Index-s.Index) <= minInt(f.Config.MaxSepPos, f.Config.MaxSep) {
			posSum += s.Position * contribution
			posWeight += contribution
		}
	}

	c.NStrips = len(c.Strips)
	c.Sum = clusterSum
	if clusterSum != 0 {
		c.Time = clusterTime / clusterSum
		c.DeconvTime = deconvTime / clusterSum
	}
	if posWeight != 0 {
		c.Position = posSum / posWeight
	} else {
		c.Position = peak.Position
	}

	for _, pos := range span {
		s := sorted[pos]
		d := s.Position - c.Position
		rmsAccum += d * d * s.Sum
	}
	if clusterSum != 0 {
		variance := rmsAccum / clusterSum
		if variance < 0 {
			variance = 0
		}
		c.PositionRMS = sqrt(variance)
	}

	for _, v := range c.DeconvSamples {
		c.DeconvSum += v
	}

	c.ShapedPeakSample = argmax(c.ShapedSamples)
	c.DeconvPeakSample = argmax(c.DeconvSamples)
	c.DeconvTwoStart = argmaxTwoSampleCombo(c.DeconvSamples)
	if c.DeconvTwoStart >= 0 {
		c.DeconvTwoSampleMax = c.DeconvSamples[c.DeconvTwoStart] + c.DeconvSamples[c.DeconvTwoStart+1]
	}
	c.Keep = true

	return c
}

func argmax(v []float64) int {
	if len(v) == 0 {
		return -1
	}
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}
	return best
}

func argmaxTwoSampleCombo(v []float64) int {
	if len(v) < 2 {
		return -1
	}
	best := 0
	bestVal := v[0] + v[1]
	for i := 0; i < len(v)-1; i++ {
		val := v[i] + v[i+1]
		if val > bestVal {
			bestVal = val
			best = i
		}
	}
	return best
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func square(x float64) float64 { return x * x }

func sqrt(x float64) float64 {
	if x <= 0 {
		return 0
	}
	return math.Sqrt(x)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
