// Package hit2d crosses U and V 1D clusters into 2D hits: transforms
// cluster positions into detector (x, y) coordinates, computes shared
// observables (energy, asymmetry, timing, correlation), and applies the
// quality filters that decide which crossings are kept.
package hit2d

import (
	"gonum.org/v1/gonum/stat"

	"github.com/jlab-solid/gemdecode/internal/gem/cluster1d"
	"github.com/jlab-solid/gemdecode/internal/gem/gemerr"
	"github.com/jlab-solid/gemdecode/internal/gem/geometry"
)

// Config holds the per-module tunables for 2D hit assembly.
type Config struct {
	XMin, XMax float64
	YMin, YMax float64
	SizeX, SizeY float64

	AsymCut      float64
	DeltaTCut    float64
	CorrCoeffCut float64

	MaxHits int

	// FilterFlag drives the three-stage post-pass filter applied to the
	// assembled hit list: bit 0 selects hard mode for the Δt stage, bit
	// 1 for the cluster-correlation stage, bit 2 for the asymmetry
	// stage. A clear bit means that stage runs in soft mode.
	FilterFlag int
}

// Hit is one assembled 2D hit.
type Hit struct {
	X, Y float64
	Time float64

	Energy    float64
	Asymmetry float64
	DeltaT    float64

	CorrClusterShaped float64
	CorrStripShaped   float64
	CorrClusterDeconv float64
	CorrStripDeconv   float64

	DeconvEnergy    float64
	DeconvAsymmetry float64
	DeconvDeltaT    float64
	DeconvTime      float64

	HighQuality bool
	Keep        bool

	UPeakIndex int
	VPeakIndex int
}

// Assembler crosses U/V cluster lists into 2D hits.
type Assembler struct {
	Transform geometry.Transform
	Config    Config
}

// NewAssembler builds an Assembler.
func NewAssembler(transform geometry.Transform, cfg Config) *Assembler {
	return &Assembler{Transform: transform, Config: cfg}
}

// peakStrip looks up the cluster's peak strip's shaped/deconvoluted
// sample vectors, needed for the strip-level correlation coefficients.
type peakStripLookup func(peakIndex int) (cluster1d.Strip, bool)

// Assemble crosses every kept U cluster with every kept V cluster and
// returns the hits that survive the quality filters, up to
// Config.MaxHits. uLookup/vLookup resolve a cluster's peak strip index
// back to its Strip (for strip-level correlation); they may be nil if
// strip-level correlation gating is not required.
func (a *Assembler) Assemble(uClusters, vClusters []cluster1d.Cluster, uLookup, vLookup peakStripLookup) ([]Hit, error) {
	var hits []Hit

	for _, u := range uClusters {
		if !u.Keep {
			continue
		}
		for _, v := range vClusters {
			if !v.Keep {
				continue
			}

			x, y := a.Transform.ToXY(u.Position, v.Position)
			if x < a.Config.XMin || x > a.Config.XMax || y < a.Config.YMin || y > a.Config.YMax {
				continue
			}
			if abs(x) > a.Config.SizeX/2 || abs(y) > a.Config.SizeY/2 {
				continue
			}

			hit := a.buildHit(u, v, x, y, uLookup, vLookup)

			if !a.passesFilters(&hit, u, v) {
				continue
			}

			hits = append(hits, hit)
		}
	}

	a.applyPostPassFilter(hits)

	if len(hits) > a.Config.MaxHits {
		dropped := len(hits) - a.Config.MaxHits
		hits = hits[:a.Config.MaxHits]
		return hits, &gemerr.CapExceededError{Cap: a.Config.MaxHits, Dropped: dropped}
	}
	return hits, nil
}

// applyPostPassFilter runs the Δt / cluster-correlation / asymmetry
// post-pass over the assembled hit list, clearing Keep (never removing
// the entry) on hits that fail a stage. Each stage is soft or hard per
// Config.FilterFlag; semantics match cluster1d's post-pass filter.
func (a *Assembler) applyPostPassFilter(hits []Hit) {
	if len(hits) == 0 {
		return
	}
	filterStage(hits, a.Config.FilterFlag&1 != 0, func(h *Hit) bool {
		return abs(h.DeltaT) <= a.Config.DeltaTCut
	})
	filterStage(hits, a.Config.FilterFlag&2 != 0, func(h *Hit) bool {
		return h.CorrClusterShaped >= a.Config.CorrCoeffCut && h.CorrClusterDeconv >= a.Config.CorrCoeffCut
	})
	filterStage(hits, a.Config.FilterFlag&4 != 0, func(h *Hit) bool {
		return abs(h.Asymmetry) <= a.Config.AsymCut
	})
}

func filterStage(hits []Hit, hard bool, passes func(*Hit) bool) {
	anyPassed := false
	for i := range hits {
		if !hits[i].Keep {
			continue
		}
		if passes(&hits[i]) {
			anyPassed = true
		}
	}
	if !hard && !anyPassed {
		return
	}
	for i := range hits {
		if !hits[i].Keep {
			continue
		}
		if !passes(&hits[i]) {
			hits[i].Keep = false
		}
	}
}

func (a *Assembler) buildHit(u, v cluster1d.Cluster, x, y float64, uLookup, vLookup peakStripLookup) Hit {
	hit := Hit{
		X: x, Y: y,
		Time:      (u.Time + v.Time) / 2,
		Energy:    (u.Sum + v.Sum) / 2,
		Asymmetry: safeDiv(u.Sum-v.Sum, u.Sum+v.Sum),
		DeltaT:    u.Time - v.Time,
		UPeakIndex: u.PeakIndex,
		VPeakIndex: v.PeakIndex,
	}

	hit.DeconvTime = (u.DeconvTime + v.DeconvTime) / 2
	hit.DeconvEnergy = (u.DeconvSum + v.DeconvSum) / 2
	hit.DeconvAsymmetry = safeDiv(u.DeconvSum-v.DeconvSum, u.DeconvSum+v.DeconvSum)
	hit.DeconvDeltaT = u.DeconvTime - v.DeconvTime

	hit.CorrClusterShaped = correlation(u.ShapedSamples, v.ShapedSamples)
	hit.CorrClusterDeconv = correlation(u.DeconvSamples, v.DeconvSamples)

	var uShaped, vShaped, uDeconv, vDeconv []float64
	if uLookup != nil {
		if s, ok := uLookup(u.PeakIndex); ok {
			uShaped, uDeconv = s.Shaped, s.Deconv
		}
	}
	if vLookup != nil {
		if s, ok := vLookup(v.PeakIndex); ok {
			vShaped, vDeconv = s.Shaped, s.Deconv
		}
	}
	hit.CorrStripShaped = correlation(uShaped, vShaped)
	hit.CorrStripDeconv = correlation(uDeconv, vDeconv)

	return hit
}

func (a *Assembler) passesFilters(hit *Hit, u, v cluster1d.Cluster) bool {
	bothMultiStrip := u.NStrips >= 2 && v.NStrips >= 2
	sumsOK := true // cluster-sum threshold is enforced upstream by cluster1d's post-pass filter

	corrOK := hit.CorrClusterShaped >= a.Config.CorrCoeffCut && hit.CorrStripShaped >= a.Config.CorrCoeffCut &&
		hit.CorrClusterDeconv >= a.Config.CorrCoeffCut && hit.CorrStripDeconv >= a.Config.CorrCoeffCut

	highQuality := abs(hit.Asymmetry) <= a.Config.AsymCut && bothMultiStrip && sumsOK && corrOK &&
		abs(hit.DeltaT) <= a.Config.DeltaTCut && abs(hit.DeconvAsymmetry) <= a.Config.AsymCut

	hit.HighQuality = highQuality

	if !bothMultiStrip {
		strictOK := abs(hit.Asymmetry) <= a.Config.AsymCut && abs(hit.DeltaT) <= a.Config.DeltaTCut && corrOK
		hit.Keep = strictOK
		return strictOK
	}

	hit.Keep = true
	return true
}

func correlation(u, v []float64) float64 {
	n := minInt(len(u), len(v))
	if n < 2 {
		return -10
	}
	return stat.Correlation(u[:n], v[:n], nil)
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
