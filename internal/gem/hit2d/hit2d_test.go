package hit2d

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jlab-solid/gemdecode/internal/gem/cluster1d"
	"github.com/jlab-solid/gemdecode/internal/gem/geometry"
)

func testTransform() geometry.Transform {
	return geometry.NewTransform(geometry.NewProjection(0), geometry.NewProjection(3.14159265/2))
}

func testConfig() Config {
	return Config{
		XMin: -100, XMax: 100,
		YMin: -100, YMax: 100,
		SizeX: 200, SizeY: 200,
		AsymCut:      0.5,
		DeltaTCut:    20,
		CorrCoeffCut: -10, // disabled for basic crossing tests
		MaxHits:      10,
	}
}

func clusterAt(peak int, pos, sum, t float64) cluster1d.Cluster {
	return cluster1d.Cluster{PeakIndex: peak, Position: pos, Sum: sum, NStrips: 3, Time: t, Keep: true}
}

func TestAssembleCrossesAndKeepsWithinBounds(t *testing.T) {
	a := NewAssembler(testTransform(), testConfig())
	u := []cluster1d.Cluster{clusterAt(10, 5.0, 1000, 75)}
	v := []cluster1d.Cluster{clusterAt(20, 3.0, 900, 76)}

	hits, err := a.Assemble(u, v, nil, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.InDelta(t, -1.0, hits[0].DeltaT, 1.0) // u.Time - v.Time = 75 - 76
}

func TestAssembleRejectsOutsideActiveArea(t *testing.T) {
	cfg := testConfig()
	cfg.SizeX = 1
	cfg.SizeY = 1
	a := NewAssembler(testTransform(), cfg)
	u := []cluster1d.Cluster{clusterAt(10, 50.0, 1000, 75)}
	v := []cluster1d.Cluster{clusterAt(20, 50.0, 900, 76)}

	hits, err := a.Assemble(u, v, nil, nil)
	require.NoError(t, err)
	require.Len(t, hits, 0)
}

func TestAssembleCapsAtMaxHits(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHits = 1
	a := NewAssembler(testTransform(), cfg)
	u := []cluster1d.Cluster{clusterAt(10, 1.0, 1000, 75), clusterAt(11, 2.0, 1000, 75)}
	v := []cluster1d.Cluster{clusterAt(20, 1.0, 900, 75)}

	hits, err := a.Assemble(u, v, nil, nil)
	require.Len(t, hits, 1)
	require.Error(t, err)
}

func TestAssembleNonMultiStripRequiresStrictCuts(t *testing.T) {
	cfg := testConfig()
	cfg.AsymCut = 0.01
	a := NewAssembler(testTransform(), cfg)
	uc := clusterAt(10, 1.0, 1000, 75)
	uc.NStrips = 1
	vc := clusterAt(20, 1.0, 500, 75)
	vc.NStrips = 1

	hits, err := a.Assemble([]cluster1d.Cluster{uc}, []cluster1d.Cluster{vc}, nil, nil)
	require.NoError(t, err)
	require.Len(t, hits, 0)
}

func TestBuildHitUsesClusterSummedDeconvWaveform(t *testing.T) {
	a := NewAssembler(testTransform(), testConfig())
	uc := clusterAt(10, 5.0, 1000, 75)
	uc.DeconvSamples = []float64{1, 2, 6, 2, 1}
	uc.DeconvSum = 12
	uc.DeconvTime = 77
	uc.ShapedSamples = []float64{1, 2, 6, 2, 1}
	vc := clusterAt(20, 3.0, 900, 76)
	vc.DeconvSamples = []float64{1, 2, 5, 2, 1}
	vc.DeconvSum = 11
	vc.DeconvTime = 75
	vc.ShapedSamples = []float64{1, 2, 5, 2, 1}

	hits, err := a.Assemble([]cluster1d.Cluster{uc}, []cluster1d.Cluster{vc}, nil, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	hit := hits[0]
	require.InDelta(t, (12.0+11.0)/2, hit.DeconvEnergy, 1e-6)
	require.InDelta(t, 77.0-75.0, hit.DeconvDeltaT, 1e-6)
	require.NotEqual(t, hit.Energy, hit.DeconvEnergy)
	require.Greater(t, hit.CorrClusterShaped, 0.9)
}

func TestPostPassFilterSoftModeKeepsAllWhenNonePass(t *testing.T) {
	cfg := testConfig()
	cfg.DeltaTCut = 0.01 // nothing will clear this
	cfg.FilterFlag = 0   // soft
	a := NewAssembler(testTransform(), cfg)
	u := []cluster1d.Cluster{clusterAt(10, 5.0, 1000, 75)}
	v := []cluster1d.Cluster{clusterAt(20, 3.0, 900, 76)}

	hits, err := a.Assemble(u, v, nil, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.True(t, hits[0].Keep)
}

func TestPostPassFilterHardModeRejectsOutOfWindow(t *testing.T) {
	cfg := testConfig()
	cfg.DeltaTCut = 0.01
	cfg.FilterFlag = 1 // hard mode for the delta-t stage
	a := NewAssembler(testTransform(), cfg)
	u := []cluster1d.Cluster{clusterAt(10, 5.0, 1000, 75)}
	v := []cluster1d.Cluster{clusterAt(20, 3.0, 900, 76)}

	hits, err := a.Assemble(u, v, nil, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.False(t, hits[0].Keep)
}
