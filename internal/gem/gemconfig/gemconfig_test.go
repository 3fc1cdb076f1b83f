package gemconfig

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jlab-solid/gemdecode/internal/fsutil"
)

const sampleConfig = `
# sample module configuration
layer 0
nstripsU 256
nstripsV 256
upitch 0.04
vpitch 0.04
pedu 100.0
rmsu 2.5
threshold_sample 10
commonmode_flag 1
chanmap 1 2 3 0 0 0 0 0 0
`

func TestParseAppliesDefaultsAndOverrides(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	require.Equal(t, 256, cfg.NStripsU)
	require.Equal(t, 256, cfg.NStripsV)
	require.Len(t, cfg.PedU, 256)
	require.Equal(t, 100.0, cfg.PedU[0])
	require.Equal(t, 10.0, cfg.ThresholdSample)
	require.Equal(t, 5.0, cfg.ThresholdStripSum) // untouched default
	require.Len(t, cfg.ChanMap, 1)
	require.Equal(t, uint32(3), cfg.ChanMap[0].ChipID)
}

func TestParseMissingMandatoryKeyErrors(t *testing.T) {
	_, err := Parse([]byte("layer 0\nnstripsU 10\n"))
	require.Error(t, err)
}

func TestLoadFromMemoryFileSystem(t *testing.T) {
	mem := fsutil.NewMemoryFileSystem()
	require.NoError(t, mem.WriteFile("run.cfg", []byte(sampleConfig), 0o644))

	cfg, err := Load(mem, "run.cfg")
	require.NoError(t, err)
	require.Equal(t, 256, cfg.NStripsU)
}

func TestValidateRejectsBadPitch(t *testing.T) {
	cfg, err := Parse([]byte("layer 0\nnstripsU 10\nnstripsV 10\nupitch 0\n"))
	require.NoError(t, err)
	require.Error(t, cfg.Validate())
}

func TestExpandAxisValuesScalarAndPerChip(t *testing.T) {
	require.Equal(t, []float64{5, 5, 5, 5}, expandAxisValues([]float64{5}, 4))
	out := expandAxisValues([]float64{1, 2}, 4)
	require.Equal(t, []float64{1, 1, 2, 2}, out)
}
