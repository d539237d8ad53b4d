package ssdir

import (
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"testing"

	scene "github.com/gorgonia/ssdir/scenenet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatistics(t *testing.T) {
	s := makeStatistics()
	require.NoError(t, s.Record(1, scene.Metrics{"loss": 2, "recon_ll": -1}))
	require.NoError(t, s.Record(2, scene.Metrics{"loss": 4, "grad_norm": 0.5}))
	require.NoError(t, s.Record(3, scene.Metrics{"loss": 6, "recon_ll": -3}))

	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []string{"loss", "recon_ll", "grad_norm"}, s.Names)
	assert.True(t, math.IsNaN(s.History["grad_norm"][0]))
	assert.True(t, math.IsNaN(s.History["recon_ll"][1]))

	mean, std := s.Summary("loss", 0)
	assert.InDelta(t, 4, mean, 1e-9)
	assert.InDelta(t, 2, std, 1e-9)

	mean, std = s.Summary("loss", 1)
	assert.Equal(t, 6.0, mean)
	assert.Equal(t, 0.0, std)

	mean, _ = s.Summary("recon_ll", 0)
	assert.InDelta(t, -2, mean, 1e-9, "NaNs are ignored")

	mean, _ = s.Summary("nope", 0)
	assert.True(t, math.IsNaN(mean))

	filename := filepath.Join(t.TempDir(), "stats.csv")
	require.NoError(t, s.Dump(filename))
	f, err := os.Open(filename)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, []string{"step", "loss", "recon_ll", "grad_norm"}, records[0])
	assert.Equal(t, []string{"2", "4", "NaN", "0.5"}, records[2])
}

func TestStatisticsDumpSingleStepColumn(t *testing.T) {
	s := makeStatistics()
	require.NoError(t, s.Record(1, scene.Metrics{scene.MetricStep: 1, "loss": 2}))
	require.NoError(t, s.Record(2, scene.Metrics{scene.MetricStep: 2, "loss": 3}))

	filename := filepath.Join(t.TempDir(), "stats.csv")
	require.NoError(t, s.Dump(filename))
	f, err := os.Open(filename)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"step", "loss"}, {"1", "2"}, {"2", "3"}}, records)
}
