package ssdir

import (
	"context"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/gorgonia/ssdir/checkpoint"
	"github.com/gorgonia/ssdir/dataset"
	scene "github.com/gorgonia/ssdir/scenenet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	conf := tinyConfig()
	s := newTiny(t, conf)

	metrics, err := s.Evaluate(square(conf, 6, 8, 7))
	require.NoError(t, err)
	for _, k := range []string{scene.MetricLoss, scene.MetricReconLL, scene.MetricPresenceActive} {
		v, ok := metrics[k]
		require.True(t, ok, "missing %s", k)
		assert.False(t, math.IsNaN(v), "%s", k)
	}

	// one epoch per call
	again, err := s.Evaluate(square(conf, 6, 8, 7))
	require.NoError(t, err)
	assert.InDelta(t, metrics[scene.MetricLoss], again[scene.MetricLoss], 1e-6)

	_, err = s.Evaluate(emptySource{})
	assert.Error(t, err)
}

type emptySource struct{}

func (emptySource) Next() (dataset.Batch, error) { return dataset.Batch{}, io.EOF }
func (emptySource) Reset() error                 { return nil }

func TestEarlyStopping(t *testing.T) {
	conf := tinyConfig()
	conf.Steps = 10
	conf.ValidateEvery = 1
	conf.Patience = 2
	conf.MinDelta = 1e9 // nothing after the first validation counts as an improvement
	s := newTiny(t, conf)
	s.SetValidation(square(conf, 6, 8, 7))

	require.NoError(t, s.Learn(context.Background(), square(conf, 6, 8, 7), 0))
	assert.True(t, s.EarlyStopped())
	assert.Equal(t, 3, s.State().Step)
	assert.Equal(t, 3, s.Statistics.Len())
	for _, v := range s.Statistics.History[ValidationPrefix+scene.MetricLoss] {
		assert.False(t, math.IsNaN(v))
	}

	// without patience the run goes the distance
	conf.Patience = 0
	s = newTiny(t, conf)
	s.SetValidation(square(conf, 6, 8, 7))
	require.NoError(t, s.Learn(context.Background(), square(conf, 6, 8, 7), 4))
	assert.False(t, s.EarlyStopped())
	assert.Equal(t, 4, s.State().Step)
}

func TestValidationCadence(t *testing.T) {
	conf := tinyConfig()
	conf.ValidateEvery = 2
	s := newTiny(t, conf)
	s.SetValidation(square(conf, 6, 8, 7))
	require.NoError(t, s.Learn(context.Background(), square(conf, 6, 8, 7), 4))

	col := s.Statistics.History[ValidationPrefix+scene.MetricLoss]
	require.Len(t, col, 4)
	assert.True(t, math.IsNaN(col[0]))
	assert.False(t, math.IsNaN(col[1]))
	assert.True(t, math.IsNaN(col[2]))
	assert.False(t, math.IsNaN(col[3]))
}

func TestKeepBest(t *testing.T) {
	conf := tinyConfig()
	conf.Steps = 5
	conf.ValidateEvery = 1
	conf.Patience = 0
	conf.KeepBest = 2
	conf.CheckpointPath = filepath.Join(t.TempDir(), "run.ckpt")
	s := newTiny(t, conf)
	s.SetValidation(square(conf, 6, 8, 7))
	require.NoError(t, s.Learn(context.Background(), square(conf, 6, 8, 7), 0))

	best := s.Best()
	require.Len(t, best, 2)
	assert.True(t, sort.SliceIsSorted(best, func(i, j int) bool { return best[i].Loss < best[j].Loss }))

	// the kept ones are the two lowest validation losses seen
	var losses []float64
	for _, v := range s.Statistics.History[ValidationPrefix+scene.MetricLoss] {
		losses = append(losses, v)
	}
	sort.Float64s(losses)
	assert.InDelta(t, losses[0], best[0].Loss, 1e-9)
	assert.InDelta(t, losses[1], best[1].Loss, 1e-9)

	files, err := filepath.Glob(filepath.Join(filepath.Dir(conf.CheckpointPath), "run-step*.ckpt"))
	require.NoError(t, err)
	assert.Len(t, files, 2, "displaced checkpoints are removed")
	for _, r := range best {
		b, err := checkpoint.Read(r.Filename)
		require.NoError(t, err)
		assert.Equal(t, r.Step, b.State.Step)
	}
	_, err = os.Stat(conf.CheckpointPath)
	assert.NoError(t, err, "the final checkpoint is still written")
}
