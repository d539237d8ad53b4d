package ssdir

import (
	"bytes"
	"context"
	"image/gif"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/gorgonia/ssdir/checkpoint"
	"github.com/gorgonia/ssdir/dataset"
	gifenc "github.com/gorgonia/ssdir/encoding/gif"
	"github.com/gorgonia/ssdir/errs"
	scene "github.com/gorgonia/ssdir/scenenet"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyConfig() Config {
	conf := DefaultConfig()
	conf.Net.ImageSize = 32
	conf.Net.BatchSize = 2
	conf.Net.FeatureMaps = []int{4, 2}
	conf.Net.AnchorSizes = []float64{0.25, 0.5}
	conf.Net.GlimpseSize = 8
	conf.Net.BackboneK = 4
	conf.Net.WhatSize = 4
	conf.Net.Hidden = 16
	conf.Net.MinGlimpseScale = 2.0 / 32
	conf.Steps = 4
	conf.CheckpointEvery = 0
	conf.SnapshotEvery = 0
	conf.LogEvery = 1
	conf.LossWindow = 3
	return conf
}

// square is a batch with one white square per image.
func square(conf Config, x0, y0, side int) *dataset.Fixed {
	S := conf.Net.ImageSize
	batch := dataset.NewBatch(conf.Net.BatchSize, S)
	data := batch.Images.Data().([]float32)
	for b := 0; b < conf.Net.BatchSize; b++ {
		for c := 0; c < 3; c++ {
			plane := data[(b*3+c)*S*S : (b*3+c+1)*S*S]
			for y := y0; y < y0+side; y++ {
				for x := x0 + b; x < x0+b+side; x++ {
					plane[y*S+x] = 1
				}
			}
		}
	}
	return &dataset.Fixed{B: batch}
}

func newTiny(t *testing.T, conf Config) *SSDIR {
	s, err := New(conf, logs.NewTestingLog(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLearn(t *testing.T) {
	conf := tinyConfig()
	s := newTiny(t, conf)
	require.NoError(t, s.Learn(context.Background(), square(conf, 6, 8, 7), 0))

	assert.Equal(t, conf.Steps, s.State().Step)
	assert.Equal(t, conf.Steps, s.Statistics.Len())
	assert.Equal(t, []int{1, 2, 3, 4}, s.Statistics.Steps)
	assert.Equal(t, []float64{1, 2, 3, 4}, s.Statistics.History[scene.MetricStep], "the step metric is the recorded step")
	assert.False(t, math.IsNaN(s.MovingLoss()))

	mean, std := s.Summary(scene.MetricLoss, 0)
	assert.False(t, math.IsNaN(mean))
	assert.True(t, std >= 0)
}

func TestResume(t *testing.T) {
	conf := tinyConfig()
	filename := filepath.Join(t.TempDir(), "resume.ckpt")
	ctx := context.Background()

	a := newTiny(t, conf)
	require.NoError(t, a.Learn(ctx, square(conf, 5, 5, 6), 2))
	require.NoError(t, a.Save(filename))
	require.NoError(t, a.Learn(ctx, square(conf, 5, 5, 6), 3))

	b := newTiny(t, conf)
	require.NoError(t, b.Load(filename))
	assert.Equal(t, 2, b.State().Step)
	require.NoError(t, b.Learn(ctx, square(conf, 5, 5, 6), 3))

	sa, sb := a.State(), b.State()
	assert.Equal(t, 5, sb.Step)
	assert.Equal(t, sa.Step, sb.Step)
	assert.Equal(t, sa.Temperature, sb.Temperature)
	assert.Equal(t, sa.Optimizer, sb.Optimizer)
	assert.Equal(t, a.Model().ParamData(), b.Model().ParamData())
}

func TestLoadRejectsOtherModels(t *testing.T) {
	conf := tinyConfig()
	filename := filepath.Join(t.TempDir(), "small.ckpt")
	a := newTiny(t, conf)
	require.NoError(t, a.Save(filename))

	conf.Net.WhatSize = 6
	b := newTiny(t, conf)
	before := b.State()
	err := b.Load(filename)
	var vm errs.CheckpointVersionMismatch
	require.True(t, errors.As(err, &vm), "%v", err)
	assert.Equal(t, before, b.State())
}

func TestCancelWritesCheckpoint(t *testing.T) {
	conf := tinyConfig()
	conf.CheckpointPath = filepath.Join(t.TempDir(), "cancel.ckpt")
	s := newTiny(t, conf)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Learn(ctx, square(conf, 4, 4, 5), 10)
	assert.Equal(t, context.Canceled, err)

	b, err := checkpoint.Read(conf.CheckpointPath)
	require.NoError(t, err)
	assert.Equal(t, 0, b.State.Step)
}

func TestPeriodicCheckpoint(t *testing.T) {
	conf := tinyConfig()
	conf.CheckpointEvery = 2
	conf.CheckpointPath = filepath.Join(t.TempDir(), "periodic.ckpt")
	s := newTiny(t, conf)
	require.NoError(t, s.Learn(context.Background(), square(conf, 4, 4, 5), 3))

	b, err := checkpoint.Read(conf.CheckpointPath)
	require.NoError(t, err)
	assert.Equal(t, 3, b.State.Step, "the final checkpoint is written last")
}

func poisoned(conf Config) *dataset.Fixed {
	src := square(conf, 4, 4, 5)
	src.B.Images.Data().([]float32)[3] = float32(math.NaN())
	return src
}

func TestNonFinitePolicies(t *testing.T) {
	t.Run("halt", func(t *testing.T) {
		conf := tinyConfig()
		s := newTiny(t, conf)
		err := s.Learn(context.Background(), poisoned(conf), 3)
		var ni errs.NumericalInstability
		require.True(t, errors.As(err, &ni), "%v", err)
		assert.Equal(t, 0, ni.Step)
		assert.Equal(t, 0, s.State().Step)
	})
	t.Run("skip", func(t *testing.T) {
		conf := tinyConfig()
		conf.OnNonFinite = Skip
		s := newTiny(t, conf)
		require.NoError(t, s.Learn(context.Background(), poisoned(conf), 3))
		assert.Equal(t, 3, s.Skipped())
		assert.Equal(t, 0, s.State().Step)
		assert.Equal(t, 0, s.Statistics.Len())
	})
	t.Run("retry", func(t *testing.T) {
		conf := tinyConfig()
		conf.OnNonFinite = Retry
		conf.MaxRetries = 2
		s := newTiny(t, conf)
		err := s.Learn(context.Background(), poisoned(conf), 3)
		var ni errs.NumericalInstability
		require.True(t, errors.As(err, &ni), "%v", err)
		assert.Equal(t, 2, s.Retried())
	})
}

func TestSnapshots(t *testing.T) {
	conf := tinyConfig()
	conf.SnapshotEvery = 1
	s := newTiny(t, conf)

	var buf bytes.Buffer
	enc := gifenc.NewGifEncoder(&buf, 2)
	s.AddEncoder(enc)
	stats := &Statistics{}
	s.AddSink(stats)
	require.NoError(t, s.Learn(context.Background(), square(conf, 4, 4, 8), 2))

	assert.Equal(t, 2*conf.Net.BatchSize, enc.Frames())
	g, err := gif.DecodeAll(&buf)
	require.NoError(t, err)
	assert.Len(t, g.Image, 2*conf.Net.BatchSize)
	assert.Equal(t, []int{1, 2}, stats.Steps)
}

func TestInfer(t *testing.T) {
	conf := tinyConfig()
	s := newTiny(t, conf)
	src := square(conf, 4, 4, 8)
	batch, err := src.Next()
	require.NoError(t, err)

	scenes, metrics, err := s.Infer(batch.Images)
	require.NoError(t, err)
	require.Len(t, scenes, conf.Net.BatchSize)
	assert.Len(t, scenes[0].Objects, s.Model().Grid().Len())
	assert.Contains(t, metrics, scene.MetricLoss)

	snaps, err := s.Snapshot(batch)
	require.NoError(t, err)
	require.Len(t, snaps, conf.Net.BatchSize)
	assert.Equal(t, 32, snaps[0].Input.Bounds().Dx())
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		filename := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(filename, []byte(body), 0644))
		return filename
	}

	conf, err := LoadConfig(write("ok.json", `{"steps": 12, "on_non_finite": "retry", "net": {"what_size": 8}}`))
	require.NoError(t, err)
	assert.Equal(t, 12, conf.Steps)
	assert.Equal(t, Retry, conf.OnNonFinite)
	assert.Equal(t, 8, conf.Net.WhatSize)
	assert.Equal(t, DefaultConfig().Net.ImageSize, conf.Net.ImageSize)

	cases := []struct {
		body, field string
	}{
		{`{"on_non_finite": "explode"}`, "OnNonFinite"},
		{`{"loss_window": 0}`, "LossWindow"},
		{`{"train": {"schedule": {"temperature": {"initial": 0}}}}`, "Temperature.Initial"},
		{`{"train": {"optim": {"learn_rate": -1}}}`, "LearnRate"},
		{`{"patience": -1}`, "Patience"},
		{`{"keep_best": -2}`, "KeepBest"},
		{`{"min_delta": -0.5}`, "MinDelta"},
		{`{"validate_every": -1}`, "ValidateEvery"},
		{`{"net": {"background": "inferred", "background_size": 0}}`, "BackgroundSize"},
	}
	for i, c := range cases {
		_, err := LoadConfig(write("bad.json", c.body))
		var ce errs.ConfigError
		require.True(t, errors.As(err, &ce), "case %d: %v", i, err)
		assert.Equal(t, c.field, ce.Field, "case %d", i)
	}

	_, err = LoadConfig(write("broken.json", `{"steps": `))
	assert.Error(t, err)
	_, err = LoadConfig(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
