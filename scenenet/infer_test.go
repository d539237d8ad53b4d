package scene

import (
	"testing"

	"github.com/gorgonia/ssdir/errs"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestInferencer(t *testing.T) {
	conf := tinyConf()
	d := New(conf)
	require.NoError(t, d.Init())

	inf, err := Infer(d, false)
	require.NoError(t, err)
	defer inf.Close()
	assert.Equal(t, d.ParamData(), inf.Model().ParamData())
	assert.Equal(t, Inference, inf.Model().Mode)

	one := squares(conf, 5, 5, 6).Images
	single := tensor.New(tensor.WithShape(1, 3, conf.ImageSize, conf.ImageSize),
		tensor.WithBacking(append([]float32(nil), one.Data().([]float32)[:3*conf.ImageSize*conf.ImageSize]...)))

	scenes, metrics, err := inf.Infer(single)
	require.NoError(t, err)
	require.Len(t, scenes, 1)
	assert.Len(t, scenes[0].Objects, d.Grid().Len())
	assert.Equal(t, tensor.Shape{3, conf.ImageSize, conf.ImageSize}, scenes[0].Reconstruction.Shape())
	for _, v := range scenes[0].Reconstruction.Data().([]float32) {
		require.True(t, v >= 0 && v <= 1, "%v", v)
	}
	for i, o := range scenes[0].Objects {
		assert.Equal(t, i, o.Anchor)
		assert.Equal(t, o.Prob > float32(conf.InferThreshold), o.Present)
		assert.True(t, o.Box.W >= conf.MinGlimpseScale-1e-6 && o.Box.W <= 1+1e-6)
		assert.True(t, o.Box.CX-o.Box.W/2 >= -1e-5 && o.Box.CX+o.Box.W/2 <= 1+1e-5, "%v", o.Box)
		assert.Len(t, o.What, conf.WhatSize)
	}
	assert.Contains(t, metrics, MetricLoss)
	assert.Empty(t, inf.ExecLog())

	// deterministic
	again, _, err := inf.Infer(single)
	require.NoError(t, err)
	assert.Equal(t, scenes[0].Objects, again[0].Objects)

	bad := tensor.New(tensor.WithShape(3, 3, conf.ImageSize, conf.ImageSize), tensor.Of(tensor.Float32))
	_, _, err = inf.Infer(bad)
	var se errs.ShapeError
	assert.True(t, errors.As(err, &se))
}

func TestInferencerAllAbsentGivesBackground(t *testing.T) {
	conf := tinyConf()
	conf.BackgroundColor = [3]float64{0.25, 0.5, 0.75}
	d := New(conf)
	require.NoError(t, d.Init())
	// a very negative presence bias switches every anchor off
	for _, n := range d.Params() {
		if n.Name() == "presence_b" {
			n.Value().Data().([]float32)[0] = -100
		}
	}

	inf, err := Infer(d, true)
	require.NoError(t, err)
	defer inf.Close()
	scenes, _, err := inf.Infer(squares(conf, 5, 5, 6).Images)
	require.NoError(t, err)
	S := conf.ImageSize
	for _, sc := range scenes {
		assert.Empty(t, sc.Present())
		data := sc.Reconstruction.Data().([]float32)
		for c, want := range []float32{0.25, 0.5, 0.75} {
			for i := 0; i < S*S; i++ {
				if data[c*S*S+i] != want {
					t.Fatalf("channel %d pixel %d = %v", c, i, data[c*S*S+i])
				}
			}
		}
	}
	assert.NotEmpty(t, inf.ExecLog())
}

func TestInferMetricsIgnorePadding(t *testing.T) {
	conf := tinyConf() // two images per batch
	d := New(conf)
	require.NoError(t, d.Init())
	inf, err := Infer(d, false)
	require.NoError(t, err)
	defer inf.Close()

	S := conf.ImageSize
	plane := 3 * S * S
	img := squares(conf, 5, 5, 6).Images.Data().([]float32)[:plane]
	single := tensor.New(tensor.WithShape(1, 3, S, S), tensor.WithBacking(append([]float32(nil), img...)))
	pair := tensor.New(tensor.WithShape(2, 3, S, S), tensor.WithBacking(append(append([]float32(nil), img...), img...)))

	_, one, err := inf.Infer(single)
	require.NoError(t, err)
	_, two, err := inf.Infer(pair)
	require.NoError(t, err)
	for _, k := range []string{MetricLoss, MetricReconLL, MetricKLPresence, MetricKLWhere, MetricKLWhat,
		MetricKLDepth, MetricPresenceMean, MetricPresenceActive} {
		assert.InDelta(t, two[k], one[k], 1e-5, "%s", k)
	}
}
