package scene

import (
	"testing"

	"github.com/gorgonia/ssdir/errs"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tinyConf is small enough to train in a test: 32x32 images, 20 anchors.
func tinyConf() Config {
	conf := DefaultConf()
	conf.ImageSize = 32
	conf.BatchSize = 2
	conf.FeatureMaps = []int{4, 2}
	conf.AnchorSizes = []float64{0.25, 0.5}
	conf.GlimpseSize = 8
	conf.BackboneK = 4
	conf.WhatSize = 4
	conf.Hidden = 16
	conf.MinGlimpseScale = 2.0 / 32
	return conf
}

func TestDefaultConf(t *testing.T) {
	assert := assert.New(t)
	conf := DefaultConf()
	assert.NoError(conf.Validate())
	assert.True(conf.IsValid())
	assert.Equal(5, conf.stages()) // 128 down to the 4x4 map
	assert.True(tinyConf().IsValid())
	assert.Equal(4, tinyConf().stages())
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name  string
		mod   func(c *Config)
		field string
	}{
		{"batch", func(c *Config) { c.BatchSize = 0 }, "BatchSize"},
		{"glimpse", func(c *Config) { c.GlimpseSize = 1 }, "GlimpseSize"},
		{"where size", func(c *Config) { c.WhereSize = 2 }, "WhereSize"},
		{"prior", func(c *Config) { c.PresencePrior = 1 }, "PresencePrior"},
		{"min scale", func(c *Config) { c.MinGlimpseScale = 0 }, "MinGlimpseScale"},
		{"threshold", func(c *Config) { c.InferThreshold = 1.5 }, "InferThreshold"},
		{"prior std", func(c *Config) { c.WhatPriorStd = -1 }, "WhatPriorStd"},
		{"background", func(c *Config) { c.Background = "noise" }, "Background"},
		{"colour", func(c *Config) { c.BackgroundColor = [3]float64{0, 2, 0} }, "BackgroundColor"},
		{"background size", func(c *Config) { c.Background = InferredBackground; c.BackgroundSize = 0 }, "BackgroundSize"},
		{"background prior", func(c *Config) { c.Background = InferredBackground; c.BackgroundPriorStd = 0 }, "BackgroundPriorStd"},
		{"likelihood", func(c *Config) { c.Likelihood = "poisson" }, "Likelihood"},
		{"obs std", func(c *Config) { c.ObsStd = 0 }, "ObsStd"},
		{"feature map", func(c *Config) { c.FeatureMaps = []int{8, 3} }, "FeatureMaps"},
		{"anchor sizes", func(c *Config) { c.AnchorSizes = []float64{0.1} }, "Sizes"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			conf := DefaultConf()
			c.mod(&conf)
			err := conf.Validate()
			require.Error(t, err)
			var ce errs.ConfigError
			require.True(t, errors.As(err, &ce), "%v", err)
			assert.Equal(t, c.field, ce.Field)
		})
	}
}

func TestConfigFixedBackgroundIgnoresLatentSize(t *testing.T) {
	conf := DefaultConf()
	conf.BackgroundSize = 0
	assert.NoError(t, conf.Validate())
	conf.Background = InferredBackground
	assert.Error(t, conf.Validate())
}

func TestConfigBernoulliNeedsNoObsStd(t *testing.T) {
	conf := DefaultConf()
	conf.Likelihood = BernoulliLikelihood
	conf.ObsStd = 0
	assert.NoError(t, conf.Validate())
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "training", Training.String())
	assert.Equal(t, "inference", Inference.String())
	assert.Equal(t, "unknown mode", Mode(7).String())
}
