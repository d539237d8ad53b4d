package scene

import (
	"math"

	"github.com/gorgonia/ssdir/anchor"
	"github.com/gorgonia/ssdir/errs"
)

// Mode selects how latents are drawn when the graph is built.
type Mode int

const (
	// Training draws relaxed presence and reparameterized samples from injected noise.
	Training Mode = iota
	// Inference thresholds presence and uses the posterior means.
	Inference
)

func (m Mode) String() string {
	switch m {
	case Training:
		return "training"
	case Inference:
		return "inference"
	}
	return "unknown mode"
}

// Background modes
const (
	FixedBackground    = "fixed"
	LearnedBackground  = "learned"
	InferredBackground = "inferred" // per image latent, decoded like an object
)

// Likelihoods
const (
	GaussianLikelihood  = "gaussian"
	BernoulliLikelihood = "bernoulli"
)

// Config configures the scene model.
type Config struct {
	ImageSize    int         `json:"image_size"`    // square images
	BatchSize    int         `json:"batch_size"`    // batch size
	FeatureMaps  []int       `json:"feature_maps"`  // anchor grid sides
	AnchorSizes  []float64   `json:"anchor_sizes"`  // normalized anchor side, per feature map
	AspectRatios [][]float64 `json:"aspect_ratios"` // extra anchors per location, per feature map
	GlimpseSize  int         `json:"glimpse_size"`  // side of the per-object crop

	BackboneK    int    `json:"backbone_k"`    // number of filters in every backbone stage
	BackbonePath string `json:"backbone_path"` // pretrained backbone weights. Empty means seeded init
	FineTune     bool   `json:"fine_tune"`     // train the backbone too

	WhatSize        int     `json:"what_size"`
	WhereSize       int     `json:"where_size"` // 4: (dx, dy, dw, dh). 3: (dx, dy, ds)
	Hidden          int     `json:"hidden"`     // MLP width of the what encoder and decoder
	CenterVariance  float64 `json:"center_variance"`
	SizeVariance    float64 `json:"size_variance"`
	MinGlimpseScale float64 `json:"min_glimpse_scale"` // smallest normalized box side

	PresencePrior  float64 `json:"presence_prior"`
	WherePriorMean float64 `json:"where_prior_mean"`
	WherePriorStd  float64 `json:"where_prior_std"`
	WhatPriorStd   float64 `json:"what_prior_std"`
	DepthPriorStd  float64 `json:"depth_prior_std"`

	Background         string     `json:"background"`
	BackgroundColor    [3]float64 `json:"background_color"`
	BackgroundSize     int        `json:"background_size"` // latent size of the inferred background
	BackgroundPriorStd float64    `json:"background_prior_std"`
	Likelihood      string     `json:"likelihood"`
	ObsStd          float64    `json:"obs_std"`
	InferThreshold  float64    `json:"infer_threshold"`

	Seed    int64 `json:"seed"`
	Mode    Mode  `json:"-"`
	FwdOnly bool  `json:"-"` // is this a fwd only graph?
}

// DefaultConf is set up for 128x128 images with objects around 16 pixels across.
func DefaultConf() Config {
	return Config{
		ImageSize:   128,
		BatchSize:   8,
		FeatureMaps: []int{8, 4},
		AnchorSizes: []float64{0.125, 0.3},
		GlimpseSize: 16,

		BackboneK: 16,

		WhatSize:        16,
		WhereSize:       4,
		Hidden:          128,
		CenterVariance:  0.1,
		SizeVariance:    0.2,
		MinGlimpseScale: 2.0 / 128,

		PresencePrior: 0.01,
		WherePriorStd: 1,
		WhatPriorStd:  1,
		DepthPriorStd: 1,

		Background:         FixedBackground,
		BackgroundSize:     4,
		BackgroundPriorStd: 1,
		Likelihood:         GaussianLikelihood,
		ObsStd:             0.15,
		InferThreshold:     0.5,
		Seed:               1337,
	}
}

// Anchors is the anchor layout this configuration implies.
func (conf Config) Anchors() anchor.Config {
	return anchor.Config{
		ImageSize:    conf.ImageSize,
		FeatureMaps:  conf.FeatureMaps,
		Sizes:        conf.AnchorSizes,
		AspectRatios: conf.AspectRatios,
	}
}

// Validate returns a ConfigError naming the first invalid field.
func (conf Config) Validate() error {
	if err := conf.Anchors().Validate(); err != nil {
		return err
	}
	positive := func(field string, v float64) error {
		if !(v > 0) || math.IsInf(v, 0) {
			return errs.Config("scene", field, v, "must be a positive finite number")
		}
		return nil
	}
	switch {
	case conf.BatchSize < 1:
		return errs.Config("scene", "BatchSize", conf.BatchSize, "must be at least 1")
	case conf.GlimpseSize < 2:
		return errs.Config("scene", "GlimpseSize", conf.GlimpseSize, "must be at least 2")
	case conf.BackboneK < 1:
		return errs.Config("scene", "BackboneK", conf.BackboneK, "must be at least 1")
	case conf.WhatSize < 1:
		return errs.Config("scene", "WhatSize", conf.WhatSize, "must be at least 1")
	case conf.WhereSize != 3 && conf.WhereSize != 4:
		return errs.Config("scene", "WhereSize", conf.WhereSize, "must be 3 (isotropic scale) or 4")
	case conf.Hidden < 1:
		return errs.Config("scene", "Hidden", conf.Hidden, "must be at least 1")
	case !(conf.PresencePrior > 0 && conf.PresencePrior < 1):
		return errs.Config("scene", "PresencePrior", conf.PresencePrior, "must be in (0, 1)")
	case !(conf.MinGlimpseScale > 0 && conf.MinGlimpseScale < 1):
		return errs.Config("scene", "MinGlimpseScale", conf.MinGlimpseScale, "must be in (0, 1)")
	case !(conf.InferThreshold > 0 && conf.InferThreshold < 1):
		return errs.Config("scene", "InferThreshold", conf.InferThreshold, "must be in (0, 1)")
	case math.IsNaN(conf.WherePriorMean) || math.IsInf(conf.WherePriorMean, 0):
		return errs.Config("scene", "WherePriorMean", conf.WherePriorMean, "must be finite")
	}
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"CenterVariance", conf.CenterVariance},
		{"SizeVariance", conf.SizeVariance},
		{"WherePriorStd", conf.WherePriorStd},
		{"WhatPriorStd", conf.WhatPriorStd},
		{"DepthPriorStd", conf.DepthPriorStd},
	} {
		if err := positive(f.name, f.v); err != nil {
			return err
		}
	}

	switch conf.Background {
	case FixedBackground:
		for _, c := range conf.BackgroundColor {
			if !(c >= 0 && c <= 1) {
				return errs.Config("scene", "BackgroundColor", conf.BackgroundColor, "channels must be in [0, 1]")
			}
		}
	case LearnedBackground:
	case InferredBackground:
		if conf.BackgroundSize < 1 {
			return errs.Config("scene", "BackgroundSize", conf.BackgroundSize, "must be at least 1")
		}
		if err := positive("BackgroundPriorStd", conf.BackgroundPriorStd); err != nil {
			return err
		}
	default:
		return errs.Config("scene", "Background", conf.Background, `must be "fixed", "learned" or "inferred"`)
	}

	switch conf.Likelihood {
	case GaussianLikelihood:
		if err := positive("ObsStd", conf.ObsStd); err != nil {
			return err
		}
	case BernoulliLikelihood:
	default:
		return errs.Config("scene", "Likelihood", conf.Likelihood, `must be "gaussian" or "bernoulli"`)
	}
	return nil
}

// IsValid is Validate() == nil.
func (conf Config) IsValid() bool { return conf.Validate() == nil }

// stages is the number of stride 2 backbone stages needed to reach the coarsest feature map.
func (conf Config) stages() int {
	var k int
	for _, fm := range conf.FeatureMaps {
		if d := anchor.Downsampling(conf.ImageSize, fm); d > k {
			k = d
		}
	}
	return k
}
