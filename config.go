package ssdir

import (
	"encoding/json"
	"math"
	"os"

	"github.com/gorgonia/ssdir/errs"
	scene "github.com/gorgonia/ssdir/scenenet"
	"github.com/pkg/errors"
)

// Policy decides what Learn does when a step produces a non-finite loss or gradient.
type Policy string

const (
	Halt  Policy = "halt"  // stop and return the error
	Skip  Policy = "skip"  // drop the batch
	Retry Policy = "retry" // same batch, fresh noise, up to MaxRetries times, then halt
)

// Config is the configuration of a run. The zero values of the cadences disable them.
type Config struct {
	Name  string              `json:"name"`
	Net   scene.Config        `json:"net"`
	Train scene.TrainerConfig `json:"train"`

	Steps           int    `json:"steps"`
	CheckpointEvery int    `json:"checkpoint_every"`
	CheckpointPath  string `json:"checkpoint_path"`
	SnapshotEvery   int    `json:"snapshot_every"`
	LogEvery        int    `json:"log_every"`

	OnNonFinite Policy `json:"on_non_finite"`
	MaxRetries  int    `json:"max_retries"`
	LossWindow  int    `json:"loss_window"` // steps in the moving average of the loss
	Prefetch    int    `json:"prefetch"`    // batches read ahead

	// Validation only runs when Learn has a validation source.
	ValidateEvery int     `json:"validate_every"`
	Patience      int     `json:"patience"`  // validations without improvement before stopping. 0 never stops
	MinDelta      float64 `json:"min_delta"` // smallest decrease of the validation loss that counts
	KeepBest      int     `json:"keep_best"` // checkpoints with the lowest validation loss kept next to CheckpointPath
}

// DefaultConfig returns a configuration for 128x128 scenes.
func DefaultConfig() Config {
	return Config{
		Name:            "ssdir",
		Net:             scene.DefaultConf(),
		Train:           scene.DefaultTrainerConf(),
		Steps:           20000,
		CheckpointEvery: 1000,
		SnapshotEvery:   100,
		LogEvery:        50,
		OnNonFinite:     Halt,
		MaxRetries:      3,
		LossWindow:      100,
		Prefetch:        2,
		ValidateEvery:   500,
		Patience:        5,
		KeepBest:        3,
	}
}

// LoadConfig reads a JSON file over DefaultConfig and validates the result.
func LoadConfig(filename string) (Config, error) {
	conf := DefaultConfig()
	raw, err := os.ReadFile(filename)
	if err != nil {
		return conf, errors.WithStack(err)
	}
	if err = json.Unmarshal(raw, &conf); err != nil {
		return conf, errors.Wrapf(err, "parsing %s", filename)
	}
	return conf, conf.Validate()
}

// Validate returns a ConfigError naming the first invalid field.
func (c Config) Validate() error {
	if err := c.Net.Validate(); err != nil {
		return err
	}
	if err := c.Train.Validate(); err != nil {
		return err
	}
	switch {
	case c.Steps < 0:
		return errs.Config("ssdir", "Steps", c.Steps, "must not be negative")
	case c.CheckpointEvery < 0:
		return errs.Config("ssdir", "CheckpointEvery", c.CheckpointEvery, "must not be negative")
	case c.SnapshotEvery < 0:
		return errs.Config("ssdir", "SnapshotEvery", c.SnapshotEvery, "must not be negative")
	case c.LogEvery < 0:
		return errs.Config("ssdir", "LogEvery", c.LogEvery, "must not be negative")
	case c.MaxRetries < 0:
		return errs.Config("ssdir", "MaxRetries", c.MaxRetries, "must not be negative")
	case c.LossWindow < 1:
		return errs.Config("ssdir", "LossWindow", c.LossWindow, "must be at least 1")
	case c.Prefetch < 0:
		return errs.Config("ssdir", "Prefetch", c.Prefetch, "must not be negative")
	case c.ValidateEvery < 0:
		return errs.Config("ssdir", "ValidateEvery", c.ValidateEvery, "must not be negative")
	case c.Patience < 0:
		return errs.Config("ssdir", "Patience", c.Patience, "must not be negative")
	case !(c.MinDelta >= 0) || math.IsInf(c.MinDelta, 0):
		return errs.Config("ssdir", "MinDelta", c.MinDelta, "must be a non negative finite number")
	case c.KeepBest < 0:
		return errs.Config("ssdir", "KeepBest", c.KeepBest, "must not be negative")
	}
	switch c.OnNonFinite {
	case Halt, Skip, Retry:
	default:
		return errs.Config("ssdir", "OnNonFinite", c.OnNonFinite, `must be "halt", "skip" or "retry"`)
	}
	return nil
}

// IsValid is Validate() == nil.
func (c Config) IsValid() bool { return c.Validate() == nil }
