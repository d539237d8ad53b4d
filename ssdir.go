// Package ssdir trains and runs a scene decomposition model: every image is explained as a
// background plus a fixed number of anchor-bound objects, each with a presence, a box, a depth
// and an appearance code, learnt without box labels by maximizing an evidence lower bound.
//
// SSDIR is the entry point. It wires a scene.Model and its Trainer to a dataset, applies the
// non-finite policy, keeps statistics, writes checkpoints and feeds snapshots to encoders.
package ssdir

import (
	"context"
	"math"

	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/logs"
	"github.com/gorgonia/ssdir/anchor"
	"github.com/gorgonia/ssdir/checkpoint"
	"github.com/gorgonia/ssdir/dataset"
	"github.com/gorgonia/ssdir/encoding"
	"github.com/gorgonia/ssdir/errs"
	scene "github.com/gorgonia/ssdir/scenenet"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// SSDIR is the top level structure and the entry point of the API.
type SSDIR struct {
	Statistics

	conf Config
	log  logs.Log

	model   *scene.Model
	trainer *scene.Trainer
	inf     *scene.Inferencer // built on first use
	state   scene.State

	losses  ringbuffer.RingP[float64]
	skipped int
	retried int

	sinks   []MetricsSink
	outEncs []OutputEncoder

	val      dataset.Source
	best     []Ranked // best first
	bestLoss float64
	stale    int // validations since the last improvement
	stopped  bool
}

// New builds the model and its trainer. The run starts from the trainer's initial state
// unless Load is called.
func New(conf Config, log logs.Log) (*SSDIR, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	conf.Net.Mode = scene.Training
	conf.Net.FwdOnly = false

	d := scene.New(conf.Net)
	if err := d.Init(); err != nil {
		return nil, errors.WithMessage(err, "building the model")
	}
	t, err := scene.NewTrainer(d, conf.Train)
	if err != nil {
		return nil, err
	}
	return &SSDIR{
		Statistics: makeStatistics(),
		conf:       conf,
		log:        log,
		model:      d,
		trainer:    t,
		state:      t.InitialState(),
		losses:     ringbuffer.NewRingP[float64](conf.LossWindow),
		bestLoss:   math.Inf(1),
	}, nil
}

// AddSink registers a MetricsSink. The embedded Statistics always records.
func (s *SSDIR) AddSink(m MetricsSink) { s.sinks = append(s.sinks, m) }

// AddEncoder registers an OutputEncoder for snapshots.
func (s *SSDIR) AddEncoder(e OutputEncoder) { s.outEncs = append(s.outEncs, e) }

// Config returns the run configuration.
func (s *SSDIR) Config() Config { return s.conf }

// Model returns the model being trained.
func (s *SSDIR) Model() *scene.Model { return s.model }

// State returns a copy of the training state after the last completed step.
func (s *SSDIR) State() scene.State { return s.state.Clone() }

// Skipped is the number of batches dropped under the Skip policy.
func (s *SSDIR) Skipped() int { return s.skipped }

// Retried is the number of retried attempts under the Retry policy.
func (s *SSDIR) Retried() int { return s.retried }

// MovingLoss is the mean loss over the last LossWindow completed steps.
func (s *SSDIR) MovingLoss() float64 {
	n := s.losses.Len()
	if n == 0 {
		return math.NaN()
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += s.losses.Peek(i)
	}
	return sum / float64(n)
}

// Learn trains for steps batches of src (Config.Steps when steps <= 0). It stops early when
// ctx is cancelled; the last completed state is then written to Config.CheckpointPath, if
// set, and the context's error returned. With a validation source it also stops, without
// error, once Config.Patience validations in a row have not improved the validation loss.
func (s *SSDIR) Learn(ctx context.Context, src dataset.Source, steps int) (err error) {
	if steps <= 0 {
		steps = s.conf.Steps
	}
	s.stopped = false
	pf := dataset.Prefetch(ctx, src, s.conf.Prefetch)
	defer pf.Close()

	s.log.Infof("Learning for %d steps from %v", steps, s.state)
	for i := 0; i < steps; i++ {
		if err = ctx.Err(); err != nil {
			break
		}
		var batch dataset.Batch
		if batch, err = pf.Next(); err != nil {
			break
		}
		var metrics scene.Metrics
		if metrics, err = s.step(batch); err != nil {
			break
		}
		if metrics == nil {
			continue // skipped
		}
		step := s.state.Step

		var stop bool
		if s.val != nil && s.conf.ValidateEvery > 0 && step%s.conf.ValidateEvery == 0 {
			if stop, err = s.validate(step, metrics); err != nil {
				break
			}
		}
		if err = s.record(step, metrics); err != nil {
			break
		}
		if s.conf.LogEvery > 0 && step%s.conf.LogEvery == 0 {
			s.log.Infof("step %d loss %.5g (avg %.5g) recon %.5g active %.3g τ=%.3g",
				step, metrics[scene.MetricLoss], s.MovingLoss(), metrics[scene.MetricReconLL],
				metrics[scene.MetricPresenceActive], metrics[scene.MetricTemperature])
		}
		if s.conf.CheckpointEvery > 0 && s.conf.CheckpointPath != "" && step%s.conf.CheckpointEvery == 0 {
			if err = s.Save(s.conf.CheckpointPath); err != nil {
				break
			}
		}
		if len(s.outEncs) > 0 && s.conf.SnapshotEvery > 0 && step%s.conf.SnapshotEvery == 0 {
			if err = s.snapshot(batch); err != nil {
				break
			}
		}
		if stop {
			s.stopped = true
			s.log.Infof("Stopping at step %d: validation loss has not improved in %d validations", step, s.stale)
			break
		}
	}

	if s.conf.CheckpointPath != "" {
		if cerr := s.Save(s.conf.CheckpointPath); cerr != nil {
			s.log.Errorf("Unable to write checkpoint: %v", cerr)
			if err == nil {
				err = cerr
			}
		}
	}
	for _, enc := range s.outEncs {
		if ferr := enc.Flush(); ferr != nil && err == nil {
			err = ferr
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			s.log.Warnf("Learning stopped at step %d: %v", s.state.Step, err)
			return ctx.Err()
		}
		s.log.Errorf("Learning failed at step %d: %v", s.state.Step, err)
	}
	return err
}

// step runs one update under the configured non-finite policy. A nil Metrics with a nil
// error means the batch was skipped.
func (s *SSDIR) step(batch dataset.Batch) (scene.Metrics, error) {
	for attempt := 0; ; attempt++ {
		next, metrics, err := s.trainer.StepAttempt(s.state, batch, attempt)
		if err == nil {
			s.state = next
			return metrics, nil
		}
		var ni errs.NumericalInstability
		if !errors.As(err, &ni) {
			return nil, err
		}
		switch s.conf.OnNonFinite {
		case Skip:
			s.skipped++
			s.log.Warnf("Skipping batch: %v", ni)
			return nil, nil
		case Retry:
			if attempt < s.conf.MaxRetries {
				s.retried++
				s.log.Warnf("Retrying step %d (attempt %d): %v", ni.Step, attempt+1, ni)
				continue
			}
		}
		return metrics, err
	}
}

func (s *SSDIR) record(step int, m scene.Metrics) error {
	s.losses.Add(m[scene.MetricLoss])
	if err := s.Statistics.Record(step, m); err != nil {
		return err
	}
	for _, sink := range s.sinks {
		if err := sink.Record(step, m); err != nil {
			return errors.WithMessage(err, "recording metrics")
		}
	}
	return nil
}

func (s *SSDIR) snapshot(batch dataset.Batch) error {
	snaps, err := s.Snapshot(batch)
	if err != nil {
		return err
	}
	for _, enc := range s.outEncs {
		for _, snap := range snaps {
			if err := enc.Encode(snap); err != nil {
				return errors.WithMessage(err, "encoding snapshot")
			}
		}
	}
	return nil
}

// Save writes the parameters and the training state to filename.
func (s *SSDIR) Save(filename string) error {
	if err := checkpoint.Write(filename, checkpoint.FromTrainer(s.trainer, s.state)); err != nil {
		return err
	}
	s.log.Debugf("Saved step %d to %s", s.state.Step, filename)
	return nil
}

// Load restores the parameters and the training state from filename. Nothing changes when
// the checkpoint does not fit the model.
func (s *SSDIR) Load(filename string) error {
	b, err := checkpoint.Read(filename)
	if err != nil {
		return err
	}
	if err = b.Check(s.model); err != nil {
		return err
	}
	if err = s.trainer.CheckState(b.State); err != nil {
		return err
	}
	if err = b.Apply(s.model); err != nil {
		return err
	}
	s.state = b.State.Clone()
	s.log.Infof("Loaded %s: %v", filename, s.state)
	return nil
}

func (s *SSDIR) inferencer() (*scene.Inferencer, error) {
	if s.inf == nil {
		inf, err := scene.Infer(s.model, false)
		if err != nil {
			return nil, err
		}
		s.inf = inf
		return inf, nil
	}
	return s.inf, s.inf.Sync(s.model)
}

// Infer decomposes up to Net.BatchSize images, given as (n, 3, S, S), with the current
// parameters.
func (s *SSDIR) Infer(images *tensor.Dense) ([]scene.Scene, scene.Metrics, error) {
	inf, err := s.inferencer()
	if err != nil {
		return nil, nil, err
	}
	return inf.Infer(images)
}

// Snapshot infers the scenes of a batch and renders each image with its reconstruction and
// the boxes of the objects found.
func (s *SSDIR) Snapshot(batch dataset.Batch) ([]encoding.Snapshot, error) {
	scenes, metrics, err := s.Infer(batch.Images)
	if err != nil {
		return nil, err
	}
	S := s.conf.Net.ImageSize
	plane := 3 * S * S
	data := batch.Images.Data().([]float32)
	retVal := make([]encoding.Snapshot, len(scenes))
	for i, sc := range scenes {
		present := sc.Present()
		boxes := make([]anchor.Box, 0, len(present))
		for _, o := range present {
			boxes = append(boxes, o.Box)
		}
		var name string
		if i < len(batch.Names) {
			name = batch.Names[i]
		}
		retVal[i] = encoding.Snapshot{
			Name:    name,
			Step:    s.state.Step,
			Input:   dataset.ToImage(data[i*plane:(i+1)*plane], S),
			Recon:   dataset.ToImage(sc.Reconstruction.Data().([]float32), S),
			Boxes:   boxes,
			Metrics: metrics,
		}
	}
	return retVal, nil
}

// Close releases the graph machines.
func (s *SSDIR) Close() error {
	var err error
	if s.inf != nil {
		err = s.inf.Close()
	}
	if terr := s.trainer.Close(); terr != nil {
		err = terr
	}
	return err
}
