package scene

import (
	"math"

	"github.com/chewxy/math32"
	"github.com/gorgonia/ssdir/dataset"
	"github.com/gorgonia/ssdir/errs"
	"github.com/gorgonia/ssdir/optim"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// TrainerConfig configures a Trainer.
type TrainerConfig struct {
	Optim    optim.Config `json:"optim"`
	Schedule Schedule     `json:"schedule"`
	Seed     int64        `json:"noise_seed"`
}

// DefaultTrainerConf returns Adam defaults and the default annealing schedule.
func DefaultTrainerConf() TrainerConfig {
	return TrainerConfig{
		Optim:    optim.DefaultConfig(),
		Schedule: DefaultSchedule(),
		Seed:     42,
	}
}

func (conf TrainerConfig) Validate() error {
	if err := conf.Optim.Validate(); err != nil {
		return err
	}
	return conf.Schedule.Validate()
}

// Trainer owns the tape machine of a training graph and applies one update per Step.
type Trainer struct {
	conf  TrainerConfig
	d     *Model
	vm    G.VM
	learn G.Nodes
	model []G.ValueGrad

	images        *tensor.Dense
	presenceNoise *tensor.Dense
	whereNoise    *tensor.Dense
	whatNoise     *tensor.Dense
	depthNoise    *tensor.Dense
	bgNoise       *tensor.Dense // nil unless the background is inferred
}

// NewTrainer wraps an initialized training model.
func NewTrainer(d *Model, conf TrainerConfig) (*Trainer, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if d.g == nil {
		return nil, errors.New("trainer: model is not initialized")
	}
	if d.Mode != Training || d.FwdOnly {
		return nil, errs.Config("trainer", "Mode", d.Mode, "a trainer needs a training graph with gradients")
	}
	learn := d.Learnables()
	t := &Trainer{
		conf:          conf,
		d:             d,
		learn:         learn,
		model:         G.NodesToValueGrads(learn),
		vm:            G.NewTapeMachine(d.g, G.BindDualValues(learn...)),
		images:        tensor.New(tensor.WithShape(d.images.Shape()...), tensor.Of(Float)),
		presenceNoise: tensor.New(tensor.WithShape(d.noise.Presence.Shape()...), tensor.Of(Float)),
		whereNoise:    tensor.New(tensor.WithShape(d.noise.Where.Shape()...), tensor.Of(Float)),
		whatNoise:     tensor.New(tensor.WithShape(d.noise.What.Shape()...), tensor.Of(Float)),
		depthNoise:    tensor.New(tensor.WithShape(d.noise.Depth.Shape()...), tensor.Of(Float)),
	}
	if d.noise.Background != nil {
		t.bgNoise = tensor.New(tensor.WithShape(d.noise.Background.Shape()...), tensor.Of(Float))
	}
	return t, nil
}

// InitialState is the state of a fresh run.
func (t *Trainer) InitialState() State {
	temp, w := t.conf.Schedule.At(0)
	return State{
		Version:     StateVersion,
		Temperature: temp,
		Weights:     w,
		Seed:        t.conf.Seed,
		Optimizer:   optim.NewState(sizes(t.learn)),
	}
}

// CheckState returns a CheckpointVersionMismatch unless st can drive this trainer.
func (t *Trainer) CheckState(st State) error {
	if st.Version != StateVersion {
		return errs.CheckpointVersionMismatch{Want: StateVersion, Got: st.Version, Detail: "training state"}
	}
	if err := st.Optimizer.Compatible(sizes(t.learn)); err != nil {
		return errs.CheckpointVersionMismatch{Want: StateVersion, Got: st.Version, Detail: err.Error()}
	}
	return checkTemperature(st.Temperature)
}

// Model returns the model being trained.
func (t *Trainer) Model() *Model { return t.d }

// Config returns the trainer configuration.
func (t *Trainer) Config() TrainerConfig { return t.conf }

// Step runs one update. See StepAttempt.
func (t *Trainer) Step(st State, batch dataset.Batch) (State, Metrics, error) {
	return t.StepAttempt(st, batch, 0)
}

// StepAttempt runs the forward and backward pass on batch and, if the loss and every
// gradient are finite, applies one Adam update and returns the next state. Otherwise the
// parameters are untouched and a NumericalInstability is returned along with the metrics
// that were read. attempt selects fresh noise for retries of the same step.
func (t *Trainer) StepAttempt(st State, batch dataset.Batch, attempt int) (State, Metrics, error) {
	if st.Version != StateVersion {
		return st, nil, errs.CheckpointVersionMismatch{Want: StateVersion, Got: st.Version, Detail: "training state"}
	}
	if err := checkTemperature(st.Temperature); err != nil {
		return st, nil, err
	}
	if err := batch.Check(t.d.BatchSize, t.d.ImageSize); err != nil {
		return st, nil, err
	}
	if err := st.Optimizer.Compatible(sizes(t.learn)); err != nil {
		return st, nil, err
	}

	if err := t.feed(st, batch, attempt); err != nil {
		return st, nil, err
	}
	t.vm.Reset()
	if err := t.vm.RunAll(); err != nil {
		return st, nil, errors.Wrapf(err, "step %d", st.Step)
	}

	metrics := t.d.metrics(t.d.BatchSize)
	metrics[MetricStep] = float64(st.Step + 1) // numbered by the update it makes, from 1
	metrics[MetricTemperature] = st.Temperature
	metrics[MetricBetaPresence] = st.Weights.Presence
	metrics[MetricBetaWhere] = st.Weights.Where
	metrics[MetricBetaWhat] = st.Weights.What
	metrics[MetricBetaDepth] = st.Weights.Depth

	if !metrics.Finite() {
		t.zeroGrads()
		return st, metrics, errs.NumericalInstability{Step: st.Step, Where: "loss", Terms: metrics}
	}
	if !finiteGrads(t.model) {
		t.zeroGrads()
		return st, metrics, errs.NumericalInstability{Step: st.Step, Where: "gradient", Terms: metrics}
	}
	norm, err := optim.GradNorm(t.model)
	if err != nil {
		return st, metrics, err
	}
	metrics[MetricGradNorm] = float64(norm)

	next := st.Clone()
	if err := optim.NewAdam(t.conf.Optim, next.Optimizer).Step(t.model); err != nil {
		return st, metrics, errors.Wrapf(err, "step %d", st.Step)
	}
	next.Step++
	next.Temperature, next.Weights = t.conf.Schedule.At(next.Step)
	return next, metrics, nil
}

func (t *Trainer) feed(st State, batch dataset.Batch, attempt int) error {
	copy(t.images.Data().([]float32), batch.Images.Data().([]float32))

	src := newNoiseSource(st.Seed, st.Step, attempt)
	src.logistic(t.presenceNoise.Data().([]float32))
	src.normal(t.whereNoise.Data().([]float32))
	src.normal(t.whatNoise.Data().([]float32))
	src.normal(t.depthNoise.Data().([]float32))

	lets := []struct {
		n *G.Node
		v interface{}
	}{
		{t.d.images, t.images},
		{t.d.noise.Presence, t.presenceNoise},
		{t.d.noise.Where, t.whereNoise},
		{t.d.noise.What, t.whatNoise},
		{t.d.noise.Depth, t.depthNoise},
		{t.d.temperature, f32(st.Temperature)},
		{t.d.betas.Presence, f32(st.Weights.Presence)},
		{t.d.betas.Where, f32(st.Weights.Where)},
		{t.d.betas.What, f32(st.Weights.What)},
		{t.d.betas.Depth, f32(st.Weights.Depth)},
	}
	if t.bgNoise != nil {
		src.normal(t.bgNoise.Data().([]float32))
		lets = append(lets, struct {
			n *G.Node
			v interface{}
		}{t.d.noise.Background, t.bgNoise})
	}
	for _, l := range lets {
		if err := G.Let(l.n, l.v); err != nil {
			return errors.Wrapf(err, "setting %v", l.n.Name())
		}
	}
	return nil
}

func (t *Trainer) zeroGrads() {
	for _, vg := range t.model {
		g, err := vg.Grad()
		if err != nil {
			continue
		}
		if data, ok := g.Data().([]float32); ok {
			for i := range data {
				data[i] = 0
			}
		}
	}
}

func finiteGrads(model []G.ValueGrad) bool {
	for _, vg := range model {
		g, err := vg.Grad()
		if err != nil {
			return false
		}
		for _, v := range g.Data().([]float32) {
			if math32.IsNaN(v) || math32.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// Close implements a closer, because a gorgonia VM is a resource.
func (t *Trainer) Close() error { return t.vm.Close() }

// metrics averages the terms of the last run over the first n images of the batch.
func (d *Model) metrics(n int) Metrics {
	retVal := make(Metrics, len(d.terms)+4)
	retVal[MetricKLBackground] = 0
	for name, v := range d.terms {
		retVal[name] = readMean(*v, n)
	}
	if d.presence != nil {
		A := d.grid.Len()
		var sum, active float64
		data := d.presence.Data().([]float32)[:n*A]
		for _, p := range data {
			sum += float64(p)
			if p > 0.5 {
				active++
			}
		}
		retVal[MetricPresenceMean] = sum / float64(len(data))
		retVal[MetricPresenceActive] = active / float64(n)
	}
	return retVal
}

// readMean is the mean of the first n elements of v.
func readMean(v G.Value, n int) float64 {
	if v == nil {
		return math.NaN()
	}
	data, ok := v.Data().([]float32)
	if !ok || len(data) < n || n < 1 {
		return readScalar(v)
	}
	var sum float64
	for _, x := range data[:n] {
		sum += float64(x)
	}
	return sum / float64(n)
}

func readScalar(v G.Value) float64 {
	if v == nil {
		return math.NaN()
	}
	switch x := v.Data().(type) {
	case float32:
		return float64(x)
	case float64:
		return x
	case []float32:
		if len(x) > 0 {
			return float64(x[0])
		}
	}
	return math.NaN()
}
