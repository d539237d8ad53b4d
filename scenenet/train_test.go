package scene

import (
	"bytes"
	"encoding/gob"
	"math"
	"strings"
	"testing"

	"github.com/gorgonia/ssdir/dataset"
	"github.com/gorgonia/ssdir/errs"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// squares returns a batch where image b has a white side x side square at (x0+b, y0) on black.
func squares(conf Config, x0, y0, side int) dataset.Batch {
	batch := dataset.NewBatch(conf.BatchSize, conf.ImageSize)
	data := batch.Images.Data().([]float32)
	S := conf.ImageSize
	for b := 0; b < conf.BatchSize; b++ {
		for c := 0; c < 3; c++ {
			plane := data[(b*3+c)*S*S : (b*3+c+1)*S*S]
			for y := y0; y < y0+side; y++ {
				for x := x0 + b; x < x0+b+side; x++ {
					plane[y*S+x] = 1
				}
			}
		}
	}
	return batch
}

func newTinyTrainer(t *testing.T, conf Config, tc TrainerConfig) *Trainer {
	d := New(conf)
	require.NoError(t, d.Init())
	tr, err := NewTrainer(d, tc)
	require.NoError(t, err)
	return tr
}

func TestLearnablesExcludeBackbone(t *testing.T) {
	conf := tinyConf()
	d := New(conf)
	require.NoError(t, d.Init())

	all, learn := d.Params(), d.Learnables()
	assert.Len(t, d.Provider().Params(), 4) // one filter per stage
	assert.Equal(t, len(all)-len(d.Provider().Params()), len(learn))
	for _, n := range learn {
		assert.False(t, strings.HasPrefix(n.Name(), backbonePrefix), n.Name())
	}

	conf.FineTune = true
	ft := New(conf)
	require.NoError(t, ft.Init())
	assert.Equal(t, len(ft.Params()), len(ft.Learnables()))
}

func TestStepTermsFinite(t *testing.T) {
	tr := newTinyTrainer(t, tinyConf(), DefaultTrainerConf())
	defer tr.Close()

	st := tr.InitialState()
	next, metrics, err := tr.Step(st, squares(tr.Model().Config, 10, 12, 6))
	require.NoError(t, err)
	for _, k := range []string{MetricLoss, MetricReconLL, MetricKLPresence, MetricKLWhere, MetricKLWhat,
		MetricKLDepth, MetricTemperature, MetricPresenceMean, MetricPresenceActive, MetricGradNorm, MetricStep} {
		v, ok := metrics[k]
		require.True(t, ok, "missing %s", k)
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0), "%s = %v", k, v)
	}
	assert.True(t, metrics[MetricPresenceMean] > 0 && metrics[MetricPresenceMean] < 1)

	assert.Equal(t, 0, st.Step, "the input state is not modified")
	assert.Equal(t, 0, st.Optimizer.T)
	assert.Equal(t, 1, next.Step)
	assert.Equal(t, float64(next.Step), metrics[MetricStep])
	assert.Equal(t, 1, next.Optimizer.T)
	assert.True(t, next.Temperature <= st.Temperature)
}

func TestStepNonFinite(t *testing.T) {
	tr := newTinyTrainer(t, tinyConf(), DefaultTrainerConf())
	defer tr.Close()

	before := copyParams(tr.Model().ParamData())
	batch := squares(tr.Model().Config, 4, 4, 5)
	batch.Images.Data().([]float32)[17] = float32(math.NaN())

	st := tr.InitialState()
	next, metrics, err := tr.Step(st, batch)
	var ni errs.NumericalInstability
	require.True(t, errors.As(err, &ni), "%v", err)
	assert.Equal(t, 0, ni.Step)
	assert.True(t, math.IsNaN(metrics[MetricLoss]))
	assert.Equal(t, st.Step, next.Step)
	assert.Equal(t, before, tr.Model().ParamData(), "parameters must not change")
}

func copyParams(p [][]float32) [][]float32 {
	retVal := make([][]float32, len(p))
	for i := range p {
		retVal[i] = append([]float32(nil), p[i]...)
	}
	return retVal
}

func TestStepResumable(t *testing.T) {
	conf := tinyConf()
	batch := squares(conf, 8, 9, 7)

	a := newTinyTrainer(t, conf, DefaultTrainerConf())
	defer a.Close()
	st := a.InitialState()
	var err error
	st, _, err = a.Step(st, batch)
	require.NoError(t, err)

	saved := st.Clone()
	savedParams := copyParams(a.Model().ParamData())

	for i := 0; i < 2; i++ {
		st, _, err = a.Step(st, batch)
		require.NoError(t, err)
	}

	b := newTinyTrainer(t, conf, DefaultTrainerConf())
	defer b.Close()
	require.NoError(t, b.Model().SetParamData(savedParams))
	resumed := saved
	for i := 0; i < 2; i++ {
		resumed, _, err = b.Step(resumed, batch)
		require.NoError(t, err)
	}

	assert.Equal(t, st.Step, resumed.Step)
	assert.Equal(t, st.Optimizer, resumed.Optimizer)
	assert.Equal(t, a.Model().ParamData(), b.Model().ParamData())
}

func TestRetryDrawsFreshNoise(t *testing.T) {
	tr := newTinyTrainer(t, tinyConf(), DefaultTrainerConf())
	defer tr.Close()
	st := tr.InitialState()
	batch := squares(tr.Model().Config, 3, 3, 6)

	params := copyParams(tr.Model().ParamData())
	_, m0, err := tr.StepAttempt(st, batch, 0)
	require.NoError(t, err)
	require.NoError(t, tr.Model().SetParamData(params))
	_, m1, err := tr.StepAttempt(st, batch, 1)
	require.NoError(t, err)
	assert.NotEqual(t, m0[MetricPresenceMean], m1[MetricPresenceMean])
}

func TestReconstructionImproves(t *testing.T) {
	if testing.Short() {
		t.Skip("trains for a few hundred steps")
	}
	tc := DefaultTrainerConf()
	tc.Optim.LearnRate = 5e-3
	tr := newTinyTrainer(t, tinyConf(), tc)
	defer tr.Close()

	batch := squares(tr.Model().Config, 11, 7, 8)
	st := tr.InitialState()
	const steps, window = 200, 10
	var first, last float64
	for i := 0; i < steps; i++ {
		var metrics Metrics
		var err error
		st, metrics, err = tr.Step(st, batch)
		require.NoError(t, err, "step %d", i)
		switch {
		case i < window:
			first += metrics[MetricReconLL]
		case i >= steps-window:
			last += metrics[MetricReconLL]
		}
	}
	assert.True(t, last > first, "reconstruction log likelihood went from %v to %v", first/window, last/window)
}

func TestModelGob(t *testing.T) {
	conf := tinyConf()
	d := New(conf)
	require.NoError(t, d.Init())
	for _, p := range d.ParamData() {
		for i := range p {
			p[i] = float32(i%5) * 0.25
		}
	}

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(d))

	d2 := New(conf)
	require.NoError(t, gob.NewDecoder(&buf).Decode(d2))
	assert.Equal(t, d.Signature(), d2.Signature())
	assert.Equal(t, d.ParamData(), d2.ParamData())
}

func TestToDot(t *testing.T) {
	d := New(tinyConf())
	require.NoError(t, d.Init())
	dot, err := d.ToDot()
	require.NoError(t, err)
	for _, name := range []string{"Backbone", "Presence", "Compositor", "ELBO", "->"} {
		assert.Contains(t, dot, name)
	}

	_, err = New(tinyConf()).ToDot()
	assert.Error(t, err)
}
