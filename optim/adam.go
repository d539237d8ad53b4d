// Package optim implements Adam over gorgonia values with its moment state held in the open,
// so that a run can be checkpointed and resumed bit for bit.
package optim

import (
	"fmt"
	"math"

	"github.com/chewxy/math32"
	"github.com/gorgonia/ssdir/errs"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/vecf32"
)

// Config configures Adam.
type Config struct {
	LearnRate float64 `json:"learn_rate"`
	Beta1     float64 `json:"beta1"`
	Beta2     float64 `json:"beta2"`
	Eps       float64 `json:"eps"`
	L2        float64 `json:"l2"`        // L2 regularization
	ClipNorm  float64 `json:"clip_norm"` // global gradient norm clip. 0 disables clipping
}

// DefaultConfig returns the usual Adam hyperparameters.
func DefaultConfig() Config {
	return Config{
		LearnRate: 1e-3,
		Beta1:     0.9,
		Beta2:     0.999,
		Eps:       1e-8,
		ClipNorm:  10,
	}
}

func (c Config) Validate() error {
	switch {
	case !(c.LearnRate > 0) || math.IsInf(c.LearnRate, 0):
		return errs.Config("optim", "LearnRate", c.LearnRate, "must be positive")
	case !(c.Beta1 >= 0 && c.Beta1 < 1):
		return errs.Config("optim", "Beta1", c.Beta1, "must be in [0, 1)")
	case !(c.Beta2 >= 0 && c.Beta2 < 1):
		return errs.Config("optim", "Beta2", c.Beta2, "must be in [0, 1)")
	case !(c.Eps > 0):
		return errs.Config("optim", "Eps", c.Eps, "must be positive")
	case c.L2 < 0 || math.IsNaN(c.L2):
		return errs.Config("optim", "L2", c.L2, "must not be negative")
	case c.ClipNorm < 0 || math.IsNaN(c.ClipNorm):
		return errs.Config("optim", "ClipNorm", c.ClipNorm, "must not be negative")
	}
	return nil
}

// State is everything Adam remembers between steps: the step count and one first and second
// moment vector per parameter, in parameter order.
type State struct {
	T int
	M [][]float32
	V [][]float32
}

// NewState creates zeroed moments for parameters of the given sizes.
func NewState(sizes []int) *State {
	st := &State{
		M: make([][]float32, len(sizes)),
		V: make([][]float32, len(sizes)),
	}
	for i, n := range sizes {
		st.M[i] = make([]float32, n)
		st.V[i] = make([]float32, n)
	}
	return st
}

// Clone returns a deep copy.
func (st *State) Clone() *State {
	if st == nil {
		return nil
	}
	retVal := &State{
		T: st.T,
		M: make([][]float32, len(st.M)),
		V: make([][]float32, len(st.V)),
	}
	for i := range st.M {
		retVal.M[i] = append([]float32(nil), st.M[i]...)
	}
	for i := range st.V {
		retVal.V[i] = append([]float32(nil), st.V[i]...)
	}
	return retVal
}

// Compatible checks that the state holds moments for parameters of the given sizes.
func (st *State) Compatible(sizes []int) error {
	if st == nil {
		return errors.New("nil optimizer state")
	}
	if len(st.M) != len(sizes) || len(st.V) != len(sizes) {
		return errors.Errorf("optimizer state holds %d/%d moments, model has %d parameters", len(st.M), len(st.V), len(sizes))
	}
	for i, n := range sizes {
		if len(st.M[i]) != n || len(st.V[i]) != n {
			return errors.Errorf("moment %d has %d/%d elements, parameter has %d", i, len(st.M[i]), len(st.V[i]), n)
		}
	}
	return nil
}

// Adam is a gorgonia.Solver. Step mutates the parameter values and the State it points to.
type Adam struct {
	Config
	State *State
}

var _ G.Solver = &Adam{}

// NewAdam creates an Adam solver over an existing state.
func NewAdam(conf Config, st *State) *Adam {
	return &Adam{Config: conf, State: st}
}

// Step applies one update and zeroes the gradients.
func (a *Adam) Step(model []G.ValueGrad) error {
	values, grads, err := unpack(model)
	if err != nil {
		return err
	}
	sizes := make([]int, len(values))
	for i := range values {
		sizes[i] = len(values[i])
	}
	if err := a.State.Compatible(sizes); err != nil {
		return errors.WithStack(err)
	}

	if a.ClipNorm > 0 {
		if norm := globalNorm(grads); norm > float32(a.ClipNorm) {
			scale := float32(a.ClipNorm) / norm
			for _, g := range grads {
				vecf32.Scale(g, scale)
			}
		}
	}

	a.State.T++
	lr := float32(a.LearnRate)
	b1, b2 := float32(a.Beta1), float32(a.Beta2)
	eps := float32(a.Eps)
	l2 := float32(a.L2)
	bias1 := 1 - math32.Pow(b1, float32(a.State.T))
	bias2 := 1 - math32.Pow(b2, float32(a.State.T))

	for i, w := range values {
		g := grads[i]
		m := a.State.M[i]
		v := a.State.V[i]
		for j := range w {
			gj := g[j]
			if l2 > 0 {
				gj += l2 * w[j]
			}
			m[j] = b1*m[j] + (1-b1)*gj
			v[j] = b2*v[j] + (1-b2)*gj*gj
			mHat := m[j] / bias1
			vHat := v[j] / bias2
			w[j] -= lr * mHat / (math32.Sqrt(vHat) + eps)
		}
		for j := range g {
			g[j] = 0
		}
	}
	return nil
}

// GradNorm returns the global L2 norm of the gradients.
func GradNorm(model []G.ValueGrad) (float32, error) {
	_, grads, err := unpack(model)
	if err != nil {
		return 0, err
	}
	return globalNorm(grads), nil
}

func globalNorm(grads [][]float32) float32 {
	var sum float32
	var tmp []float32
	for _, g := range grads {
		tmp = append(tmp[:0], g...)
		vecf32.Mul(tmp, tmp)
		sum += vecf32.Sum(tmp)
	}
	return math32.Sqrt(sum)
}

func unpack(model []G.ValueGrad) (values, grads [][]float32, err error) {
	values = make([][]float32, len(model))
	grads = make([][]float32, len(model))
	for i, vg := range model {
		var ok bool
		if values[i], ok = vg.Value().Data().([]float32); !ok {
			return nil, nil, errors.Errorf("parameter %d: expected []float32 backing, got %T", i, vg.Value().Data())
		}
		gv, err := vg.Grad()
		if err != nil {
			return nil, nil, errors.Wrapf(err, "parameter %d has no gradient", i)
		}
		if grads[i], ok = gv.Data().([]float32); !ok {
			return nil, nil, errors.Errorf("gradient %d: expected []float32 backing, got %T", i, gv.Data())
		}
		if len(grads[i]) != len(values[i]) {
			return nil, nil, errors.Errorf("gradient %d has %d elements, parameter has %d", i, len(grads[i]), len(values[i]))
		}
	}
	return values, grads, nil
}

func (st *State) String() string {
	if st == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Adam{t: %d, params: %d}", st.T, len(st.M))
}
