package scene

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/gorgonia/ssdir/anneal"
	"github.com/gorgonia/ssdir/errs"
	"github.com/gorgonia/ssdir/optim"
)

// StateVersion is bumped whenever State or the parameter layout changes incompatibly.
const StateVersion = 1

// KLWeights are the β multipliers of the KL terms.
type KLWeights struct {
	Presence float64
	Where    float64
	What     float64
	Depth    float64
}

// State is everything a training run carries from one step to the next, apart from the
// parameters themselves. A Step never modifies the State passed to it.
type State struct {
	Version     int
	Step        int
	Temperature float64
	Weights     KLWeights
	Seed        int64
	Optimizer   *optim.State
}

// Clone returns a deep copy.
func (s State) Clone() State {
	s.Optimizer = s.Optimizer.Clone()
	return s
}

func (s State) String() string {
	return fmt.Sprintf("step %d τ=%.4g β=(%.3g, %.3g, %.3g, %.3g)", s.Step, s.Temperature,
		s.Weights.Presence, s.Weights.Where, s.Weights.What, s.Weights.Depth)
}

// Schedule anneals the temperature and the KL weights.
type Schedule struct {
	Temperature anneal.Exponential `json:"temperature"`
	Presence    anneal.Linear      `json:"kl_presence"`
	Where       anneal.Linear      `json:"kl_where"`
	What        anneal.Linear      `json:"kl_what"`
	Depth       anneal.Linear      `json:"kl_depth"`
}

// DefaultSchedule decays the temperature from 2.5 to 0.5 and warms the KL weights up to 1.
func DefaultSchedule() Schedule {
	return Schedule{
		Temperature: anneal.Exponential{Initial: 2.5, Final: 0.5, Steps: 20000},
		Presence:    anneal.Linear{Start: 0, End: 1, Steps: 5000},
		Where:       anneal.Linear{Start: 0, End: 1, Steps: 5000},
		What:        anneal.Linear{Start: 0, End: 1, Steps: 5000},
		Depth:       anneal.Linear{Start: 0, End: 1, Steps: 5000},
	}
}

func (s Schedule) Validate() error {
	if err := s.Temperature.Validate("Temperature"); err != nil {
		return err
	}
	for _, l := range []struct {
		name string
		s    anneal.Linear
	}{
		{"KLPresence", s.Presence},
		{"KLWhere", s.Where},
		{"KLWhat", s.What},
		{"KLDepth", s.Depth},
	} {
		if err := l.s.Validate(l.name); err != nil {
			return err
		}
	}
	return nil
}

// At returns the temperature and KL weights for a step.
func (s Schedule) At(step int) (float64, KLWeights) {
	return s.Temperature.At(step), KLWeights{
		Presence: s.Presence.At(step),
		Where:    s.Where.At(step),
		What:     s.What.At(step),
		Depth:    s.Depth.At(step),
	}
}

// checkTemperature rejects temperatures the relaxed presence cannot use.
func checkTemperature(t float64) error {
	if !(t > 0) || math.IsInf(t, 0) {
		return errs.Config("presence", "Temperature", t, "must be a positive finite number")
	}
	return nil
}

// Metrics are the scalar readouts of one step, keyed by the Metric* names.
type Metrics map[string]float64

// Finite reports whether every value is finite.
func (m Metrics) Finite() bool {
	for _, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Keys returns the metric names, sorted.
func (m Metrics) Keys() []string {
	retVal := make([]string, 0, len(m))
	for k := range m {
		retVal = append(retVal, k)
	}
	sort.Strings(retVal)
	return retVal
}

func (m Metrics) String() string {
	var buf strings.Builder
	for i, k := range m.Keys() {
		if i > 0 {
			buf.WriteString(" ")
		}
		fmt.Fprintf(&buf, "%s=%.4g", k, m[k])
	}
	return buf.String()
}
