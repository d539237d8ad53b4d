// Package anneal provides step-indexed schedules for the relaxation temperature and the KL weights.
package anneal

import (
	"math"

	"github.com/gorgonia/ssdir/errs"
)

// Schedule maps a training step to a value.
type Schedule interface {
	At(step int) float64
}

// Exponential decays geometrically from Initial to Final over Steps, then holds Final.
// With Final <= Initial it never increases.
type Exponential struct {
	Initial float64 `json:"initial"`
	Final   float64 `json:"final"`
	Steps   int     `json:"steps"`
}

func (s Exponential) At(step int) float64 {
	switch {
	case step <= 0:
		return s.Initial
	case step >= s.Steps:
		return s.Final
	}
	frac := float64(step) / float64(s.Steps)
	v := s.Initial * math.Pow(s.Final/s.Initial, frac)
	// guard against rounding past the end points
	return math.Max(math.Min(v, s.Initial), s.Final)
}

// Validate checks that the schedule yields strictly positive, non-increasing values.
func (s Exponential) Validate(name string) error {
	switch {
	case !(s.Initial > 0) || math.IsInf(s.Initial, 0):
		return errs.Config("anneal", name+".Initial", s.Initial, "must be a positive finite number")
	case !(s.Final > 0) || math.IsInf(s.Final, 0):
		return errs.Config("anneal", name+".Final", s.Final, "must be a positive finite number")
	case s.Final > s.Initial:
		return errs.Config("anneal", name+".Final", s.Final, "must not exceed Initial")
	case s.Steps < 0:
		return errs.Config("anneal", name+".Steps", s.Steps, "must not be negative")
	}
	return nil
}

// Linear ramps from Start to End over Steps, then holds End.
type Linear struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Steps int     `json:"steps"`
}

func (s Linear) At(step int) float64 {
	switch {
	case step <= 0 && s.Steps > 0:
		return s.Start
	case step >= s.Steps:
		return s.End
	}
	return s.Start + (s.End-s.Start)*float64(step)/float64(s.Steps)
}

// Validate checks that the weights stay non-negative and finite.
func (s Linear) Validate(name string) error {
	switch {
	case s.Start < 0 || math.IsNaN(s.Start) || math.IsInf(s.Start, 0):
		return errs.Config("anneal", name+".Start", s.Start, "must be a non-negative finite number")
	case s.End < 0 || math.IsNaN(s.End) || math.IsInf(s.End, 0):
		return errs.Config("anneal", name+".End", s.End, "must be a non-negative finite number")
	case s.Steps < 0:
		return errs.Config("anneal", name+".Steps", s.Steps, "must not be negative")
	}
	return nil
}

// Constant always returns the same value.
func Constant(v float64) Linear { return Linear{Start: v, End: v} }
