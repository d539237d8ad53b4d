// Package errs holds the error kinds shared by the scene model, the trainer and the
// checkpoint format. Callers match them with errors.As.
package errs

import (
	"fmt"
	"sort"
	"strings"
)

// ShapeError is returned when a tensor arrives with dimensions a component cannot accept.
type ShapeError struct {
	Component string
	Expected  []int
	Got       []int
}

func (e ShapeError) Error() string {
	return fmt.Sprintf("%s: shape mismatch. Expected %v. Got %v", e.Component, e.Expected, e.Got)
}

// ConfigError names the offending configuration field.
type ConfigError struct {
	Component string
	Field     string
	Value     interface{}
	Reason    string
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: invalid %s (%v): %s", e.Component, e.Field, e.Value, e.Reason)
}

// NumericalInstability reports a non-finite loss or gradient. Terms holds the loss breakdown
// of the offending step.
type NumericalInstability struct {
	Step  int
	Where string
	Terms map[string]float64
}

func (e NumericalInstability) Error() string {
	keys := make([]string, 0, len(e.Terms))
	for k := range e.Terms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=%v", k, e.Terms[k])
	}
	return fmt.Sprintf("non-finite %s at step %d [%s]", e.Where, e.Step, b.String())
}

// CheckpointVersionMismatch is returned when a checkpoint cannot be loaded into the current
// model, either because of its format version or because its parameters differ.
type CheckpointVersionMismatch struct {
	Want, Got int
	Detail    string
}

func (e CheckpointVersionMismatch) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("checkpoint mismatch (format %d, file %d): %s", e.Want, e.Got, e.Detail)
	}
	return fmt.Sprintf("checkpoint format mismatch: want version %d, got %d", e.Want, e.Got)
}

// Config is a shorthand for building a ConfigError.
func Config(component, field string, value interface{}, reason string) error {
	return ConfigError{Component: component, Field: field, Value: value, Reason: reason}
}

// Shape is a shorthand for building a ShapeError.
func Shape(component string, expected, got []int) error {
	return ShapeError{Component: component, Expected: append([]int(nil), expected...), Got: append([]int(nil), got...)}
}
