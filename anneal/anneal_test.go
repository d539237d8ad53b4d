package anneal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExponentialMonotone(t *testing.T) {
	s := Exponential{Initial: 2.5, Final: 0.5, Steps: 1000}
	assert.Equal(t, 2.5, s.At(0))
	assert.Equal(t, 0.5, s.At(1000))
	assert.Equal(t, 0.5, s.At(5000))

	prev := s.At(0)
	for step := 1; step <= 1200; step++ {
		v := s.At(step)
		if v > prev {
			t.Fatalf("temperature increased at step %d: %v > %v", step, v, prev)
		}
		if v <= 0 {
			t.Fatalf("temperature not positive at step %d: %v", step, v)
		}
		prev = v
	}
}

func TestExponentialHalfway(t *testing.T) {
	s := Exponential{Initial: 4, Final: 1, Steps: 10}
	assert.InDelta(t, 2, s.At(5), 1e-12)
}

func TestLinear(t *testing.T) {
	s := Linear{Start: 0, End: 1, Steps: 4}
	assert.Equal(t, []float64{0, 0.25, 0.5, 0.75, 1, 1}, []float64{s.At(0), s.At(1), s.At(2), s.At(3), s.At(4), s.At(10)})
	assert.Equal(t, 3.0, Constant(3).At(0))
	assert.Equal(t, 3.0, Constant(3).At(100))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Exponential{Initial: 1, Final: 0.5, Steps: 10}.Validate("Temperature"))
	assert.Error(t, Exponential{Initial: 0, Final: 0.5}.Validate("Temperature"))
	assert.Error(t, Exponential{Initial: 1, Final: -1}.Validate("Temperature"))
	assert.Error(t, Exponential{Initial: 1, Final: 2}.Validate("Temperature"))
	assert.NoError(t, Linear{Start: 0, End: 1}.Validate("KL"))
	assert.Error(t, Linear{Start: -1, End: 1}.Validate("KL"))
}
