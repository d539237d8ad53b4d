package ssdir

import (
	"encoding/csv"
	"math"
	"os"
	"strconv"

	scene "github.com/gorgonia/ssdir/scenenet"
	"gonum.org/v1/gonum/stat"
)

// Statistics is the history of every recorded metric. Columns appear in the order they were
// first seen; a metric missing from a step is recorded as NaN.
type Statistics struct {
	Steps   []int
	Names   []string
	History map[string][]float64
}

func makeStatistics() Statistics {
	return Statistics{
		Steps:   make([]int, 0, 1024),
		History: make(map[string][]float64),
	}
}

// Record appends the metrics of a step.
func (s *Statistics) Record(step int, m scene.Metrics) error {
	if s.History == nil {
		s.History = make(map[string][]float64)
	}
	n := len(s.Steps)
	for _, k := range m.Keys() {
		if _, ok := s.History[k]; !ok {
			col := make([]float64, n, n+1)
			for i := range col {
				col[i] = math.NaN()
			}
			s.History[k] = col
			s.Names = append(s.Names, k)
		}
	}
	for _, k := range s.Names {
		v, ok := m[k]
		if !ok {
			v = math.NaN()
		}
		s.History[k] = append(s.History[k], v)
	}
	s.Steps = append(s.Steps, step)
	return nil
}

// Len is the number of recorded steps.
func (s *Statistics) Len() int { return len(s.Steps) }

// Summary returns the mean and standard deviation of the last n finite values of a metric.
// n <= 0 means all of them.
func (s *Statistics) Summary(name string, n int) (mean, std float64) {
	col := s.History[name]
	if n > 0 && n < len(col) {
		col = col[len(col)-n:]
	}
	xs := make([]float64, 0, len(col))
	for _, v := range col {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			xs = append(xs, v)
		}
	}
	switch len(xs) {
	case 0:
		return math.NaN(), math.NaN()
	case 1:
		return xs[0], 0
	}
	return stat.MeanStdDev(xs, nil)
}

// Dump writes the history as CSV: a step column followed by one column per metric. The step
// metric is the step column, so it is not repeated.
func (s *Statistics) Dump(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	names := make([]string, 0, len(s.Names))
	for _, k := range s.Names {
		if k != scene.MetricStep {
			names = append(names, k)
		}
	}
	w := csv.NewWriter(f)
	if err := w.Write(append([]string{"step"}, names...)); err != nil {
		return err
	}
	records := make([][]string, len(s.Steps))
	for i, step := range s.Steps {
		record := make([]string, len(names)+1)
		record[0] = strconv.Itoa(step)
		for j, k := range names {
			record[j+1] = strconv.FormatFloat(s.History[k][i], 'g', 6, 64)
		}
		records[i] = record
	}
	if err := w.WriteAll(records); err != nil {
		return err
	}
	w.Flush()
	return f.Sync()
}
