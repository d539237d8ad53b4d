package ssdir

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gorgonia/ssdir/dataset"
	scene "github.com/gorgonia/ssdir/scenenet"
	"github.com/pkg/errors"
)

// ValidationPrefix marks validation metrics in the statistics.
const ValidationPrefix = "val_"

// Ranked is a checkpoint kept for its validation loss.
type Ranked struct {
	Step     int
	Loss     float64
	Filename string
}

// SetValidation sets the source Learn validates on every Config.ValidateEvery steps. Each
// validation pass reads one epoch of it.
func (s *SSDIR) SetValidation(src dataset.Source) { s.val = src }

// Best returns the kept checkpoints, best first.
func (s *SSDIR) Best() []Ranked { return append([]Ranked(nil), s.best...) }

// EarlyStopped reports whether the last Learn stopped because the validation loss stopped
// improving.
func (s *SSDIR) EarlyStopped() bool { return s.stopped }

// Evaluate runs one epoch of src through the inference graph with the current parameters
// and returns the metrics averaged over images.
func (s *SSDIR) Evaluate(src dataset.Source) (scene.Metrics, error) {
	if err := src.Reset(); err != nil {
		return nil, err
	}
	sums := make(scene.Metrics)
	var n int
	for {
		batch, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		k := batch.Len()
		if k == 0 {
			continue
		}
		_, metrics, err := s.Infer(batch.Images)
		if err != nil {
			return nil, err
		}
		for name, v := range metrics {
			sums[name] += v * float64(k)
		}
		n += k
	}
	if n == 0 {
		return nil, errors.New("validation source is empty")
	}
	for name := range sums {
		sums[name] /= float64(n)
	}
	return sums, nil
}

// validate evaluates the validation source, adds its loss terms to metrics, keeps the best
// checkpoints and tells whether training should stop.
func (s *SSDIR) validate(step int, metrics scene.Metrics) (stop bool, err error) {
	vm, err := s.Evaluate(s.val)
	if err != nil {
		return false, errors.WithMessage(err, "validating")
	}
	for _, k := range []string{scene.MetricLoss, scene.MetricReconLL, scene.MetricPresenceActive} {
		metrics[ValidationPrefix+k] = vm[k]
	}
	loss := vm[scene.MetricLoss]
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		s.log.Warnf("step %d: validation loss is %v", step, loss)
		loss = math.Inf(1)
	}

	if err = s.keep(step, loss); err != nil {
		return false, err
	}

	if loss < s.bestLoss-s.conf.MinDelta {
		s.bestLoss = loss
		s.stale = 0
	} else {
		s.stale++
	}
	s.log.Infof("step %d validation loss %.5g (best %.5g, %d without improvement)", step, loss, s.bestLoss, s.stale)
	return s.conf.Patience > 0 && s.stale >= s.conf.Patience, nil
}

// bestName is the file of the checkpoint kept for step: the step and the loss are inserted
// before the extension of Config.CheckpointPath.
func (s *SSDIR) bestName(step int, loss float64) string {
	path := s.conf.CheckpointPath
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s-step%06d-loss%.4f%s", strings.TrimSuffix(path, ext), step, loss, ext)
}

// keep writes a checkpoint for step if its loss is among the KeepBest lowest seen, and
// removes the one it displaces.
func (s *SSDIR) keep(step int, loss float64) error {
	if s.conf.KeepBest <= 0 || s.conf.CheckpointPath == "" || math.IsInf(loss, 1) {
		return nil
	}
	if len(s.best) >= s.conf.KeepBest && loss >= s.best[len(s.best)-1].Loss {
		return nil
	}
	r := Ranked{Step: step, Loss: loss, Filename: s.bestName(step, loss)}
	if err := s.Save(r.Filename); err != nil {
		return err
	}
	s.best = append(s.best, r)
	sort.SliceStable(s.best, func(i, j int) bool { return s.best[i].Loss < s.best[j].Loss })
	for len(s.best) > s.conf.KeepBest {
		worst := s.best[len(s.best)-1]
		s.best = s.best[:len(s.best)-1]
		if err := os.Remove(worst.Filename); err != nil && !os.IsNotExist(err) {
			return errors.WithStack(err)
		}
		s.log.Debugf("Dropped %s", worst.Filename)
	}
	return nil
}
