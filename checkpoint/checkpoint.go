// Package checkpoint saves and restores training runs: the parameters of a model, the
// signature they were taken from and the training State, as one gob bundle.
package checkpoint

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/gorgonia/ssdir/errs"
	scene "github.com/gorgonia/ssdir/scenenet"
	"github.com/pkg/errors"
)

// Version is the bundle format version.
const Version = 1

// Bundle is the content of a checkpoint file.
type Bundle struct {
	Version   int
	Signature []scene.ParamInfo
	Params    [][]float32
	State     scene.State
}

// FromModel snapshots the parameters of d along with st. Both are deep copies.
func FromModel(d *scene.Model, st scene.State) Bundle {
	data := d.ParamData()
	params := make([][]float32, len(data))
	for i := range data {
		params[i] = append([]float32(nil), data[i]...)
	}
	return Bundle{
		Version:   Version,
		Signature: d.Signature(),
		Params:    params,
		State:     st.Clone(),
	}
}

// FromTrainer is FromModel on the model being trained.
func FromTrainer(t *scene.Trainer, st scene.State) Bundle { return FromModel(t.Model(), st) }

// Check returns a CheckpointVersionMismatch if the bundle cannot be loaded into d.
func (b Bundle) Check(d *scene.Model) error {
	if b.Version != Version {
		return errs.CheckpointVersionMismatch{Want: Version, Got: b.Version}
	}
	if b.State.Version != scene.StateVersion {
		return errs.CheckpointVersionMismatch{Want: scene.StateVersion, Got: b.State.Version, Detail: "training state"}
	}
	sig := d.Signature()
	if diff := cmp.Diff(sig, b.Signature, cmpopts.EquateEmpty()); diff != "" {
		return errs.CheckpointVersionMismatch{Want: Version, Got: b.Version, Detail: fmt.Sprintf("parameter signature (-model +file):\n%s", diff)}
	}
	if len(b.Params) != len(sig) {
		return errs.CheckpointVersionMismatch{Want: Version, Got: b.Version, Detail: fmt.Sprintf("%d parameters for a signature of %d", len(b.Params), len(sig))}
	}
	for i, p := range b.Params {
		if n := sizeOf(sig[i].Shape); len(p) != n {
			return errs.CheckpointVersionMismatch{Want: Version, Got: b.Version, Detail: fmt.Sprintf("parameter %s holds %d values, expected %d", sig[i].Name, len(p), n)}
		}
	}
	return nil
}

// Apply checks the bundle against d and copies its parameters in.
func (b Bundle) Apply(d *scene.Model) error {
	if err := b.Check(d); err != nil {
		return err
	}
	return d.SetParamData(b.Params)
}

func sizeOf(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// Encode writes b to w.
func Encode(w io.Writer, b Bundle) error {
	return errors.WithStack(gob.NewEncoder(w).Encode(b))
}

// Decode reads a bundle. A bundle of another format version is a CheckpointVersionMismatch.
func Decode(r io.Reader) (Bundle, error) {
	var b Bundle
	if err := gob.NewDecoder(r).Decode(&b); err != nil {
		return Bundle{}, errors.Wrap(err, "decoding checkpoint")
	}
	if b.Version != Version {
		return b, errs.CheckpointVersionMismatch{Want: Version, Got: b.Version}
	}
	return b, nil
}

// Write saves b to filename. The bundle goes to a temporary file in the same directory which
// is then renamed over filename, so a crash never leaves a half written checkpoint.
func Write(filename string, b Bundle) error {
	dir := filepath.Dir(filename)
	f, err := os.CreateTemp(dir, "."+filepath.Base(filename)+".*")
	if err != nil {
		return errors.WithStack(err)
	}
	tmp := f.Name()
	defer os.Remove(tmp) // no-op once renamed

	if err = Encode(f, b); err != nil {
		f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return errors.WithStack(err)
	}
	if err = f.Close(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp, filename))
}

// Read loads a bundle from filename.
func Read(filename string) (Bundle, error) {
	f, err := os.Open(filename)
	if err != nil {
		return Bundle{}, errors.WithStack(err)
	}
	defer f.Close()
	b, err := Decode(f)
	if err != nil {
		return b, errors.WithMessage(err, filename)
	}
	return b, nil
}
