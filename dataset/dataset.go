// Package dataset provides batches of images for training and inference.
package dataset

import (
	"io"

	"github.com/gorgonia/ssdir/errs"
	"gorgonia.org/tensor"
)

// Batch is a (B, 3, S, S) float32 tensor of images with values in [0, 1], in BCHW order.
type Batch struct {
	Images *tensor.Dense
	Names  []string // optional, one per image
}

// Len is the number of images.
func (b Batch) Len() int {
	if b.Images == nil {
		return 0
	}
	return b.Images.Shape()[0]
}

// Check returns a ShapeError unless the batch is (batch, 3, size, size).
func (b Batch) Check(batch, size int) error {
	want := []int{batch, 3, size, size}
	if b.Images == nil {
		return errs.Shape("dataset", want, nil)
	}
	shp := b.Images.Shape()
	if len(shp) != 4 || shp[0] != batch || shp[1] != 3 || shp[2] != size || shp[3] != size {
		return errs.Shape("dataset", want, shp)
	}
	return nil
}

// Source hands out batches. Next returns io.EOF when an epoch is over; Reset starts another.
type Source interface {
	Next() (Batch, error)
	Reset() error
}

// Cycle returns the next batch of src, resetting it once at the end of an epoch.
func Cycle(src Source) (Batch, error) {
	b, err := src.Next()
	if err != io.EOF {
		return b, err
	}
	if err := src.Reset(); err != nil {
		return Batch{}, err
	}
	return src.Next()
}

// NewBatch allocates an empty batch.
func NewBatch(batch, size int) Batch {
	return Batch{Images: tensor.New(tensor.WithShape(batch, 3, size, size), tensor.Of(tensor.Float32))}
}
