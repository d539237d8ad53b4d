package dataset

import (
	rng "github.com/leesper/go_rng"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// RotatePlane returns a copy of a square plane turned a quarter turn counter clockwise.
func RotatePlane(plane []float32, m, n int) ([]float32, error) {
	if m != n {
		return nil, errors.Errorf("Cannot handle m %d, n %d. This function only takes square planes", m, n)
	}
	if len(plane) != m*n {
		return nil, errors.Errorf("plane has %d values, expected %d", len(plane), m*n)
	}
	copied := make([]float32, len(plane))
	copy(copied, plane)
	it := rows(copied, m, n)
	for i := 0; i < m/2; i++ {
		mi1 := m - i - 1
		for j := i; j < mi1; j++ {
			mj1 := m - j - 1
			tmp := it[i][j]
			// right to top
			it[i][j] = it[j][mi1]

			// bottom to right
			it[j][mi1] = it[mi1][mj1]

			// left to bottom
			it[mi1][mj1] = it[mj1][i]

			// tmp is left
			it[mj1][i] = tmp
		}
	}
	returnRows(m, n, it)
	return copied, nil
}

// FlipPlane mirrors an m x n plane left to right, in place.
func FlipPlane(plane []float32, m, n int) {
	it := rows(plane, m, n)
	for _, row := range it {
		for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
			row[i], row[j] = row[j], row[i]
		}
	}
	returnRows(m, n, it)
}

// Augmented wraps a Source and randomly flips and rotates every image. The choices are
// drawn from a seeded generator, so an augmented run is repeatable.
type Augmented struct {
	Source
	seed int64
	u    *rng.UniformGenerator
}

// Augment wraps src.
func Augment(src Source, seed int64) *Augmented {
	return &Augmented{Source: src, seed: seed, u: rng.NewUniformGenerator(seed)}
}

func (a *Augmented) Next() (Batch, error) {
	b, err := a.Source.Next()
	if err != nil {
		return b, err
	}
	shp := b.Images.Shape()
	B, C, H, W := shp[0], shp[1], shp[2], shp[3]
	data := b.Images.Data().([]float32)
	out := make([]float32, len(data))
	copy(out, data)
	plane := H * W
	for i := 0; i < B; i++ {
		flip := a.u.Float64() < 0.5
		turns := int(a.u.Float64() * 4)
		for c := 0; c < C; c++ {
			p := out[(i*C+c)*plane : (i*C+c+1)*plane]
			if flip {
				FlipPlane(p, H, W)
			}
			for t := 0; t < turns && H == W; t++ {
				rotated, err := RotatePlane(p, H, W)
				if err != nil {
					return Batch{}, err
				}
				copy(p, rotated)
			}
		}
	}
	return Batch{Images: tensor.New(tensor.WithShape(shp.Clone()...), tensor.WithBacking(out)), Names: b.Names}, nil
}

// Reset resets the wrapped source. The augmentation sequence starts over too.
func (a *Augmented) Reset() error {
	a.u = rng.NewUniformGenerator(a.seed)
	return a.Source.Reset()
}
