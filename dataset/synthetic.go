package dataset

import (
	"fmt"
	"image"
	"io"

	"github.com/gorgonia/ssdir/errs"
	rng "github.com/leesper/go_rng"
	"gorgonia.org/tensor"
)

// SquaresConfig configures synthetic scenes of solid squares on a black background.
type SquaresConfig struct {
	ImageSize  int   `json:"image_size"`
	BatchSize  int   `json:"batch_size"`
	Batches    int   `json:"batches"`     // batches per epoch
	MinSide    int   `json:"min_side"`    // square side range, in pixels
	MaxSide    int   `json:"max_side"`    //
	MaxObjects int   `json:"max_objects"` // 0 gives empty images
	Fixed      bool  `json:"fixed"`       // one white MaxSide square in the centre of every image
	Seed       int64 `json:"seed"`
}

func (c SquaresConfig) Validate() error {
	switch {
	case c.ImageSize < 2:
		return errs.Config("squares", "ImageSize", c.ImageSize, "must be at least 2")
	case c.BatchSize < 1:
		return errs.Config("squares", "BatchSize", c.BatchSize, "must be at least 1")
	case c.Batches < 1:
		return errs.Config("squares", "Batches", c.Batches, "must be at least 1")
	case c.MaxObjects < 0:
		return errs.Config("squares", "MaxObjects", c.MaxObjects, "must not be negative")
	case c.MaxObjects > 0 && (c.MinSide < 1 || c.MaxSide < c.MinSide || c.MaxSide > c.ImageSize):
		return errs.Config("squares", "MaxSide", c.MaxSide, fmt.Sprintf("need 1 <= MinSide <= MaxSide <= %d", c.ImageSize))
	}
	return nil
}

// Squares generates SquaresConfig scenes. The same seed always gives the same epochs.
type Squares struct {
	conf  SquaresConfig
	u     *rng.UniformGenerator
	epoch int
	batch int

	// Boxes holds the squares of the last batch, per image, in pixels.
	Boxes [][]image.Rectangle
}

// NewSquares creates a synthetic source.
func NewSquares(conf SquaresConfig) (*Squares, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &Squares{conf: conf, u: rng.NewUniformGenerator(conf.Seed)}, nil
}

func (s *Squares) intn(n int) int {
	if n <= 1 {
		return 0
	}
	v := int(s.u.Float64() * float64(n))
	if v >= n {
		v = n - 1
	}
	return v
}

func (s *Squares) Next() (Batch, error) {
	if s.batch >= s.conf.Batches {
		return Batch{}, io.EOF
	}
	S, B := s.conf.ImageSize, s.conf.BatchSize
	b := NewBatch(B, S)
	data := b.Images.Data().([]float32)
	s.Boxes = make([][]image.Rectangle, B)
	b.Names = make([]string, B)
	for i := 0; i < B; i++ {
		b.Names[i] = fmt.Sprintf("squares-%d-%d-%d", s.epoch, s.batch, i)
		img := data[i*3*S*S : (i+1)*3*S*S]
		switch {
		case s.conf.Fixed:
			side := s.conf.MaxSide
			x0 := (S - side) / 2
			r := image.Rect(x0, x0, x0+side, x0+side)
			fillRect(img, S, r, [3]float32{1, 1, 1})
			s.Boxes[i] = append(s.Boxes[i], r)
		default:
			n := s.intn(s.conf.MaxObjects + 1)
			for k := 0; k < n; k++ {
				side := s.conf.MinSide + s.intn(s.conf.MaxSide-s.conf.MinSide+1)
				x, y := s.intn(S-side+1), s.intn(S-side+1)
				var colour [3]float32
				for c := range colour {
					colour[c] = float32(0.3 + 0.7*s.u.Float64())
				}
				r := image.Rect(x, y, x+side, y+side)
				fillRect(img, S, r, colour)
				s.Boxes[i] = append(s.Boxes[i], r)
			}
		}
	}
	s.batch++
	return b, nil
}

// Reset starts the next epoch.
func (s *Squares) Reset() error {
	s.epoch++
	s.batch = 0
	return nil
}

// fillRect paints r in a (3, S, S) image.
func fillRect(img []float32, S int, r image.Rectangle, colour [3]float32) {
	for c := 0; c < 3; c++ {
		it := rows(img[c*S*S:(c+1)*S*S], S, S)
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				it[y][x] = colour[c]
			}
		}
		returnRows(S, S, it)
	}
}

// Fixed is a source whose every epoch is the one batch B.
type Fixed struct {
	B    Batch
	done bool
}

func (f *Fixed) Next() (Batch, error) {
	if f.done {
		return Batch{}, io.EOF
	}
	f.done = true
	return Batch{Images: f.B.Images.Clone().(*tensor.Dense), Names: f.B.Names}, nil
}

func (f *Fixed) Reset() error { f.done = false; return nil }
