// Package anchor generates the fixed, ordered set of reference boxes that the scene model
// decodes its object locations against.
package anchor

import (
	"fmt"
	"image"
	"math"

	"github.com/gorgonia/ssdir/errs"
)

// Box is an axis aligned box in normalized image coordinates (0 to 1), stored as centre and size.
type Box struct {
	CX, CY, W, H float64
}

// Top returns the normalized y coordinate of the top edge.
func (b Box) Top() float64 { return b.CY - b.H/2 }

// Left returns the normalized x coordinate of the left edge.
func (b Box) Left() float64 { return b.CX - b.W/2 }

// Rect converts the box to pixel coordinates of a square image of the given size.
func (b Box) Rect(size int) image.Rectangle {
	s := float64(size)
	return image.Rect(
		int(math.Round(b.Left()*s)),
		int(math.Round(b.Top()*s)),
		int(math.Round((b.CX+b.W/2)*s)),
		int(math.Round((b.CY+b.H/2)*s)),
	)
}

func (b Box) String() string {
	return fmt.Sprintf("(%.3f, %.3f | %.3fx%.3f)", b.CX, b.CY, b.W, b.H)
}

// Clip clips the box to the unit square.
func (b Box) Clip() Box {
	x0 := clamp(b.Left(), 0, 1)
	y0 := clamp(b.Top(), 0, 1)
	x1 := clamp(b.CX+b.W/2, 0, 1)
	y1 := clamp(b.CY+b.H/2, 0, 1)
	return Box{CX: (x0 + x1) / 2, CY: (y0 + y1) / 2, W: x1 - x0, H: y1 - y0}
}

// Config describes a multi-scale anchor layout.
type Config struct {
	ImageSize    int         `json:"image_size"`    // square image side, in pixels
	FeatureMaps  []int       `json:"feature_maps"`  // grid side of each feature map
	Sizes        []float64   `json:"sizes"`         // base box side per feature map, normalized
	AspectRatios [][]float64 `json:"aspect_ratios"` // extra boxes per location, per feature map
}

// BoxesPerLocation returns how many anchors sit on each cell of feature map k.
func (c Config) BoxesPerLocation(k int) int {
	if k < len(c.AspectRatios) {
		return 1 + len(c.AspectRatios[k])
	}
	return 1
}

// Count is the total number of anchors.
func (c Config) Count() int {
	var n int
	for k, fm := range c.FeatureMaps {
		n += fm * fm * c.BoxesPerLocation(k)
	}
	return n
}

// Validate checks the layout. The feature map sides must divide the image side by a power of two.
func (c Config) Validate() error {
	if c.ImageSize < 2 {
		return errs.Config("anchor", "ImageSize", c.ImageSize, "must be at least 2")
	}
	if len(c.FeatureMaps) == 0 {
		return errs.Config("anchor", "FeatureMaps", c.FeatureMaps, "at least one feature map is required")
	}
	if len(c.Sizes) != len(c.FeatureMaps) {
		return errs.Config("anchor", "Sizes", c.Sizes, fmt.Sprintf("expected %d sizes, one per feature map", len(c.FeatureMaps)))
	}
	if len(c.AspectRatios) > len(c.FeatureMaps) {
		return errs.Config("anchor", "AspectRatios", c.AspectRatios, "more entries than feature maps")
	}
	for k, fm := range c.FeatureMaps {
		if Downsampling(c.ImageSize, fm) < 1 {
			return errs.Config("anchor", "FeatureMaps", fm, fmt.Sprintf("must be %d divided by a power of two", c.ImageSize))
		}
		if s := c.Sizes[k]; s <= 0 || s > 1 || math.IsNaN(s) {
			return errs.Config("anchor", "Sizes", s, "must be in (0, 1]")
		}
		if k < len(c.AspectRatios) {
			for _, r := range c.AspectRatios[k] {
				if r <= 0 || math.IsNaN(r) || math.IsInf(r, 0) {
					return errs.Config("anchor", "AspectRatios", r, "must be positive")
				}
			}
		}
	}
	return nil
}

// Downsampling returns k such that imageSize / 2^k == fm, or -1 if there is no such k.
// Only strictly smaller maps count.
func Downsampling(imageSize, fm int) int {
	if fm <= 0 || fm >= imageSize {
		return -1
	}
	k, s := 0, imageSize
	for s > fm {
		if s%2 != 0 {
			return -1
		}
		s /= 2
		k++
	}
	if s != fm {
		return -1
	}
	return k
}

// Grid is the ordered anchor set. The order is feature map, row, column, box.
type Grid struct {
	Boxes []Box
	conf  Config
}

// Generate lays out the anchors.
func Generate(c Config) (Grid, error) {
	if err := c.Validate(); err != nil {
		return Grid{}, err
	}
	boxes := make([]Box, 0, c.Count())
	for k, fm := range c.FeatureMaps {
		s := c.Sizes[k]
		var ratios []float64
		if k < len(c.AspectRatios) {
			ratios = c.AspectRatios[k]
		}
		for i := 0; i < fm; i++ {
			cy := (float64(i) + 0.5) / float64(fm)
			for j := 0; j < fm; j++ {
				cx := (float64(j) + 0.5) / float64(fm)
				boxes = append(boxes, Box{CX: cx, CY: cy, W: s, H: s}.Clip())
				for _, r := range ratios {
					sr := math.Sqrt(r)
					boxes = append(boxes, Box{CX: cx, CY: cy, W: s * sr, H: s / sr}.Clip())
				}
			}
		}
	}
	return Grid{Boxes: boxes, conf: c}, nil
}

// Len returns the number of anchors.
func (g Grid) Len() int { return len(g.Boxes) }

// Config returns the layout the grid was generated from.
func (g Grid) Config() Config { return g.conf }

// Columns returns the anchors as four parallel slices (cx, cy, w, h), repeated batch times.
func (g Grid) Columns(batch int) (cx, cy, w, h []float32) {
	n := len(g.Boxes)
	cx = make([]float32, batch*n)
	cy = make([]float32, batch*n)
	w = make([]float32, batch*n)
	h = make([]float32, batch*n)
	for b := 0; b < batch; b++ {
		for i, box := range g.Boxes {
			cx[b*n+i] = float32(box.CX)
			cy[b*n+i] = float32(box.CY)
			w[b*n+i] = float32(box.W)
			h[b*n+i] = float32(box.H)
		}
	}
	return
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
