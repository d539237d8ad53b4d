// Package encoding renders snapshots of the model at work: the input, its reconstruction and
// the boxes of the objects found. Subpackages write them out as GIFs or MJPEG streams.
package encoding

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/gorgonia/ssdir/anchor"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gomono"
)

var regular *truetype.Font

const (
	dpi        = 72.0
	fontsize   = 12.0
	lineheight = 1.3
	pad        = 8
)

func init() {
	var err error
	if regular, err = truetype.Parse(gomono.TTF); err != nil {
		panic(err)
	}
}

// Snapshot is one frame.
type Snapshot struct {
	Name    string
	Step    int
	Input   image.Image
	Recon   image.Image
	Boxes   []anchor.Box // objects that are present
	Metrics map[string]float64
}

// Encoder takes snapshots. An example Encoder is the gif.Encoder. Another would be a logger.
type Encoder interface {
	Encode(s Snapshot) error
	Flush() error
}

// Caption is the text under a rendered snapshot.
func (s Snapshot) Caption() []string {
	lines := []string{fmt.Sprintf("%s step %d, %d objects", s.Name, s.Step, len(s.Boxes))}
	keys := make([]string, 0, len(s.Metrics))
	for k := range s.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%-16s %.4g", k, s.Metrics[k]))
	}
	return lines
}

var boxColour = color.RGBA{255, 64, 32, 255}

// Render draws the input and the reconstruction side by side, each scaled up by scale, with
// the boxes outlined on both and the caption underneath.
func Render(s Snapshot, scale int) image.Image {
	if scale < 1 {
		scale = 1
	}
	side := s.Input.Bounds().Dx() * scale
	caption := s.Caption()
	dy := int(math.Ceil(fontsize * lineheight * dpi / 72))
	w := 2*side + 3*pad
	h := side + 2*pad + len(caption)*dy + pad

	dc := gg.NewContext(w, h)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	face := truetype.NewFace(regular, &truetype.Options{
		Size:    fontsize,
		DPI:     dpi,
		Hinting: font.HintingFull,
	})
	defer face.Close()
	dc.SetFontFace(face)

	for i, img := range []image.Image{s.Input, s.Recon} {
		if img == nil {
			continue
		}
		x0 := pad + i*(side+pad)
		dc.DrawImage(upscale(img, side), x0, pad)
		dc.SetColor(boxColour)
		dc.SetLineWidth(1.5)
		for _, b := range s.Boxes {
			r := b.Clip()
			dc.DrawRectangle(float64(x0)+r.Left()*float64(side), pad+r.Top()*float64(side), r.W*float64(side), r.H*float64(side))
			dc.Stroke()
		}
	}

	dc.SetRGB(0, 0, 0)
	y := side + 2*pad
	for _, line := range caption {
		y += dy
		dc.DrawString(line, pad, float64(y))
	}
	return dc.Image()
}

func upscale(img image.Image, side int) image.Image {
	if img.Bounds().Dx() == side && img.Bounds().Dy() == side {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}
