package gif

import (
	"image"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"io"

	"github.com/gorgonia/ssdir/encoding"
)

// Encoder collects snapshots into an animated GIF. It implements encoding.Encoder.
type Encoder struct {
	io.Writer

	Scale int // upscaling of the images
	Delay int // per frame, in 100ths of a second

	out *gif.GIF
}

var _ encoding.Encoder = &Encoder{}

// NewGifEncoder writes to w on Flush.
func NewGifEncoder(w io.Writer, scale int) *Encoder {
	return &Encoder{
		Writer: w,
		Scale:  scale,
		Delay:  50,
		out:    &gif.GIF{LoopCount: 0},
	}
}

// Encode a snapshot as a frame.
func (enc *Encoder) Encode(s encoding.Snapshot) error {
	frame := encoding.Render(s, enc.Scale)
	im := image.NewPaletted(frame.Bounds(), palette.Plan9)
	draw.FloydSteinberg.Draw(im, im.Bounds(), frame, image.Point{})
	enc.out.Image = append(enc.out.Image, im)
	enc.out.Delay = append(enc.out.Delay, enc.Delay)
	return nil
}

// Frames is the number of frames so far.
func (enc *Encoder) Frames() int { return len(enc.out.Image) }

// Flush writes the gif into the writer
func (enc *Encoder) Flush() error { return gif.EncodeAll(enc.Writer, enc.out) }
