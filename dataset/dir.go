package dataset

import (
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gorgonia/ssdir/errs"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true, ".webp": true,
}

// Dir reads the images under a directory, in lexical path order, resized to size x size.
type Dir struct {
	paths   []string
	size    int
	batch   int
	partial bool
	pos     int
}

// NewDir lists the images under root. With partial set, the last batch of an epoch may hold
// fewer than batch images; otherwise it is dropped.
func NewDir(root string, size, batch int, partial bool) (*Dir, error) {
	if size < 2 {
		return nil, errs.Config("dir", "ImageSize", size, "must be at least 2")
	}
	if batch < 1 {
		return nil, errs.Config("dir", "BatchSize", batch, "must be at least 1")
	}
	var paths []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && imageExts[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", root)
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no images under %s", root)
	}
	sort.Strings(paths)
	return &Dir{paths: paths, size: size, batch: batch, partial: partial}, nil
}

// Len is the number of images.
func (d *Dir) Len() int { return len(d.paths) }

func (d *Dir) Next() (Batch, error) {
	n := len(d.paths) - d.pos
	if n <= 0 || (n < d.batch && !d.partial) {
		return Batch{}, io.EOF
	}
	if n > d.batch {
		n = d.batch
	}
	b := NewBatch(n, d.size)
	data := b.Images.Data().([]float32)
	plane := 3 * d.size * d.size
	for i := 0; i < n; i++ {
		path := d.paths[d.pos+i]
		img, err := load(path)
		if err != nil {
			return Batch{}, err
		}
		Planes(img, d.size, data[i*plane:(i+1)*plane])
		b.Names = append(b.Names, path)
	}
	d.pos += n
	return b, nil
}

func (d *Dir) Reset() error {
	d.pos = 0
	return nil
}

func load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	return img, nil
}

// Planes resizes img to size x size and writes it to dst as three [0, 1] planes (R, G, B).
func Planes(img image.Image, size int, dst []float32) {
	sq := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(sq, sq.Bounds(), img, img.Bounds(), draw.Src, nil)
	plane := size * size
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			o := sq.PixOffset(x, y)
			i := y*size + x
			dst[i] = float32(sq.Pix[o]) / 255
			dst[plane+i] = float32(sq.Pix[o+1]) / 255
			dst[2*plane+i] = float32(sq.Pix[o+2]) / 255
		}
	}
}

// ToImage turns three [0, 1] planes of a size x size image back into an image.
func ToImage(src []float32, size int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	plane := size * size
	px := func(v float32) uint8 {
		switch {
		case v <= 0:
			return 0
		case v >= 1:
			return 255
		}
		return uint8(v*255 + 0.5)
	}
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			o := img.PixOffset(x, y)
			i := y*size + x
			img.Pix[o] = px(src[i])
			img.Pix[o+1] = px(src[plane+i])
			img.Pix[o+2] = px(src[2*plane+i])
			img.Pix[o+3] = 255
		}
	}
	return img
}
