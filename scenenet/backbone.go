package scene

import (
	"encoding/gob"
	"fmt"
	"io"
	"strings"

	"github.com/gorgonia/ssdir/anchor"
	"github.com/gorgonia/ssdir/errs"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const backbonePrefix = "backbone/"

// AnchorGrid is the per-anchor view of a batch of images.
type AnchorGrid struct {
	Grid     anchor.Grid
	Features *G.Node // (B, A, F)
}

// FeatureProvider turns a batch of images into an AnchorGrid. The same images and weights
// must always give the same features, and the anchor order must not depend on the images.
type FeatureProvider interface {
	Grid() anchor.Grid
	FeatureSize() int
	Features(images *G.Node) (AnchorGrid, error)
	Params() G.Nodes
}

// Backbone is a small convolutional feature pyramid. Each stage is a 3x3 convolution, a ReLU
// and a 2x2 max pool. Stages whose output side matches a configured feature map feed the
// anchor grid. The anchor's own box is appended to its feature vector so that anchors sharing
// a location still differ.
type Backbone struct {
	conf   Config
	grid   anchor.Grid
	params G.Nodes
}

// NewBackbone creates the backbone for the configuration.
func NewBackbone(conf Config) (*Backbone, error) {
	grid, err := anchor.Generate(conf.Anchors())
	if err != nil {
		return nil, err
	}
	return &Backbone{conf: conf, grid: grid}, nil
}

func (bb *Backbone) Grid() anchor.Grid { return bb.grid }

func (bb *Backbone) FeatureSize() int { return bb.conf.BackboneK + 4 }

// Params returns the backbone weights. It is empty until Features has been called.
func (bb *Backbone) Params() G.Nodes { return bb.params }

func (bb *Backbone) Features(images *G.Node) (AnchorGrid, error) {
	B, S, K := bb.conf.BatchSize, bb.conf.ImageSize, bb.conf.BackboneK
	want := tensor.Shape{B, 3, S, S}
	if !images.Shape().Eq(want) {
		return AnchorGrid{}, errs.Shape("backbone", want, images.Shape())
	}

	m := &maebe{g: images.Graph(), seed: bb.conf.Seed ^ 0x2545f491}
	stages := make(map[int]*G.Node)
	x := images
	for s := 0; s < bb.conf.stages(); s++ {
		x = m.conv(x, K, 3, fmt.Sprintf("%sstage%d", backbonePrefix, s))
		x = m.rectify(x)
		x = m.pool(x)
		stages[S>>uint(s+1)] = x
	}

	var maps []*G.Node
	for k, fm := range bb.conf.FeatureMaps {
		f, ok := stages[fm]
		if !ok {
			return AnchorGrid{}, errors.Errorf("backbone: no stage produces a %dx%d feature map", fm, fm)
		}
		locs := fm * fm
		f = m.transpose(f, 0, 2, 3, 1) // (B, fm, fm, K)
		f = m.reshape(f, tensor.Shape{B, locs, 1, K})
		if nb := bb.conf.Anchors().BoxesPerLocation(k); nb > 1 {
			copies := make([]*G.Node, nb)
			for i := range copies {
				copies[i] = f
			}
			f = m.do(func() (*G.Node, error) { return G.Concat(2, copies...) })
			f = m.reshape(f, tensor.Shape{B, locs * nb, K})
		} else {
			f = m.reshape(f, tensor.Shape{B, locs, K})
		}
		maps = append(maps, f)
	}

	feat := maps[0]
	if len(maps) > 1 {
		feat = m.do(func() (*G.Node, error) { return G.Concat(1, maps...) })
	}

	A := bb.grid.Len()
	geom := make([]float32, 0, B*A*4)
	for b := 0; b < B; b++ {
		for _, box := range bb.grid.Boxes {
			geom = append(geom, float32(box.CX), float32(box.CY), float32(box.W), float32(box.H))
		}
	}
	feat = m.do(func() (*G.Node, error) { return G.Concat(2, feat, m.constant(tensor.Shape{B, A, 4}, geom)) })
	if m.err != nil {
		return AnchorGrid{}, m.err
	}

	bb.params = bb.params[:0]
	for _, n := range images.Graph().AllNodes() {
		if n.IsVar() && strings.HasPrefix(n.Name(), backbonePrefix) {
			bb.params = append(bb.params, n)
		}
	}
	return AnchorGrid{Grid: bb.grid, Features: feat}, nil
}

type backboneWeights struct {
	Names  []string
	Shapes [][]int
	Data   [][]float32
}

// Save writes the backbone weights.
func (bb *Backbone) Save(w io.Writer) error {
	var bw backboneWeights
	for _, n := range bb.params {
		bw.Names = append(bw.Names, n.Name())
		bw.Shapes = append(bw.Shapes, n.Shape().Clone())
		bw.Data = append(bw.Data, n.Value().Data().([]float32))
	}
	return errors.WithStack(gob.NewEncoder(w).Encode(bw))
}

// Load reads weights written by Save into the backbone. Names and shapes must match.
func (bb *Backbone) Load(r io.Reader) error {
	var bw backboneWeights
	if err := gob.NewDecoder(r).Decode(&bw); err != nil {
		return errors.Wrap(err, "backbone: decoding weights")
	}
	if len(bw.Names) != len(bb.params) {
		return errors.Errorf("backbone: file has %d weights, model has %d", len(bw.Names), len(bb.params))
	}
	for i, n := range bb.params {
		if bw.Names[i] != n.Name() || !tensor.Shape(bw.Shapes[i]).Eq(n.Shape()) {
			return errors.Errorf("backbone: weight %d is %s%v, model expects %s%v", i, bw.Names[i], bw.Shapes[i], n.Name(), n.Shape())
		}
		copy(n.Value().Data().([]float32), bw.Data[i])
	}
	return nil
}
