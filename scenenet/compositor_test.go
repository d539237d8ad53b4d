package scene

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

type compositeFixture struct {
	g        *G.ExprGraph
	rgb      *G.Node
	alpha    *G.Node
	presence *G.Node
	depth    *G.Node
	box      Transform
	st       spatialTransformer
	conf     Config
}

func matrixNode(g *G.ExprGraph, name string, rows, cols int, data []float32) *G.Node {
	return G.NewMatrix(g, Float, G.WithShape(rows, cols), G.WithName(name),
		G.WithValue(tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(data))))
}

// newCompositeFixture places two 4x4 objects on a 16x16 image. rgb[k] is the colour of
// object k, alpha is 1 everywhere.
func newCompositeFixture(rgb [2][3]float32, presence, depth []float32, cx, cy []float32) compositeFixture {
	const S, Gs, A = 16, 4, 2
	g := G.NewGraph()
	colour := make([]float32, A*3*Gs*Gs)
	for a := 0; a < A; a++ {
		for c := 0; c < 3; c++ {
			for i := 0; i < Gs*Gs; i++ {
				colour[(a*3+c)*Gs*Gs+i] = rgb[a][c]
			}
		}
	}
	ones := make([]float32, A*Gs*Gs)
	for i := range ones {
		ones[i] = 1
	}
	conf := DefaultConf()
	conf.BatchSize = 1
	conf.ImageSize = S
	conf.BackgroundColor = [3]float64{0.2, 0.4, 0.6}
	return compositeFixture{
		g: g,
		rgb: G.NewTensor(g, Float, 4, G.WithShape(A, 3, Gs, Gs), G.WithName("rgb"),
			G.WithValue(tensor.New(tensor.WithShape(A, 3, Gs, Gs), tensor.WithBacking(colour)))),
		alpha: G.NewTensor(g, Float, 4, G.WithShape(A, 1, Gs, Gs), G.WithName("alpha"),
			G.WithValue(tensor.New(tensor.WithShape(A, 1, Gs, Gs), tensor.WithBacking(ones)))),
		presence: matrixNode(g, "presence", 1, A, presence),
		depth:    matrixNode(g, "depth", 1, A, depth),
		box:      boxNodes(g, 1, A, cx, cy, []float32{0.25, 0.25}, []float32{0.25, 0.25}),
		st:       spatialTransformer{batch: 1, anchors: A, size: S, glimpse: Gs, minScale: 0.1},
		conf:     conf,
	}
}

func (f compositeFixture) run(t *testing.T) []float32 {
	m := &maebe{g: f.g, seed: 1}
	bg := background(m, f.g, f.conf)
	recon := composite(m, f.st, f.rgb, f.alpha, f.presence, f.depth, f.box, bg)
	require.NoError(t, m.err)
	require.Equal(t, tensor.Shape{1, 3, 16, 16}, recon.Shape())
	var v G.Value
	G.Read(recon, &v)
	run(t, f.g)
	return v.Data().([]float32)
}

func TestCompositeZeroPresenceIsBackground(t *testing.T) {
	f := newCompositeFixture([2][3]float32{{1, 0, 0}, {0, 0, 1}}, []float32{0, 0}, []float32{3, -2},
		[]float32{0.5, 0.5}, []float32{0.5, 0.5})
	got := f.run(t)
	const plane = 16 * 16
	for c, want := range []float32{0.2, 0.4, 0.6} {
		for i := 0; i < plane; i++ {
			if got[c*plane+i] != want {
				t.Fatalf("channel %d pixel %d: got %v, want exactly %v", c, i, got[c*plane+i], want)
			}
		}
	}
}

func TestCompositeSingleObject(t *testing.T) {
	f := newCompositeFixture([2][3]float32{{1, 0, 0}, {0, 0, 1}}, []float32{1, 0}, []float32{0, 0},
		[]float32{0.25, 0.75}, []float32{0.25, 0.75})
	got := f.run(t)
	const S, plane = 16, 16 * 16
	at := func(c, y, x int) float32 { return got[c*plane+y*S+x] }

	// inside the first box: the object's colour
	assert.InDelta(t, 1, at(0, 3, 3), 1e-4)
	assert.InDelta(t, 0, at(2, 3, 3), 1e-4)
	// the second object is absent, so its box shows the background
	assert.InDelta(t, 0.2, at(0, 12, 12), 1e-6)
	assert.InDelta(t, 0.6, at(2, 12, 12), 1e-6)
}

func TestCompositeLoneObjectIgnoresDepth(t *testing.T) {
	const S, plane = 16, 16 * 16
	i := 8*S + 8
	for _, depth := range []float32{-40, -16, -8, 0, 8, 16, 40} {
		got := newCompositeFixture([2][3]float32{{1, 1, 1}, {0, 0, 1}}, []float32{1, 0}, []float32{depth, 0},
			[]float32{0.5, 0.5}, []float32{0.5, 0.5}).run(t)
		for c := 0; c < 3; c++ {
			assert.InDelta(t, 1, got[c*plane+i], 1e-4, "depth %v channel %d", depth, c)
		}
	}
}

func TestCompositeOcclusion(t *testing.T) {
	// both objects in the same place; the one with the larger depth is on top
	centre := []float32{0.5, 0.5}
	front := newCompositeFixture([2][3]float32{{1, 0, 0}, {0, 0, 1}}, []float32{1, 1}, []float32{6, -6}, centre, centre).run(t)
	swapped := newCompositeFixture([2][3]float32{{0, 0, 1}, {1, 0, 0}}, []float32{1, 1}, []float32{-6, 6}, centre, centre).run(t)

	const S, plane = 16, 16 * 16
	i := 8*S + 8
	assert.True(t, front[i] > 0.95, "red should be in front, got %v", front[i])
	assert.True(t, front[2*plane+i] < 0.05)

	// the blend does not depend on anchor order
	assert.InDeltaSlice(t, front, swapped, 1e-6)
}

func TestCompositeInUnitRange(t *testing.T) {
	f := newCompositeFixture([2][3]float32{{1, 1, 1}, {1, 1, 1}}, []float32{0.7, 0.9}, []float32{0, 0},
		[]float32{0.4, 0.5}, []float32{0.4, 0.5})
	for i, v := range f.run(t) {
		if v < 0 || v > 1 {
			t.Fatalf("pixel %d out of range: %v", i, v)
		}
	}
}
