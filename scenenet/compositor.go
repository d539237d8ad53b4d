package scene

import (
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const (
	// blendEps only guards empty pixels. Any pixel an object touches has a denominator of at
	// least exp(-depthRange) times its coverage.
	blendEps   = 1e-12
	depthRange = 8 // depths are clamped to ±depthRange before exp
)

// composite pastes every object onto the background.
//
// Objects are weighted by presence p and by d = exp(clamp(depth)). With the pasted sums
//	N = Σ p·d·α·rgb    D = Σ p·d·α    V = Σ p·α
// the foreground colour is N/(D+eps), a per-pixel softmax over depth among the objects
// covering the pixel, and its coverage is min(V, 1):
//	recon = coverage·foreground + (1-coverage)·background
// Objects with a larger depth are drawn on top and equal depths mix evenly. A lone object
// shows its own colour whatever its depth. Sums do not depend on anchor order. When every p
// is 0 the reconstruction is exactly the background.
func composite(m *maebe, st spatialTransformer, rgb, alpha, presence, depth *G.Node, box Transform, bg *G.Node) *G.Node {
	if m.err != nil {
		return nil
	}
	M := st.objects()
	perObject := tensor.Shape{M, 1, 1, 1}

	order := m.exp(m.clamp(depth, -depthRange, depthRange))
	wd := m.reshape(m.mul(presence, order), perObject)
	wp := m.reshape(presence, perObject)

	weighted := m.do(func() (*G.Node, error) { return G.BroadcastHadamardProd(alpha, wd, nil, []byte{2, 3}) })
	colour := m.do(func() (*G.Node, error) { return G.BroadcastHadamardProd(rgb, weighted, nil, []byte{1}) })
	cover := m.do(func() (*G.Node, error) { return G.BroadcastHadamardProd(alpha, wp, nil, []byte{2, 3}) })

	k := st.pasteKernels(m, box)
	num := st.paste(m, k, colour)
	den := m.shift(st.paste(m, k, weighted), blendEps)
	vis := st.paste(m, k, cover)

	fg := m.do(func() (*G.Node, error) { return G.BroadcastHadamardDiv(num, den, nil, []byte{1}) })
	coverage := m.oneMinus(m.rectify(m.oneMinus(vis)))
	uncovered := m.oneMinus(coverage)

	front := m.do(func() (*G.Node, error) { return G.BroadcastHadamardProd(fg, coverage, nil, []byte{1}) })
	back := m.do(func() (*G.Node, error) { return G.BroadcastHadamardProd(bg, uncovered, nil, []byte{1}) })
	return m.add(front, back)
}

// background returns the (B, 3, S, S) background: a constant colour, or a learned colour.
func background(m *maebe, g *G.ExprGraph, conf Config) *G.Node {
	if m.err != nil {
		return nil
	}
	B, S := conf.BatchSize, conf.ImageSize
	full := tensor.Shape{B, 3, S, S}
	if conf.Background != LearnedBackground {
		data := make([]float32, full.TotalSize())
		plane := S * S
		for b := 0; b < B; b++ {
			for c := 0; c < 3; c++ {
				start := (b*3 + c) * plane
				v := float32(conf.BackgroundColor[c])
				for i := start; i < start+plane; i++ {
					data[i] = v
				}
			}
		}
		return m.constant(full, data)
	}
	logit := G.NewTensor(g, Float, 4, G.WithShape(1, 3, 1, 1), G.WithName("background_logit"), G.WithInit(G.Zeroes()))
	colour := m.sigmoid(logit)
	return m.do(func() (*G.Node, error) { return G.BroadcastHadamardProd(m.filled(full, 1), colour, nil, []byte{0, 2, 3}) })
}
