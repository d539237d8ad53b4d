package scene

import (
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Transform is a batch of axis aligned boxes in normalized coordinates. Each node is (B, A).
type Transform struct {
	CX, CY, W, H *G.Node
}

// spatialTransformer crops glimpses out of images and pastes them back with bilinear
// interpolation. Boxes are axis aligned, so interpolation separates into one row kernel and
// one column kernel per box, each a small matrix built from the box inside the graph.
// Everything is differentiable with respect to both the content and the box.
type spatialTransformer struct {
	batch, anchors int
	size           int // image side
	glimpse        int // glimpse side
	minScale       float64
}

func (st spatialTransformer) objects() int { return st.batch * st.anchors }

// sides clamps the box sides to [minScale, 1] and returns them with the top left corner.
func (st spatialTransformer) sides(m *maebe, t Transform) (top, left, h, w *G.Node) {
	h = m.clamp(t.H, st.minScale, 1)
	w = m.clamp(t.W, st.minScale, 1)
	top = m.sub(t.CY, m.scale(h, 0.5))
	left = m.sub(t.CX, m.scale(w, 0.5))
	return
}

// extractKernel builds the interpolation weights that sample a glimpse axis from an image axis.
// The sampling position of glimpse pixel i is start*S - 0.5 + (i+0.5)*side*S/G in image pixels.
// The result is (M, G, S), or (M, S, G) when transposed.
func (st spatialTransformer) extractKernel(m *maebe, start, side *G.Node, transposed bool) *G.Node {
	M, S, Gs := st.objects(), st.size, st.glimpse
	offset := m.reshape(m.shift(m.scale(start, float64(S)), -0.5), tensor.Shape{M, 1, 1})
	step := m.reshape(m.scale(side, float64(S)/float64(Gs)), tensor.Shape{M, 1, 1})

	centres := make([]float32, Gs)
	for i := range centres {
		centres[i] = float32(i) + 0.5
	}
	pixels := make([]float32, S)
	for r := range pixels {
		pixels[r] = float32(r)
	}

	if !transposed {
		idx := m.constant(tensor.Shape{1, Gs, 1}, centres)
		spread := m.do(func() (*G.Node, error) { return G.BroadcastHadamardProd(step, idx, []byte{1}, []byte{0}) })
		pos := m.do(func() (*G.Node, error) { return G.BroadcastAdd(offset, spread, []byte{1}, nil) })
		px := m.constant(tensor.Shape{1, 1, S}, pixels)
		diff := m.do(func() (*G.Node, error) { return G.BroadcastSub(pos, px, []byte{2}, []byte{0, 1}) })
		return m.tent(diff)
	}
	idx := m.constant(tensor.Shape{1, 1, Gs}, centres)
	spread := m.do(func() (*G.Node, error) { return G.BroadcastHadamardProd(step, idx, []byte{2}, []byte{0}) })
	pos := m.do(func() (*G.Node, error) { return G.BroadcastAdd(offset, spread, []byte{2}, nil) })
	px := m.constant(tensor.Shape{1, S, 1}, pixels)
	diff := m.do(func() (*G.Node, error) { return G.BroadcastSub(pos, px, []byte{1}, []byte{0, 2}) })
	return m.tent(diff)
}

// pasteKernel builds the weights that place a glimpse axis onto an image axis. Image pixel r
// reads glimpse position ((r+0.5)/S - start)*G/side - 0.5; rows outside the box get zero weight.
// The result is (M, S, G), or (M, G, S) when transposed.
func (st spatialTransformer) pasteKernel(m *maebe, start, side *G.Node, transposed bool) *G.Node {
	M, S, Gs := st.objects(), st.size, st.glimpse
	begin := m.reshape(start, tensor.Shape{M, 1, 1})
	perPixel := m.do(func() (*G.Node, error) {
		return G.HadamardDiv(m.filled(tensor.Shape{st.batch, st.anchors}, float32(Gs)), side)
	})
	perPixel = m.reshape(perPixel, tensor.Shape{M, 1, 1})

	centres := make([]float32, S)
	for r := range centres {
		centres[r] = (float32(r) + 0.5) / float32(S)
	}
	glimpsePx := make([]float32, Gs)
	for i := range glimpsePx {
		glimpsePx[i] = float32(i)
	}

	if !transposed {
		pos := m.constant(tensor.Shape{1, S, 1}, centres)
		rel := m.do(func() (*G.Node, error) { return G.BroadcastSub(pos, begin, []byte{0}, []byte{1}) })
		u := m.do(func() (*G.Node, error) { return G.BroadcastHadamardProd(rel, perPixel, nil, []byte{1}) })
		u = m.shift(u, -0.5)
		idx := m.constant(tensor.Shape{1, 1, Gs}, glimpsePx)
		diff := m.do(func() (*G.Node, error) { return G.BroadcastSub(u, idx, []byte{2}, []byte{0, 1}) })
		return m.tent(diff)
	}
	pos := m.constant(tensor.Shape{1, 1, S}, centres)
	rel := m.do(func() (*G.Node, error) { return G.BroadcastSub(pos, begin, []byte{0}, []byte{2}) })
	u := m.do(func() (*G.Node, error) { return G.BroadcastHadamardProd(rel, perPixel, nil, []byte{2}) })
	u = m.shift(u, -0.5)
	idx := m.constant(tensor.Shape{1, Gs, 1}, glimpsePx)
	diff := m.do(func() (*G.Node, error) { return G.BroadcastSub(u, idx, []byte{1}, []byte{0, 2}) })
	return m.tent(diff)
}

// Extract crops one glimpse per box out of images (B, C, S, S). The result is (B*A, C, G, G).
func (st spatialTransformer) Extract(m *maebe, images *G.Node, t Transform) *G.Node {
	if m.err != nil {
		return nil
	}
	B, A, S, Gs := st.batch, st.anchors, st.size, st.glimpse
	M := st.objects()
	C := images.Shape()[1]
	top, left, h, w := st.sides(m, t)

	rows := st.extractKernel(m, top, h, false)  // (M, G, S)
	cols := st.extractKernel(m, left, w, true)  // (M, S, G)
	rows = m.reshape(rows, tensor.Shape{B, A * Gs, S})

	// (B, C, S, S) -> (B, S, C*S): image rows first so that every box's row kernel applies at once
	im := m.reshape(m.transpose(images, 0, 2, 1, 3), tensor.Shape{B, S, C * S})
	sampledRows := m.bmm(rows, im) // (B, A*G, C*S)
	sampledRows = m.reshape(sampledRows, tensor.Shape{M, Gs * C, S})
	sampled := m.bmm(sampledRows, cols) // (M, G*C, G)
	sampled = m.reshape(sampled, tensor.Shape{M, Gs, C, Gs})
	return m.transpose(sampled, 0, 2, 1, 3)
}

// Paste places glimpses (B*A, C, G, G) at their boxes and sums over the boxes of each image.
// The result is (B, C, S, S).
func (st spatialTransformer) Paste(m *maebe, glimpses *G.Node, t Transform) *G.Node {
	if m.err != nil {
		return nil
	}
	k := st.pasteKernels(m, t)
	return st.paste(m, k, glimpses)
}

type pasteKernels struct {
	rows *G.Node // (B, S, A*G)
	cols *G.Node // (M, G, S)
}

func (st spatialTransformer) pasteKernels(m *maebe, t Transform) pasteKernels {
	B, A, S, Gs := st.batch, st.anchors, st.size, st.glimpse
	top, left, h, w := st.sides(m, t)
	rows := st.pasteKernel(m, top, h, false) // (M, S, G)
	rows = m.reshape(rows, tensor.Shape{B, A, S, Gs})
	rows = m.reshape(m.transpose(rows, 0, 2, 1, 3), tensor.Shape{B, S, A * Gs})
	return pasteKernels{
		rows: rows,
		cols: st.pasteKernel(m, left, w, true),
	}
}

func (st spatialTransformer) paste(m *maebe, k pasteKernels, glimpses *G.Node) *G.Node {
	if m.err != nil {
		return nil
	}
	B, A, S, Gs := st.batch, st.anchors, st.size, st.glimpse
	M := st.objects()
	C := glimpses.Shape()[1]

	g := m.reshape(m.transpose(glimpses, 0, 2, 1, 3), tensor.Shape{M, Gs * C, Gs})
	wide := m.bmm(g, k.cols) // (M, G*C, S)
	wide = m.reshape(wide, tensor.Shape{B, A * Gs, C * S})
	full := m.bmm(k.rows, wide) // (B, S, C*S), summed over boxes
	full = m.reshape(full, tensor.Shape{B, S, C, S})
	return m.transpose(full, 0, 2, 1, 3)
}
