package scene

import (
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const (
	minLogVar = -8
	maxLogVar = 8

	// bounds on the log scale correction, before the size variance is applied
	minLogScale = -8
	maxLogScale = 4
)

type whereOut struct {
	Mean, LogVar, Sample *G.Node // (B*A, WhereSize)
	KL                   *G.Node // (B, A)
	Box                  Transform

	DepthMean, DepthLogVar *G.Node // (B*A, 1)
	Depth                  *G.Node // (B, A)
	DepthKL                *G.Node // (B, A)
}

// anchorNodes are the reference boxes as (B, A) constants.
type anchorNodes struct {
	CX, CY, W, H *G.Node
}

// whereHead predicts a Gaussian box correction per anchor and decodes it SSD style:
//	cx = acx + dx*cv*aw       w = aw*exp(dw*sv)
// The decoded box is clamped into the image: sides to [minScale, 1], centres so that the box
// stays inside. A one dimensional Gaussian depth per anchor is predicted alongside.
//
// whereNoise (B*A, WhereSize) and depthNoise (B*A, 1) are nil in inference mode, where the
// means are used.
func whereHead(m *maebe, feat *G.Node, conf Config, anchors anchorNodes, whereNoise, depthNoise *G.Node) whereOut {
	B, A := conf.BatchSize, anchors.CX.Shape()[1]
	var out whereOut
	out.Mean = m.linear(feat, conf.WhereSize, "where_mean")
	out.LogVar = m.clamp(m.linear(feat, conf.WhereSize, "where_logvar"), minLogVar, maxLogVar)
	out.Sample = out.Mean
	if whereNoise != nil {
		out.Sample = m.sample(out.Mean, out.LogVar, whereNoise)
	}
	out.KL = m.reshape(m.gaussianKL(out.Mean, out.LogVar, conf.WherePriorMean, conf.WherePriorStd), tensor.Shape{B, A})
	out.Box = decodeBoxes(m, out.Sample, conf, anchors)

	out.DepthMean = m.linear(feat, 1, "depth_mean")
	out.DepthLogVar = m.clamp(m.linear(feat, 1, "depth_logvar"), minLogVar, maxLogVar)
	depth := out.DepthMean
	if depthNoise != nil {
		depth = m.sample(out.DepthMean, out.DepthLogVar, depthNoise)
	}
	out.Depth = m.reshape(depth, tensor.Shape{B, A})
	out.DepthKL = m.reshape(m.gaussianKL(out.DepthMean, out.DepthLogVar, 0, conf.DepthPriorStd), tensor.Shape{B, A})
	return out
}

// decodeBoxes turns corrections (B*A, WhereSize) into clamped boxes.
func decodeBoxes(m *maebe, d *G.Node, conf Config, anchors anchorNodes) Transform {
	if m.err != nil {
		return Transform{}
	}
	shp := anchors.CX.Shape().Clone()
	col := func(i int) *G.Node { return m.reshape(m.column(d, i), shp) }

	dx, dy := col(0), col(1)
	dw := col(2)
	dh := dw
	if conf.WhereSize == 4 {
		dh = col(3)
	}

	cx := m.add(anchors.CX, m.mul(m.scale(dx, conf.CenterVariance), anchors.W))
	cy := m.add(anchors.CY, m.mul(m.scale(dy, conf.CenterVariance), anchors.H))
	w := m.mul(anchors.W, m.exp(m.scale(m.clamp(dw, minLogScale, maxLogScale), conf.SizeVariance)))
	h := m.mul(anchors.H, m.exp(m.scale(m.clamp(dh, minLogScale, maxLogScale), conf.SizeVariance)))

	w = m.clamp(w, conf.MinGlimpseScale, 1)
	h = m.clamp(h, conf.MinGlimpseScale, 1)
	halfW, halfH := m.scale(w, 0.5), m.scale(h, 0.5)
	cx = m.clampBetween(cx, halfW, m.oneMinus(halfW))
	cy = m.clampBetween(cy, halfH, m.oneMinus(halfH))
	return Transform{CX: cx, CY: cy, W: w, H: h}
}

func newAnchorNodes(m *maebe, cx, cy, w, h []float32, batch, anchors int) anchorNodes {
	shp := tensor.Shape{batch, anchors}
	return anchorNodes{
		CX: m.constant(shp, cx),
		CY: m.constant(shp, cy),
		W:  m.constant(shp, w),
		H:  m.constant(shp, h),
	}
}
