package scene

import (
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

type backgroundOut struct {
	Image        *G.Node // (B, 3, S, S)
	Mean, LogVar *G.Node // (B, BackgroundSize). nil unless inferred
	KL           *G.Node // (B). nil unless inferred
}

// coarsest returns the anchor range of the coarsest feature map.
func (conf Config) coarsest() (offset, count int) {
	ac := conf.Anchors()
	best := -1
	var off int
	for k, fm := range conf.FeatureMaps {
		n := fm * fm * ac.BoxesPerLocation(k)
		if best < 0 || fm < conf.FeatureMaps[best] {
			best, offset, count = k, off, n
		}
		off += n
	}
	return offset, count
}

// inferredBackground encodes each image into a background latent from the features of the
// coarsest feature map, averaged over its anchors, and decodes the latent like an object: an
// MLP renders a (3, G, G) glimpse which is pasted over the whole frame. The paste is divided
// by the paste of an all ones glimpse so a flat glimpse gives a flat background right up to
// the borders. noise is nil in inference mode.
func inferredBackground(m *maebe, features *G.Node, conf Config, noise *G.Node) backgroundOut {
	if m.err != nil {
		return backgroundOut{}
	}
	B, S, Gs := conf.BatchSize, conf.ImageSize, conf.GlimpseSize
	shp := features.Shape() // (B, A, F)
	A, F := shp[1], shp[2]

	offset, count := conf.coarsest()
	sel := make([]float32, A)
	for i := offset; i < offset+count; i++ {
		sel[i] = 1 / float32(count)
	}
	byFeature := m.reshape(m.transpose(features, 0, 2, 1), tensor.Shape{B * F, A})
	pooled := m.do(func() (*G.Node, error) { return G.Mul(byFeature, m.constant(tensor.Shape{A, 1}, sel)) })
	pooled = m.reshape(pooled, tensor.Shape{B, F})

	hidden := m.rectify(m.linear(pooled, conf.Hidden, "background_hidden"))
	var out backgroundOut
	out.Mean = m.linear(hidden, conf.BackgroundSize, "background_mean")
	out.LogVar = m.clamp(m.linear(hidden, conf.BackgroundSize, "background_logvar"), minLogVar, maxLogVar)
	z := out.Mean
	if noise != nil {
		z = m.sample(out.Mean, out.LogVar, noise)
	}
	out.KL = m.gaussianKL(out.Mean, out.LogVar, 0, conf.BackgroundPriorStd)

	dec := m.rectify(m.linear(z, conf.Hidden, "background_decoder_hidden"))
	glimpse := m.sigmoid(m.linear(dec, 3*Gs*Gs, "background_decoder_rgb"))
	glimpse = m.reshape(glimpse, tensor.Shape{B, 3, Gs, Gs})

	frame := spatialTransformer{batch: B, anchors: 1, size: S, glimpse: Gs, minScale: conf.MinGlimpseScale}
	perImage := tensor.Shape{B, 1}
	box := Transform{
		CX: m.filled(perImage, 0.5),
		CY: m.filled(perImage, 0.5),
		W:  m.filled(perImage, 1),
		H:  m.filled(perImage, 1),
	}
	k := frame.pasteKernels(m, box)
	img := frame.paste(m, k, glimpse)
	cover := frame.paste(m, k, m.filled(tensor.Shape{B, 1, Gs, Gs}, 1))
	out.Image = m.do(func() (*G.Node, error) { return G.BroadcastHadamardDiv(img, cover, nil, []byte{1}) })
	return out
}
