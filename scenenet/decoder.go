package scene

import (
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// decoder renders every appearance latent (B*A, WhatSize) into a colour glimpse (B*A, 3, G, G)
// and an alpha mask (B*A, 1, G, G), both in [0, 1].
func decoder(m *maebe, z *G.Node, conf Config) (rgb, alpha *G.Node) {
	if m.err != nil {
		return nil, nil
	}
	objs, g := z.Shape()[0], conf.GlimpseSize
	hidden := m.rectify(m.linear(z, conf.Hidden, "decoder_hidden"))
	rgb = m.sigmoid(m.linear(hidden, 3*g*g, "decoder_rgb"))
	rgb = m.reshape(rgb, tensor.Shape{objs, 3, g, g})
	alpha = m.sigmoid(m.linear(hidden, g*g, "decoder_alpha"))
	alpha = m.reshape(alpha, tensor.Shape{objs, 1, g, g})
	return rgb, alpha
}
