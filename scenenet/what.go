package scene

import (
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

type whatOut struct {
	Mean, LogVar, Sample *G.Node // (B*A, WhatSize)
	KL                   *G.Node // (B, A)
}

// whatEncoder encodes every glimpse (B*A, C, G, G) independently into an appearance latent.
// noise is nil in inference mode.
func whatEncoder(m *maebe, glimpses *G.Node, conf Config, anchors int, noise *G.Node) whatOut {
	if m.err != nil {
		return whatOut{}
	}
	objs := glimpses.Shape()[0]
	flat := m.reshape(glimpses, tensor.Shape{objs, glimpses.Shape()[1:].TotalSize()})
	hidden := m.rectify(m.linear(flat, conf.Hidden, "what_hidden"))

	var out whatOut
	out.Mean = m.linear(hidden, conf.WhatSize, "what_mean")
	out.LogVar = m.clamp(m.linear(hidden, conf.WhatSize, "what_logvar"), minLogVar, maxLogVar)
	out.Sample = out.Mean
	if noise != nil {
		out.Sample = m.sample(out.Mean, out.LogVar, noise)
	}
	out.KL = m.reshape(m.gaussianKL(out.Mean, out.LogVar, 0, conf.WhatPriorStd), tensor.Shape{conf.BatchSize, anchors})
	return out
}
