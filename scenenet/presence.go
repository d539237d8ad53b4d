package scene

import (
	"math"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// presenceEps keeps relaxed samples strictly inside (0, 1).
const presenceEps = 1e-6

type presenceOut struct {
	Logits *G.Node // (B, A)
	Probs  *G.Node // sigmoid(Logits)
	Sample *G.Node // relaxed sample in training, hard 0/1 in inference
	KL     *G.Node // (B, A) single sample estimate
}

// presenceHead maps every anchor's features (B*A, F) to a presence logit.
//
// In training mode the sample is a binary Concrete (relaxed Bernoulli) draw
//	p = eps + (1-2eps) * sigmoid((logit + L) / temperature)
// where L is logistic noise. The KL term is log q(y) - log p(y) of that draw, with the prior
// using the same temperature. The temperature cancels out of the difference.
//
// In inference mode noise and temperature are nil and presence is sigmoid(logit) > threshold.
func presenceHead(m *maebe, feat *G.Node, batch, anchors int, mode Mode, prior, threshold float64, noise, temperature *G.Node) presenceOut {
	logits := m.reshape(m.linear(feat, 1, "presence"), tensor.Shape{batch, anchors})
	probs := m.sigmoid(logits)
	priorLogit := math.Log(prior / (1 - prior))

	var out presenceOut
	out.Logits = logits
	out.Probs = probs

	switch mode {
	case Training:
		shifted := m.add(logits, noise)
		y := m.do(func() (*G.Node, error) { return G.Div(shifted, temperature) })
		out.Sample = m.shift(m.scale(m.sigmoid(y), 1-2*presenceEps), presenceEps)

		// a - a0 - 2 softplus(-L) + 2 softplus(a0 - a - L)
		negNoise := m.do(func() (*G.Node, error) { return G.Neg(noise) })
		posterior := m.scale(m.softplus(negNoise), 2)
		excess := m.shift(shifted, -priorLogit)
		gap := m.do(func() (*G.Node, error) { return G.Neg(excess) })
		priorTerm := m.scale(m.softplus(gap), 2)
		out.KL = m.add(m.sub(m.shift(logits, -priorLogit), posterior), priorTerm)
	default:
		cut := m.filled(tensor.Shape{batch, anchors}, float32(threshold))
		out.Sample = m.do(func() (*G.Node, error) { return G.Gt(probs, cut, true) })

		// the estimate at zero noise
		excess := m.shift(logits, -priorLogit)
		gap := m.do(func() (*G.Node, error) { return G.Neg(excess) })
		priorTerm := m.scale(m.softplus(gap), 2)
		out.KL = m.add(m.shift(logits, -priorLogit-2*math.Ln2), priorTerm)
	}
	return out
}
