package scene

import (
	"math"

	G "gorgonia.org/gorgonia"
)

// Metric names. Every step reports all of them.
const (
	MetricLoss           = "loss"
	MetricReconLL        = "recon_ll"
	MetricKLPresence     = "kl_presence"
	MetricKLWhere        = "kl_where"
	MetricKLWhat         = "kl_what"
	MetricKLDepth        = "kl_depth"
	MetricKLBackground   = "kl_background" // 0 unless the background is inferred
	MetricTemperature    = "temperature"
	MetricBetaPresence   = "beta_presence"
	MetricBetaWhere      = "beta_where"
	MetricBetaWhat       = "beta_what"
	MetricBetaDepth      = "beta_depth"
	MetricPresenceMean   = "presence_mean"
	MetricPresenceActive = "presence_active"
	MetricGradNorm       = "grad_norm"
	MetricStep           = "step"
)

const likelihoodEps = 1e-6

// klWeightNodes are the scalar inputs that weigh each KL term.
type klWeightNodes struct {
	Presence, Where, What, Depth *G.Node
}

type elboOut struct {
	Loss  *G.Node            // scalar
	Terms map[string]*G.Node // (B) per image values on the same scale as Loss. The loss is among them
}

// objective is the negative ELBO per pixel:
//	loss = -mean_b(ll - βp·KLp - βw·KLwhere - βz·KLwhat - βd·KLdepth - βz·KLbg) / (3·S·S)
// The where, what and depth KLs of every anchor are weighted by its presence sample. The
// background KL, when there is one, shares the appearance weight.
func objective(m *maebe, images, recon *G.Node, conf Config, pres presenceOut, where whereOut, what whatOut, bg backgroundOut, betas klWeightNodes) elboOut {
	if m.err != nil {
		return elboOut{}
	}
	S := float64(conf.ImageSize)
	norm := 1 / (3 * S * S)

	var ll *G.Node
	switch conf.Likelihood {
	case BernoulliLikelihood:
		r := m.shift(recon, likelihoodEps)
		notR := m.shift(m.oneMinus(recon), likelihoodEps)
		logR := m.do(func() (*G.Node, error) { return G.Log(r) })
		logNotR := m.do(func() (*G.Node, error) { return G.Log(notR) })
		ll = m.add(m.mul(images, logR), m.mul(m.oneMinus(images), logNotR))
	default:
		sigma := conf.ObsStd
		diff := m.sub(images, recon)
		sq := m.do(func() (*G.Node, error) { return G.Square(diff) })
		ll = m.shift(m.scale(sq, -0.5/(sigma*sigma)), -math.Log(sigma)-0.5*math.Log(2*math.Pi))
	}
	ll = m.sum(ll, 1, 2, 3) // (B)

	klPresence := m.sum(pres.KL, 1)
	klWhere := m.sum(m.mul(where.KL, pres.Sample), 1)
	klWhat := m.sum(m.mul(what.KL, pres.Sample), 1)
	klDepth := m.sum(m.mul(where.DepthKL, pres.Sample), 1)

	weighted := func(kl, beta *G.Node) *G.Node {
		return m.do(func() (*G.Node, error) { return G.Mul(kl, beta) })
	}
	elbo := ll
	elbo = m.sub(elbo, weighted(klPresence, betas.Presence))
	elbo = m.sub(elbo, weighted(klWhere, betas.Where))
	elbo = m.sub(elbo, weighted(klWhat, betas.What))
	elbo = m.sub(elbo, weighted(klDepth, betas.Depth))
	if bg.KL != nil {
		elbo = m.sub(elbo, weighted(bg.KL, betas.What))
	}

	perPixel := func(x *G.Node) *G.Node { return m.scale(x, norm) }
	out := elboOut{
		Loss: m.scale(m.mean(elbo), -norm),
		Terms: map[string]*G.Node{
			MetricLoss:       m.scale(elbo, -norm),
			MetricReconLL:    perPixel(ll),
			MetricKLPresence: perPixel(klPresence),
			MetricKLWhere:    perPixel(klWhere),
			MetricKLWhat:     perPixel(klWhat),
			MetricKLDepth:    perPixel(klDepth),
		},
	}
	if bg.KL != nil {
		out.Terms[MetricKLBackground] = perPixel(bg.KL)
	}
	return out
}
