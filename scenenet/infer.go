package scene

import (
	"bytes"
	"log"

	"github.com/gorgonia/ssdir/anchor"
	"github.com/gorgonia/ssdir/errs"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Object is what the model believes about one anchor of one image.
type Object struct {
	Anchor   int
	Present  bool
	Prob     float32 // sigmoid of the presence logit
	Box      anchor.Box
	Depth    float32
	What     []float32 // posterior mean
}

// Scene is the decomposition of one image. Objects holds every anchor, in anchor order.
type Scene struct {
	Objects        []Object
	Background     []float32     // posterior mean of the background latent. nil unless inferred
	Reconstruction *tensor.Dense // (3, S, S)
}

// Present returns the objects whose presence is on.
func (s Scene) Present() []Object {
	var retVal []Object
	for _, o := range s.Objects {
		if o.Present {
			retVal = append(retVal, o)
		}
	}
	return retVal
}

// Inferencer holds a forward only inference graph and its VM. It has its own copy of the
// parameters; Sync refreshes them.
type Inferencer struct {
	d *Model
	m G.VM

	input *tensor.Dense
	buf   *bytes.Buffer
}

// Infer creates an Inferencer from a model with the same configuration.
func Infer(d *Model, toLog bool) (*Inferencer, error) {
	conf := d.Config
	conf.FwdOnly = true
	conf.Mode = Inference
	if d.g != nil {
		// parameters are copied over below
		conf.BackbonePath = ""
	}
	provider := d.provider
	if _, ok := provider.(*Backbone); ok {
		provider = nil
	}
	retVal := &Inferencer{
		d:     NewWithProvider(conf, provider),
		input: tensor.New(tensor.WithShape(conf.BatchSize, 3, conf.ImageSize, conf.ImageSize), tensor.Of(Float)),
	}
	if err := retVal.d.Init(); err != nil {
		return nil, err
	}
	if d.g != nil {
		if err := retVal.Sync(d); err != nil {
			return nil, err
		}
	}

	retVal.buf = new(bytes.Buffer)
	if toLog {
		logger := log.New(retVal.buf, "", 0)
		retVal.m = G.NewTapeMachine(retVal.d.g,
			G.WithLogger(logger),
			G.WithWatchlist(),
			G.TraceExec(),
			G.WithValueFmt("%+1.1v"),
			G.WithNaNWatch(),
		)
	} else {
		retVal.m = G.NewTapeMachine(retVal.d.g)
	}
	return retVal, nil
}

// Sync copies the parameters of d.
func (m *Inferencer) Sync(d *Model) error {
	return errors.Wrap(m.d.CopyParamsFrom(d), "syncing inference parameters")
}

// Model returns the inference model.
func (m *Inferencer) Model() *Model { return m.d }

// Infer decomposes up to BatchSize images, given as (n, 3, S, S). The batch is padded with
// black images; the metrics cover the n given ones only.
func (m *Inferencer) Infer(images *tensor.Dense) ([]Scene, Metrics, error) {
	S := m.d.ImageSize
	shp := images.Shape()
	if len(shp) != 4 || shp[0] < 1 || shp[0] > m.d.BatchSize || shp[1] != 3 || shp[2] != S || shp[3] != S {
		return nil, nil, errs.Shape("inferencer", []int{m.d.BatchSize, 3, S, S}, shp)
	}
	n := shp[0]

	m.buf.Reset()
	m.input.Zero()
	copy(m.input.Data().([]float32), images.Data().([]float32))

	m.m.Reset()
	if err := G.Let(m.d.images, m.input); err != nil {
		return nil, nil, errors.WithStack(err)
	}
	for _, b := range []*G.Node{m.d.betas.Presence, m.d.betas.Where, m.d.betas.What, m.d.betas.Depth} {
		if err := G.Let(b, f32(1)); err != nil {
			return nil, nil, errors.WithStack(err)
		}
	}
	if err := m.m.RunAll(); err != nil {
		return nil, nil, err
	}
	return m.d.scenes(n), m.d.metrics(n), nil
}

// ExecLog returns the execution log. If Infer was called with toLog = false, then it will return an empty string
func (m *Inferencer) ExecLog() string { return m.buf.String() }

// Close implements a closer, because well, a gorgonia VM is a resource.
func (m *Inferencer) Close() error { return m.m.Close() }

// scenes reads the first n images of the last run.
func (d *Model) scenes(n int) []Scene {
	A := d.grid.Len()
	S := d.ImageSize
	presence := d.presence.Data().([]float32)
	probs := d.probs.Data().([]float32)
	depth := d.depth.Data().([]float32)
	cx := d.boxes[0].Data().([]float32)
	cy := d.boxes[1].Data().([]float32)
	w := d.boxes[2].Data().([]float32)
	h := d.boxes[3].Data().([]float32)
	whats := d.whats.Data().([]float32)
	recon := d.rendered.Data().([]float32)
	plane := 3 * S * S

	retVal := make([]Scene, n)
	for b := 0; b < n; b++ {
		objs := make([]Object, A)
		for a := range objs {
			i := b*A + a
			what := make([]float32, d.WhatSize)
			copy(what, whats[i*d.WhatSize:(i+1)*d.WhatSize])
			objs[a] = Object{
				Anchor:  a,
				Present: presence[i] > 0.5,
				Prob:    probs[i],
				Box:     anchor.Box{CX: float64(cx[i]), CY: float64(cy[i]), W: float64(w[i]), H: float64(h[i])},
				Depth:   depth[i],
				What:    what,
			}
		}
		img := make([]float32, plane)
		copy(img, recon[b*plane:(b+1)*plane])
		retVal[b] = Scene{
			Objects:        objs,
			Reconstruction: tensor.New(tensor.WithShape(3, S, S), tensor.WithBacking(img)),
		}
		if d.bgCode != nil {
			k := d.BackgroundSize
			retVal[b].Background = append([]float32(nil), d.bgCode.Data().([]float32)[b*k:(b+1)*k]...)
		}
	}
	return retVal
}
