package scene

import (
	"bytes"
	"encoding/gob"
	"os"
	"strings"

	"github.com/gorgonia/ssdir/anchor"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

var Float = G.Float32

// Model is the whole scene decomposition network: anchor grid, presence, where, what, decoder,
// compositor and objective, built as one expression graph.
//
// The graph is fixed size. Every anchor always gets a full set of latents and a rendering;
// presence decides how much of it shows up in the reconstruction.
type Model struct {
	Config
	provider FeatureProvider

	g    *G.ExprGraph
	grid anchor.Grid
	st   spatialTransformer

	// inputs
	images      *G.Node
	temperature *G.Node
	betas       klWeightNodes
	noise       noiseNodes

	// outputs
	pres  presenceOut
	where whereOut
	what  whatOut
	bg    backgroundOut
	recon *G.Node
	elbo  elboOut

	terms    map[string]*G.Value
	presence G.Value
	probs    G.Value
	depth    G.Value
	boxes    [4]G.Value
	whats    G.Value
	bgCode   G.Value
	rendered G.Value
}

type noiseNodes struct {
	Presence   *G.Node // (B, A) logistic noise
	Where      *G.Node // (B*A, WhereSize) standard normal
	What       *G.Node // (B*A, WhatSize) standard normal
	Depth      *G.Node // (B*A, 1) standard normal
	Background *G.Node // (B, BackgroundSize) standard normal. nil unless the background is inferred
}

// New returns a new, uninitialized *Model using the default Backbone.
func New(conf Config) *Model {
	return &Model{Config: conf}
}

// NewWithProvider returns a new, uninitialized *Model with a custom feature provider.
func NewWithProvider(conf Config, p FeatureProvider) *Model {
	return &Model{Config: conf, provider: p}
}

// Init validates the configuration and builds the graph. Unless FwdOnly is set, gradients
// of the loss with respect to Learnables are added too.
func (d *Model) Init() error {
	if err := d.Validate(); err != nil {
		return err
	}
	d.reset()
	if d.provider == nil {
		bb, err := NewBackbone(d.Config)
		if err != nil {
			return err
		}
		d.provider = bb
	}
	d.g = G.NewGraph()
	if err := d.fwd(); err != nil {
		return err
	}
	if bb, ok := d.provider.(*Backbone); ok && d.BackbonePath != "" {
		f, err := os.Open(d.BackbonePath)
		if err != nil {
			return errors.WithStack(err)
		}
		defer f.Close()
		if err := bb.Load(f); err != nil {
			return err
		}
	}
	return d.bwd()
}

func (d *Model) fwd() error {
	B, S := d.BatchSize, d.ImageSize

	// note, the data should be arranged like so:
	//	BatchSize, Channels, Height, Width
	// because Gorgonia only supports doing convolutions on BCHW format
	d.images = G.NewTensor(d.g, Float, 4, G.WithShape(B, 3, S, S), G.WithName("Images"))
	grid, err := d.provider.Features(d.images)
	if err != nil {
		return err
	}
	d.grid = grid.Grid
	A := d.grid.Len()
	d.st = spatialTransformer{batch: B, anchors: A, size: S, glimpse: d.GlimpseSize, minScale: d.MinGlimpseScale}

	if d.Mode == Training {
		d.temperature = G.NewScalar(d.g, Float, G.WithName("Temperature"))
		d.noise = noiseNodes{
			Presence: G.NewMatrix(d.g, Float, G.WithShape(B, A), G.WithName("PresenceNoise")),
			Where:    G.NewMatrix(d.g, Float, G.WithShape(B*A, d.WhereSize), G.WithName("WhereNoise")),
			What:     G.NewMatrix(d.g, Float, G.WithShape(B*A, d.WhatSize), G.WithName("WhatNoise")),
			Depth:    G.NewMatrix(d.g, Float, G.WithShape(B*A, 1), G.WithName("DepthNoise")),
		}
		if d.Background == InferredBackground {
			d.noise.Background = G.NewMatrix(d.g, Float, G.WithShape(B, d.BackgroundSize), G.WithName("BackgroundNoise"))
		}
	}
	d.betas = klWeightNodes{
		Presence: G.NewScalar(d.g, Float, G.WithName("BetaPresence")),
		Where:    G.NewScalar(d.g, Float, G.WithName("BetaWhere")),
		What:     G.NewScalar(d.g, Float, G.WithName("BetaWhat")),
		Depth:    G.NewScalar(d.g, Float, G.WithName("BetaDepth")),
	}

	m := &maebe{g: d.g, seed: d.Seed}
	feat := m.reshape(grid.Features, tensor.Shape{B * A, d.provider.FeatureSize()})
	cx, cy, w, h := d.grid.Columns(B)
	anchors := newAnchorNodes(m, cx, cy, w, h, B, A)

	d.pres = presenceHead(m, feat, B, A, d.Mode, d.PresencePrior, d.InferThreshold, d.noise.Presence, d.temperature)
	d.where = whereHead(m, feat, d.Config, anchors, d.noise.Where, d.noise.Depth)
	glimpses := d.st.Extract(m, d.images, d.where.Box)
	d.what = whatEncoder(m, glimpses, d.Config, A, d.noise.What)
	rgb, alpha := decoder(m, d.what.Sample, d.Config)
	if d.Background == InferredBackground {
		d.bg = inferredBackground(m, grid.Features, d.Config, d.noise.Background)
	} else {
		d.bg = backgroundOut{Image: background(m, d.g, d.Config)}
	}
	d.recon = composite(m, d.st, rgb, alpha, d.pres.Sample, d.where.Depth, d.where.Box, d.bg.Image)
	d.elbo = objective(m, d.images, d.recon, d.Config, d.pres, d.where, d.what, d.bg, d.betas)
	if m.err != nil {
		return m.err
	}

	d.terms = make(map[string]*G.Value, len(d.elbo.Terms))
	for name, n := range d.elbo.Terms {
		v := new(G.Value)
		G.Read(n, v)
		d.terms[name] = v
	}
	G.Read(d.pres.Sample, &d.presence)
	G.Read(d.pres.Probs, &d.probs)
	G.Read(d.where.Depth, &d.depth)
	for i, n := range []*G.Node{d.where.Box.CX, d.where.Box.CY, d.where.Box.W, d.where.Box.H} {
		G.Read(n, &d.boxes[i])
	}
	G.Read(d.what.Mean, &d.whats)
	if d.bg.Mean != nil {
		G.Read(d.bg.Mean, &d.bgCode)
	}
	G.Read(d.recon, &d.rendered)
	return nil
}

func (d *Model) bwd() error {
	if d.FwdOnly {
		return nil
	}
	if _, err := G.Grad(d.elbo.Loss, d.Learnables()...); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

func (d *Model) isInput(n *G.Node) bool {
	switch n {
	case d.images, d.temperature,
		d.betas.Presence, d.betas.Where, d.betas.What, d.betas.Depth,
		d.noise.Presence, d.noise.Where, d.noise.What, d.noise.Depth, d.noise.Background:
		return true
	}
	return false
}

// Params returns every parameter of the model, backbone included, in creation order.
func (d *Model) Params() G.Nodes {
	all := d.g.AllNodes()
	retVal := make(G.Nodes, 0, len(all))
	for _, n := range all {
		if n.IsVar() && !d.isInput(n) {
			retVal = append(retVal, n)
		}
	}
	return retVal
}

// Learnables returns the parameters that are trained: all of them when fine tuning,
// otherwise everything but the backbone.
func (d *Model) Learnables() G.Nodes {
	all := d.Params()
	if d.FineTune {
		return all
	}
	retVal := all[:0:0]
	for _, n := range all {
		if !strings.HasPrefix(n.Name(), backbonePrefix) {
			retVal = append(retVal, n)
		}
	}
	return retVal
}

// ParamInfo identifies a parameter in a checkpoint.
type ParamInfo struct {
	Name  string
	Shape []int
}

// Signature describes Params, in order.
func (d *Model) Signature() []ParamInfo {
	params := d.Params()
	retVal := make([]ParamInfo, len(params))
	for i, n := range params {
		retVal[i] = ParamInfo{Name: n.Name(), Shape: n.Shape().Clone()}
	}
	return retVal
}

// sizes returns the number of elements of each node.
func sizes(ns G.Nodes) []int {
	retVal := make([]int, len(ns))
	for i, n := range ns {
		retVal[i] = n.Shape().TotalSize()
	}
	return retVal
}

// ParamData returns the backing slices of Params. Writing to them changes the model.
func (d *Model) ParamData() [][]float32 {
	params := d.Params()
	retVal := make([][]float32, len(params))
	for i, n := range params {
		retVal[i] = n.Value().Data().([]float32)
	}
	return retVal
}

// SetParamData copies values into Params. The number and sizes must match.
func (d *Model) SetParamData(data [][]float32) error {
	params := d.Params()
	if len(data) != len(params) {
		return errors.Errorf("expected %d parameters, got %d", len(params), len(data))
	}
	for i, n := range params {
		dst := n.Value().Data().([]float32)
		if len(dst) != len(data[i]) {
			return errors.Errorf("parameter %s: expected %d values, got %d", n.Name(), len(dst), len(data[i]))
		}
		copy(dst, data[i])
	}
	return nil
}

// CopyParamsFrom copies the parameters of another model built from a compatible configuration.
func (d *Model) CopyParamsFrom(o *Model) error {
	return d.SetParamData(o.ParamData())
}

// Grid returns the anchors.
func (d *Model) Grid() anchor.Grid { return d.grid }

// Graph returns the expression graph.
func (d *Model) Graph() *G.ExprGraph { return d.g }

// Provider returns the feature provider.
func (d *Model) Provider() FeatureProvider { return d.provider }

func (d *Model) reset() {
	d.g = nil
	d.images = nil
	d.temperature = nil
	d.betas = klWeightNodes{}
	d.noise = noiseNodes{}
	d.bg = backgroundOut{}
	d.recon = nil
	d.terms = nil
}

func (d *Model) GobEncode() (retVal []byte, err error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	for _, n := range d.Params() {
		v := n.Value()
		if err = enc.Encode(&v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (d *Model) GobDecode(p []byte) error {
	if err := d.Init(); err != nil {
		return err
	}

	buf := bytes.NewBuffer(p)
	dec := gob.NewDecoder(buf)
	for _, n := range d.Params() {
		var v G.Value
		if err := dec.Decode(&v); err != nil {
			return err
		}
		if err := G.Let(n, v); err != nil {
			return err
		}
	}
	return nil
}
