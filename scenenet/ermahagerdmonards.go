package scene

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"

	rng "github.com/leesper/go_rng"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	nnops "gorgonia.org/gorgonia/ops/nn"
	"gorgonia.org/tensor"
)

type maebe struct {
	err error
	g   *G.ExprGraph // constants are created in it

	seed int64 // parameter initialization
	n    int64
}

// generic monad... may be useful
func (m *maebe) do(f func() (*G.Node, error)) (retVal *G.Node) {
	if m.err != nil {
		return nil
	}
	if retVal, m.err = f(); m.err != nil {
		m.err = errors.WithStack(m.err)
	}
	return
}

// glorot returns a seeded Glorot uniform initializer. Every call advances the seed so that
// parameters created in the same order always get the same values.
func (m *maebe) glorot(gain float64) G.InitWFn {
	m.n++
	seed := m.seed*7919 + m.n
	return func(dt tensor.Dtype, s ...int) interface{} {
		var fanIn, fanOut float64
		switch len(s) {
		case 0:
			fanIn, fanOut = 1, 1
		case 1:
			fanIn, fanOut = float64(s[0]), float64(s[0])
		case 2:
			fanIn, fanOut = float64(s[0]), float64(s[1])
		default:
			rf := 1
			for _, d := range s[2:] {
				rf *= d
			}
			fanIn, fanOut = float64(s[1]*rf), float64(s[0]*rf)
		}
		limit := gain * math.Sqrt(6/(fanIn+fanOut))
		u := rng.NewUniformGenerator(seed)
		size := tensor.Shape(s).TotalSize()
		switch dt {
		case G.Float64:
			retVal := make([]float64, size)
			for i := range retVal {
				retVal[i] = limit * (2*u.Float64() - 1)
			}
			return retVal
		default:
			retVal := make([]float32, size)
			for i := range retVal {
				retVal[i] = float32(limit * (2*u.Float64() - 1))
			}
			return retVal
		}
	}
}

func (m *maebe) conv(input *G.Node, filterCount, size int, name string) (retVal *G.Node) {
	if m.err != nil {
		return nil
	}
	featureCount := input.Shape()[1]
	padding := findPadding(input.Shape()[2], input.Shape()[3], size, size)
	filter := G.NewTensor(input.Graph(), Float, 4, G.WithShape(filterCount, featureCount, size, size), G.WithName(name+"_filter"), G.WithInit(m.glorot(1.0)))

	if retVal, m.err = nnops.Conv2d(input, filter, []int{size, size}, padding, []int{1, 1}, []int{1, 1}); m.err != nil {
		m.err = errors.WithStack(m.err)
	}
	return
}

// pool halves the spatial dimensions.
func (m *maebe) pool(input *G.Node) (retVal *G.Node) {
	if m.err != nil {
		return nil
	}
	if retVal, m.err = nnops.MaxPool2D(input, tensor.Shape{2, 2}, []int{0, 0}, []int{2, 2}); m.err != nil {
		m.err = errors.WithStack(m.err)
	}
	return
}

// linear is xW + b, with b broadcast over the rows.
func (m *maebe) linear(input *G.Node, units int, name string) *G.Node {
	if m.err != nil {
		return nil
	}
	w := G.NewTensor(input.Graph(), Float, 2, G.WithShape(input.Shape()[1], units), G.WithInit(m.glorot(1.0)), G.WithName(name+"_w"))
	xw := m.do(func() (*G.Node, error) { return G.Mul(input, w) })
	b := G.NewTensor(input.Graph(), Float, 2, G.WithShape(1, units), G.WithName(name+"_b"), G.WithInit(G.Zeroes()))
	return m.do(func() (*G.Node, error) { return G.BroadcastAdd(xw, b, nil, []byte{0}) })
}

func (m *maebe) rectify(input *G.Node) (retVal *G.Node) {
	if m.err != nil {
		return nil
	}
	if retVal, m.err = nnops.Rectify(input); m.err != nil {
		m.err = errors.WithStack(m.err)
	}
	return
}

func (m *maebe) reshape(input *G.Node, to tensor.Shape) (retVal *G.Node) {
	if m.err != nil {
		return nil
	}
	if retVal, m.err = G.Reshape(input, to); m.err != nil {
		m.err = errors.WithStack(m.err)
	}
	return
}

func (m *maebe) transpose(input *G.Node, axes ...int) *G.Node {
	return m.do(func() (*G.Node, error) { return G.Transpose(input, axes...) })
}

func (m *maebe) bmm(a, b *G.Node) *G.Node {
	return m.do(func() (*G.Node, error) { return G.BatchedMatMul(a, b) })
}

func (m *maebe) add(a, b *G.Node) *G.Node {
	return m.do(func() (*G.Node, error) { return G.Add(a, b) })
}

func (m *maebe) sub(a, b *G.Node) *G.Node {
	return m.do(func() (*G.Node, error) { return G.Sub(a, b) })
}

func (m *maebe) mul(a, b *G.Node) *G.Node {
	return m.do(func() (*G.Node, error) { return G.HadamardProd(a, b) })
}

// scale multiplies by a constant.
func (m *maebe) scale(a *G.Node, s float64) *G.Node {
	return m.do(func() (*G.Node, error) { return G.Mul(a, m.scalar(s)) })
}

// shift adds a constant.
func (m *maebe) shift(a *G.Node, s float64) *G.Node {
	return m.do(func() (*G.Node, error) { return G.Add(a, m.scalar(s)) })
}

func (m *maebe) exp(a *G.Node) *G.Node {
	return m.do(func() (*G.Node, error) { return G.Exp(a) })
}

func (m *maebe) sigmoid(a *G.Node) *G.Node {
	return m.do(func() (*G.Node, error) { return G.Sigmoid(a) })
}

func (m *maebe) sum(a *G.Node, along ...int) *G.Node {
	return m.do(func() (*G.Node, error) { return G.Sum(a, along...) })
}

func (m *maebe) mean(a *G.Node) *G.Node {
	return m.do(func() (*G.Node, error) { return G.Mean(a) })
}

// oneMinus is 1 - a.
func (m *maebe) oneMinus(a *G.Node) *G.Node {
	return m.do(func() (*G.Node, error) { return G.Sub(m.scalar(1), a) })
}

// softplus is log(1 + exp(x)), computed as relu(x) + log1p(exp(-|x|)) so it never overflows.
func (m *maebe) softplus(x *G.Node) *G.Node {
	pos := m.rectify(x)
	abs := m.do(func() (*G.Node, error) { return G.Abs(x) })
	neg := m.do(func() (*G.Node, error) { return G.Neg(abs) })
	e := m.exp(neg)
	tail := m.do(func() (*G.Node, error) { return G.Log1p(e) })
	return m.add(pos, tail)
}

// clamp limits x to [lo, hi] as lo + relu(x-lo) - relu(x-hi).
// The gradient is 1 inside the interval and 0 outside.
func (m *maebe) clamp(x *G.Node, lo, hi float64) *G.Node {
	above := m.rectify(m.shift(x, -lo))
	over := m.rectify(m.shift(x, -hi))
	return m.shift(m.sub(above, over), lo)
}

// clampBetween is clamp with per element bounds. lo must not exceed hi.
func (m *maebe) clampBetween(x, lo, hi *G.Node) *G.Node {
	above := m.rectify(m.sub(x, lo))
	over := m.rectify(m.sub(x, hi))
	return m.add(lo, m.sub(above, over))
}

// tent is max(0, 1 - |x|), the bilinear interpolation weight.
func (m *maebe) tent(x *G.Node) *G.Node {
	abs := m.do(func() (*G.Node, error) { return G.Abs(x) })
	return m.rectify(m.oneMinus(abs))
}

// column extracts column i of a (rows, cols) matrix as a (rows, 1) matrix.
func (m *maebe) column(x *G.Node, i int) *G.Node {
	if m.err != nil {
		return nil
	}
	cols := x.Shape()[1]
	sel := make([]float32, cols)
	sel[i] = 1
	return m.do(func() (*G.Node, error) { return G.Mul(x, m.constant(tensor.Shape{cols, 1}, sel)) })
}

// gaussianKL is KL(N(mean, exp(logvar)) || N(mu0, std0^2)) summed along axis 1 of a (rows, dims) matrix.
func (m *maebe) gaussianKL(mean, logvar *G.Node, mu0, std0 float64) *G.Node {
	variance := m.exp(logvar)
	centred := m.shift(mean, -mu0)
	dev := m.do(func() (*G.Node, error) { return G.Square(centred) })
	ratio := m.scale(m.add(variance, dev), 1/(std0*std0))
	kl := m.shift(m.sub(ratio, logvar), 2*math.Log(std0)-1)
	return m.sum(m.scale(kl, 0.5), 1)
}

// sample is mean + exp(logvar/2) * eps.
func (m *maebe) sample(mean, logvar, eps *G.Node) *G.Node {
	std := m.exp(m.scale(logvar, 0.5))
	return m.add(mean, m.mul(std, eps))
}

func (m *maebe) scalar(v float64) *G.Node {
	switch Float {
	case G.Float64:
		f := G.F64(v)
		return m.g.Constant(&f)
	default:
		return m.g.Constant(f32(v))
	}
}

// constant is a fixed tensor living in the graph. It is not a parameter.
//
// The graph keeps one constant per name and would otherwise name it after its printed value,
// which elides the middle of large tensors. Naming by shape and content hash keeps distinct
// constants apart while equal ones are still shared.
func (m *maebe) constant(shape tensor.Shape, data []float32) *G.Node {
	if m.err != nil {
		return nil
	}
	h := fnv.New64a()
	if err := binary.Write(h, binary.LittleEndian, data); err != nil {
		m.err = errors.WithStack(err)
		return nil
	}
	name := fmt.Sprintf("const%v_%016x", shape, h.Sum64())
	t := tensor.New(tensor.WithShape(shape.Clone()...), tensor.WithBacking(data))
	return m.g.AddNode(G.NewConstant(t, G.WithName(name)))
}

// filled returns a constant of the given shape with every element set to v.
func (m *maebe) filled(shape tensor.Shape, v float32) *G.Node {
	data := make([]float32, shape.TotalSize())
	for i := range data {
		data[i] = v
	}
	return m.constant(shape, data)
}

// f32 boxes a scalar for G.Let and G.WithValue.
func f32(v float64) *G.F32 {
	retVal := G.F32(v)
	return &retVal
}

func findPadding(inputX, inputY, kernelX, kernelY int) []int {
	return []int{
		(inputX - 1 - inputX + kernelX) / 2,
		(inputY - 1 - inputY + kernelY) / 2,
	}
}
