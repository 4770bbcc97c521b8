package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// FeedForward is the position-wise two-layer MLP with a GELU in between.
type FeedForward struct {
	W1 *Param
	W2 *Param
}

// FeedForwardCache keeps the activations Backward needs.
type FeedForwardCache struct {
	x, h, a *mat.Dense
}

// NewFeedForward builds a dim -> dim*mult -> dim block.
func NewFeedForward(name string, dim, mult int, rng *rand.Rand) *FeedForward {
	if mult <= 0 {
		mult = 4
	}
	hidden := dim * mult
	ff := &FeedForward{
		W1: NewParam(name+".w1", dim, hidden),
		W2: NewParam(name+".w2", hidden, dim),
	}
	ff.W1.InitNormal(rng, 1/math.Sqrt(float64(dim)))
	ff.W2.InitNormal(rng, 1/math.Sqrt(float64(hidden)))
	return ff
}

// Params lists the trainable matrices.
func (f *FeedForward) Params() []*Param {
	return []*Param{f.W1, f.W2}
}

// Forward computes gelu(x W1) W2.
func (f *FeedForward) Forward(x *mat.Dense) (*mat.Dense, *FeedForwardCache) {
	var h, a, y mat.Dense
	h.Mul(x, f.W1.Value)
	a.Apply(func(_, _ int, v float64) float64 { return gelu(v) }, &h)
	y.Mul(&a, f.W2.Value)
	return &y, &FeedForwardCache{x: x, h: &h, a: &a}
}

// Backward returns dL/dx and accumulates weight gradients into gs.
func (f *FeedForward) Backward(gs *GradSet, c *FeedForwardCache, dOut *mat.Dense) *mat.Dense {
	var dW2, da, dh, dW1, dx mat.Dense
	dW2.Mul(c.a.T(), dOut)
	gs.Accumulate(f.W2, &dW2)

	da.Mul(dOut, f.W2.Value.T())
	dh.Apply(func(i, j int, v float64) float64 { return v * geluGrad(c.h.At(i, j)) }, &da)

	dW1.Mul(c.x.T(), &dh)
	gs.Accumulate(f.W1, &dW1)

	dx.Mul(&dh, f.W1.Value.T())
	return &dx
}

// Linear is a bias-free projection y = x W.
type Linear struct {
	W *Param
}

// NewLinear builds an in -> out projection.
func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	l := &Linear{W: NewParam(name+".w", in, out)}
	l.W.InitNormal(rng, 1/math.Sqrt(float64(in)))
	return l
}

// Forward projects x.
func (l *Linear) Forward(x *mat.Dense) *mat.Dense {
	var y mat.Dense
	y.Mul(x, l.W.Value)
	return &y
}

// Backward returns dL/dx given the forward input.
func (l *Linear) Backward(gs *GradSet, x, dOut *mat.Dense) *mat.Dense {
	var dW, dx mat.Dense
	dW.Mul(x.T(), dOut)
	gs.Accumulate(l.W, &dW)
	dx.Mul(dOut, l.W.Value.T())
	return &dx
}

const geluC = 0.7978845608028654 // sqrt(2/pi)

func gelu(x float64) float64 {
	return 0.5 * x * (1 + math.Tanh(geluC*(x+0.044715*x*x*x)))
}

func geluGrad(x float64) float64 {
	t := math.Tanh(geluC * (x + 0.044715*x*x*x))
	return 0.5*(1+t) + 0.5*x*(1-t*t)*geluC*(1+3*0.044715*x*x)
}
