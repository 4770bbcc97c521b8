package nn

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Param is a trainable matrix together with its accumulated gradient.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

// NewParam allocates a zeroed rows x cols parameter.
func NewParam(name string, rows, cols int) *Param {
	return &Param{
		Name:  name,
		Value: mat.NewDense(rows, cols, nil),
		Grad:  mat.NewDense(rows, cols, nil),
	}
}

// InitNormal fills the value with samples from N(0, std^2).
func (p *Param) InitNormal(rng *rand.Rand, std float64) {
	data := p.Value.RawMatrix().Data
	for i := range data {
		data[i] = rng.NormFloat64() * std
	}
}

// Fill sets every entry of the value to v.
func (p *Param) Fill(v float64) {
	data := p.Value.RawMatrix().Data
	for i := range data {
		data[i] = v
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	p.Grad.Zero()
}

// Size returns the number of scalar entries.
func (p *Param) Size() int {
	r, c := p.Value.Dims()
	return r * c
}

// GradSet holds gradient buffers private to one worker. Layers write into a
// GradSet during Backward; the owner folds it into Param.Grad afterwards so
// concurrent workers never share a buffer.
type GradSet struct {
	grads map[*Param]*mat.Dense
}

// NewGradSet returns an empty gradient set.
func NewGradSet() *GradSet {
	return &GradSet{grads: make(map[*Param]*mat.Dense)}
}

// For returns the buffer for p, allocating it on first use.
func (g *GradSet) For(p *Param) *mat.Dense {
	d, ok := g.grads[p]
	if !ok {
		r, c := p.Value.Dims()
		d = mat.NewDense(r, c, nil)
		g.grads[p] = d
	}
	return d
}

// Accumulate adds m into the buffer for p.
func (g *GradSet) Accumulate(p *Param, m mat.Matrix) {
	d := g.For(p)
	d.Add(d, m)
}

// ApplyTo adds scale times every buffered gradient into the matching
// Param.Grad, walking params in order.
func (g *GradSet) ApplyTo(params []*Param, scale float64) {
	for _, p := range params {
		d, ok := g.grads[p]
		if !ok {
			continue
		}
		var scaled mat.Dense
		scaled.Scale(scale, d)
		p.Grad.Add(p.Grad, &scaled)
	}
}

// Reset zeroes all buffers while keeping their storage.
func (g *GradSet) Reset() {
	for _, d := range g.grads {
		d.Zero()
	}
}
