package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// RMSNorm scales each row by the reciprocal of its root mean square and a
// learned per-feature gain: y = g * x / sqrt(mean(x^2) + eps).
type RMSNorm struct {
	Gamma *Param
	Eps   float64
}

// RMSNormCache keeps what Backward needs from Forward.
type RMSNormCache struct {
	x   *mat.Dense
	inv []float64
}

// NewRMSNorm returns a norm over dim features with unit gain.
func NewRMSNorm(name string, dim int) *RMSNorm {
	gamma := NewParam(name+".gamma", 1, dim)
	gamma.Fill(1)
	return &RMSNorm{Gamma: gamma, Eps: 1e-5}
}

// Forward normalizes every row of x.
func (n *RMSNorm) Forward(x *mat.Dense) (*mat.Dense, *RMSNormCache) {
	rows, dim := x.Dims()
	out := mat.NewDense(rows, dim, nil)
	inv := make([]float64, rows)
	gamma := n.Gamma.Value.RawRowView(0)
	for i := 0; i < rows; i++ {
		row := x.RawRowView(i)
		sum := 0.0
		for _, v := range row {
			sum += v * v
		}
		r := 1 / math.Sqrt(sum/float64(dim)+n.Eps)
		inv[i] = r
		dst := out.RawRowView(i)
		for j, v := range row {
			dst[j] = gamma[j] * v * r
		}
	}
	return out, &RMSNormCache{x: x, inv: inv}
}

// Backward returns dL/dx and accumulates dL/dgamma into gs.
func (n *RMSNorm) Backward(gs *GradSet, c *RMSNormCache, dOut *mat.Dense) *mat.Dense {
	rows, dim := c.x.Dims()
	dx := mat.NewDense(rows, dim, nil)
	gamma := n.Gamma.Value.RawRowView(0)
	dGamma := gs.For(n.Gamma).RawRowView(0)
	for i := 0; i < rows; i++ {
		x := c.x.RawRowView(i)
		dy := dOut.RawRowView(i)
		r := c.inv[i]
		dot := 0.0
		for j := range x {
			dGamma[j] += dy[j] * x[j] * r
			dot += dy[j] * gamma[j] * x[j]
		}
		coef := dot * r * r * r / float64(dim)
		dst := dx.RawRowView(i)
		for j := range x {
			dst[j] = gamma[j]*dy[j]*r - x[j]*coef
		}
	}
	return dx
}
