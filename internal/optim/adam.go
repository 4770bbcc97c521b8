package optim

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"seqcopy-forge/internal/nn"
)

// Adam implements the Adam update with optional decoupled weight decay.
//
//	m = beta1*m + (1-beta1)*g
//	v = beta2*v + (1-beta2)*g^2
//	p -= lr * (m/(1-beta1^t)) / (sqrt(v/(1-beta2^t)) + eps)
type Adam struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	m map[*nn.Param]*mat.Dense
	v map[*nn.Param]*mat.Dense
	t int
}

// NewAdam returns an optimizer with the usual defaults for the moments.
func NewAdam(lr float64) *Adam {
	return &Adam{
		LR:    lr,
		Beta1: 0.9,
		Beta2: 0.999,
		Eps:   1e-8,
		m:     make(map[*nn.Param]*mat.Dense),
		v:     make(map[*nn.Param]*mat.Dense),
	}
}

// Steps reports how many updates have been applied.
func (a *Adam) Steps() int { return a.t }

// Step applies one update to every parameter using its accumulated gradient.
func (a *Adam) Step(params []*nn.Param) {
	a.t++
	bias1 := 1 - math.Pow(a.Beta1, float64(a.t))
	bias2 := 1 - math.Pow(a.Beta2, float64(a.t))

	for _, p := range params {
		m, v := a.moments(p)
		pd := p.Value.RawMatrix().Data
		gd := p.Grad.RawMatrix().Data
		md := m.RawMatrix().Data
		vd := v.RawMatrix().Data
		for i, g := range gd {
			md[i] = a.Beta1*md[i] + (1-a.Beta1)*g
			vd[i] = a.Beta2*vd[i] + (1-a.Beta2)*g*g
			mHat := md[i] / bias1
			vHat := vd[i] / bias2
			if a.WeightDecay > 0 {
				pd[i] -= a.LR * a.WeightDecay * pd[i]
			}
			pd[i] -= a.LR * mHat / (math.Sqrt(vHat) + a.Eps)
		}
	}
}

func (a *Adam) moments(p *nn.Param) (*mat.Dense, *mat.Dense) {
	m, ok := a.m[p]
	if !ok {
		r, c := p.Value.Dims()
		m = mat.NewDense(r, c, nil)
		a.m[p] = m
		a.v[p] = mat.NewDense(r, c, nil)
	}
	return m, a.v[p]
}

// ClipGradNorm rescales all gradients so their global L2 norm is at most
// maxNorm and returns the norm before clipping. maxNorm <= 0 only measures.
func ClipGradNorm(params []*nn.Param, maxNorm float64) float64 {
	sum := 0.0
	for _, p := range params {
		n := floats.Norm(p.Grad.RawMatrix().Data, 2)
		sum += n * n
	}
	norm := math.Sqrt(sum)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := maxNorm / norm
	for _, p := range params {
		floats.Scale(scale, p.Grad.RawMatrix().Data)
	}
	return norm
}
