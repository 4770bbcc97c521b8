package optim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"seqcopy-forge/internal/nn"
)

func TestAdamFirstStepMovesByLR(t *testing.T) {
	p := nn.NewParam("p", 1, 3)
	p.Grad = mat.NewDense(1, 3, []float64{0.5, -2, 0})
	opt := NewAdam(0.1)
	opt.Step([]*nn.Param{p})

	got := p.Value.RawMatrix().Data
	assert.InDelta(t, -0.1, got[0], 1e-6)
	assert.InDelta(t, 0.1, got[1], 1e-6)
	assert.Zero(t, got[2])
	assert.Equal(t, 1, opt.Steps())
}

func TestAdamMinimizesQuadratic(t *testing.T) {
	p := nn.NewParam("p", 1, 1)
	p.Fill(5)
	opt := NewAdam(0.1)
	for i := 0; i < 500; i++ {
		x := p.Value.At(0, 0)
		p.Grad.Set(0, 0, 2*(x-1))
		opt.Step([]*nn.Param{p})
		p.ZeroGrad()
	}
	require.InDelta(t, 1, p.Value.At(0, 0), 0.1)
}

func TestClipGradNorm(t *testing.T) {
	a := nn.NewParam("a", 1, 2)
	b := nn.NewParam("b", 1, 1)
	a.Grad = mat.NewDense(1, 2, []float64{3, 0})
	b.Grad = mat.NewDense(1, 1, []float64{4})
	params := []*nn.Param{a, b}

	require.InDelta(t, 5, ClipGradNorm(params, 0), 1e-12)
	require.Equal(t, 3.0, a.Grad.At(0, 0))

	norm := ClipGradNorm(params, 1)
	require.InDelta(t, 5, norm, 1e-12)
	after := math.Hypot(math.Hypot(a.Grad.At(0, 0), a.Grad.At(0, 1)), b.Grad.At(0, 0))
	require.InDelta(t, 1, after, 1e-12)
}
