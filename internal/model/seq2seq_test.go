package model

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"seqcopy-forge/internal/nn"
	"seqcopy-forge/internal/optim"
)

func tinyConfig() Config {
	return Config{
		NumTokens:          6,
		NumSecondaryTokens: 6,
		Dim:                8,
		FFMult:             2,
		EncDepth:           1,
		EncHeads:           2,
		EncMaxSeqLen:       3,
		DecDepth:           1,
		DecHeads:           2,
		DecMaxSeqLen:       7,
		TieTokenEmbeds:     true,
		NumWorkers:         1,
		Seed:               11,
	}
}

func copyRow(src []int) ([]int, []bool, []bool) {
	tgt := append([]int{1}, src...)
	tgt = append(tgt, src...)
	srcMask := make([]bool, len(src))
	tgtMask := make([]bool, len(tgt))
	for i := range srcMask {
		srcMask[i] = true
	}
	for i := range tgtMask {
		tgtMask[i] = true
	}
	return tgt, srcMask, tgtMask
}

func copyBatch(rows ...[]int) Batch {
	var b Batch
	for _, src := range rows {
		tgt, srcMask, tgtMask := copyRow(src)
		b.Src = append(b.Src, src)
		b.Tgt = append(b.Tgt, tgt)
		b.SecTgt = append(b.SecTgt, append([]int(nil), tgt...))
		b.SrcMask = append(b.SrcMask, srcMask)
		b.TgtMask = append(b.TgtMask, tgtMask)
	}
	return b
}

func TestSeq2SeqGradientsMatchFiniteDifferences(t *testing.T) {
	m, err := NewSeq2Seq(tinyConfig())
	require.NoError(t, err)
	batch := copyBatch([]int{2, 3, 4}, []int{5, 2, 2})

	m.ZeroGrad()
	_, err = m.ComputeGradients(batch)
	require.NoError(t, err)
	analytic := make(map[*nn.Param]*mat.Dense)
	for _, p := range m.Parameters() {
		analytic[p] = mat.DenseCopyOf(p.Grad)
	}

	loss := func() float64 {
		l, err := m.ComputeGradients(batch)
		require.NoError(t, err)
		m.ZeroGrad()
		return l
	}

	const h = 1e-5
	checked := 0
	for _, p := range m.Parameters() {
		_, cols := p.Value.Dims()
		for _, idx := range []int{0, cols + 1} {
			r, c := idx/cols, idx%cols
			if rows, _ := p.Value.Dims(); r >= rows {
				continue
			}
			orig := p.Value.At(r, c)
			p.Value.Set(r, c, orig+h)
			up := loss()
			p.Value.Set(r, c, orig-h)
			down := loss()
			p.Value.Set(r, c, orig)

			numeric := (up - down) / (2 * h)
			got := analytic[p].At(r, c)
			scale := math.Max(1e-2, math.Abs(numeric))
			if math.Abs(numeric-got)/scale > 1e-3 {
				t.Fatalf("%s[%d,%d]: numeric %.8g analytic %.8g", p.Name, r, c, numeric, got)
			}
			checked++
		}
	}
	require.Greater(t, checked, 20)
}

func TestSeq2SeqWorkerCountDoesNotChangeResult(t *testing.T) {
	batch := copyBatch([]int{2, 3, 4}, []int{5, 2, 2}, []int{3, 3, 3}, []int{4, 5, 2})

	single := tinyConfig()
	multi := tinyConfig()
	multi.NumWorkers = 3

	a, err := NewSeq2Seq(single)
	require.NoError(t, err)
	b, err := NewSeq2Seq(multi)
	require.NoError(t, err)

	la, err := a.ComputeGradients(batch)
	require.NoError(t, err)
	lb, err := b.ComputeGradients(batch)
	require.NoError(t, err)
	require.InDelta(t, la, lb, 1e-12)

	pa, pb := a.Parameters(), b.Parameters()
	require.Len(t, pb, len(pa))
	for i := range pa {
		require.True(t, mat.EqualApprox(pa[i].Grad, pb[i].Grad, 1e-12), pa[i].Name)
	}
}

func TestSeq2SeqTrainingReducesLoss(t *testing.T) {
	m, err := NewSeq2Seq(tinyConfig())
	require.NoError(t, err)
	opt := optim.NewAdam(1e-2)
	batch := copyBatch([]int{2, 3, 4}, []int{5, 2, 3})

	var first, last float64
	for step := 0; step < 60; step++ {
		m.Train()
		loss, err := m.ComputeGradients(batch)
		require.NoError(t, err)
		if step == 0 {
			first = loss
		}
		last = loss
		opt.Step(m.Parameters())
		m.ZeroGrad()
	}
	require.Less(t, last, first*0.7, "first=%f last=%f", first, last)
}

func TestSeq2SeqInitialLossNearUniform(t *testing.T) {
	m, err := NewSeq2Seq(tinyConfig())
	require.NoError(t, err)
	loss, err := m.ComputeGradients(copyBatch([]int{2, 3, 4}))
	require.NoError(t, err)
	// primary + secondary, each in the neighbourhood of ln(vocab) at init
	require.Greater(t, loss, math.Log(6))
	require.Less(t, loss, 2*math.Log(6)+2)
}

func TestSeq2SeqDropoutIsSeeded(t *testing.T) {
	cfg := tinyConfig()
	cfg.EmbDropout = 0.2
	batch := copyBatch([]int{2, 3, 4}, []int{5, 2, 2})

	a, err := NewSeq2Seq(cfg)
	require.NoError(t, err)
	b, err := NewSeq2Seq(cfg)
	require.NoError(t, err)

	la, err := a.ComputeGradients(batch)
	require.NoError(t, err)
	lb, err := b.ComputeGradients(batch)
	require.NoError(t, err)
	require.Equal(t, la, lb)

	a.ZeroGrad()
	a.Eval()
	evalLoss1, err := a.ComputeGradients(batch)
	require.NoError(t, err)
	evalLoss2, err := a.ComputeGradients(batch)
	require.NoError(t, err)
	require.Equal(t, evalLoss1, evalLoss2)
}

func TestSeq2SeqModes(t *testing.T) {
	m, err := NewSeq2Seq(tinyConfig())
	require.NoError(t, err)
	assert.True(t, m.Training())
	m.Eval()
	assert.False(t, m.Training())
	m.Train()
	assert.True(t, m.Training())

	var _ Model = m
	assert.Greater(t, NumParams(m), 0)
}

func TestSeq2SeqUntiedEmbeddingsAddParams(t *testing.T) {
	tied, err := NewSeq2Seq(tinyConfig())
	require.NoError(t, err)
	cfg := tinyConfig()
	cfg.TieTokenEmbeds = false
	untied, err := NewSeq2Seq(cfg)
	require.NoError(t, err)
	assert.Equal(t, NumParams(tied)+cfg.NumTokens*cfg.Dim, NumParams(untied))
}

func TestGenerateGreedy(t *testing.T) {
	m, err := NewSeq2Seq(tinyConfig())
	require.NoError(t, err)
	m.Eval()
	src := []int{2, 3, 4}
	_, srcMask, _ := copyRow(src)

	out1, err := m.Generate(src, srcMask, []int{1}, 3)
	require.NoError(t, err)
	out2, err := m.Generate(src, srcMask, []int{1}, 3)
	require.NoError(t, err)
	require.Len(t, out1, 3)
	require.Equal(t, out1, out2)
	for _, tok := range out1 {
		require.GreaterOrEqual(t, tok, 0)
		require.Less(t, tok, 6)
	}

	long, err := m.Generate(src, srcMask, []int{1}, 10)
	require.NoError(t, err)
	require.Len(t, long, 10)
}

func TestGenerateSamplingIsSeeded(t *testing.T) {
	cfg := tinyConfig()
	cfg.Temperature = 1
	cfg.FilterThres = 0.5
	a, err := NewSeq2Seq(cfg)
	require.NoError(t, err)
	b, err := NewSeq2Seq(cfg)
	require.NoError(t, err)

	outA, err := a.Generate([]int{2, 3, 4}, nil, []int{1}, 6)
	require.NoError(t, err)
	outB, err := b.Generate([]int{2, 3, 4}, nil, []int{1}, 6)
	require.NoError(t, err)
	require.Equal(t, outA, outB)
}

func TestGenerateErrors(t *testing.T) {
	m, err := NewSeq2Seq(tinyConfig())
	require.NoError(t, err)

	_, err = m.Generate([]int{2, 3, 4}, nil, nil, 3)
	require.Error(t, err)

	_, err = m.Generate([]int{2, 3, 4}, []bool{true}, []int{1}, 3)
	require.True(t, errors.Is(err, ErrShape))

	_, err = m.Generate([]int{2, 3, 4, 5}, nil, []int{1}, 3)
	require.Error(t, err, "source longer than enc max seq len")

	_, err = m.Generate([]int{2, 9, 4}, nil, []int{1}, 3)
	require.Error(t, err, "token outside vocabulary")
}

func TestTopK(t *testing.T) {
	got := topK([]float64{1, 5, 3, 4}, 0.5)
	assert.Equal(t, 5.0, got[1])
	assert.Equal(t, 4.0, got[3])
	assert.True(t, math.IsInf(got[0], -1))
	assert.True(t, math.IsInf(got[2], -1))

	all := topK([]float64{1, 2}, 0)
	assert.Equal(t, []float64{1, 2}, all)
}

func TestComputeGradientsRejectsBadBatch(t *testing.T) {
	m, err := NewSeq2Seq(tinyConfig())
	require.NoError(t, err)

	_, err = m.ComputeGradients(Batch{})
	require.True(t, errors.Is(err, ErrShape))

	b := copyBatch([]int{2, 3, 4})
	b.TgtMask[0] = b.TgtMask[0][:3]
	_, err = m.ComputeGradients(b)
	require.True(t, errors.Is(err, ErrShape))

	ragged := copyBatch([]int{2, 3, 4}, []int{2, 3})
	_, err = m.ComputeGradients(ragged)
	require.True(t, errors.Is(err, ErrShape), "got %v", err)

	b = copyBatch([]int{2, 3, 4})
	b.Tgt[0][2] = 7
	_, err = m.ComputeGradients(b)
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"tiny vocab":      func(c *Config) { c.NumTokens = 2 },
		"uneven heads":    func(c *Config) { c.EncHeads = 3 },
		"zero depth":      func(c *Config) { c.DecDepth = 0 },
		"dropout too big": func(c *Config) { c.EmbDropout = 1 },
		"bad threshold":   func(c *Config) { c.FilterThres = 1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := tinyConfig()
			mutate(&cfg)
			_, err := NewSeq2Seq(cfg)
			require.Error(t, err)
		})
	}
}
