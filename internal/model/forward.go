package model

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"seqcopy-forge/internal/nn"
)

type encoderLayerTrace struct {
	attnNorm *nn.RMSNormCache
	attn     *nn.AttentionCache
	ffNorm   *nn.RMSNormCache
	ff       *nn.FeedForwardCache
}

type encoderTrace struct {
	ids    []int
	drop   *mat.Dense
	layers []encoderLayerTrace
	norm   *nn.RMSNormCache
}

type decoderLayerTrace struct {
	selfNorm  *nn.RMSNormCache
	self      *nn.AttentionCache
	crossNorm *nn.RMSNormCache
	cross     *nn.AttentionCache
	ffNorm    *nn.RMSNormCache
	ff        *nn.FeedForwardCache
}

type decoderTrace struct {
	ids    []int
	drop   *mat.Dense
	layers []decoderLayerTrace
	norm   *nn.RMSNormCache
}

func residual(x, delta mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Add(x, delta)
	return &out
}

// encode maps src to encoder memory. rng enables dropout when non-nil.
func (m *Seq2Seq) encode(src []int, mask []bool, rng *rand.Rand) (*mat.Dense, *encoderTrace, error) {
	x, err := nn.Embed(m.encTok, src)
	if err != nil {
		return nil, nil, err
	}
	if err := nn.AddPositions(x, m.encPos); err != nil {
		return nil, nil, err
	}
	tr := &encoderTrace{ids: src, layers: make([]encoderLayerTrace, len(m.encoder))}
	tr.drop = nn.Dropout(x, m.cfg.EmbDropout, rng)

	for i, l := range m.encoder {
		lt := &tr.layers[i]
		var h, a *mat.Dense
		h, lt.attnNorm = l.attnNorm.Forward(x)
		a, lt.attn = l.attn.Forward(h, h, mask)
		x = residual(x, a)

		h, lt.ffNorm = l.ffNorm.Forward(x)
		a, lt.ff = l.ff.Forward(h)
		x = residual(x, a)
	}
	out, norm := m.encNorm.Forward(x)
	tr.norm = norm
	return out, tr, nil
}

func (m *Seq2Seq) encodeBackward(gs *nn.GradSet, tr *encoderTrace, dOut *mat.Dense) {
	dx := m.encNorm.Backward(gs, tr.norm, dOut)
	for i := len(m.encoder) - 1; i >= 0; i-- {
		l, lt := m.encoder[i], tr.layers[i]

		dh := l.ff.Backward(gs, lt.ff, dx)
		dx = residual(dx, l.ffNorm.Backward(gs, lt.ffNorm, dh))

		dq, dkv := l.attn.Backward(gs, lt.attn, dx)
		dh = residual(dq, dkv)
		dx = residual(dx, l.attnNorm.Backward(gs, lt.attnNorm, dh))
	}
	nn.DropoutBackward(dx, tr.drop)
	nn.AddPositionsBackward(gs, m.encPos, dx)
	nn.EmbedBackward(gs, m.encTok, tr.ids, dx)
}

// decode runs the decoder over ids against encoder memory and returns the
// final normalized states.
func (m *Seq2Seq) decode(ids []int, mask []bool, mem *mat.Dense, memMask []bool, rng *rand.Rand) (*mat.Dense, *decoderTrace, error) {
	y, err := nn.Embed(m.decTok, ids)
	if err != nil {
		return nil, nil, err
	}
	if err := nn.AddPositions(y, m.decPos); err != nil {
		return nil, nil, err
	}
	tr := &decoderTrace{ids: ids, layers: make([]decoderLayerTrace, len(m.decoder))}
	tr.drop = nn.Dropout(y, m.cfg.EmbDropout, rng)

	for i, l := range m.decoder {
		lt := &tr.layers[i]
		var h, a *mat.Dense
		h, lt.selfNorm = l.selfNorm.Forward(y)
		a, lt.self = l.self.Forward(h, h, mask)
		y = residual(y, a)

		h, lt.crossNorm = l.crossNorm.Forward(y)
		a, lt.cross = l.cross.Forward(h, mem, memMask)
		y = residual(y, a)

		h, lt.ffNorm = l.ffNorm.Forward(y)
		a, lt.ff = l.ff.Forward(h)
		y = residual(y, a)
	}
	out, norm := m.decNorm.Forward(y)
	tr.norm = norm
	return out, tr, nil
}

// decodeBackward returns the gradient flowing into the encoder memory.
func (m *Seq2Seq) decodeBackward(gs *nn.GradSet, tr *decoderTrace, mem, dOut *mat.Dense) *mat.Dense {
	rows, dim := mem.Dims()
	dMem := mat.NewDense(rows, dim, nil)

	dy := m.decNorm.Backward(gs, tr.norm, dOut)
	for i := len(m.decoder) - 1; i >= 0; i-- {
		l, lt := m.decoder[i], tr.layers[i]

		dh := l.ff.Backward(gs, lt.ff, dy)
		dy = residual(dy, l.ffNorm.Backward(gs, lt.ffNorm, dh))

		dq, dkv := l.cross.Backward(gs, lt.cross, dy)
		dMem.Add(dMem, dkv)
		dy = residual(dy, l.crossNorm.Backward(gs, lt.crossNorm, dq))

		dq, dkv = l.self.Backward(gs, lt.self, dy)
		dh = residual(dq, dkv)
		dy = residual(dy, l.selfNorm.Backward(gs, lt.selfNorm, dh))
	}
	nn.DropoutBackward(dy, tr.drop)
	nn.AddPositionsBackward(gs, m.decPos, dy)
	nn.EmbedBackward(gs, m.decTok, tr.ids, dy)
	return dMem
}

// rowGradients is the teacher-forced pass for one batch row: the decoder
// reads Tgt[:-1] and both heads are scored against the shifted targets.
func (m *Seq2Seq) rowGradients(gs *nn.GradSet, b Batch, i int, rng *rand.Rand) (float64, error) {
	src, srcMask := b.Src[i], b.SrcMask[i]
	tgt, sec, tgtMask := b.Tgt[i], b.SecTgt[i], b.TgtMask[i]
	n := len(tgt) - 1

	mem, encTrace, err := m.encode(src, srcMask, rng)
	if err != nil {
		return 0, err
	}
	z, decTrace, err := m.decode(tgt[:n], tgtMask[:n], mem, srcMask, rng)
	if err != nil {
		return 0, err
	}

	logits := m.head.Forward(z)
	loss, dLogits, err := nn.SoftmaxCrossEntropy(logits, tgt[1:], tgtMask[1:])
	if err != nil {
		return 0, err
	}
	secLogits := m.secHead.Forward(z)
	secLoss, dSec, err := nn.SoftmaxCrossEntropy(secLogits, sec[1:], tgtMask[1:])
	if err != nil {
		return 0, err
	}
	w := m.cfg.SecondaryLossWeight
	dSec.Scale(w, dSec)

	dz := m.head.Backward(gs, z, dLogits)
	dz.Add(dz, m.secHead.Backward(gs, z, dSec))

	dMem := m.decodeBackward(gs, decTrace, mem, dz)
	m.encodeBackward(gs, encTrace, dMem)
	return loss + w*secLoss, nil
}
