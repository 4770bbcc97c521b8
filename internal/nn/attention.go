package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// maskedLogit stands in for -inf so fully masked rows stay finite.
const maskedLogit = -1e9

// Attention is multi-head scaled dot-product attention with separate query
// and key/value inputs. Self-attention passes the same matrix twice;
// cross-attention passes decoder states as queries and encoder memory as
// keys and values.
type Attention struct {
	Heads  int
	Causal bool
	Wq     *Param
	Wk     *Param
	Wv     *Param
	Wo     *Param
}

// AttentionCache keeps the activations Backward needs.
type AttentionCache struct {
	xq, xkv *mat.Dense
	q, k, v *mat.Dense
	o       *mat.Dense
	probs   []*mat.Dense
}

// NewAttention builds a dim-wide attention block split over heads.
func NewAttention(name string, dim, heads int, causal bool, rng *rand.Rand) (*Attention, error) {
	if heads <= 0 || dim%heads != 0 {
		return nil, fmt.Errorf("attention %s: dim %d not divisible by %d heads", name, dim, heads)
	}
	a := &Attention{
		Heads:  heads,
		Causal: causal,
		Wq:     NewParam(name+".wq", dim, dim),
		Wk:     NewParam(name+".wk", dim, dim),
		Wv:     NewParam(name+".wv", dim, dim),
		Wo:     NewParam(name+".wo", dim, dim),
	}
	std := 1 / math.Sqrt(float64(dim))
	for _, p := range a.Params() {
		p.InitNormal(rng, std)
	}
	return a, nil
}

// Params lists the trainable matrices.
func (a *Attention) Params() []*Param {
	return []*Param{a.Wq, a.Wk, a.Wv, a.Wo}
}

// Forward attends xq over xkv. kvMask marks valid key positions; nil means
// every key is valid.
func (a *Attention) Forward(xq, xkv *mat.Dense, kvMask []bool) (*mat.Dense, *AttentionCache) {
	tq, dim := xq.Dims()
	tk, _ := xkv.Dims()
	dh := dim / a.Heads
	scale := 1 / math.Sqrt(float64(dh))

	var q, k, v mat.Dense
	q.Mul(xq, a.Wq.Value)
	k.Mul(xkv, a.Wk.Value)
	v.Mul(xkv, a.Wv.Value)

	o := mat.NewDense(tq, dim, nil)
	probs := make([]*mat.Dense, a.Heads)
	for h := 0; h < a.Heads; h++ {
		lo, hi := h*dh, (h+1)*dh
		qh := q.Slice(0, tq, lo, hi)
		kh := k.Slice(0, tk, lo, hi)
		vh := v.Slice(0, tk, lo, hi)

		scores := mat.NewDense(tq, tk, nil)
		scores.Mul(qh, kh.T())
		scores.Scale(scale, scores)
		for i := 0; i < tq; i++ {
			row := scores.RawRowView(i)
			for j := range row {
				if (kvMask != nil && !kvMask[j]) || (a.Causal && j > i) {
					row[j] = maskedLogit
				}
			}
			softmaxInPlace(row)
		}
		probs[h] = scores

		var oh mat.Dense
		oh.Mul(scores, vh)
		o.Slice(0, tq, lo, hi).(*mat.Dense).Copy(&oh)
	}

	out := mat.NewDense(tq, dim, nil)
	out.Mul(o, a.Wo.Value)
	return out, &AttentionCache{xq: xq, xkv: xkv, q: &q, k: &k, v: &v, o: o, probs: probs}
}

// Backward returns gradients for the query input and the key/value input.
// For self-attention the caller sums the two.
func (a *Attention) Backward(gs *GradSet, c *AttentionCache, dOut *mat.Dense) (dxq, dxkv *mat.Dense) {
	tq, dim := c.xq.Dims()
	tk, _ := c.xkv.Dims()
	dh := dim / a.Heads
	scale := 1 / math.Sqrt(float64(dh))

	var dWo mat.Dense
	dWo.Mul(c.o.T(), dOut)
	gs.Accumulate(a.Wo, &dWo)

	var dO mat.Dense
	dO.Mul(dOut, a.Wo.Value.T())

	dQ := mat.NewDense(tq, dim, nil)
	dK := mat.NewDense(tk, dim, nil)
	dV := mat.NewDense(tk, dim, nil)
	for h := 0; h < a.Heads; h++ {
		lo, hi := h*dh, (h+1)*dh
		qh := c.q.Slice(0, tq, lo, hi)
		kh := c.k.Slice(0, tk, lo, hi)
		vh := c.v.Slice(0, tk, lo, hi)
		dOh := dO.Slice(0, tq, lo, hi)
		probs := c.probs[h]

		var dVh mat.Dense
		dVh.Mul(probs.T(), dOh)
		dV.Slice(0, tk, lo, hi).(*mat.Dense).Copy(&dVh)

		dS := mat.NewDense(tq, tk, nil)
		dS.Mul(dOh, vh.T())
		for i := 0; i < tq; i++ {
			p := probs.RawRowView(i)
			g := dS.RawRowView(i)
			dot := 0.0
			for j := range g {
				dot += g[j] * p[j]
			}
			for j := range g {
				g[j] = p[j] * (g[j] - dot) * scale
			}
		}

		var dQh, dKh mat.Dense
		dQh.Mul(dS, kh)
		dKh.Mul(dS.T(), qh)
		dQ.Slice(0, tq, lo, hi).(*mat.Dense).Copy(&dQh)
		dK.Slice(0, tk, lo, hi).(*mat.Dense).Copy(&dKh)
	}

	var dWq, dWk, dWv mat.Dense
	dWq.Mul(c.xq.T(), dQ)
	dWk.Mul(c.xkv.T(), dK)
	dWv.Mul(c.xkv.T(), dV)
	gs.Accumulate(a.Wq, &dWq)
	gs.Accumulate(a.Wk, &dWk)
	gs.Accumulate(a.Wv, &dWv)

	dxq = mat.NewDense(tq, dim, nil)
	dxq.Mul(dQ, a.Wq.Value.T())

	var fromV mat.Dense
	dxkv = mat.NewDense(tk, dim, nil)
	dxkv.Mul(dK, a.Wk.Value.T())
	fromV.Mul(dV, a.Wv.Value.T())
	dxkv.Add(dxkv, &fromV)
	return dxq, dxkv
}
