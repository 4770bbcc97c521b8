package model

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"seqcopy-forge/internal/nn"
)

// Generate autoregressively decodes length tokens after start. The decoder
// window is capped at DecMaxSeqLen, keeping the most recent tokens. Only the
// newly generated tokens are returned.
func (m *Seq2Seq) Generate(src []int, srcMask []bool, start []int, length int) ([]int, error) {
	if len(start) == 0 {
		return nil, errors.New("model: generate needs at least one start token")
	}
	if srcMask != nil && len(srcMask) != len(src) {
		return nil, fmt.Errorf("%w: src mask %d != src %d", ErrShape, len(srcMask), len(src))
	}
	if length < 0 {
		return nil, fmt.Errorf("model: negative generate length %d", length)
	}

	mem, _, err := m.encode(src, srcMask, nil)
	if err != nil {
		return nil, fmt.Errorf("model: encode: %w", err)
	}

	seq := append(make([]int, 0, len(start)+length), start...)
	for step := 0; step < length; step++ {
		window := seq
		if over := len(window) - m.cfg.DecMaxSeqLen; over > 0 {
			window = window[over:]
		}
		z, _, err := m.decode(window, nil, mem, srcMask, nil)
		if err != nil {
			return nil, fmt.Errorf("model: decode step %d: %w", step, err)
		}
		last := m.head.Forward(z).RawRowView(len(window) - 1)
		seq = append(seq, m.pick(last))
	}
	return seq[len(start):], nil
}

// pick chooses the next token from logits: greedy when Temperature is 0,
// otherwise top-k filtered sampling.
func (m *Seq2Seq) pick(logits []float64) int {
	if m.cfg.Temperature <= 0 {
		return floats.MaxIdx(logits)
	}
	filtered := topK(logits, m.cfg.FilterThres)
	for i, v := range filtered {
		filtered[i] = v / m.cfg.Temperature
	}
	probs := nn.Softmax(filtered)
	r := m.rng.Float64()
	acc := 0.0
	for i, p := range probs {
		acc += p
		if r < acc {
			return i
		}
	}
	return floats.MaxIdx(probs)
}

// topK keeps the k = ceil((1-thres)*len) largest logits and sets the rest
// to -Inf.
func topK(logits []float64, thres float64) []float64 {
	k := int(math.Ceil((1 - thres) * float64(len(logits))))
	if k < 1 {
		k = 1
	}
	out := append([]float64(nil), logits...)
	if k >= len(out) {
		return out
	}
	sorted := append([]float64(nil), logits...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	cut := sorted[k-1]
	kept := 0
	for i, v := range out {
		if v >= cut && kept < k {
			kept++
			continue
		}
		out[i] = math.Inf(-1)
	}
	return out
}
