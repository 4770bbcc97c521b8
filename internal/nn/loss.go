package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// SoftmaxCrossEntropy returns the mean negative log-likelihood of targets
// under a row-wise softmax of logits, and its gradient with respect to the
// logits. Rows whose mask entry is false are skipped; a nil mask counts
// every row.
func SoftmaxCrossEntropy(logits *mat.Dense, targets []int, mask []bool) (float64, *mat.Dense, error) {
	rows, vocab := logits.Dims()
	if len(targets) != rows {
		return 0, nil, fmt.Errorf("cross entropy: %d targets for %d rows", len(targets), rows)
	}
	if mask != nil && len(mask) != rows {
		return 0, nil, fmt.Errorf("cross entropy: mask length %d for %d rows", len(mask), rows)
	}
	grad := mat.NewDense(rows, vocab, nil)
	count := 0
	for i := 0; i < rows; i++ {
		if mask == nil || mask[i] {
			count++
		}
	}
	if count == 0 {
		return 0, grad, nil
	}

	total := 0.0
	norm := 1 / float64(count)
	for i, target := range targets {
		if mask != nil && !mask[i] {
			continue
		}
		if target < 0 || target >= vocab {
			return 0, nil, fmt.Errorf("cross entropy: target %d out of range [0,%d)", target, vocab)
		}
		g := grad.RawRowView(i)
		copy(g, logits.RawRowView(i))
		softmaxInPlace(g)
		total -= math.Log(math.Max(g[target], 1e-12))
		g[target] -= 1
		floats.Scale(norm, g)
	}
	return total * norm, grad, nil
}

// Softmax returns a normalized copy of logits.
func Softmax(logits []float64) []float64 {
	out := append([]float64(nil), logits...)
	softmaxInPlace(out)
	return out
}

func softmaxInPlace(row []float64) {
	if len(row) == 0 {
		return
	}
	maxV := floats.Max(row)
	for j, v := range row {
		row[j] = math.Exp(v - maxV)
	}
	floats.Scale(1/floats.Sum(row), row)
}
