package model

import (
	"errors"
	"fmt"

	"seqcopy-forge/internal/nn"
)

// ErrShape reports a batch that is not rectangular or whose masks and
// targets disagree in length.
var ErrShape = errors.New("model: batch shape mismatch")

// Batch is a minibatch of source sequences and their decoder targets.
// Every row of Tgt starts with the start token; the decoder is fed
// Tgt[:-1] and predicts Tgt[1:] and SecTgt[1:].
type Batch struct {
	Src     [][]int
	Tgt     [][]int
	SecTgt  [][]int
	SrcMask [][]bool
	TgtMask [][]bool
}

// Size returns the number of rows.
func (b Batch) Size() int { return len(b.Src) }

// Validate checks that the batch is rectangular and its masks line up.
func (b Batch) Validate() error {
	n := len(b.Src)
	if n == 0 {
		return fmt.Errorf("%w: empty batch", ErrShape)
	}
	if len(b.Tgt) != n || len(b.SecTgt) != n || len(b.SrcMask) != n || len(b.TgtMask) != n {
		return fmt.Errorf("%w: row counts src=%d tgt=%d sec=%d src_mask=%d tgt_mask=%d",
			ErrShape, n, len(b.Tgt), len(b.SecTgt), len(b.SrcMask), len(b.TgtMask))
	}
	for i := 0; i < n; i++ {
		if len(b.Src[i]) != len(b.Src[0]) || len(b.Tgt[i]) != len(b.Tgt[0]) {
			return fmt.Errorf("%w: row %d src=%d tgt=%d, row 0 src=%d tgt=%d",
				ErrShape, i, len(b.Src[i]), len(b.Tgt[i]), len(b.Src[0]), len(b.Tgt[0]))
		}
		if len(b.SrcMask[i]) != len(b.Src[i]) {
			return fmt.Errorf("%w: row %d src mask %d != src %d", ErrShape, i, len(b.SrcMask[i]), len(b.Src[i]))
		}
		if len(b.Tgt[i]) < 2 {
			return fmt.Errorf("%w: row %d target shorter than 2", ErrShape, i)
		}
		if len(b.SecTgt[i]) != len(b.Tgt[i]) || len(b.TgtMask[i]) != len(b.Tgt[i]) {
			return fmt.Errorf("%w: row %d tgt=%d sec=%d tgt_mask=%d",
				ErrShape, i, len(b.Tgt[i]), len(b.SecTgt[i]), len(b.TgtMask[i]))
		}
	}
	return nil
}

// Model is what the training driver needs from an encoder-decoder.
type Model interface {
	// Train switches to training mode (dropout on).
	Train()
	// Eval switches to evaluation mode.
	Eval()
	Training() bool
	// ComputeGradients runs the teacher-forced forward and backward pass,
	// accumulates gradients into Parameters and returns the batch loss.
	ComputeGradients(batch Batch) (float64, error)
	Parameters() []*nn.Param
	ZeroGrad()
	// Generate decodes length tokens after start, conditioned on src.
	Generate(src []int, srcMask []bool, start []int, length int) ([]int, error)
}

// NumParams counts the scalar parameters of m.
func NumParams(m Model) int {
	total := 0
	for _, p := range m.Parameters() {
		total += p.Size()
	}
	return total
}
