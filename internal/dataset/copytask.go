package dataset

import (
	"fmt"
	"math/rand"
)

// Reserved token IDs. Source tokens are drawn from [FirstDataToken, NumTokens).
const (
	PadToken       = 0
	StartToken     = 1
	FirstDataToken = 2
)

// Sample is one copy-task example. Tgt and SecTgt are both
// [StartToken] + Src + Src; masks are all true.
type Sample struct {
	Key     string
	Src     []int
	Tgt     []int
	SecTgt  []int
	SrcMask []bool
	TgtMask []bool
}

// CopyTask draws random source sequences for the duplicate-copy task.
type CopyTask struct {
	NumTokens int
	SeqLen    int
}

// Validate checks that the task can draw at least one data token.
func (c CopyTask) Validate() error {
	if c.NumTokens <= FirstDataToken {
		return fmt.Errorf("dataset: num_tokens must be > %d (got %d)", FirstDataToken, c.NumTokens)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("dataset: seq_len must be > 0 (got %d)", c.SeqLen)
	}
	return nil
}

// TargetLen is the length of Tgt and SecTgt.
func (c CopyTask) TargetLen() int { return 1 + 2*c.SeqLen }

// Sample draws one example using rng.
func (c CopyTask) Sample(rng *rand.Rand) Sample {
	src := make([]int, c.SeqLen)
	span := c.NumTokens - FirstDataToken
	for i := range src {
		src[i] = FirstDataToken + rng.Intn(span)
	}
	return NewSample(src)
}

// NewSample derives targets and masks for src.
func NewSample(src []int) Sample {
	tgt := make([]int, 0, 1+2*len(src))
	tgt = append(tgt, StartToken)
	tgt = append(tgt, src...)
	tgt = append(tgt, src...)
	return Sample{
		Src:     src,
		Tgt:     tgt,
		SecTgt:  append([]int(nil), tgt...),
		SrcMask: allTrue(len(src)),
		TgtMask: allTrue(len(tgt)),
	}
}

func allTrue(n int) []bool {
	m := make([]bool, n)
	for i := range m {
		m[i] = true
	}
	return m
}
