package dataset

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCopyTaskSampleShape(t *testing.T) {
	task := CopyTask{NumTokens: 18, SeqLen: 32}
	require.NoError(t, task.Validate())
	rng := rand.New(rand.NewSource(1))

	for n := 0; n < 200; n++ {
		s := task.Sample(rng)
		require.Len(t, s.Src, 32)
		require.Len(t, s.Tgt, 65)
		require.Equal(t, task.TargetLen(), len(s.Tgt))

		for _, tok := range s.Src {
			if tok < 2 || tok > 17 {
				t.Fatalf("source token %d outside [2,17]", tok)
			}
		}

		want := append([]int{StartToken}, s.Src...)
		want = append(want, s.Src...)
		require.Equal(t, want, s.Tgt)
		require.Equal(t, want, s.SecTgt)

		require.Len(t, s.SrcMask, len(s.Src))
		require.Len(t, s.TgtMask, len(s.Tgt))
		for _, ok := range append(append([]bool(nil), s.SrcMask...), s.TgtMask...) {
			if !ok {
				t.Fatalf("mask contains false")
			}
		}
	}
}

func TestCopyTaskCoversVocabulary(t *testing.T) {
	task := CopyTask{NumTokens: 5, SeqLen: 64}
	rng := rand.New(rand.NewSource(2))
	seen := map[int]bool{}
	for n := 0; n < 10; n++ {
		for _, tok := range task.Sample(rng).Src {
			seen[tok] = true
		}
	}
	require.Equal(t, map[int]bool{2: true, 3: true, 4: true}, seen)
}

func TestCopyTaskSecondaryIsIndependentCopy(t *testing.T) {
	s := NewSample([]int{4, 5})
	s.SecTgt[1] = 9
	require.Equal(t, []int{1, 4, 5, 4, 5}, s.Tgt)
}

func TestCopyTaskValidate(t *testing.T) {
	require.Error(t, CopyTask{NumTokens: 2, SeqLen: 4}.Validate())
	require.Error(t, CopyTask{NumTokens: 10, SeqLen: 0}.Validate())
}
