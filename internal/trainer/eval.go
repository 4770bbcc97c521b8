package trainer

import (
	"context"
	"fmt"
	"io"

	"seqcopy-forge/internal/dataset"
	"seqcopy-forge/internal/metrics"
	"seqcopy-forge/internal/model"
)

// evaluate switches mdl to eval mode, decodes one fresh source sequence from
// the start token and reports how many positions differ from the source.
func evaluate(ctx context.Context, mdl model.Model, samples <-chan dataset.Sample, errs <-chan error, out io.Writer) (int, error) {
	mdl.Eval()
	batch, err := nextBatch(ctx, samples, errs, 1)
	if err != nil {
		return 0, err
	}
	src, srcMask := batch.Src[0], batch.SrcMask[0]

	predicted, err := mdl.Generate(src, srcMask, []int{dataset.StartToken}, len(src))
	if err != nil {
		return 0, err
	}
	incorrects := metrics.CountMismatches(src, predicted)

	fmt.Fprintf(out, "input:  %v\n", src)
	fmt.Fprintf(out, "predicted output:  %v\n", predicted)
	fmt.Fprintf(out, "incorrects: %d\n", incorrects)
	return incorrects, nil
}
