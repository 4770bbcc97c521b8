package nn

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Embed gathers the table rows named by ids into a len(ids) x dim matrix.
func Embed(table *Param, ids []int) (*mat.Dense, error) {
	rows, dim := table.Value.Dims()
	if len(ids) == 0 {
		return nil, fmt.Errorf("embed %s: empty sequence", table.Name)
	}
	out := mat.NewDense(len(ids), dim, nil)
	for i, id := range ids {
		if id < 0 || id >= rows {
			return nil, fmt.Errorf("embed %s: token %d out of range [0,%d)", table.Name, id, rows)
		}
		copy(out.RawRowView(i), table.Value.RawRowView(id))
	}
	return out, nil
}

// EmbedBackward scatters dOut rows back onto the looked-up table rows.
func EmbedBackward(gs *GradSet, table *Param, ids []int, dOut *mat.Dense) {
	grad := gs.For(table)
	for i, id := range ids {
		floats.Add(grad.RawRowView(id), dOut.RawRowView(i))
	}
}

// AddPositions adds rows [0, len) of the positional table to x in place.
func AddPositions(x *mat.Dense, pos *Param) error {
	n, _ := x.Dims()
	maxLen, _ := pos.Value.Dims()
	if n > maxLen {
		return fmt.Errorf("positions %s: sequence length %d exceeds max %d", pos.Name, n, maxLen)
	}
	for i := 0; i < n; i++ {
		floats.Add(x.RawRowView(i), pos.Value.RawRowView(i))
	}
	return nil
}

// AddPositionsBackward accumulates dOut into the positional rows it touched.
func AddPositionsBackward(gs *GradSet, pos *Param, dOut *mat.Dense) {
	grad := gs.For(pos)
	n, _ := dOut.Dims()
	for i := 0; i < n; i++ {
		floats.Add(grad.RawRowView(i), dOut.RawRowView(i))
	}
}

// Dropout zeroes entries of x in place with probability rate and rescales
// the survivors by 1/(1-rate). It returns the applied mask, or nil when
// rate is zero.
func Dropout(x *mat.Dense, rate float64, rng *rand.Rand) *mat.Dense {
	if rate <= 0 || rng == nil {
		return nil
	}
	r, c := x.Dims()
	mask := mat.NewDense(r, c, nil)
	keep := 1 / (1 - rate)
	data := mask.RawMatrix().Data
	for i := range data {
		if rng.Float64() >= rate {
			data[i] = keep
		}
	}
	x.MulElem(x, mask)
	return mask
}

// DropoutBackward applies the forward mask to dOut in place.
func DropoutBackward(dOut, mask *mat.Dense) {
	if mask == nil {
		return
	}
	dOut.MulElem(dOut, mask)
}
