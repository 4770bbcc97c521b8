package metrics

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

// Window accumulates timing and loss across multiple steps.
type Window struct {
	samples int
	data    time.Duration
	compute time.Duration
	losses  []float64
}

// Record adds a new measurement to the window.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss float64) {
	w.samples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.losses = append(w.losses, loss)
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Steps: len(w.losses)}
	total := w.data + w.compute
	if total > 0 {
		snap.SamplesPerSec = float64(w.samples) / total.Seconds()
	}
	if steps := len(w.losses); steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(steps)
		snap.MeanLoss = stat.Mean(w.losses, nil)
		snap.LastLoss = w.losses[steps-1]
	}

	w.samples = 0
	w.data = 0
	w.compute = 0
	w.losses = w.losses[:0]
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	Steps         int
	SamplesPerSec float64
	AvgDataMS     float64
	AvgComputeMS  float64
	MeanLoss      float64
	LastLoss      float64
}

// CountMismatches counts positions where predicted differs from want.
// Missing or extra positions count as mismatches, so the result is at most
// max(len(want), len(predicted)).
func CountMismatches(want, predicted []int) int {
	n := len(want)
	if len(predicted) < n {
		n = len(predicted)
	}
	diff := 0
	for i := 0; i < n; i++ {
		if want[i] != predicted[i] {
			diff++
		}
	}
	if len(want) > n {
		diff += len(want) - n
	}
	if len(predicted) > n {
		diff += len(predicted) - n
	}
	return diff
}

// EvalTally tracks generation checks over a run.
type EvalTally struct {
	Evals      int
	Exact      int
	Mismatches int
	Last       int
}

// Record adds one generation check with the given mismatch count.
func (e *EvalTally) Record(mismatches int) {
	e.Evals++
	e.Mismatches += mismatches
	e.Last = mismatches
	if mismatches == 0 {
		e.Exact++
	}
}

// ExactRate is the fraction of checks with zero mismatches.
func (e EvalTally) ExactRate() float64 {
	if e.Evals == 0 {
		return 0
	}
	return float64(e.Exact) / float64(e.Evals)
}
