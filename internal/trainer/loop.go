package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"seqcopy-forge/internal/dataset"
	"seqcopy-forge/internal/metrics"
	"seqcopy-forge/internal/model"
	"seqcopy-forge/internal/optim"
)

// RunConfig captures the knobs required by the training loop.
type RunConfig struct {
	Steps         int
	BatchSize     int
	GenerateEvery int
	LogEvery      int
	LearningRate  float64
	GradClip      float64
	WeightDecay   float64
	Seed          int64

	Task   dataset.CopyTask
	Shards []string
	// SamplerWorkers defaults to 1; gradient workers live in the model.
	SamplerWorkers int

	// Model is trained when set; otherwise one is built from ModelConfig.
	Model       model.Model
	ModelConfig model.Config

	// Out receives the per-step loss lines and generation reports.
	Out   io.Writer
	RunID string
}

// Summary describes a finished run.
type Summary struct {
	RunID    string
	Steps    int
	LastLoss float64
	Evals    metrics.EvalTally
}

// Run executes the training workload. Step i trains on one fresh batch;
// whenever i is a non-zero multiple of GenerateEvery the model is switched to
// eval mode and asked to reproduce a fresh source sequence.
func Run(ctx context.Context, cfg RunConfig) (Summary, error) {
	if cfg.Steps <= 0 {
		return Summary{}, errors.New("trainer: steps must be > 0")
	}
	if cfg.BatchSize <= 0 {
		return Summary{}, errors.New("trainer: batch size must be > 0")
	}
	if cfg.GenerateEvery <= 0 {
		return Summary{}, errors.New("trainer: generate every must be > 0")
	}
	if cfg.LearningRate <= 0 {
		return Summary{}, errors.New("trainer: learning rate must be > 0")
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 50
	}
	if cfg.SamplerWorkers <= 0 {
		cfg.SamplerWorkers = 1
	}
	out := cfg.Out
	if out == nil {
		out = io.Discard
	}
	summary := Summary{RunID: cfg.RunID}
	if summary.RunID == "" {
		summary.RunID = uuid.NewString()
	}

	mdl := cfg.Model
	if mdl == nil {
		built, err := model.NewSeq2Seq(cfg.ModelConfig)
		if err != nil {
			return summary, fmt.Errorf("trainer: build model: %w", err)
		}
		mdl = built
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	samples, samplerErr, err := dataset.StartSampler(ctx, dataset.SamplerOptions{
		Task:       cfg.Task,
		Shards:     cfg.Shards,
		Seed:       cfg.Seed,
		NumWorkers: cfg.SamplerWorkers,
		ChunkSize:  cfg.BatchSize,
	})
	if err != nil {
		return summary, err
	}

	opt := optim.NewAdam(cfg.LearningRate)
	opt.WeightDecay = cfg.WeightDecay
	params := mdl.Parameters()

	klog.InfoS("starting training",
		"run", summary.RunID,
		"params", model.NumParams(mdl),
		"steps", cfg.Steps,
		"batchSize", cfg.BatchSize,
		"generateEvery", cfg.GenerateEvery,
		"replayShards", len(cfg.Shards),
	)

	var window metrics.Window
	for step := 0; step < cfg.Steps; step++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		mdl.Train()

		startData := time.Now()
		batch, err := nextBatch(ctx, samples, samplerErr, cfg.BatchSize)
		if err != nil {
			return summary, err
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		loss, err := mdl.ComputeGradients(batch)
		if err != nil {
			return summary, fmt.Errorf("trainer: step %d: %w", step, err)
		}
		fmt.Fprintf(out, "%d: %v\n", step, loss)

		gradNorm := optim.ClipGradNorm(params, cfg.GradClip)
		opt.Step(params)
		mdl.ZeroGrad()
		computeTime := time.Since(startCompute)

		summary.Steps = step + 1
		summary.LastLoss = loss
		window.Record(cfg.BatchSize, dataTime, computeTime, loss)
		klog.V(2).InfoS("step", "run", summary.RunID, "step", step, "loss", loss, "gradNorm", gradNorm)

		if (step+1)%cfg.LogEvery == 0 {
			snap := window.Snapshot()
			klog.InfoS("training window",
				"run", summary.RunID,
				"step", step,
				"samplesPerSec", fmt.Sprintf("%.1f", snap.SamplesPerSec),
				"dataMS", fmt.Sprintf("%.2f", snap.AvgDataMS),
				"computeMS", fmt.Sprintf("%.2f", snap.AvgComputeMS),
				"meanLoss", fmt.Sprintf("%.4f", snap.MeanLoss),
			)
		}

		if step != 0 && step%cfg.GenerateEvery == 0 {
			incorrects, err := evaluate(ctx, mdl, samples, samplerErr, out)
			if err != nil {
				return summary, fmt.Errorf("trainer: generate at step %d: %w", step, err)
			}
			summary.Evals.Record(incorrects)
			klog.InfoS("generation check",
				"run", summary.RunID,
				"step", step,
				"incorrects", incorrects,
				"exactRate", fmt.Sprintf("%.3f", summary.Evals.ExactRate()),
			)
		}
	}

	klog.InfoS("training finished", "run", summary.RunID, "steps", summary.Steps, "lastLoss", summary.LastLoss)
	return summary, nil
}

func nextBatch(ctx context.Context, samples <-chan dataset.Sample, errs <-chan error, batchSize int) (model.Batch, error) {
	batch := model.Batch{
		Src:     make([][]int, 0, batchSize),
		Tgt:     make([][]int, 0, batchSize),
		SecTgt:  make([][]int, 0, batchSize),
		SrcMask: make([][]bool, 0, batchSize),
		TgtMask: make([][]bool, 0, batchSize),
	}
	for batch.Size() < batchSize {
		select {
		case <-ctx.Done():
			return model.Batch{}, ctx.Err()
		case err, ok := <-errs:
			if ok && err != nil {
				return model.Batch{}, err
			}
		case sample, ok := <-samples:
			if !ok {
				return model.Batch{}, errors.New("sampler closed")
			}
			batch.Src = append(batch.Src, sample.Src)
			batch.Tgt = append(batch.Tgt, sample.Tgt)
			batch.SecTgt = append(batch.SecTgt, sample.SecTgt)
			batch.SrcMask = append(batch.SrcMask, sample.SrcMask)
			batch.TgtMask = append(batch.TgtMask, sample.TgtMask)
		}
	}
	return batch, nil
}
