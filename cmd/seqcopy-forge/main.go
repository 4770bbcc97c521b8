package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/klauspost/cpuid/v2"
	"k8s.io/klog/v2"

	"seqcopy-forge/internal/config"
	"seqcopy-forge/internal/dataset"
	"seqcopy-forge/internal/model"
	"seqcopy-forge/internal/trainer"
)

func main() {
	klog.InitFlags(nil)
	cfgPath := flag.String("config", "", "Path to YAML config; empty uses the built-in copy task defaults")
	steps := flag.Int("steps", 0, "Number of training steps")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	lr := flag.Float64("lr", 0, "Learning rate")
	generateEvery := flag.Int("generate-every", 0, "Run a generation check every N steps")
	logEvery := flag.Int("log-every", 0, "Log throughput every N steps")
	numWorkers := flag.Int("num-workers", 0, "Number of gradient workers")
	seed := flag.Int64("seed", 0, "PRNG seed")
	dim := flag.Int("dim", 0, "Model width")
	shardRoot := flag.String("shard-root", "", "Replay exported shards under this root instead of generating samples")

	flag.Parse()
	defer klog.Flush()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatal(err, "failed to load config", "path", *cfgPath)
	}

	cfg.ApplyOverrides(config.Overrides{
		Steps:         *steps,
		BatchSize:     *batchSize,
		LearningRate:  *lr,
		GenerateEvery: *generateEvery,
		LogEvery:      *logEvery,
		NumWorkers:    *numWorkers,
		Seed:          *seed,
		Dim:           *dim,
		ShardRoot:     *shardRoot,
	})

	if err := cfg.Validate(); err != nil {
		fatal(err, "invalid config")
	}

	klog.InfoS("host",
		"cpu", cpuid.CPU.BrandName,
		"physicalCores", cpuid.CPU.PhysicalCores,
		"logicalCores", cpuid.CPU.LogicalCores,
		"avx2", cpuid.CPU.Supports(cpuid.AVX2),
		"fma3", cpuid.CPU.Supports(cpuid.FMA3),
		"workers", cfg.NumWorkers,
	)

	var shards []string
	if cfg.ShardRoot != "" {
		shards, err = dataset.DiscoverShards(cfg.ShardRoot)
		if err != nil {
			fatal(err, "discover shards", "root", cfg.ShardRoot)
		}
		if len(shards) == 0 {
			fatal(errors.New("no shards discovered"), "discover shards", "root", cfg.ShardRoot)
		}
		klog.InfoS("replaying shards", "root", cfg.ShardRoot, "shards", len(shards))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCfg := trainer.RunConfig{
		Steps:         cfg.Steps,
		BatchSize:     cfg.BatchSize,
		GenerateEvery: cfg.GenerateEvery,
		LogEvery:      cfg.LogEvery,
		LearningRate:  cfg.LearningRate,
		GradClip:      cfg.GradClip,
		WeightDecay:   cfg.WeightDecay,
		Seed:          cfg.Seed,
		Task:          dataset.CopyTask{NumTokens: cfg.NumTokens, SeqLen: cfg.EncSeqLen},
		Shards:        shards,
		ModelConfig: model.Config{
			NumTokens:           cfg.NumTokens,
			NumSecondaryTokens:  cfg.NumSecondaryTokens,
			Dim:                 cfg.Dim,
			FFMult:              cfg.FFMult,
			EncDepth:            cfg.EncDepth,
			EncHeads:            cfg.EncHeads,
			EncMaxSeqLen:        cfg.EncSeqLen,
			DecDepth:            cfg.DecDepth,
			DecHeads:            cfg.DecHeads,
			DecMaxSeqLen:        cfg.DecSeqLen,
			TieTokenEmbeds:      cfg.TieTokenEmbeds,
			EmbDropout:          cfg.EmbDropout,
			SecondaryLossWeight: cfg.SecondaryLossWeight,
			Temperature:         cfg.Temperature,
			FilterThres:         cfg.FilterThres,
			NumWorkers:          cfg.NumWorkers,
			Seed:                cfg.Seed,
		},
		Out: os.Stdout,
	}

	summary, err := trainer.Run(ctx, runCfg)
	if err != nil {
		fatal(err, "training failed", "run", summary.RunID, "steps", summary.Steps)
	}
	klog.InfoS("done",
		"run", summary.RunID,
		"evals", summary.Evals.Evals,
		"exact", summary.Evals.Exact,
		"lastIncorrects", summary.Evals.Last,
	)
}

func fatal(err error, msg string, kv ...interface{}) {
	klog.ErrorS(err, msg, kv...)
	klog.FlushAndExit(klog.ExitFlushTimeout, 1)
}
