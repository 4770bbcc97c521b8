// Command seqcopy-shards exports a fixed copy-task corpus as tar shards that
// seqcopy-forge can replay with -shard-root.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"path/filepath"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"seqcopy-forge/internal/config"
	"seqcopy-forge/internal/dataset"
)

func main() {
	klog.InitFlags(nil)
	cfgPath := flag.String("config", "", "Path to YAML config supplying num_tokens, enc_seq_len and seed")
	outDir := flag.String("out", "shards", "Output directory")
	numShards := flag.Int("shards", 4, "Number of shards to write")
	perShard := flag.Int("per-shard", 1024, "Samples per shard")
	seed := flag.Int64("seed", 0, "PRNG seed override")

	flag.Parse()
	defer klog.Flush()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatal(err, "failed to load config", "path", *cfgPath)
	}
	cfg.ApplyOverrides(config.Overrides{Seed: *seed})
	if *numShards <= 0 || *perShard <= 0 {
		fatal(fmt.Errorf("shards=%d per-shard=%d", *numShards, *perShard), "shard counts must be > 0")
	}

	task := dataset.CopyTask{NumTokens: cfg.NumTokens, SeqLen: cfg.EncSeqLen}
	if err := task.Validate(); err != nil {
		fatal(err, "invalid task")
	}

	batchID := uuid.New()
	rng := rand.New(rand.NewSource(cfg.Seed))
	for s := 0; s < *numShards; s++ {
		samples := make([]dataset.Sample, *perShard)
		for i := range samples {
			samples[i] = task.Sample(rng)
			samples[i].Key = fmt.Sprintf("%06d-%06d", s, i)
		}
		path := filepath.Join(*outDir, dataset.ShardName(s))
		if err := dataset.WriteShard(path, samples); err != nil {
			fatal(err, "write shard", "path", path)
		}
		klog.V(1).InfoS("wrote shard", "export", batchID, "path", path, "samples", len(samples))
	}
	klog.InfoS("export finished",
		"export", batchID,
		"out", *outDir,
		"shards", *numShards,
		"perShard", *perShard,
		"numTokens", task.NumTokens,
		"seqLen", task.SeqLen,
	)
}

func fatal(err error, msg string, kv ...interface{}) {
	klog.ErrorS(err, msg, kv...)
	klog.FlushAndExit(klog.ExitFlushTimeout, 1)
}
