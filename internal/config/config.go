package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/klauspost/cpuid/v2"
	"gopkg.in/yaml.v3"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	Steps         int     `yaml:"steps"`
	BatchSize     int     `yaml:"batch_size"`
	LearningRate  float64 `yaml:"learning_rate"`
	GenerateEvery int     `yaml:"generate_every"`
	LogEvery      int     `yaml:"log_every"`
	GradClip      float64 `yaml:"grad_clip"`
	WeightDecay   float64 `yaml:"weight_decay"`
	Seed          int64   `yaml:"seed"`
	NumWorkers    int     `yaml:"num_workers"`

	NumTokens          int `yaml:"num_tokens"`
	NumSecondaryTokens int `yaml:"num_secondary_tokens"`
	EncSeqLen          int `yaml:"enc_seq_len"`
	DecSeqLen          int `yaml:"dec_seq_len"`

	Dim                 int     `yaml:"dim"`
	FFMult              int     `yaml:"ff_mult"`
	EncDepth            int     `yaml:"enc_depth"`
	EncHeads            int     `yaml:"enc_heads"`
	DecDepth            int     `yaml:"dec_depth"`
	DecHeads            int     `yaml:"dec_heads"`
	TieTokenEmbeds      bool    `yaml:"tie_token_embeds"`
	EmbDropout          float64 `yaml:"emb_dropout"`
	SecondaryLossWeight float64 `yaml:"secondary_loss_weight"`

	Temperature float64 `yaml:"temperature"`
	FilterThres float64 `yaml:"filter_thres"`

	// ShardRoot, when set, replays exported shards instead of generating.
	ShardRoot string `yaml:"shard_root"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	Steps         int
	BatchSize     int
	LearningRate  float64
	GenerateEvery int
	LogEvery      int
	NumWorkers    int
	Seed          int64
	Dim           int
	ShardRoot     string
}

// Default returns the toy copy-task setup: 32 source tokens over a 16 symbol
// alphabet plus two reserved IDs, decoded into a 65 token target.
func Default() *Config {
	return &Config{
		Steps:               100000,
		BatchSize:           32,
		LearningRate:        3e-4,
		GenerateEvery:       100,
		LogEvery:            50,
		Seed:                42,
		NumWorkers:          DefaultWorkers(),
		NumTokens:           16 + 2,
		NumSecondaryTokens:  16 + 2,
		EncSeqLen:           32,
		DecSeqLen:           64 + 1,
		Dim:                 64,
		FFMult:              4,
		EncDepth:            3,
		EncHeads:            8,
		DecDepth:            3,
		DecHeads:            8,
		TieTokenEmbeds:      true,
		SecondaryLossWeight: 1,
		Temperature:         1,
		FilterThres:         0.9,
	}
}

// DefaultWorkers sizes the gradient worker pool from the host's logical cores.
func DefaultWorkers() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// Load reads and validates a Config from YAML. Keys absent from the file keep
// their defaults; an empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Parse decodes YAML on top of the defaults. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Steps > 0 {
		c.Steps = o.Steps
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.GenerateEvery > 0 {
		c.GenerateEvery = o.GenerateEvery
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.Dim > 0 {
		c.Dim = o.Dim
	}
	if o.ShardRoot != "" {
		c.ShardRoot = o.ShardRoot
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Steps <= 0 {
		return fmt.Errorf("steps must be > 0 (got %d)", c.Steps)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be > 0 (got %g)", c.LearningRate)
	}
	if c.GenerateEvery <= 0 {
		return fmt.Errorf("generate_every must be > 0 (got %d)", c.GenerateEvery)
	}
	if c.NumTokens <= 2 {
		return fmt.Errorf("num_tokens must be > 2 to leave room for the reserved ids (got %d)", c.NumTokens)
	}
	if c.NumSecondaryTokens < c.NumTokens {
		return fmt.Errorf("num_secondary_tokens (%d) must cover num_tokens (%d) since the secondary target copies the source",
			c.NumSecondaryTokens, c.NumTokens)
	}
	if c.EncSeqLen <= 0 {
		return fmt.Errorf("enc_seq_len must be > 0 (got %d)", c.EncSeqLen)
	}
	if c.DecSeqLen != 1+2*c.EncSeqLen {
		return fmt.Errorf("dec_seq_len must be 1 + 2*enc_seq_len = %d (got %d)", 1+2*c.EncSeqLen, c.DecSeqLen)
	}
	if c.Dim <= 0 {
		return fmt.Errorf("dim must be > 0 (got %d)", c.Dim)
	}
	if c.EncHeads <= 0 || c.Dim%c.EncHeads != 0 {
		return fmt.Errorf("dim %d must be divisible by enc_heads %d", c.Dim, c.EncHeads)
	}
	if c.DecHeads <= 0 || c.Dim%c.DecHeads != 0 {
		return fmt.Errorf("dim %d must be divisible by dec_heads %d", c.Dim, c.DecHeads)
	}
	if c.EncDepth <= 0 || c.DecDepth <= 0 {
		return fmt.Errorf("enc_depth and dec_depth must be > 0 (got %d, %d)", c.EncDepth, c.DecDepth)
	}
	if c.EmbDropout < 0 || c.EmbDropout >= 1 {
		return fmt.Errorf("emb_dropout must be in [0,1) (got %g)", c.EmbDropout)
	}
	if c.Temperature < 0 {
		return fmt.Errorf("temperature must be >= 0 (got %g)", c.Temperature)
	}
	if c.FilterThres < 0 || c.FilterThres >= 1 {
		return fmt.Errorf("filter_thres must be in [0,1) (got %g)", c.FilterThres)
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = DefaultWorkers()
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
	if c.FFMult <= 0 {
		c.FFMult = 4
	}
	return nil
}
