package model

import (
	"fmt"
	"math/rand"
	"sync"

	"seqcopy-forge/internal/nn"
)

const embedStd = 0.02

// Config describes the encoder-decoder shape.
type Config struct {
	NumTokens          int
	NumSecondaryTokens int
	Dim                int
	FFMult             int

	EncDepth     int
	EncHeads     int
	EncMaxSeqLen int

	DecDepth     int
	DecHeads     int
	DecMaxSeqLen int

	// TieTokenEmbeds shares one token table between encoder and decoder.
	TieTokenEmbeds bool
	EmbDropout     float64
	// SecondaryLossWeight scales the secondary head's loss; 0 means 1.
	SecondaryLossWeight float64

	// Temperature 0 decodes greedily.
	Temperature float64
	// FilterThres keeps the top ceil((1-FilterThres)*vocab) logits when sampling.
	FilterThres float64

	NumWorkers int
	Seed       int64
}

// Validate reports configuration errors that would break construction.
func (c Config) Validate() error {
	switch {
	case c.NumTokens <= 2:
		return fmt.Errorf("model: num_tokens must be > 2 (got %d)", c.NumTokens)
	case c.NumSecondaryTokens <= 0:
		return fmt.Errorf("model: num_secondary_tokens must be > 0 (got %d)", c.NumSecondaryTokens)
	case c.Dim <= 0:
		return fmt.Errorf("model: dim must be > 0 (got %d)", c.Dim)
	case c.EncDepth <= 0 || c.DecDepth <= 0:
		return fmt.Errorf("model: depths must be > 0 (enc=%d dec=%d)", c.EncDepth, c.DecDepth)
	case c.EncHeads <= 0 || c.Dim%c.EncHeads != 0:
		return fmt.Errorf("model: dim %d not divisible by enc_heads %d", c.Dim, c.EncHeads)
	case c.DecHeads <= 0 || c.Dim%c.DecHeads != 0:
		return fmt.Errorf("model: dim %d not divisible by dec_heads %d", c.Dim, c.DecHeads)
	case c.EncMaxSeqLen <= 0 || c.DecMaxSeqLen <= 0:
		return fmt.Errorf("model: max sequence lengths must be > 0 (enc=%d dec=%d)", c.EncMaxSeqLen, c.DecMaxSeqLen)
	case c.EmbDropout < 0 || c.EmbDropout >= 1:
		return fmt.Errorf("model: emb_dropout must be in [0,1) (got %g)", c.EmbDropout)
	case c.FilterThres < 0 || c.FilterThres >= 1:
		return fmt.Errorf("model: filter_thres must be in [0,1) (got %g)", c.FilterThres)
	}
	return nil
}

type encoderLayer struct {
	attnNorm *nn.RMSNorm
	attn     *nn.Attention
	ffNorm   *nn.RMSNorm
	ff       *nn.FeedForward
}

type decoderLayer struct {
	selfNorm  *nn.RMSNorm
	self      *nn.Attention
	crossNorm *nn.RMSNorm
	cross     *nn.Attention
	ffNorm    *nn.RMSNorm
	ff        *nn.FeedForward
}

// Seq2Seq is a pre-norm encoder-decoder transformer with a primary and a
// secondary output head over the decoder states. Generate is not safe for
// concurrent use; ComputeGradients fans out internally.
type Seq2Seq struct {
	cfg Config

	encTok *nn.Param
	decTok *nn.Param
	encPos *nn.Param
	decPos *nn.Param

	encoder []encoderLayer
	encNorm *nn.RMSNorm
	decoder []decoderLayer
	decNorm *nn.RMSNorm

	head    *nn.Linear
	secHead *nn.Linear

	params   []*nn.Param
	training bool
	rng      *rand.Rand

	mu    sync.Mutex
	grads []*nn.GradSet
}

// NewSeq2Seq builds and randomly initializes a model.
func NewSeq2Seq(cfg Config) (*Seq2Seq, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.FFMult <= 0 {
		cfg.FFMult = 4
	}
	if cfg.SecondaryLossWeight == 0 {
		cfg.SecondaryLossWeight = 1
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	m := &Seq2Seq{cfg: cfg, rng: rng, training: true}

	m.encTok = nn.NewParam("enc.tok", cfg.NumTokens, cfg.Dim)
	m.encTok.InitNormal(rng, embedStd)
	m.decTok = m.encTok
	if !cfg.TieTokenEmbeds {
		m.decTok = nn.NewParam("dec.tok", cfg.NumTokens, cfg.Dim)
		m.decTok.InitNormal(rng, embedStd)
	}
	m.encPos = nn.NewParam("enc.pos", cfg.EncMaxSeqLen, cfg.Dim)
	m.encPos.InitNormal(rng, embedStd)
	m.decPos = nn.NewParam("dec.pos", cfg.DecMaxSeqLen, cfg.Dim)
	m.decPos.InitNormal(rng, embedStd)

	for i := 0; i < cfg.EncDepth; i++ {
		name := fmt.Sprintf("enc.%d", i)
		attn, err := nn.NewAttention(name+".attn", cfg.Dim, cfg.EncHeads, false, rng)
		if err != nil {
			return nil, err
		}
		m.encoder = append(m.encoder, encoderLayer{
			attnNorm: nn.NewRMSNorm(name+".attn_norm", cfg.Dim),
			attn:     attn,
			ffNorm:   nn.NewRMSNorm(name+".ff_norm", cfg.Dim),
			ff:       nn.NewFeedForward(name+".ff", cfg.Dim, cfg.FFMult, rng),
		})
	}
	m.encNorm = nn.NewRMSNorm("enc.norm", cfg.Dim)

	for i := 0; i < cfg.DecDepth; i++ {
		name := fmt.Sprintf("dec.%d", i)
		self, err := nn.NewAttention(name+".self", cfg.Dim, cfg.DecHeads, true, rng)
		if err != nil {
			return nil, err
		}
		cross, err := nn.NewAttention(name+".cross", cfg.Dim, cfg.DecHeads, false, rng)
		if err != nil {
			return nil, err
		}
		m.decoder = append(m.decoder, decoderLayer{
			selfNorm:  nn.NewRMSNorm(name+".self_norm", cfg.Dim),
			self:      self,
			crossNorm: nn.NewRMSNorm(name+".cross_norm", cfg.Dim),
			cross:     cross,
			ffNorm:    nn.NewRMSNorm(name+".ff_norm", cfg.Dim),
			ff:        nn.NewFeedForward(name+".ff", cfg.Dim, cfg.FFMult, rng),
		})
	}
	m.decNorm = nn.NewRMSNorm("dec.norm", cfg.Dim)

	m.head = nn.NewLinear("head", cfg.Dim, cfg.NumTokens, rng)
	m.secHead = nn.NewLinear("sec_head", cfg.Dim, cfg.NumSecondaryTokens, rng)

	m.params = m.collectParams()
	return m, nil
}

func (m *Seq2Seq) collectParams() []*nn.Param {
	ps := []*nn.Param{m.encTok}
	if m.decTok != m.encTok {
		ps = append(ps, m.decTok)
	}
	ps = append(ps, m.encPos, m.decPos)
	for _, l := range m.encoder {
		ps = append(ps, l.attnNorm.Gamma)
		ps = append(ps, l.attn.Params()...)
		ps = append(ps, l.ffNorm.Gamma)
		ps = append(ps, l.ff.Params()...)
	}
	ps = append(ps, m.encNorm.Gamma)
	for _, l := range m.decoder {
		ps = append(ps, l.selfNorm.Gamma)
		ps = append(ps, l.self.Params()...)
		ps = append(ps, l.crossNorm.Gamma)
		ps = append(ps, l.cross.Params()...)
		ps = append(ps, l.ffNorm.Gamma)
		ps = append(ps, l.ff.Params()...)
	}
	ps = append(ps, m.decNorm.Gamma, m.head.W, m.secHead.W)
	return ps
}

// Config returns the effective configuration.
func (m *Seq2Seq) Config() Config { return m.cfg }

// Train enables dropout.
func (m *Seq2Seq) Train() { m.training = true }

// Eval disables dropout.
func (m *Seq2Seq) Eval() { m.training = false }

// Training reports whether the model is in training mode.
func (m *Seq2Seq) Training() bool { return m.training }

// Parameters returns every trainable matrix in a stable order.
func (m *Seq2Seq) Parameters() []*nn.Param { return m.params }

// ZeroGrad clears all accumulated gradients.
func (m *Seq2Seq) ZeroGrad() {
	for _, p := range m.params {
		p.ZeroGrad()
	}
}

// ComputeGradients runs forward and backward over every row of batch.
// Row i is always handled by worker i%NumWorkers and the worker gradient
// sets are folded in worker order, so results do not depend on scheduling.
func (m *Seq2Seq) ComputeGradients(batch Batch) (float64, error) {
	if err := batch.Validate(); err != nil {
		return 0, err
	}
	n := batch.Size()
	workers := m.cfg.NumWorkers
	if workers > n {
		workers = n
	}

	var seeds []int64
	if m.training && m.cfg.EmbDropout > 0 {
		seeds = make([]int64, n)
		for i := range seeds {
			seeds[i] = m.rng.Int63()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.grads) < workers {
		m.grads = append(m.grads, nn.NewGradSet())
	}

	losses := make([]float64, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		gs := m.grads[w]
		gs.Reset()
		wg.Add(1)
		go func(w int, gs *nn.GradSet) {
			defer wg.Done()
			for i := w; i < n; i += workers {
				var rng *rand.Rand
				if seeds != nil {
					rng = rand.New(rand.NewSource(seeds[i]))
				}
				losses[i], errs[i] = m.rowGradients(gs, batch, i, rng)
			}
		}(w, gs)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return 0, fmt.Errorf("model: row %d: %w", i, err)
		}
	}
	scale := 1 / float64(n)
	for w := 0; w < workers; w++ {
		m.grads[w].ApplyTo(m.params, scale)
	}

	total := 0.0
	for _, l := range losses {
		total += l
	}
	return total * scale, nil
}
