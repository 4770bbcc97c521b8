package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
)

const defaultChunkSize = 64

// SamplerOptions configures the sample stream. With no Shards the stream is
// generated from Task; otherwise the shards are replayed in a seeded,
// reshuffled order forever.
type SamplerOptions struct {
	Task       CopyTask
	Shards     []string
	Seed       int64
	NumWorkers int
	ChunkSize  int
	PendingCap int
}

// StartSampler launches the sampler pipeline. Work is split into jobs
// (a chunk of generated samples or one shard) that run on NumWorkers
// goroutines; the aggregator emits jobs strictly in id order, so the
// stream for a given seed does not depend on the worker count.
func StartSampler(parent context.Context, opts SamplerOptions) (<-chan Sample, <-chan error, error) {
	if len(opts.Shards) == 0 {
		if err := opts.Task.Validate(); err != nil {
			return nil, nil, fmt.Errorf("sampler: %w", err)
		}
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.PendingCap <= 0 {
		opts.PendingCap = defaultPendingCap
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}

	ctx, cancel := context.WithCancel(parent)

	jobs := make(chan sampleJob, opts.NumWorkers)
	cursors := make(chan jobCursor, opts.NumWorkers)
	out := make(chan Sample, opts.NumWorkers*2)
	errCh := make(chan error, opts.NumWorkers)

	rng := rand.New(rand.NewSource(opts.Seed))

	if len(opts.Shards) > 0 {
		go produceShardJobs(ctx, jobs, opts.Shards, rng)
	} else {
		go produceChunkJobs(ctx, jobs, rng)
	}

	var wg sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(ctx, jobs, cursors, opts)
		}()
	}

	go func() {
		wg.Wait()
		close(cursors)
	}()

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)
		runAggregator(ctx, cursors, out, errCh, len(opts.Shards), opts.Task.SeqLen)
	}()

	return out, errCh, nil
}

type sampleJob struct {
	id   int64
	seed int64
	path string
}

type jobCursor struct {
	id      int64
	samples <-chan Sample
	errCh   <-chan error
}

func worker(ctx context.Context, jobs <-chan sampleJob, cursors chan<- jobCursor, opts SamplerOptions) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			var cursor jobCursor
			if job.path != "" {
				samples, errCh := StreamShard(ctx, job.path, opts.PendingCap)
				cursor = jobCursor{id: job.id, samples: samples, errCh: errCh}
			} else {
				samples, errCh := generateChunk(ctx, opts.Task, job, opts.ChunkSize)
				cursor = jobCursor{id: job.id, samples: samples, errCh: errCh}
			}
			select {
			case <-ctx.Done():
				return
			case cursors <- cursor:
			}
		}
	}
}

// generateChunk draws size samples from a job-private RNG.
func generateChunk(ctx context.Context, task CopyTask, job sampleJob, size int) (<-chan Sample, <-chan error) {
	out := make(chan Sample, size)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		rng := rand.New(rand.NewSource(job.seed))
		for i := 0; i < size; i++ {
			s := task.Sample(rng)
			s.Key = fmt.Sprintf("%08d", job.id*int64(size)+int64(i))
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- s:
			}
		}
	}()
	return out, errCh
}

// ErrNoReplaySamples reports a full pass over the replay shards that yielded
// no complete sample.
var ErrNoReplaySamples = errors.New("dataset: replay shards contain no samples")

// runAggregator emits cursors in id order. With epochJobs > 0 every run of
// epochJobs consecutive jobs is one pass over the shards, and an empty pass
// is an error. A non-zero seqLen rejects samples of any other source length.
func runAggregator(ctx context.Context, cursors <-chan jobCursor, out chan<- Sample, errCh chan<- error, epochJobs, seqLen int) {
	pending := make(map[int64]jobCursor)
	var nextID int64
	epochSamples := 0
	for {
		cursor, ok := pending[nextID]
		if !ok {
			select {
			case <-ctx.Done():
				return
			case c, open := <-cursors:
				if !open {
					return
				}
				pending[c.id] = c
			}
			continue
		}

		n, err := forward(ctx, cursor, out, seqLen)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			errCh <- err
			return
		}
		if err := <-cursor.errCh; err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
			return
		}
		delete(pending, nextID)
		nextID++

		epochSamples += n
		if epochJobs > 0 && nextID%int64(epochJobs) == 0 {
			if epochSamples == 0 {
				errCh <- ErrNoReplaySamples
				return
			}
			epochSamples = 0
		}
	}
}

// forward copies one cursor's samples to out and returns how many it sent.
func forward(ctx context.Context, cursor jobCursor, out chan<- Sample, seqLen int) (int, error) {
	sent := 0
	for {
		select {
		case <-ctx.Done():
			return sent, ctx.Err()
		case sample, ok := <-cursor.samples:
			if !ok {
				return sent, nil
			}
			if seqLen > 0 && len(sample.Src) != seqLen {
				return sent, fmt.Errorf("dataset: sample %s: source length %d != %d", sample.Key, len(sample.Src), seqLen)
			}
			select {
			case <-ctx.Done():
				return sent, ctx.Err()
			case out <- sample:
				sent++
			}
		}
	}
}

func produceChunkJobs(ctx context.Context, jobs chan<- sampleJob, rng *rand.Rand) {
	for id := int64(0); ; id++ {
		select {
		case <-ctx.Done():
			return
		case jobs <- sampleJob{id: id, seed: rng.Int63()}:
		}
	}
}

func produceShardJobs(ctx context.Context, jobs chan<- sampleJob, shards []string, rng *rand.Rand) {
	var jobID int64
	for {
		for _, path := range shuffledOrder(shards, rng) {
			select {
			case <-ctx.Done():
				return
			case jobs <- sampleJob{id: jobID, path: path}:
				jobID++
			}
		}
	}
}

// shuffledOrder returns a seeded permutation of shards for one epoch.
func shuffledOrder(shards []string, rng *rand.Rand) []string {
	order := append([]string(nil), shards...)
	rng.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})
	return order
}
