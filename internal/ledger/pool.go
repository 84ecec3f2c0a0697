package ledger

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrPoolClosed is returned when a seal is submitted to a closed SealPool.
var ErrPoolClosed = errors.New("seal pool closed")

type sealJob struct {
	ctx        context.Context
	candidate  Candidate
	difficulty int
	result     chan sealResult
}

type sealResult struct {
	record SealedRecord
	stats  SealStats
	err    error
}

// SealPool offloads proof-of-work searches to a fixed set of worker
// goroutines so request handlers only wait on a channel.
type SealPool struct {
	sealer *Sealer
	jobs   chan sealJob
	quit   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewSealPool starts workers goroutines that run sealer. workers < 1 is
// treated as 1.
func NewSealPool(sealer *Sealer, workers int, logger *zap.Logger) *SealPool {
	if workers < 1 {
		workers = 1
	}
	p := &SealPool{
		sealer: sealer,
		jobs:   make(chan sealJob),
		quit:   make(chan struct{}),
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	logger.Info("seal pool started", zap.Int("workers", workers))
	return p
}

func (p *SealPool) work() {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.jobs:
			rec, stats, err := p.sealer.Seal(job.ctx, job.candidate, job.difficulty)
			job.result <- sealResult{record: rec, stats: stats, err: err}
		case <-p.quit:
			return
		}
	}
}

// Seal implements Miner. It blocks until a worker finishes the job or ctx is
// done; in the latter case the worker observes the same ctx and stops.
func (p *SealPool) Seal(ctx context.Context, c Candidate, difficulty int) (SealedRecord, SealStats, error) {
	job := sealJob{
		ctx:        ctx,
		candidate:  c,
		difficulty: difficulty,
		result:     make(chan sealResult, 1),
	}

	select {
	case p.jobs <- job:
	case <-p.quit:
		return SealedRecord{}, SealStats{}, ErrPoolClosed
	case <-ctx.Done():
		return SealedRecord{}, SealStats{}, errors.Join(ErrSealAborted, ctx.Err())
	}

	select {
	case res := <-job.result:
		return res.record, res.stats, res.err
	case <-ctx.Done():
		return SealedRecord{}, SealStats{}, errors.Join(ErrSealAborted, ctx.Err())
	}
}

// Close stops the workers after their current job. Safe to call twice.
func (p *SealPool) Close() {
	p.once.Do(func() {
		close(p.quit)
		p.wg.Wait()
		p.logger.Info("seal pool stopped")
	})
}
