package cspool

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/go-pkgz/cspool/metrics"
)

// Gathering is a pool collecting results in per-worker buffers and returning all of them on Finish.
type Gathering[T, R any] struct {
	cfg        config
	maker      WorkerMaker[T, R]
	uses       [][]Middleware[T, R]
	completeFn CompleteFn[T, R]
	sub        *submitter[T]

	lock      sync.Mutex // guards start and collect state
	started   bool
	collected bool
	eg        *errgroup.Group
	results   [][]Result[R] // one buffer per worker, written by the worker on exit
}

// NewGathering makes a gathering pool with a shared, stateless worker.
// Nothing is processed until Go is called.
func NewGathering[T, R any](worker Worker[T, R], opts ...Option) (*Gathering[T, R], error) {
	if worker == nil {
		return nil, ErrNilWorker
	}
	return NewStatefulGathering[T, R](sharedMaker(worker), opts...)
}

// NewStatefulGathering makes a gathering pool with a separate worker instance for each goroutine.
// Maker is called once per worker on Go.
func NewStatefulGathering[T, R any](maker WorkerMaker[T, R], opts ...Option) (*Gathering[T, R], error) {
	if maker == nil {
		return nil, ErrNilWorker
	}
	cfg, err := makeConfig(opts)
	if err != nil {
		return nil, fmt.Errorf("make gathering pool: %w", err)
	}
	return &Gathering[T, R]{
		cfg:     cfg,
		maker:   maker,
		sub:     newSubmitter[T](cfg),
		results: make([][]Result[R], cfg.workers),
	}, nil
}

// Use applies middlewares to the pool's worker, has to be called before Go.
// The first middleware is the outermost wrapper.
func (p *Gathering[T, R]) Use(middlewares ...Middleware[T, R]) *Gathering[T, R] {
	if len(middlewares) > 0 {
		p.uses = append(p.uses, middlewares)
	}
	return p
}

// WithCompleteFn sets the function called by each worker after it stopped, has to be called before Go.
// An error of it is returned by Finish.
// Default: none
func (p *Gathering[T, R]) WithCompleteFn(fn CompleteFn[T, R]) *Gathering[T, R] {
	p.completeFn = fn
	return p
}

// Go activates the pool, spawning all workers. Context is passed to every worker call;
// its cancellation does not stop workers, only Finish does.
func (p *Gathering[T, R]) Go(ctx context.Context) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	p.eg = &errgroup.Group{}
	ctx = metrics.With(ctx, p.cfg.metrics)
	for id := range p.cfg.workers {
		var buf []Result[R]
		bare, worker := spawnWorker(p.maker, p.uses)
		wp := &workerProc[T, R]{
			id:         id,
			worker:     worker,
			bare:       bare,
			completeFn: p.completeFn,
			in:         p.sub.q,
			m:          p.cfg.metrics,
			logger:     p.cfg.logger,
			emit:       func(r Result[R]) { buf = append(buf, r) },
		}
		p.eg.Go(func() error {
			err := wp.run(ctx)
			p.results[id] = buf
			return err
		})
	}
	return nil
}

// Submit sends v to workers. Blocks if the queue is bounded and full, till a worker takes
// an item or ctx is done. Returns ErrFinished after Finish.
func (p *Gathering[T, R]) Submit(ctx context.Context, v T) error {
	return p.sub.submit(ctx, v)
}

// Finish sends the quit signal to every worker, waits for all of them to exit and returns
// all results, grouped by worker in spawn order and ordered within a worker by processing order.
// A failed CompleteFn is reported as error along with the results.
//
// If ctx is done first, ctx error is returned and workers go on in the background; calling
// Finish again waits for them and collects the results. Once results are collected, Finish
// returns ErrFinished. Before Go it returns ErrNotStarted.
func (p *Gathering[T, R]) Finish(ctx context.Context) ([]Result[R], error) {
	p.lock.Lock()
	started, collected, eg := p.started, p.collected, p.eg
	p.lock.Unlock()
	if !started {
		return nil, ErrNotStarted
	}
	if collected {
		return nil, ErrFinished
	}

	// quits are sent once, a retry after cut short wait gets ErrFinished here
	_ = p.sub.finish()

	var waitErr error
	done := make(chan error, 1)
	go func() { done <- eg.Wait() }()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for workers: %w", ctx.Err())
	case waitErr = <-done:
	}

	p.lock.Lock()
	defer p.lock.Unlock()
	if p.collected {
		return nil, ErrFinished
	}
	p.collected = true

	total := 0
	for _, buf := range p.results {
		total += len(buf)
	}
	res := make([]Result[R], 0, total)
	for _, buf := range p.results {
		res = append(res, buf...)
	}
	p.cfg.logger.Debug("gathering pool finished", "workers", p.cfg.workers, "results", len(res))
	return res, waitErr
}

// Workers returns the number of workers, fixed at construction
func (p *Gathering[T, R]) Workers() int { return p.cfg.workers }

// Metrics returns metrics collected by the pool
func (p *Gathering[T, R]) Metrics() *metrics.Value { return p.cfg.metrics }
