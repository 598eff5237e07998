package cspool

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/go-pkgz/cspool/metrics"
)

// Stream is a pool forwarding every result to a shared result channel as soon as it is produced.
// Results can be consumed concurrently with Submit, in completion order.
//
// A *Stream is safe to share between goroutines; every holder submits to the same queue
// and pulls from the same result channel, each result delivered to exactly one puller.
type Stream[T, R any] struct {
	cfg        config
	maker      WorkerMaker[T, R]
	uses       [][]Middleware[T, R]
	completeFn CompleteFn[T, R]
	sub        *submitter[T]
	results    *queue[Result[R]]

	lock    sync.Mutex // guards start state
	started bool
	stopped chan struct{} // closed once all workers stopped
	err     error         // first CompleteFn error, set before stopped is closed
}

// NewStream makes a streaming pool with a shared, stateless worker.
// Nothing is processed until Go is called.
func NewStream[T, R any](worker Worker[T, R], opts ...Option) (*Stream[T, R], error) {
	if worker == nil {
		return nil, ErrNilWorker
	}
	return NewStatefulStream[T, R](sharedMaker(worker), opts...)
}

// NewStatefulStream makes a streaming pool with a separate worker instance for each goroutine.
// Maker is called once per worker on Go.
func NewStatefulStream[T, R any](maker WorkerMaker[T, R], opts ...Option) (*Stream[T, R], error) {
	if maker == nil {
		return nil, ErrNilWorker
	}
	cfg, err := makeConfig(opts)
	if err != nil {
		return nil, fmt.Errorf("make stream pool: %w", err)
	}
	return &Stream[T, R]{
		cfg:     cfg,
		maker:   maker,
		sub:     newSubmitter[T](cfg),
		results: newUnboundedQueue[Result[R]](),
		stopped: make(chan struct{}),
	}, nil
}

// Use applies middlewares to the pool's worker, has to be called before Go.
// The first middleware is the outermost wrapper.
func (s *Stream[T, R]) Use(middlewares ...Middleware[T, R]) *Stream[T, R] {
	if len(middlewares) > 0 {
		s.uses = append(s.uses, middlewares)
	}
	return s
}

// WithCompleteFn sets the function called by each worker after it stopped, has to be called before Go.
// An error of it is returned by Wait.
// Default: none
func (s *Stream[T, R]) WithCompleteFn(fn CompleteFn[T, R]) *Stream[T, R] {
	s.completeFn = fn
	return s
}

// Go activates the pool, spawning all workers. The result channel is closed
// once every worker has stopped.
func (s *Stream[T, R]) Go(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	eg := &errgroup.Group{}
	ctx = metrics.With(ctx, s.cfg.metrics)
	for id := range s.cfg.workers {
		bare, worker := spawnWorker(s.maker, s.uses)
		wp := &workerProc[T, R]{
			id:         id,
			worker:     worker,
			bare:       bare,
			completeFn: s.completeFn,
			in:         s.sub.q,
			m:          s.cfg.metrics,
			logger:     s.cfg.logger,
			emit: func(r Result[R]) {
				_ = s.results.send(context.Background(), r) // unbounded, never blocks
			},
		}
		eg.Go(func() error { return wp.run(ctx) })
	}

	go func() {
		s.err = eg.Wait()
		s.results.close()
		close(s.stopped)
		s.cfg.logger.Debug("stream pool finished", "workers", s.cfg.workers, "error", s.err)
	}()
	return nil
}

// Submit sends v to workers. Blocks if the queue is bounded and full, till a worker takes
// an item or ctx is done. Returns ErrFinished after Finish.
func (s *Stream[T, R]) Submit(ctx context.Context, v T) error {
	return s.sub.submit(ctx, v)
}

// Finish sends the quit signal to every worker and returns without waiting for them.
// Results of all items submitted before Finish are still delivered, after which the
// result channel is closed. On a full bounded queue it waits for workers to free space
// for the quit signals. Returns ErrFinished if called again and ErrNotStarted before Go.
func (s *Stream[T, R]) Finish() error {
	s.lock.Lock()
	started := s.started
	s.lock.Unlock()
	if !started {
		return ErrNotStarted
	}
	return s.sub.finish()
}

// Wait blocks till all workers stopped, i.e. till Finish was called and every submitted
// item processed, or ctx is done. Returns the first CompleteFn error, if any.
// Results don't have to be consumed for Wait to return.
func (s *Stream[T, R]) Wait(ctx context.Context) error {
	s.lock.Lock()
	started := s.started
	s.lock.Unlock()
	if !started {
		return ErrNotStarted
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("wait for workers: %w", ctx.Err())
	case <-s.stopped:
		return s.err
	}
}

// Results returns the channel of results in completion order, closed after all workers stopped.
func (s *Stream[T, R]) Results() <-chan Result[R] { return s.results.out }

// Next blocks till the next result is available. Returns false once all workers
// stopped and every result was pulled.
func (s *Stream[T, R]) Next() (Result[R], bool) { return s.results.recv() }

// Iter returns a single-pass sequence of result values and their errors.
// Breaking out of the loop leaves remaining results for other pullers.
func (s *Stream[T, R]) Iter() iter.Seq2[R, error] {
	return func(yield func(R, error) bool) {
		for r := range s.results.out {
			if !yield(r.Value, r.Err) {
				return
			}
		}
	}
}

// Workers returns the number of workers, fixed at construction
func (s *Stream[T, R]) Workers() int { return s.cfg.workers }

// Metrics returns metrics collected by the pool
func (s *Stream[T, R]) Metrics() *metrics.Value { return s.cfg.metrics }
