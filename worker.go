package cspool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/go-pkgz/cspool/metrics"
)

// Worker is the interface that wraps the Do method, processing one submitted value.
// Do is called concurrently from all workers of the pool and has to be safe for it.
type Worker[T, R any] interface {
	Do(ctx context.Context, v T) (R, error)
}

// WorkerFunc is an adapter to allow the use of ordinary functions as Workers.
type WorkerFunc[T, R any] func(ctx context.Context, v T) (R, error)

// Do calls f(ctx, v).
func (f WorkerFunc[T, R]) Do(ctx context.Context, v T) (R, error) { return f(ctx, v) }

// Middleware wraps worker and adds functionality
type Middleware[T, R any] func(Worker[T, R]) Worker[T, R]

// WorkerMaker returns a new Worker. Stateful pools call it once per worker goroutine,
// so every worker owns its instance and never shares it.
type WorkerMaker[T, R any] func() Worker[T, R]

// CompleteFn is called by each worker once it stopped, with the worker's own instance,
// before any middleware. Good for flushing per-worker state.
type CompleteFn[T, R any] func(ctx context.Context, id int, worker Worker[T, R]) error

// Result is an outcome of a single Do call. The pool passes it as is and never
// inspects Value or Err.
type Result[R any] struct {
	Value    R
	Err      error
	WorkerID int // spawn index of the worker produced the result
}

// wrap applies middlewares to the worker. The first middleware is the outermost wrapper,
// and the last one is the innermost, closest to the original worker.
func wrap[T, R any](w Worker[T, R], middlewares []Middleware[T, R]) Worker[T, R] {
	wrapped := w
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

// spawnWorker makes the worker instance for one goroutine and applies middlewares of every
// Use call in turn, the latest call being the outermost. Returns the bare and wrapped instances.
func spawnWorker[T, R any](maker WorkerMaker[T, R], uses [][]Middleware[T, R]) (bare, wrapped Worker[T, R]) {
	bare = maker()
	wrapped = bare
	for _, mw := range uses {
		wrapped = wrap(wrapped, mw)
	}
	return bare, wrapped
}

// sharedMaker returns the same stateless worker to every goroutine
func sharedMaker[T, R any](w Worker[T, R]) WorkerMaker[T, R] {
	return func() Worker[T, R] { return w }
}

// workerProc is a single worker, consuming work items until the quit signal or closed queue
type workerProc[T, R any] struct {
	id         int
	worker     Worker[T, R]
	bare       Worker[T, R] // worker before middlewares, passed to completeFn
	completeFn CompleteFn[T, R]
	in         *queue[workItem[T]]
	m          *metrics.Value
	logger     *slog.Logger
	emit       func(Result[R]) // receives each result in processing order
}

// run is the worker loop. Both quit and a closed queue stop it; neither is an error.
// The only error returned is the one of completeFn.
func (w *workerProc[T, R]) run(ctx context.Context) error {
	ctx = metrics.WithWorkerID(ctx, w.id)
	w.logger.Debug("worker started", "worker", w.id)

	var count int
	lastActivity := time.Now()
	for {
		item, ok := w.in.recv()
		w.m.AddDuration(metrics.DurationWait, time.Since(lastActivity))
		if !ok || item.quit {
			w.logger.Debug("worker stopped", "worker", w.id, "processed", count, "quit", ok)
			return w.complete(ctx)
		}
		w.emit(w.process(ctx, item.data))
		count++
		lastActivity = time.Now()
	}
}

// complete calls completeFn, if set, for the stopped worker
func (w *workerProc[T, R]) complete(ctx context.Context) error {
	if w.completeFn == nil {
		return nil
	}
	if err := w.completeFn(ctx, w.id, w.bare); err != nil {
		return fmt.Errorf("complete func for worker %d failed: %w", w.id, err)
	}
	return nil
}

// process calls the worker for a single value. A panic is recovered and reported
// as the result error, letting the worker continue with the rest of the queue.
func (w *workerProc[T, R]) process(ctx context.Context, v T) (res Result[R]) {
	res.WorkerID = w.id
	procEndTmr := w.m.StartTimer(metrics.DurationProc)
	defer func() {
		procEndTmr()
		if r := recover(); r != nil {
			w.m.Inc(metrics.CountPanics)
			w.logger.Error("worker function panicked", "worker", w.id, "panic", fmt.Sprint(r))
			res.Err = fmt.Errorf("worker %d: %w: %v\n%s", w.id, ErrWorkerPanic, r, debug.Stack())
		}
		if res.Err != nil {
			w.m.Inc(metrics.CountErrors)
			return
		}
		w.m.Inc(metrics.CountProcessed)
	}()

	res.Value, res.Err = w.worker.Do(ctx, v)
	return res
}
