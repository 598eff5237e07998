// Package cspool provides a worker pool with a fixed number of workers consuming
// values from a single shared submission queue, in two flavors:
//   - Gathering - each worker buffers its own results, all of them returned by Finish
//   - Stream - results are forwarded to a shared channel as soon as they are produced
//     and can be consumed while values are still being submitted
//
// Shutdown uses the poison pill protocol: Finish puts exactly one quit signal per worker
// into the queue after every accepted value, so each worker stops only after the backlog
// ahead of its quit signal was drained. A closed queue is treated the same way as quit.
//
// # Basic Usage
//
//	worker := cspool.WorkerFunc[int, int](func(_ context.Context, v int) (int, error) {
//	    return v * v, nil
//	})
//
//	p, err := cspool.NewGathering[int, int](worker, cspool.WithWorkers(4))
//	if err != nil {
//	    return err
//	}
//	if err := p.Go(ctx); err != nil {
//	    return err
//	}
//	for i := range 10 {
//	    if err := p.Submit(ctx, i); err != nil {
//	        return err
//	    }
//	}
//	results, err := p.Finish(ctx) // blocks till all workers exited
//
// Results are grouped by worker, in spawn order, and ordered by processing order within
// a worker. There is no global ordering matching the submission order.
//
// # Streaming
//
//	s, _ := cspool.NewStream[int, int](worker, cspool.WithWorkers(2))
//	_ = s.Go(ctx)
//	go func() {
//	    for i := range 10 {
//	        _ = s.Submit(ctx, i)
//	    }
//	    _ = s.Finish() // doesn't wait for workers
//	}()
//	for v, err := range s.Iter() { // ends after the last result
//	    // use v and err
//	}
//
// # Stateful Workers
//
// NewStatefulGathering and NewStatefulStream take a WorkerMaker, called once per worker,
// so each worker goroutine owns its instance and its state needs no locking. CompleteFn,
// set by WithCompleteFn, is called by every worker after it stopped, with that instance:
//
//	p, _ := cspool.NewStatefulGathering[int, int](func() cspool.Worker[int, int] {
//	    return &summer{}
//	}, cspool.WithWorkers(4))
//	p.WithCompleteFn(func(ctx context.Context, id int, w cspool.Worker[int, int]) error {
//	    return w.(*summer).flush(ctx)
//	})
//
// Gathering reports a CompleteFn error from Finish, Stream from Wait.
//
// # Backpressure
//
// By default the submission queue is unbounded and Submit never blocks. WithQueueCapacity
// bounds it, making Submit block while the queue is full. Context passed to Submit limits
// such wait, and a bounded queue rejects Submit with ctx already done.
//
// # Errors
//
// Worker returns (R, error) and both are delivered as Result, the pool never retries or
// inspects them. A panic in the worker function is recovered and reported as Result.Err
// wrapping ErrWorkerPanic; the worker continues with the next value.
//
// # Metrics
//
// The pool counts submitted, processed, failed and panicked items, dispatched quit signals,
// and processing and wait times, see Metrics and the metrics package, also exporting them
// to prometheus.
package cspool
