package cspool

import (
	"context"
	"sync"
	"sync/atomic"
)

// workItem is either a payload for a worker or the quit signal (poison pill).
type workItem[T any] struct {
	data T
	quit bool
}

func dataItem[T any](v T) workItem[T] { return workItem[T]{data: v} }

func quitItem[T any]() workItem[T] { return workItem[T]{quit: true} }

// queue is a multi-producer, multi-consumer FIFO of work items with the capacity mode
// fixed at creation. Consumers range over out, producers call send.
type queue[T any] struct {
	in        chan T
	out       <-chan T
	bounded   bool
	capacity  int
	pending   atomic.Int64 // backlog of unbounded queue
	closeOnce sync.Once
}

// newBoundedQueue makes a queue blocking senders once capacity items are pending.
// Zero capacity makes every send wait for a receiver.
func newBoundedQueue[T any](capacity int) *queue[T] {
	ch := make(chan T, capacity)
	return &queue[T]{in: ch, out: ch, bounded: true, capacity: capacity}
}

// newUnboundedQueue makes a queue with sends never blocking on consumers.
// The backlog is kept by a pump goroutine, terminated by close after the backlog is drained.
func newUnboundedQueue[T any]() *queue[T] {
	in, out := make(chan T), make(chan T)
	q := &queue[T]{in: in, out: out}
	go q.pump(in, out)
	return q
}

// pump moves values from in to out, buffering as many as needed.
// Closing in makes pump deliver the remaining buffer and close out.
func (q *queue[T]) pump(in <-chan T, out chan<- T) {
	defer close(out)
	var buf []T
	for in != nil || len(buf) > 0 {
		var outCh chan<- T // nil channel disables the send case while buffer is empty
		var next T
		if len(buf) > 0 {
			outCh, next = out, buf[0]
		}
		select {
		case v, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			buf = append(buf, v)
		case outCh <- next:
			var zero T
			buf[0] = zero // release reference for gc
			buf = buf[1:]
			q.pending.Add(-1)
		}
	}
}

// send enqueues v. Blocks only for a full bounded queue, in which case ctx limits the wait.
// A bounded queue rejects sends with ctx already done.
func (q *queue[T]) send(ctx context.Context, v T) error {
	if !q.bounded {
		q.pending.Add(1)
		q.in <- v // pump is always ready to receive
		return nil
	}

	done := ctx.Done()
	select {
	case <-done:
		return ctx.Err()
	default:
	}

	select {
	case q.in <- v:
		return nil
	case <-done:
		return ctx.Err()
	}
}

// recv returns the next value, false if the queue is closed and drained.
func (q *queue[T]) recv() (T, bool) {
	v, ok := <-q.out
	return v, ok
}

// size returns the number of values waiting in the queue.
func (q *queue[T]) size() int {
	if q.bounded {
		return len(q.in)
	}
	return int(q.pending.Load())
}

// close marks the end of sends, safe to call more than once.
func (q *queue[T]) close() {
	q.closeOnce.Do(func() { close(q.in) })
}
