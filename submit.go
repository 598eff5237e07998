package cspool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-pkgz/cspool/metrics"
)

// submitter is the sending side of a pool, shared by all its callers.
// It guarantees no data item is accepted after the quit signals.
type submitter[T any] struct {
	q       *queue[workItem[T]]
	workers int
	m       *metrics.Value
	logger  *slog.Logger

	mu       sync.RWMutex // read-locked by submissions, write-locked by finish
	finished bool
}

func newSubmitter[T any](cfg config) *submitter[T] {
	var q *queue[workItem[T]]
	switch {
	case cfg.bounded:
		q = newBoundedQueue[workItem[T]](cfg.capacity)
	default:
		q = newUnboundedQueue[workItem[T]]()
	}
	return &submitter[T]{q: q, workers: cfg.workers, m: cfg.metrics, logger: cfg.logger}
}

// submit enqueues v, blocking on a full bounded queue till space is freed or ctx is done.
func (s *submitter[T]) submit(ctx context.Context, v T) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.finished {
		return ErrFinished
	}
	if err := s.q.send(ctx, dataItem(v)); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	s.m.Inc(metrics.CountSubmitted)
	return nil
}

// finish sends exactly one quit per worker after all accepted items and closes the queue.
// Waits for in-flight submissions first. Can be called once.
func (s *submitter[T]) finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return ErrFinished
	}
	s.finished = true

	s.logger.Debug("dispatching quit signals", "workers", s.workers, "queued", s.q.size())
	for range s.workers {
		// never abandoned, a missing quit leaves a worker running forever
		_ = s.q.send(context.Background(), quitItem[T]())
		s.m.Inc(metrics.CountQuits)
	}
	s.q.close()
	return nil
}
