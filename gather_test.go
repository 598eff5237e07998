package cspool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-pkgz/cspool/metrics"
)

func square() WorkerFunc[int, int] {
	return func(_ context.Context, v int) (int, error) { return v * v, nil }
}

func values[R any](res []Result[R]) []R {
	out := make([]R, len(res))
	for i, r := range res {
		out[i] = r.Value
	}
	return out
}

func TestGathering_SingleWorkerKeepsOrder(t *testing.T) {
	identity := WorkerFunc[int, int](func(_ context.Context, v int) (int, error) { return v, nil })
	p, err := NewGathering[int, int](identity, WithWorkers(1))
	require.NoError(t, err)
	require.NoError(t, p.Go(context.Background()))

	for _, v := range []int{1, 2, 3} {
		require.NoError(t, p.Submit(context.Background(), v))
	}

	res, err := p.Finish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, values(res))
	for _, r := range res {
		assert.Equal(t, 0, r.WorkerID)
		assert.NoError(t, r.Err)
	}
}

func TestGathering_NoLossNoDuplicates(t *testing.T) {
	for _, tc := range []struct {
		workers, items int
		opts           []Option
	}{
		{workers: 1, items: 1},
		{workers: 2, items: 100},
		{workers: 8, items: 1000},
		{workers: 4, items: 10, opts: []Option{WithQueueCapacity(2)}},
		{workers: 3, items: 500, opts: []Option{WithQueueCapacity(0)}},
		{workers: 16, items: 5},
	} {
		t.Run(fmt.Sprintf("w%d-n%d-opts%d", tc.workers, tc.items, len(tc.opts)), func(t *testing.T) {
			opts := append([]Option{WithWorkers(tc.workers)}, tc.opts...)
			p, err := NewGathering[int, int](square(), opts...)
			require.NoError(t, err)
			require.NoError(t, p.Go(context.Background()))

			for i := range tc.items {
				require.NoError(t, p.Submit(context.Background(), i))
			}
			res, err := p.Finish(context.Background())
			require.NoError(t, err)
			require.Len(t, res, tc.items)

			got := values(res)
			sort.Ints(got)
			for i, v := range got {
				require.Equal(t, i*i, v)
			}

			stats := p.Metrics().Stats()
			assert.Equal(t, tc.items, stats.Submitted)
			assert.Equal(t, tc.items, stats.Processed)
			assert.Equal(t, tc.workers, stats.Quits, "exactly one quit per worker")
		})
	}
}

func TestGathering_GroupedByWorker(t *testing.T) {
	worker := WorkerFunc[int, int](func(ctx context.Context, v int) (int, error) {
		time.Sleep(time.Millisecond) // let other workers take items
		return metrics.WorkerID(ctx), nil
	})
	p, err := NewGathering[int, int](worker, WithWorkers(4))
	require.NoError(t, err)
	require.NoError(t, p.Go(context.Background()))
	for i := range 100 {
		require.NoError(t, p.Submit(context.Background(), i))
	}
	res, err := p.Finish(context.Background())
	require.NoError(t, err)
	require.Len(t, res, 100)

	// results are concatenated in worker spawn order
	for i, r := range res {
		assert.Equal(t, r.WorkerID, r.Value, "worker id in context and result should match")
		if i > 0 {
			assert.LessOrEqual(t, res[i-1].WorkerID, r.WorkerID, "results not grouped by worker at %d", i)
		}
	}
}

func TestGathering_OrderWithinWorker(t *testing.T) {
	identity := WorkerFunc[int, int](func(_ context.Context, v int) (int, error) { return v, nil })
	p, err := NewGathering[int, int](identity, WithWorkers(3))
	require.NoError(t, err)
	require.NoError(t, p.Go(context.Background()))
	for i := range 300 {
		require.NoError(t, p.Submit(context.Background(), i))
	}
	res, err := p.Finish(context.Background())
	require.NoError(t, err)

	// a single producer submits in increasing order, so every worker sees increasing values
	last := map[int]int{}
	for _, r := range res {
		if prev, ok := last[r.WorkerID]; ok {
			assert.Greater(t, r.Value, prev)
		}
		last[r.WorkerID] = r.Value
	}
}

func TestGathering_Backpressure(t *testing.T) {
	const workers, capacity = 4, 2
	started := make(chan struct{}, 10)
	gate := make(chan struct{})
	worker := WorkerFunc[int, int](func(_ context.Context, v int) (int, error) {
		started <- struct{}{}
		<-gate
		return v * v, nil
	})

	p, err := NewGathering[int, int](worker, WithWorkers(workers), WithQueueCapacity(capacity))
	require.NoError(t, err)
	require.NoError(t, p.Go(context.Background()))

	// every worker takes one item and blocks
	for i := range workers {
		require.NoError(t, p.Submit(context.Background(), i))
	}
	for range workers {
		<-started
	}

	// queue takes capacity more
	for i := range capacity {
		require.NoError(t, p.Submit(context.Background(), workers+i))
	}

	// next one blocks till workers consume
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Submit(ctx, 100), context.DeadlineExceeded)

	submitted := make(chan error, 1)
	go func() {
		var err error
		for i := workers + capacity; i < 10 && err == nil; i++ {
			err = p.Submit(context.Background(), i)
		}
		submitted <- err
	}()
	select {
	case <-submitted:
		t.Fatal("submit should block while queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	require.NoError(t, <-submitted)

	res, err := p.Finish(context.Background())
	require.NoError(t, err)
	require.Len(t, res, 10)
	got := values(res)
	sort.Ints(got)
	assert.Equal(t, []int{0, 1, 4, 9, 16, 25, 36, 49, 64, 81}, got)
}

func TestGathering_ErrorsTransported(t *testing.T) {
	errOdd := errors.New("odd value")
	worker := WorkerFunc[int, string](func(_ context.Context, v int) (string, error) {
		if v%2 == 1 {
			return "", errOdd
		}
		return strconv.Itoa(v), nil
	})
	p, err := NewGathering[int, string](worker, WithWorkers(2))
	require.NoError(t, err)
	require.NoError(t, p.Go(context.Background()))
	for i := range 10 {
		require.NoError(t, p.Submit(context.Background(), i))
	}
	res, err := p.Finish(context.Background())
	require.NoError(t, err)
	require.Len(t, res, 10)

	var failed int
	for _, r := range res {
		if r.Err != nil {
			require.ErrorIs(t, r.Err, errOdd)
			failed++
		}
	}
	assert.Equal(t, 5, failed)
	assert.Equal(t, 5, p.Metrics().Get(metrics.CountErrors))
	assert.Equal(t, 5, p.Metrics().Get(metrics.CountProcessed))
}

func TestGathering_PanicIsolated(t *testing.T) {
	worker := WorkerFunc[int, int](func(_ context.Context, v int) (int, error) {
		if v == 3 {
			panic("boom")
		}
		return v, nil
	})
	p, err := NewGathering[int, int](worker, WithWorkers(1))
	require.NoError(t, err)
	require.NoError(t, p.Go(context.Background()))
	for i := range 6 {
		require.NoError(t, p.Submit(context.Background(), i))
	}
	res, err := p.Finish(context.Background())
	require.NoError(t, err)
	require.Len(t, res, 6, "worker should survive the panic")

	require.ErrorIs(t, res[3].Err, ErrWorkerPanic)
	assert.Contains(t, res[3].Err.Error(), "boom")
	assert.Equal(t, 5, res[5].Value)
	assert.Equal(t, 1, p.Metrics().Get(metrics.CountPanics))
}

func TestGathering_Misuse(t *testing.T) {
	t.Run("finish twice", func(t *testing.T) {
		p, err := NewGathering[int, int](square(), WithWorkers(2))
		require.NoError(t, err)
		require.NoError(t, p.Go(context.Background()))
		_, err = p.Finish(context.Background())
		require.NoError(t, err)

		_, err = p.Finish(context.Background())
		require.ErrorIs(t, err, ErrFinished)
		assert.Equal(t, 2, p.Metrics().Get(metrics.CountQuits), "no extra quits sent")
	})

	t.Run("submit after finish", func(t *testing.T) {
		p, err := NewGathering[int, int](square(), WithWorkers(2))
		require.NoError(t, err)
		require.NoError(t, p.Go(context.Background()))
		_, err = p.Finish(context.Background())
		require.NoError(t, err)
		require.ErrorIs(t, p.Submit(context.Background(), 1), ErrFinished)
	})

	t.Run("go twice", func(t *testing.T) {
		p, err := NewGathering[int, int](square(), WithWorkers(1))
		require.NoError(t, err)
		require.NoError(t, p.Go(context.Background()))
		require.ErrorIs(t, p.Go(context.Background()), ErrAlreadyStarted)
		_, err = p.Finish(context.Background())
		require.NoError(t, err)
	})

	t.Run("finish before go", func(t *testing.T) {
		p, err := NewGathering[int, int](square(), WithWorkers(1))
		require.NoError(t, err)
		_, err = p.Finish(context.Background())
		require.ErrorIs(t, err, ErrNotStarted)
	})

	t.Run("submit before go", func(t *testing.T) {
		p, err := NewGathering[int, int](square(), WithWorkers(2))
		require.NoError(t, err)
		require.NoError(t, p.Submit(context.Background(), 2))
		require.NoError(t, p.Go(context.Background()))
		res, err := p.Finish(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []int{4}, values(res))
	})
}

func TestGathering_FinishContext(t *testing.T) {
	gate := make(chan struct{})
	worker := WorkerFunc[int, int](func(_ context.Context, v int) (int, error) {
		<-gate
		return v, nil
	})
	p, err := NewGathering[int, int](worker, WithWorkers(1))
	require.NoError(t, err)
	require.NoError(t, p.Go(context.Background()))
	require.NoError(t, p.Submit(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Finish(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.ErrorIs(t, p.Submit(context.Background(), 2), ErrFinished)

	// next call collects results of the workers finished in the background
	close(gate)
	res, err := p.Finish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1}, values(res))
	assert.Equal(t, 1, p.Metrics().Get(metrics.CountQuits), "quits sent once")

	_, err = p.Finish(context.Background())
	require.ErrorIs(t, err, ErrFinished)
}

func TestGathering_ConcurrentProducers(t *testing.T) {
	p, err := NewGathering[int, int](square(), WithWorkers(4), WithQueueCapacity(8))
	require.NoError(t, err)
	require.NoError(t, p.Go(context.Background()))

	const producers, perProducer = 5, 200
	var submitted atomic.Int32
	done := make(chan struct{})
	for pr := range producers {
		go func() {
			defer func() { done <- struct{}{} }()
			for i := range perProducer {
				if err := p.Submit(context.Background(), pr*perProducer+i); err == nil {
					submitted.Add(1)
				}
			}
		}()
	}
	for range producers {
		<-done
	}

	res, err := p.Finish(context.Background())
	require.NoError(t, err)
	assert.Len(t, res, int(submitted.Load()))
	assert.Equal(t, producers*perProducer, len(res))
}

func TestGathering_Use(t *testing.T) {
	var calls atomic.Int32
	counter := func(next Worker[int, int]) Worker[int, int] {
		return WorkerFunc[int, int](func(ctx context.Context, v int) (int, error) {
			calls.Add(1)
			return next.Do(ctx, v)
		})
	}
	p, err := NewGathering[int, int](square(), WithWorkers(2))
	require.NoError(t, err)
	p.Use(counter)
	require.NoError(t, p.Go(context.Background()))
	for i := range 7 {
		require.NoError(t, p.Submit(context.Background(), i))
	}
	res, err := p.Finish(context.Background())
	require.NoError(t, err)
	assert.Len(t, res, 7)
	assert.Equal(t, int32(7), calls.Load())
}

func TestGathering_Stateful(t *testing.T) {
	type counter struct {
		WorkerFunc[int, int]
		seen *int
	}
	var made atomic.Int32
	maker := func() Worker[int, int] {
		made.Add(1)
		seen := new(int)
		return counter{seen: seen, WorkerFunc: func(_ context.Context, v int) (int, error) {
			*seen++ // private to the worker, no locking
			return v, nil
		}}
	}

	p, err := NewStatefulGathering[int, int](maker, WithWorkers(4))
	require.NoError(t, err)

	var mu sync.Mutex
	perWorker := map[int]int{}
	p.WithCompleteFn(func(_ context.Context, id int, w Worker[int, int]) error {
		c, ok := w.(counter)
		if !assert.True(t, ok, "complete func gets the instance made by maker") {
			return errors.New("unexpected worker type")
		}
		mu.Lock()
		perWorker[id] = *c.seen
		mu.Unlock()
		return nil
	})
	p.Use(func(next Worker[int, int]) Worker[int, int] { return next })
	require.NoError(t, p.Go(context.Background()))
	assert.Equal(t, int32(4), made.Load(), "one instance per worker")

	for i := range 100 {
		require.NoError(t, p.Submit(context.Background(), i))
	}
	res, err := p.Finish(context.Background())
	require.NoError(t, err)
	require.Len(t, res, 100)

	require.Len(t, perWorker, 4)
	byWorker := map[int]int{}
	for _, r := range res {
		byWorker[r.WorkerID]++
	}
	for id := range 4 {
		assert.Equal(t, byWorker[id], perWorker[id], "worker %d", id)
	}

	_, err = NewStatefulGathering[int, int](nil)
	require.ErrorIs(t, err, ErrNilWorker)
}

func TestGathering_CompleteFnError(t *testing.T) {
	p, err := NewGathering[int, int](square(), WithWorkers(2))
	require.NoError(t, err)
	p.WithCompleteFn(func(_ context.Context, id int, _ Worker[int, int]) error {
		if id == 1 {
			return errors.New("flush failed")
		}
		return nil
	})
	require.NoError(t, p.Go(context.Background()))
	for i := range 5 {
		require.NoError(t, p.Submit(context.Background(), i))
	}

	res, err := p.Finish(context.Background())
	require.Error(t, err)
	assert.Equal(t, "complete func for worker 1 failed: flush failed", err.Error())
	assert.Len(t, res, 5, "results kept on complete func error")
}
