package cspool

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/go-pkgz/cspool/metrics"
)

// Option represents a configuration option for Gathering and Stream pools
type Option func(*config)

// config holds construction parameters shared by both pool kinds
type config struct {
	workers  int
	capacity int
	bounded  bool
	logger   *slog.Logger
	metrics  *metrics.Value
	err      error // set by an invalid option
}

// DefaultWorkers returns the worker count used if WithWorkers is not set,
// i.e. the number of CPUs available at construction time.
func DefaultWorkers() int { return runtime.NumCPU() }

// WithWorkers sets the number of workers (goroutines). Has to be positive.
// Default: DefaultWorkers()
func WithWorkers(n int) Option {
	return func(c *config) {
		if n < 1 {
			c.err = fmt.Errorf("%w: %d", ErrNoWorkers, n)
			return
		}
		c.workers = n
	}
}

// WithQueueCapacity makes the submission queue bounded: Submit blocks once size items
// are waiting. Zero capacity makes each Submit wait for a worker to take the item.
// Default: unbounded queue
func WithQueueCapacity(size int) Option {
	return func(c *config) {
		if size < 0 {
			c.err = fmt.Errorf("%w: %d", ErrInvalidCapacity, size)
			return
		}
		c.capacity, c.bounded = size, true
	}
}

// WithLogger sets structured logger for pool lifecycle events.
// Default: discards everything
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets metrics value collected by the pool, allowing sharing it between pools.
// Default: new value per pool
func WithMetrics(m *metrics.Value) Option {
	return func(c *config) {
		if m != nil {
			c.metrics = m
		}
	}
}

// makeConfig resolves defaults and applies options, failing on invalid values
func makeConfig(opts []Option) (config, error) {
	res := config{
		workers: DefaultWorkers(),
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&res)
	}
	if res.err != nil {
		return config{}, res.err
	}
	if res.metrics == nil {
		res.metrics = metrics.New()
	}
	return res, nil
}
