package cspool

import "errors"

var (
	// ErrNoWorkers returned by constructors if worker count is less than one.
	ErrNoWorkers = errors.New("worker count must be positive")
	// ErrInvalidCapacity returned by constructors for a negative queue capacity.
	ErrInvalidCapacity = errors.New("queue capacity must not be negative")
	// ErrNilWorker returned by constructors if no worker provided.
	ErrNilWorker = errors.New("worker is nil")
	// ErrAlreadyStarted returned by Go called more than once.
	ErrAlreadyStarted = errors.New("pool already started")
	// ErrNotStarted returned by Finish called before Go.
	ErrNotStarted = errors.New("pool not started")
	// ErrFinished returned by Submit and Finish after Finish was called.
	ErrFinished = errors.New("pool finished")
	// ErrWorkerPanic wrapped into Result.Err when the worker function panics.
	ErrWorkerPanic = errors.New("worker panic")
)
