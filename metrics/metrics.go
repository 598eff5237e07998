// Package metrics provides thread-safe counters and timers collected by cspool workers,
// and exposes them to prometheus.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type contextKey string

const (
	metricsContextKey contextKey = "metrics"
	widContextKey     contextKey = "worker-id"
)

// keys of counters maintained by pools
const (
	CountSubmitted = "submitted"
	CountProcessed = "processed"
	CountErrors    = "errors"
	CountPanics    = "panics"
	CountQuits     = "quits"
	CountRetries   = "retries" // maintained by middleware.Retry
)

// keys of durations maintained by pools
const (
	DurationProc = "proc"
	DurationWait = "wait"
)

// Value is a struct that holds the metrics for a given context
type Value struct {
	startTime time.Time
	userLock  sync.RWMutex
	userData  map[string]int
	durations map[string]time.Duration
}

// Stats is a snapshot of the pool counters and timings
type Stats struct {
	Submitted      int
	Processed      int
	Errors         int
	Panics         int
	Quits          int
	Retries        int
	ProcessingTime time.Duration
	WaitTime       time.Duration
	TotalTime      time.Duration
}

// New makes thread-safe map to collect any counts/metrics
func New() *Value {
	return &Value{startTime: time.Now(), userData: map[string]int{}, durations: map[string]time.Duration{}}
}

// Add increments value for a given key and returns new value
func (m *Value) Add(key string, delta int) int {
	m.userLock.Lock()
	defer m.userLock.Unlock()
	m.userData[key] += delta
	return m.userData[key]
}

// Inc increments value for given key by one
func (m *Value) Inc(key string) int {
	return m.Add(key, 1)
}

// Set value for given key
func (m *Value) Set(key string, val int) {
	m.userLock.Lock()
	defer m.userLock.Unlock()
	m.userData[key] = val
}

// Get returns value for given key
func (m *Value) Get(key string) int {
	m.userLock.RLock()
	defer m.userLock.RUnlock() // nolint gocritic

	return m.userData[key]
}

// AddDuration adds d to the duration kept under key
func (m *Value) AddDuration(key string, d time.Duration) {
	m.userLock.Lock()
	defer m.userLock.Unlock()
	m.durations[key] += d
}

// GetDuration returns accumulated duration for given key
func (m *Value) GetDuration(key string) time.Duration {
	m.userLock.RLock()
	defer m.userLock.RUnlock()
	return m.durations[key]
}

// StartTimer starts measuring duration for the key; the returned func stops it.
func (m *Value) StartTimer(key string) func() {
	st := time.Now()
	return func() { m.AddDuration(key, time.Since(st)) }
}

// Stats returns a snapshot of pool counters and durations
func (m *Value) Stats() Stats {
	m.userLock.RLock()
	defer m.userLock.RUnlock()
	res := Stats{
		Submitted:      m.userData[CountSubmitted],
		Processed:      m.userData[CountProcessed],
		Errors:         m.userData[CountErrors],
		Panics:         m.userData[CountPanics],
		Quits:          m.userData[CountQuits],
		Retries:        m.userData[CountRetries],
		ProcessingTime: m.durations[DurationProc],
		WaitTime:       m.durations[DurationWait],
	}

	// durations are summed over all workers and may exceed the wall time
	res.TotalTime = time.Since(m.startTime)
	if sum := res.ProcessingTime + res.WaitTime; sum > res.TotalTime {
		res.TotalTime = sum
	}
	return res
}

// String returns sorted key:vals string representation of metrics and adds duration
func (m *Value) String() string {
	duration := time.Since(m.startTime)

	m.userLock.RLock()
	defer m.userLock.RUnlock()

	sortedKeys := func(src map[string]int) (res []string) {
		for k := range src {
			res = append(res, k)
		}
		sort.Strings(res)
		return res
	}(m.userData)

	udata := make([]string, 0, len(sortedKeys)+len(m.durations))
	for _, k := range sortedKeys {
		udata = append(udata, fmt.Sprintf("%s:%d", k, m.userData[k]))
	}

	durKeys := make([]string, 0, len(m.durations))
	for k := range m.durations {
		durKeys = append(durKeys, k)
	}
	sort.Strings(durKeys)
	for _, k := range durKeys {
		udata = append(udata, fmt.Sprintf("%s:%v", k, m.durations[k]))
	}

	um := ""
	if len(udata) > 0 {
		um = fmt.Sprintf("[%s]", strings.Join(udata, ", "))
	}
	return fmt.Sprintf("total:%v %s", duration, um)
}

// Aggregate combines counters and durations of multiple values into a new one.
// Start time of the result is the earliest start time of the sources.
func Aggregate(values ...*Value) *Value {
	res := New()
	for _, v := range values {
		if v == nil {
			continue
		}
		v.userLock.RLock()
		if v.startTime.Before(res.startTime) {
			res.startTime = v.startTime
		}
		for k, c := range v.userData {
			res.userData[k] += c
		}
		for k, d := range v.durations {
			res.durations[k] += d
		}
		v.userLock.RUnlock()
	}
	return res
}

// WorkerID returns worker ID from the context.
// Can be used inside of worker code to get worker id.
func WorkerID(ctx context.Context) int {
	cid, ok := ctx.Value(widContextKey).(int)
	if !ok { // for non-parallel won't have any
		cid = 0
	}
	return cid
}

// WithWorkerID sets worker ID in the context.
func WithWorkerID(ctx context.Context, id int) context.Context {
	return context.WithValue(ctx, widContextKey, id)
}

// Get metrics from context
func Get(ctx context.Context) *Value {
	res, ok := ctx.Value(metricsContextKey).(*Value)
	if !ok {
		return New()
	}
	return res
}

// Make context with metrics
func Make(ctx context.Context) context.Context {
	return context.WithValue(ctx, metricsContextKey, New())
}

// With puts the given metrics value into the context.
func With(ctx context.Context, v *Value) context.Context {
	return context.WithValue(ctx, metricsContextKey, v)
}
