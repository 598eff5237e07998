package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports a Value to prometheus. Counters are read on every scrape,
// so a single collector follows the pool for its whole life.
type Collector struct {
	src *Value

	submitted *prometheus.Desc
	processed *prometheus.Desc
	errors    *prometheus.Desc
	panics    *prometheus.Desc
	quits     *prometheus.Desc
	retries   *prometheus.Desc
	procTime  *prometheus.Desc
	waitTime  *prometheus.Desc
}

// NewCollector makes a prometheus collector reading v. Namespace prefixes all metric names.
func NewCollector(namespace string, v *Value) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", name), help, nil, nil)
	}
	return &Collector{
		src:       v,
		submitted: desc("items_submitted_total", "Total number of items accepted by the submission queue"),
		processed: desc("items_processed_total", "Total number of items processed without error"),
		errors:    desc("items_failed_total", "Total number of items the worker function failed on"),
		panics:    desc("worker_panics_total", "Total number of recovered worker function panics"),
		quits:     desc("quit_signals_total", "Total number of quit signals dispatched to workers"),
		retries:   desc("item_retries_total", "Total number of repeated worker calls made by retry middleware"),
		procTime:  desc("processing_seconds_total", "Time spent in the worker function"),
		waitTime:  desc("wait_seconds_total", "Time workers spent waiting for items"),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.submitted
	ch <- c.processed
	ch <- c.errors
	ch <- c.panics
	ch <- c.quits
	ch <- c.retries
	ch <- c.procTime
	ch <- c.waitTime
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()
	ch <- prometheus.MustNewConstMetric(c.submitted, prometheus.CounterValue, float64(st.Submitted))
	ch <- prometheus.MustNewConstMetric(c.processed, prometheus.CounterValue, float64(st.Processed))
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(st.Errors))
	ch <- prometheus.MustNewConstMetric(c.panics, prometheus.CounterValue, float64(st.Panics))
	ch <- prometheus.MustNewConstMetric(c.quits, prometheus.CounterValue, float64(st.Quits))
	ch <- prometheus.MustNewConstMetric(c.retries, prometheus.CounterValue, float64(st.Retries))
	ch <- prometheus.MustNewConstMetric(c.procTime, prometheus.CounterValue, st.ProcessingTime.Seconds())
	ch <- prometheus.MustNewConstMetric(c.waitTime, prometheus.CounterValue, st.WaitTime.Seconds())
}
