// Package prom exposes engine metrics through Prometheus.
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector implements metrics.Observer on top of Prometheus primitives.
type Collector struct {
	opLatency   *prometheus.HistogramVec
	opTotal     *prometheus.CounterVec
	records     prometheus.Counter
	degraded    prometheus.Counter
	flushBytes  prometheus.Counter
	compacted   prometheus.Counter
	gcDeleted   prometheus.Counter
	quarantines prometheus.Counter
}

// New creates a Collector and registers its metrics with reg. A nil reg uses
// the default registerer. Registration panics on duplicate metric names, so
// create at most one Collector per registry.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cumulo_operation_latency_seconds",
			Help:    "Latency of engine operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		opTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cumulo_operations_total",
			Help: "Engine operations by outcome.",
		}, []string{"op", "status"}),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cumulo_inserted_records_total",
			Help: "Records appended across all insert batches.",
		}),
		degraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cumulo_degraded_searches_total",
			Help: "Searches that skipped at least one segment.",
		}),
		flushBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cumulo_flushed_bytes_total",
			Help: "Bytes written to segment objects by flushes.",
		}),
		compacted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cumulo_compacted_segments_total",
			Help: "Segments consumed as compaction inputs.",
		}),
		gcDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cumulo_gc_deleted_objects_total",
			Help: "Objects removed from the store by garbage collection.",
		}),
		quarantines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cumulo_quarantined_segments_total",
			Help: "Segments quarantined after failing validation.",
		}),
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		c.opLatency,
		c.opTotal,
		c.records,
		c.degraded,
		c.flushBytes,
		c.compacted,
		c.gcDeleted,
		c.quarantines,
	)
	return c
}

func (c *Collector) observe(op string, duration time.Duration, err error) {
	c.opLatency.WithLabelValues(op).Observe(duration.Seconds())
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.opTotal.WithLabelValues(op, status).Inc()
}

// RecordInsert implements metrics.Observer.
func (c *Collector) RecordInsert(count int, duration time.Duration, err error) {
	c.observe("insert", duration, err)
	if err == nil {
		c.records.Add(float64(count))
	}
}

// RecordDelete implements metrics.Observer.
func (c *Collector) RecordDelete(duration time.Duration, err error) {
	c.observe("delete", duration, err)
}

// RecordSearch implements metrics.Observer.
func (c *Collector) RecordSearch(k int, duration time.Duration, degraded bool, err error) {
	c.observe("search", duration, err)
	if degraded {
		c.degraded.Inc()
	}
}

// RecordGet implements metrics.Observer.
func (c *Collector) RecordGet(duration time.Duration, err error) {
	c.observe("get", duration, err)
}

// RecordFlush implements metrics.Observer.
func (c *Collector) RecordFlush(duration time.Duration, bytes int64, err error) {
	c.observe("flush", duration, err)
	if bytes > 0 {
		c.flushBytes.Add(float64(bytes))
	}
}

// RecordCompaction implements metrics.Observer.
func (c *Collector) RecordCompaction(duration time.Duration, inputs int, err error) {
	c.observe("compact", duration, err)
	if err == nil {
		c.compacted.Add(float64(inputs))
	}
}

// RecordGC implements metrics.Observer.
func (c *Collector) RecordGC(deleted int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.opTotal.WithLabelValues("gc", status).Inc()
	c.gcDeleted.Add(float64(deleted))
}

// RecordQuarantine implements metrics.Observer.
func (c *Collector) RecordQuarantine(uint64) {
	c.quarantines.Inc()
}
