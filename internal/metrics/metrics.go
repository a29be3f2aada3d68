// Package metrics collects per-run counters and flushes them in the Prometheus
// text format for the node exporter's textfile collector.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "retailetl"

// Metrics owns a private registry so each CLI invocation reports only its own
// run. A nil *Metrics discards everything.
type Metrics struct {
	registry *prometheus.Registry

	records    *prometheus.CounterVec
	partitions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	erasures   *prometheus.CounterVec
	lastRun    *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		records: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "etl",
				Name:      "records_total",
				Help:      "Records processed, by dataset and outcome (valid|invalid).",
			}, []string{"dataset", "outcome"}),
		partitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "etl",
				Name:      "partitions_total",
				Help:      "Partitions committed, by dataset.",
			}, []string{"dataset"}),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "etl",
				Name:      "partition_duration_seconds",
				Help:      "Bucketed histogram of processing time (s) of one partition.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
			}, []string{"dataset"}),
		erasures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "erasure",
				Name:      "requests_total",
				Help:      "Erasure requests handled, by resulting status.",
			}, []string{"status"}),
		lastRun: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the job last finished.",
			}, []string{"job"}),
	}
	m.registry.MustRegister(m.records, m.partitions, m.duration, m.erasures, m.lastRun)
	return m
}

func (m *Metrics) ObserveRecords(dataset string, valid, invalid int) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(dataset, "valid").Add(float64(valid))
	m.records.WithLabelValues(dataset, "invalid").Add(float64(invalid))
}

func (m *Metrics) ObservePartition(dataset string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.partitions.WithLabelValues(dataset).Inc()
	m.duration.WithLabelValues(dataset).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveErasure(status string) {
	if m == nil {
		return
	}
	m.erasures.WithLabelValues(status).Inc()
}

func (m *Metrics) MarkFinished(job string, at time.Time) {
	if m == nil {
		return
	}
	m.lastRun.WithLabelValues(job).Set(float64(at.Unix()))
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// WriteTextfile atomically writes the current values to path. An empty path
// disables the export.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}
	return nil
}
