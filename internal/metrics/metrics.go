// Package metrics holds kiln's prometheus collectors.
//
// kiln is a short-lived CLI, so collectors live in a private registry that
// is written to a node_exporter textfile on exit instead of being scraped.
// A nil *Recorder is valid everywhere and records nothing.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcomes used as the "outcome" label.
const (
	OutcomeSuccess = "success"
	OutcomeNoop    = "noop"
	OutcomePartial = "partial"
	OutcomeError   = "error"
)

// Cache results used as the "result" label.
const (
	CacheHit  = "hit"
	CacheMiss = "miss"
)

// Recorder owns a registry and the collectors registered on it.
type Recorder struct {
	registry *prometheus.Registry

	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	commandDuration   *prometheus.HistogramVec
	imageCacheTotal   *prometheus.CounterVec
	downloadBytes     prometheus.Counter
	discoveryTotal    *prometheus.CounterVec
	isoBackendTotal   *prometheus.CounterVec
}

// New creates a Recorder with all collectors registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiln_operations_total",
				Help: "Total number of VM operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kiln_operation_duration_seconds",
				Help:    "Duration of VM operations in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"operation"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kiln_command_duration_seconds",
				Help:    "Duration of external commands by tool and transport",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool", "transport"},
		),
		imageCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiln_image_cache_total",
				Help: "Image cache lookups by result",
			},
			[]string{"result"},
		),
		downloadBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kiln_image_download_bytes_total",
				Help: "Bytes written to the image cache by downloads",
			},
		),
		discoveryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiln_discovery_total",
				Help: "Address discoveries by winning method (none when nothing matched)",
			},
			[]string{"method"},
		),
		isoBackendTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiln_iso_backend_total",
				Help: "Cloud-init ISO packaging attempts by backend and outcome",
			},
			[]string{"backend", "outcome"},
		),
	}

	r.registry.MustRegister(
		r.operationsTotal,
		r.operationDuration,
		r.commandDuration,
		r.imageCacheTotal,
		r.downloadBytes,
		r.discoveryTotal,
		r.isoBackendTotal,
	)
	return r
}

// Registry exposes the underlying registry, e.g. for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// RecordOperation records a finished VM operation.
func (r *Recorder) RecordOperation(operation, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	r.operationsTotal.WithLabelValues(operation, outcome).Inc()
	r.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCommand records one external command execution.
func (r *Recorder) RecordCommand(tool, transport string, duration time.Duration) {
	if r == nil {
		return
	}
	r.commandDuration.WithLabelValues(tool, transport).Observe(duration.Seconds())
}

// RecordImageCache records an image cache lookup.
func (r *Recorder) RecordImageCache(result string) {
	if r == nil {
		return
	}
	r.imageCacheTotal.WithLabelValues(result).Inc()
}

// AddDownloadBytes adds to the downloaded byte counter.
func (r *Recorder) AddDownloadBytes(n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.downloadBytes.Add(float64(n))
}

// RecordDiscovery records which discovery method produced an address.
func (r *Recorder) RecordDiscovery(method string) {
	if r == nil {
		return
	}
	r.discoveryTotal.WithLabelValues(method).Inc()
}

// RecordISOBackend records one ISO packaging attempt.
func (r *Recorder) RecordISOBackend(backend, outcome string) {
	if r == nil {
		return
	}
	r.isoBackendTotal.WithLabelValues(backend, outcome).Inc()
}

// WriteTextfile writes the registry in the node_exporter textfile format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil {
		return errors.New("metrics recorder is nil")
	}
	return prometheus.WriteToTextfile(path, r.registry)
}
