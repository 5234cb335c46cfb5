// Package metrics counts provisioning outcomes. The CLI is short lived, so the
// registry is exported to a node-exporter textfile instead of being scraped.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "server_provisioner"

// Recorder receives provisioning events.
type Recorder interface {
	// Operation counts a finished coordinator operation by outcome.
	Operation(operation, outcome string)
	// Downloaded adds transferred artifact bytes.
	Downloaded(bytes int64)
	// Installed records the time of a successful install or refresh.
	Installed(at time.Time)
}

// Nop discards every event.
type Nop struct{}

// Operation does nothing.
func (Nop) Operation(string, string) {}

// Downloaded does nothing.
func (Nop) Downloaded(int64) {}

// Installed does nothing.
func (Nop) Installed(time.Time) {}

// Prometheus keeps events in a private registry.
type Prometheus struct {
	registry      *prometheus.Registry
	operations    *prometheus.CounterVec
	downloadBytes prometheus.Counter
	lastInstall   prometheus.Gauge
}

// NewPrometheus creates a recorder with its own registry.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Coordinator operations by outcome.",
		}, []string{"operation", "outcome"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Bytes of release artifacts downloaded.",
		}),
		lastInstall: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_install_timestamp_seconds",
			Help:      "Unix time of the last successful install or refresh.",
		}),
	}

	p.registry.MustRegister(p.operations, p.downloadBytes, p.lastInstall)

	return p
}

// Operation increments the operation counter.
func (p *Prometheus) Operation(operation, outcome string) {
	p.operations.WithLabelValues(operation, outcome).Inc()
}

// Downloaded adds bytes to the download counter.
func (p *Prometheus) Downloaded(bytes int64) {
	if bytes > 0 {
		p.downloadBytes.Add(float64(bytes))
	}
}

// Installed sets the last install gauge.
func (p *Prometheus) Installed(at time.Time) {
	p.lastInstall.Set(float64(at.Unix()))
}

// Registry exposes the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// WriteTextfile writes the registry in text exposition format to path.
func (p *Prometheus) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, p.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}

	return nil
}
