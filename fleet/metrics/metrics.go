// Package metrics exposes fleet state as Prometheus metrics. The CLI is
// short-lived, so metrics are written to a node_exporter textfile at the end
// of each invocation instead of being served.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tomyedwab/nodefleet/fleet"
)

const namespace = "nodefleet"

var allStatuses = []fleet.Status{
	fleet.StatusAdded,
	fleet.StatusInstalled,
	fleet.StatusRunning,
	fleet.StatusStopped,
	fleet.StatusRemoved,
}

// FleetMetrics holds the metrics of one invocation. A nil *FleetMetrics is
// valid and records nothing.
type FleetMetrics struct {
	registry       *prometheus.Registry
	instances      *prometheus.GaugeVec
	operations     *prometheus.CounterVec
	healthAttempts prometheus.Histogram
	lastInvocation prometheus.Gauge
}

// New creates FleetMetrics on a private registry.
func New() *FleetMetrics {
	m := &FleetMetrics{
		registry: prometheus.NewRegistry(),
		instances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances",
			Help:      "Registered node instances by status",
		}, []string{"status"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Per-instance lifecycle operations by outcome",
		}, []string{"operation", "outcome"}),
		healthAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "identity_query_seconds",
			Help:      "Time from service start until the node answered its identity query",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		lastInvocation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_invocation_timestamp_seconds",
			Help:      "Unix time the registry was last saved",
		}),
	}
	m.registry.MustRegister(m.instances, m.operations, m.healthAttempts, m.lastInvocation)
	return m
}

// Registry returns the underlying registry.
func (m *FleetMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveOperation counts one lifecycle operation on one instance.
func (m *FleetMetrics) ObserveOperation(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

// ObserveStartup records how long a node took to confirm its identity.
func (m *FleetMetrics) ObserveStartup(d time.Duration) {
	if m == nil {
		return
	}
	m.healthAttempts.Observe(d.Seconds())
}

// SetInstances sets the per-status gauges from counts. Statuses without an
// entry are reported as zero.
func (m *FleetMetrics) SetInstances(counts map[fleet.Status]int) {
	if m == nil {
		return
	}
	for _, status := range allStatuses {
		m.instances.WithLabelValues(status.String()).Set(float64(counts[status]))
	}
}

// WriteTextfile stamps the invocation time and writes every metric to path
// in the text exposition format.
func (m *FleetMetrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	m.lastInvocation.SetToCurrentTime()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
