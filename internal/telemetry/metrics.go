// Package telemetry owns the Prometheus collectors and the OpenTelemetry
// tracer provider for one keel invocation.
//
// keel is not a daemon, so metrics are not scraped. When configured, the
// registry is written to a node-exporter textfile at the end of a command.
package telemetry

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "keel"

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	// Transactions counts broker transactions by store, operation and outcome.
	Transactions *prometheus.CounterVec
	// TransactionSeconds observes body duration per store.
	TransactionSeconds *prometheus.HistogramVec
	// GateWaitSeconds observes time spent waiting for the broker gate.
	GateWaitSeconds prometheus.Histogram

	// LedgerEvents counts events seen by replay, by subsystem and disposition
	// (applied, skipped_pending).
	LedgerEvents *prometheus.CounterVec
	// Rebuilds counts projection rebuilds by subsystem and outcome.
	Rebuilds *prometheus.CounterVec
	// DriftChecks counts validate runs by subsystem and result (match, drift).
	DriftChecks *prometheus.CounterVec

	// CommitmentEntries observes the number of entries per scope record.
	CommitmentEntries prometheus.Histogram
}

// NewMetrics creates and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "transactions_total",
			Help:      "Broker transactions by store, operation and outcome.",
		}, []string{"store_id", "operation", "outcome"}),
		TransactionSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "transaction_duration_seconds",
			Help:      "Duration of transaction bodies.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"store_id"}),
		GateWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "gate_wait_seconds",
			Help:      "Time spent waiting to acquire the broker gate.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		LedgerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "replayed_events_total",
			Help:      "Ledger events seen during replay by disposition.",
		}, []string{"subsystem", "disposition"}),
		Rebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "projection",
			Name:      "rebuilds_total",
			Help:      "Projection rebuilds by outcome.",
		}, []string{"subsystem", "outcome"}),
		DriftChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "projection",
			Name:      "drift_checks_total",
			Help:      "Live-versus-replay fingerprint comparisons by result.",
		}, []string{"subsystem", "result"}),
		CommitmentEntries: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "statecommit",
			Name:      "entries",
			Help:      "Entries per computed scope record.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}

	m.Registry.MustRegister(
		m.Transactions,
		m.TransactionSeconds,
		m.GateWaitSeconds,
		m.LedgerEvents,
		m.Rebuilds,
		m.DriftChecks,
		m.CommitmentEntries,
	)
	return m
}

// WriteTextfile writes the registry to path in the Prometheus text format.
// The write is atomic, so a collector never reads a partial file.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
