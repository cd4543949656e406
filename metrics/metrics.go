// Package metrics is the ambient observability surface every
// long-running pixl-core process exposes, mirroring the teacher's own
// daemon (`ais/daemon.go`) always serving a stats/health endpoint.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles the Collectors registered once at process startup.
// Only the scheduler updates them as it runs (InFlight, MessagesHandled,
// ExportDuration); SourceTokens and LedgerStates are not updated.
type Registry struct {
	reg *prometheus.Registry

	InFlight        prometheus.Gauge
	SourceTokens    *prometheus.GaugeVec
	LedgerStates    *prometheus.GaugeVec
	MessagesHandled *prometheus.CounterVec
	ExportDuration  prometheus.Histogram
}

// New builds and registers every collector, plus the standard Go
// runtime collectors the teacher's own metrics surface always includes.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pixlcore",
			Name:      "messages_in_flight",
			Help:      "Extract requests currently holding the global in-flight slot (spec §3).",
		}),
		SourceTokens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pixlcore",
			Name:      "source_rate_tokens",
			Help:      "Tokens currently available in a DICOM source's rate-limit bucket.",
		}, []string{"source"}),
		LedgerStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pixlcore",
			Name:      "ledger_rows",
			Help:      "Export ledger row counts by project and state.",
		}, []string{"project", "state"}),
		MessagesHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pixlcore",
			Name:      "messages_handled_total",
			Help:      "Extract requests handled to a terminal outcome, by outcome.",
		}, []string{"outcome"}),
		ExportDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pixlcore",
			Name:      "export_duration_seconds",
			Help:      "End-to-end duration from dequeue to export ack.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		r.InFlight, r.SourceTokens, r.LedgerStates, r.MessagesHandled, r.ExportDuration,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer exposes the underlying registry to the /metrics HTTP handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
