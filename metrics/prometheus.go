// Package metrics provides a Prometheus-backed implementation of the
// orchestrator's event recorder.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/x0tta6bl4/meshbpf"
)

// PrometheusRecorder counts program lifecycle events and observes
// loaded object sizes. It implements meshbpf.EventRecorder.
type PrometheusRecorder struct {
	events    *prometheus.CounterVec
	loadBytes *prometheus.HistogramVec
}

// NewPrometheusRecorder creates a recorder and registers its
// collectors with the given registerer. A nil registerer uses the
// default registry.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &PrometheusRecorder{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshbpf",
			Name:      "program_events_total",
			Help:      "Program lifecycle events by event name and program type.",
		}, []string{"event", "program_type"}),
		loadBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "meshbpf",
			Name:      "program_load_bytes",
			Help:      "Object file sizes of successfully loaded programs.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		}, []string{"program_type"}),
	}
	reg.MustRegister(r.events, r.loadBytes)
	return r
}

// ProgramEvent implements meshbpf.EventRecorder.
func (r *PrometheusRecorder) ProgramEvent(event string, programType meshbpf.ProgramType) {
	r.events.WithLabelValues(event, string(programType)).Inc()
}

// ProgramLoaded implements meshbpf.EventRecorder.
func (r *PrometheusRecorder) ProgramLoaded(programType meshbpf.ProgramType, sizeBytes int64) {
	r.events.WithLabelValues(meshbpf.EventProgramLoad, string(programType)).Inc()
	r.loadBytes.WithLabelValues(string(programType)).Observe(float64(sizeBytes))
}
