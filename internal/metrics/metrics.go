// Package metrics exposes Prometheus counters and gauges for a dispatch
// Bus. Metrics collection is opt-in: a nil *Collector (the zero value of
// an unconfigured bus) costs nothing, mirroring the pattern used
// throughout the rest of the corpus where observability is threaded
// through as an interface that degrades to a no-op when disabled.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the Prometheus instruments for one Bus. Every method is
// nil-receiver safe so a caller can hold a nil *Collector when metrics are
// disabled and skip every call site's own enabled check.
type Collector struct {
	emissions      *prometheus.CounterVec
	handlerFaults  *prometheus.CounterVec
	cancellations  *prometheus.CounterVec
	registered     *prometheus.GaugeVec
	emissionLength prometheus.Histogram
}

// NewCollector creates and registers a Collector's instruments against reg.
// Passing a fresh *prometheus.Registry per Bus (rather than the global
// DefaultRegisterer) lets multiple Bus instances coexist in one process
// without metric name collisions, matching the per-Bus isolation invariant
// the dispatch package already provides.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		emissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signalbus_emissions_total",
			Help: "Total number of Emit calls, by shape and outcome.",
		}, []string{"shape", "outcome"}),
		handlerFaults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signalbus_handler_faults_total",
			Help: "Total number of handler panics recovered during dispatch, by kind.",
		}, []string{"kind"}),
		cancellations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signalbus_interceptor_cancellations_total",
			Help: "Total number of emissions vetoed by an interceptor, by shape.",
		}, []string{"shape"}),
		registered: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signalbus_registered_handlers",
			Help: "Current number of registered handler entries, by shape and kind.",
		}, []string{"shape", "kind"}),
		emissionLength: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "signalbus_emission_handlers_invoked",
			Help:    "Number of handlers invoked per emission.",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
		}),
	}
}

// ObserveEmission records the completion of one Emit call.
func (c *Collector) ObserveEmission(shape, outcome string, handlersInvoked int) {
	if c == nil {
		return
	}
	c.emissions.WithLabelValues(shape, outcome).Inc()
	c.emissionLength.Observe(float64(handlersInvoked))
}

// ObserveFault records a recovered handler panic.
func (c *Collector) ObserveFault(kind string) {
	if c == nil {
		return
	}
	c.handlerFaults.WithLabelValues(kind).Inc()
}

// ObserveCancellation records an interceptor veto.
func (c *Collector) ObserveCancellation(shape string) {
	if c == nil {
		return
	}
	c.cancellations.WithLabelValues(shape).Inc()
}

// SetRegisteredHandlers sets the current handler count gauge for one
// (shape, kind) pair. Called after every register/unregister so the gauge
// always reflects live state rather than drifting via Inc/Dec pairs.
func (c *Collector) SetRegisteredHandlers(shape, kind string, count int) {
	if c == nil {
		return
	}
	c.registered.WithLabelValues(shape, kind).Set(float64(count))
}
