// Package metrics exposes calculator readings and bridge health as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vpdcalc"

var entryLabels = []string{"entry_id", "name"}

// Metrics holds every collector on a private registry.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	vpd         *prometheus.GaugeVec
	temperature *prometheus.GaugeVec
	humidity    *prometheus.GaugeVec
	available   *prometheus.GaugeVec
	threshold   *prometheus.GaugeVec
	entries     prometheus.Gauge

	stateChanges      *prometheus.CounterVec
	publishes         *prometheus.CounterVec
	thresholdCommands *prometheus.CounterVec
	historyErrors     *prometheus.CounterVec
	sourceReconnects  prometheus.Counter
}

// New creates the collectors and registers them with a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewBuildInfoCollector())
	reg.MustRegister(collectors.NewGoCollector(
		collectors.WithGoCollections(collectors.GoRuntimeMemStatsCollection | collectors.GoRuntimeMetricsCollection),
	))

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		vpd: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reading",
			Name:      "vpd_kilopascals",
			Help:      "Last computed vapor pressure deficit.",
		}, entryLabels),
		temperature: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reading",
			Name:      "temperature_celsius",
			Help:      "Last temperature input.",
		}, entryLabels),
		humidity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reading",
			Name:      "humidity_percent",
			Help:      "Last relative humidity input.",
		}, entryLabels),
		available: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reading",
			Name:      "available",
			Help:      "1 when the calculator has a value, 0 otherwise.",
		}, entryLabels),
		threshold: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "threshold",
			Name:      "kilopascals",
			Help:      "Current VPD thresholds.",
		}, []string{"entry_id", "bound"}),
		entries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entries",
			Help:      "Number of running calculators.",
		}),
		stateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "state_changes_total",
			Help:      "State changes received for tracked sensors.",
		}, []string{"entry_id"}),
		publishes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "publishes_total",
			Help:      "MQTT publishes by kind and result.",
		}, []string{"kind", "result"}),
		thresholdCommands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "threshold",
			Name:      "commands_total",
			Help:      "Threshold set-commands by result.",
		}, []string{"entry_id", "result"}),
		historyErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "write_errors_total",
			Help:      "Failed history writes by sink.",
		}, []string{"sink"}),
		sourceReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "reconnects_total",
			Help:      "Reconnects to the Home Assistant state source.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveReading records the inputs and result of one recompute.
// Nil values remove the corresponding series so no stale value is scraped.
func (m *Metrics) ObserveReading(entryID, name string, temperature, humidity, vpd *float64, available bool) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"entry_id": entryID, "name": name}

	setOrDelete(m.temperature, labels, temperature)
	setOrDelete(m.humidity, labels, humidity)
	setOrDelete(m.vpd, labels, vpd)
	if available {
		m.available.With(labels).Set(1)
	} else {
		m.available.With(labels).Set(0)
	}
}

// SetThresholds records the current min and max thresholds.
func (m *Metrics) SetThresholds(entryID string, min, max float64) {
	if m == nil {
		return
	}
	m.threshold.WithLabelValues(entryID, "min").Set(min)
	m.threshold.WithLabelValues(entryID, "max").Set(max)
}

// ForgetEntry drops every series that belongs to the entry.
func (m *Metrics) ForgetEntry(entryID string) {
	if m == nil {
		return
	}
	match := prometheus.Labels{"entry_id": entryID}
	m.vpd.DeletePartialMatch(match)
	m.temperature.DeletePartialMatch(match)
	m.humidity.DeletePartialMatch(match)
	m.available.DeletePartialMatch(match)
	m.threshold.DeletePartialMatch(match)
	m.stateChanges.DeletePartialMatch(match)
	m.thresholdCommands.DeletePartialMatch(match)
}

// SetEntries records the number of running calculators.
func (m *Metrics) SetEntries(n int) {
	if m == nil {
		return
	}
	m.entries.Set(float64(n))
}

// IncStateChange counts a state change routed to an entry.
func (m *Metrics) IncStateChange(entryID string) {
	if m == nil {
		return
	}
	m.stateChanges.WithLabelValues(entryID).Inc()
}

// IncPublish counts an MQTT publish of the given kind.
func (m *Metrics) IncPublish(kind string, err error) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(kind, result(err)).Inc()
}

// IncThresholdCommand counts a threshold set-command.
func (m *Metrics) IncThresholdCommand(entryID string, accepted bool) {
	if m == nil {
		return
	}
	r := "accepted"
	if !accepted {
		r = "rejected"
	}
	m.thresholdCommands.WithLabelValues(entryID, r).Inc()
}

// IncHistoryError counts a failed write to a history sink.
func (m *Metrics) IncHistoryError(sink string) {
	if m == nil {
		return
	}
	m.historyErrors.WithLabelValues(sink).Inc()
}

// IncSourceReconnect counts a reconnect to Home Assistant.
func (m *Metrics) IncSourceReconnect() {
	if m == nil {
		return
	}
	m.sourceReconnects.Inc()
}

func setOrDelete(g *prometheus.GaugeVec, labels prometheus.Labels, v *float64) {
	if v == nil {
		g.Delete(labels)
		return
	}
	g.With(labels).Set(*v)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
