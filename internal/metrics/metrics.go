// Package metrics exposes Prometheus instrumentation for the plugin runtime.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Plugin lifecycle
	PluginLoadsTotal     *prometheus.CounterVec
	PluginLoadDuration   *prometheus.HistogramVec
	PluginsRegistered    *prometheus.GaugeVec
	PluginUnloadsTotal   prometheus.Counter
	DiscoveryErrorsTotal prometheus.Counter
	ScansTotal           prometheus.Counter

	// Dispatch
	DispatchTotal          prometheus.Counter
	DispatchDuration       prometheus.Histogram
	InterceptFailuresTotal *prometheus.CounterVec
	HookFailuresTotal      *prometheus.CounterVec

	registerer prometheus.Registerer
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		PluginLoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickler_plugin_loads_total",
				Help: "Total number of plugin loads by outcome and failure kind",
			},
			[]string{"outcome", "kind"},
		),
		PluginLoadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tickler_plugin_load_duration_seconds",
				Help:    "Time from discovery to a settled plugin in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		PluginsRegistered: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tickler_plugins_registered",
				Help: "Number of registered plugins by state",
			},
			[]string{"state"},
		),
		PluginUnloadsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tickler_plugin_unloads_total",
				Help: "Total number of plugin unloads",
			},
		),
		DiscoveryErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tickler_discovery_errors_total",
				Help: "Total number of unreadable plugin search paths",
			},
		),
		ScansTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tickler_plugin_scans_total",
				Help: "Total number of discovery and load cycles",
			},
		),
		DispatchTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tickler_dispatch_total",
				Help: "Total number of actions dispatched through plugin middleware",
			},
		),
		DispatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tickler_dispatch_duration_seconds",
				Help:    "Time spent in the plugin middleware chain in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
		),
		InterceptFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickler_intercept_failures_total",
				Help: "Total number of middleware failures by plugin",
			},
			[]string{"plugin"},
		),
		HookFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickler_hook_failures_total",
				Help: "Total number of extension hook failures by plugin and extension point",
			},
			[]string{"plugin", "point"},
		),
		registerer: registry,
	}

	if registry != nil {
		registry.MustRegister(
			m.PluginLoadsTotal,
			m.PluginLoadDuration,
			m.PluginsRegistered,
			m.PluginUnloadsTotal,
			m.DiscoveryErrorsTotal,
			m.ScansTotal,
			m.DispatchTotal,
			m.DispatchDuration,
			m.InterceptFailuresTotal,
			m.HookFailuresTotal,
		)
	}

	return m
}

// ObserveLoad records a settled plugin load. kind is empty on success.
func (m *Metrics) ObserveLoad(outcome, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.PluginLoadsTotal.WithLabelValues(outcome, kind).Inc()
	m.PluginLoadDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// SetRegistered replaces the per-state plugin gauge.
func (m *Metrics) SetRegistered(byState map[string]int) {
	if m == nil {
		return
	}
	m.PluginsRegistered.Reset()
	for state, n := range byState {
		m.PluginsRegistered.WithLabelValues(state).Set(float64(n))
	}
}

// IncUnload records a plugin unload.
func (m *Metrics) IncUnload() {
	if m == nil {
		return
	}
	m.PluginUnloadsTotal.Inc()
}

// IncDiscoveryError records an unreadable search path.
func (m *Metrics) IncDiscoveryError() {
	if m == nil {
		return
	}
	m.DiscoveryErrorsTotal.Inc()
}

// IncScan records a discovery and load cycle.
func (m *Metrics) IncScan() {
	if m == nil {
		return
	}
	m.ScansTotal.Inc()
}

// ObserveDispatch records one action through the middleware chain.
func (m *Metrics) ObserveDispatch(d time.Duration) {
	if m == nil {
		return
	}
	m.DispatchTotal.Inc()
	m.DispatchDuration.Observe(d.Seconds())
}

// IncInterceptFailure records a middleware failure for plugin.
func (m *Metrics) IncInterceptFailure(plugin string) {
	if m == nil {
		return
	}
	m.InterceptFailuresTotal.WithLabelValues(plugin).Inc()
}

// IncHookFailure records a failed extension hook.
func (m *Metrics) IncHookFailure(plugin, point string) {
	if m == nil {
		return
	}
	m.HookFailuresTotal.WithLabelValues(plugin, point).Inc()
}

// RegisterCacheStats exposes a compiled-code cache's hit and miss counters.
func (m *Metrics) RegisterCacheStats(stats func() (hits, misses uint64)) error {
	if m == nil || m.registerer == nil || stats == nil {
		return nil
	}
	hits := prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "tickler_lua_cache_hits_total",
			Help: "Total number of compiled Lua chunk cache hits",
		},
		func() float64 { h, _ := stats(); return float64(h) },
	)
	misses := prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "tickler_lua_cache_misses_total",
			Help: "Total number of compiled Lua chunk cache misses",
		},
		func() float64 { _, mi := stats(); return float64(mi) },
	)
	if err := m.registerer.Register(hits); err != nil {
		return err
	}
	return m.registerer.Register(misses)
}

// Handler serves the metrics in registry in the Prometheus text format.
func Handler(registry prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// RegisterMetricsEndpoint registers the /metrics endpoint.
func RegisterMetricsEndpoint(mux *http.ServeMux, registry prometheus.Gatherer) {
	mux.Handle("/metrics", Handler(registry))
}
