package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	require.NotNil(t, m)

	m.ObserveLoad("ready", "", 10*time.Millisecond)
	m.ObserveLoad("failed", "validation", time.Millisecond)
	m.ObserveLoad("failed", "validation", time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.PluginLoadsTotal.WithLabelValues("ready", "")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.PluginLoadsTotal.WithLabelValues("failed", "validation")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.PluginLoadDuration))
}

func TestMetrics_SetRegistered(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SetRegistered(map[string]int{"ready": 2, "failed": 1})
	m.SetRegistered(map[string]int{"ready": 3})

	assert.Equal(t, float64(3), testutil.ToFloat64(m.PluginsRegistered.WithLabelValues("ready")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.PluginsRegistered))
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.IncUnload()
	m.IncDiscoveryError()
	m.IncScan()
	m.ObserveDispatch(time.Microsecond)
	m.IncInterceptFailure("bad")
	m.IncHookFailure("bad", "decorateConfig")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.PluginUnloadsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DiscoveryErrorsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ScansTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DispatchTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.InterceptFailuresTotal.WithLabelValues("bad")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HookFailuresTotal.WithLabelValues("bad", "decorateConfig")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveLoad("ready", "", time.Second)
		m.SetRegistered(nil)
		m.IncUnload()
		m.IncDiscoveryError()
		m.IncScan()
		m.ObserveDispatch(time.Second)
		m.IncInterceptFailure("x")
		m.IncHookFailure("x", "y")
		assert.NoError(t, m.RegisterCacheStats(func() (uint64, uint64) { return 0, 0 }))
	})
}

func TestMetrics_CacheStatsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	require.NoError(t, m.RegisterCacheStats(func() (uint64, uint64) { return 7, 3 }))

	mux := http.NewServeMux()
	RegisterMetricsEndpoint(mux, registry)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, "tickler_lua_cache_hits_total 7"), text)
	assert.True(t, strings.Contains(text, "tickler_lua_cache_misses_total 3"), text)
}
