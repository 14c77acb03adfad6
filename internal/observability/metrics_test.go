package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

// TestMetrics_Usable verifies that all metrics accept the label sets used by
// the client, store, cache, service and http packages.
func TestMetrics_Usable(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/weather/{key}", "2xx").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/weather/{key}").Observe(0.01)
	HTTPErrorsTotal.WithLabelValues("upstream_unavailable").Inc()
	ForecastAPICallsTotal.WithLabelValues("success").Inc()
	ForecastAPIDuration.WithLabelValues("success").Observe(0.1)
	GeocodeAPICallsTotal.WithLabelValues("forward", "success").Inc()
	GeocodeAPIDuration.WithLabelValues("reverse").Observe(0.05)
	UpstreamRetriesTotal.WithLabelValues("forecast").Inc()
	UpstreamErrorsTotal.WithLabelValues("geocoder", "rate_limited").Inc()
	StoreOperationDuration.WithLabelValues("get", "cityweather").Observe(0.001)
	StoreErrorsTotal.WithLabelValues("put", "citygeoinfo").Inc()
	WeatherLookupsTotal.WithLabelValues("fresh").Inc()
	WeatherRefreshesTotal.WithLabelValues("success").Inc()
	WeatherRefreshesCoalescedTotal.Inc()
	GeoCacheLookupsTotal.WithLabelValues("hit").Inc()
	SpatialExpansionsTotal.Inc()
	RadiusSearchResults.Observe(12)
	CacheHitsTotal.WithLabelValues("in_memory").Inc()
	CacheMissesTotal.WithLabelValues("memcached").Inc()
	CacheWarmingTotal.WithLabelValues("success").Inc()
	CircuitBreakerState.WithLabelValues("geocoder").Set(0)
	CircuitBreakerTransitionsTotal.WithLabelValues("forecast", "open").Inc()
	RateLimitDeniedTotal.Inc()
}

// TestRecordWeatherQuery verifies tracked city keys get their own label and
// everything else is folded into "other".
func TestRecordWeatherQuery(t *testing.T) {
	SetTrackedCities([]string{"Vancouver_CA", "Seattle_US"})
	defer SetTrackedCities(nil)

	beforeTracked := counterValue(t, WeatherQueriesByCityTotal.WithLabelValues("vancouver_ca"))
	beforeOther := counterValue(t, WeatherQueriesByCityTotal.WithLabelValues("other"))

	RecordWeatherQuery("Vancouver_CA")
	RecordWeatherQuery("Paris_FR")

	if got := counterValue(t, WeatherQueriesByCityTotal.WithLabelValues("vancouver_ca")) - beforeTracked; got != 1 {
		t.Errorf("tracked delta = %v, want 1", got)
	}
	if got := counterValue(t, WeatherQueriesByCityTotal.WithLabelValues("other")) - beforeOther; got != 1 {
		t.Errorf("other delta = %v, want 1", got)
	}
}

// TestMetricsHandler_ServesPrometheusFormat verifies that MetricsHandler serves
// the Prometheus text format.
func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/health", "2xx").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("MetricsHandler status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "httpRequestsTotal") {
		t.Error("MetricsHandler response should contain metric output")
	}
}
