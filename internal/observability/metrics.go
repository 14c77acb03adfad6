package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/city-weather-service/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation.
	HTTPRequestsInFlight prometheus.Gauge

	// HTTP error responses by category.
	HTTPErrorsTotal *prometheus.CounterVec

	// Forecast API call rate by status. Watch for: error vs success ratio.
	ForecastAPICallsTotal *prometheus.CounterVec

	// Forecast API latency. Watch for: p95 > 2s (upstream degradation).
	ForecastAPIDuration *prometheus.HistogramVec

	// Geocoding API calls by operation (forward/reverse) and status.
	GeocodeAPICallsTotal *prometheus.CounterVec

	// Geocoding API latency by operation.
	GeocodeAPIDuration *prometheus.HistogramVec

	// Retry attempts per upstream. Watch for: high retries = unstable upstream.
	UpstreamRetriesTotal *prometheus.CounterVec

	// Upstream errors by upstream and category.
	UpstreamErrorsTotal *prometheus.CounterVec

	// Store latency by operation and collection.
	StoreOperationDuration *prometheus.HistogramVec

	// Store errors by operation and collection. Not-found reads are not errors.
	StoreErrorsTotal *prometheus.CounterVec

	// Weather lookups by cached state: fresh, stale or missing.
	WeatherLookupsTotal *prometheus.CounterVec

	// Weather refreshes by result. Watch for: error share (forecast upstream down).
	WeatherRefreshesTotal *prometheus.CounterVec

	// Refreshes served by another in-flight refresh of the same city.
	WeatherRefreshesCoalescedTotal prometheus.Counter

	// Weather lookups per city key (allow-list; others go to "other").
	WeatherQueriesByCityTotal *prometheus.CounterVec

	// Geo record lookups by result: hit, miss or invalid.
	GeoCacheLookupsTotal *prometheus.CounterVec

	// Radius searches that fell below the coverage threshold and expanded.
	SpatialExpansionsTotal prometheus.Counter

	// Distinct cities returned by radius searches before expansion.
	RadiusSearchResults prometheus.Histogram

	// Geocode response cache hits and misses by backend.
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Cache warming runs by result.
	CacheWarmingTotal *prometheus.CounterVec

	// Circuit breaker state per upstream: 0 closed, 1 open, 2 half-open.
	CircuitBreakerState *prometheus.GaugeVec

	// Circuit breaker transitions per upstream and target state.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	trackedCitiesMu sync.RWMutex
	trackedCities   map[string]struct{}

	rateLimitGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "httpRequestsTotal", Help: "Total number of HTTP requests"},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "httpRequestsInFlight", Help: "Number of HTTP requests currently being served"},
	)
	HTTPErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "httpErrorsTotal", Help: "HTTP error responses by category"},
		[]string{"category"},
	)
	ForecastAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "forecastApiCallsTotal", Help: "Total number of forecast API calls"},
		[]string{"status"},
	)
	ForecastAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forecastApiDurationSeconds",
			Help:    "Forecast API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	GeocodeAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "geocodeApiCallsTotal", Help: "Total number of geocoding API calls"},
		[]string{"operation", "status"},
	)
	GeocodeAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geocodeApiDurationSeconds",
			Help:    "Geocoding API latency in seconds (per request)",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)
	UpstreamRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "upstreamRetriesTotal", Help: "Retry attempts for upstream API calls"},
		[]string{"upstream"},
	)
	UpstreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "upstreamErrorsTotal", Help: "Upstream API errors by category"},
		[]string{"upstream", "category"},
	)
	StoreOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storeOperationDurationSeconds",
			Help:    "Key-value store latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation", "collection"},
	)
	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "storeErrorsTotal", Help: "Key-value store errors (not-found excluded)"},
		[]string{"operation", "collection"},
	)
	WeatherLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "weatherLookupsTotal", Help: "Weather lookups by cached state"},
		[]string{"state"},
	)
	WeatherRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "weatherRefreshesTotal", Help: "Weather refreshes from the forecast API by result"},
		[]string{"result"},
	)
	WeatherRefreshesCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "weatherRefreshesCoalescedTotal", Help: "Refreshes that shared another in-flight refresh"},
	)
	WeatherQueriesByCityTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "weatherQueriesByCityTotal", Help: "Weather queries by city key (allow-list; others use city=other)"},
		[]string{"city"},
	)
	GeoCacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "geoCacheLookupsTotal", Help: "City geo record lookups by result"},
		[]string{"result"},
	)
	SpatialExpansionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "spatialExpansionsTotal", Help: "Radius searches that triggered spatial expansion"},
	)
	RadiusSearchResults = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "radiusSearchResults",
			Help:    "Distinct cities found by radius searches before expansion",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 70, 100},
		},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cacheHitsTotal", Help: "Geocode response cache hits"},
		[]string{"cacheType"},
	)
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cacheMissesTotal", Help: "Geocode response cache misses"},
		[]string{"cacheType"},
	)
	CacheWarmingTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cacheWarmingTotal", Help: "Cache warming of configured cities by result"},
		[]string{"result"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "circuitBreakerState", Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open"},
		[]string{"upstream"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "circuitBreakerTransitionsTotal", Help: "Circuit breaker state transitions"},
		[]string{"upstream", "to"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "rateLimitDeniedTotal", Help: "Total number of requests denied by rate limiter (429)"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight, HTTPErrorsTotal,
		ForecastAPICallsTotal, ForecastAPIDuration,
		GeocodeAPICallsTotal, GeocodeAPIDuration,
		UpstreamRetriesTotal, UpstreamErrorsTotal,
		StoreOperationDuration, StoreErrorsTotal,
		WeatherLookupsTotal, WeatherRefreshesTotal, WeatherRefreshesCoalescedTotal, WeatherQueriesByCityTotal,
		GeoCacheLookupsTotal, SpatialExpansionsTotal, RadiusSearchResults,
		CacheHitsTotal, CacheMissesTotal, CacheWarmingTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		RateLimitDeniedTotal,
	)
}

// RegisterRateLimitGauges registers load and rejects gauges over the given window.
// Call once from main after config load.
func RegisterRateLimitGauges(window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting rate-limited path in sliding window; load/capacity planning",
				},
				func() float64 { return float64(traffic.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window; are we rejecting requests",
				},
				func() float64 { return float64(traffic.DenialCount(window)) },
			),
		)
	})
}

// SetTrackedCities sets the allow-list for per-city metrics. Other keys increment "other".
func SetTrackedCities(keys []string) {
	trackedCitiesMu.Lock()
	defer trackedCitiesMu.Unlock()
	trackedCities = make(map[string]struct{}, len(keys))
	for _, k := range keys {
		trackedCities[normalizeCityForMetrics(k)] = struct{}{}
	}
}

// RecordWeatherQuery records a weather lookup for the given city key.
func RecordWeatherQuery(key string) {
	city := normalizeCityForMetrics(key)
	trackedCitiesMu.RLock()
	_, ok := trackedCities[city]
	trackedCitiesMu.RUnlock()
	if !ok {
		city = "other"
	}
	WeatherQueriesByCityTotal.WithLabelValues(city).Inc()
}

func normalizeCityForMetrics(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
