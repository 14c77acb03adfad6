//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather-service/internal/cache"
	"github.com/kjstillabower/city-weather-service/internal/client"
	"github.com/kjstillabower/city-weather-service/internal/service"
	"github.com/kjstillabower/city-weather-service/internal/store"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	GeocoderAPIKey string
	GeocoderURL    string
	ForecastAPIKey string
	ForecastURL    string
	CacheBackend   string // "in_memory" or "memcached"
	MemcachedAddr  string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips the test unless GEOCODER_API_KEY and FORECAST_API_KEY are set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	geocoderKey := os.Getenv("GEOCODER_API_KEY")
	forecastKey := os.Getenv("FORECAST_API_KEY")
	if geocoderKey == "" || forecastKey == "" {
		t.Skip("GEOCODER_API_KEY or FORECAST_API_KEY not set, skipping integration test")
	}
	return IntegrationTestConfig{
		GeocoderAPIKey: geocoderKey,
		GeocoderURL:    envOr("GEOCODER_URL", "https://maps.googleapis.com/maps/api/geocode/json"),
		ForecastAPIKey: forecastKey,
		ForecastURL:    envOr("FORECAST_URL", "https://api.pirateweather.net/forecast"),
		CacheBackend:   os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr:  envOr("MEMCACHED_ADDRS", "localhost:11211"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// IntegrationServices bundles the services built against the real upstreams.
type IntegrationServices struct {
	Store   *store.MemoryStore
	Cities  *service.GeoCache
	Weather *service.WeatherCache
}

// SetupIntegrationServices wires real upstream clients to an in-memory store.
// The geocoder goes through the configured response cache, falling back to
// in-memory when memcached is unreachable.
func SetupIntegrationServices(t *testing.T, cfg IntegrationTestConfig, logger *zap.Logger) (*IntegrationServices, func()) {
	t.Helper()
	geocoder, err := client.NewGoogleGeocoder(client.Options{APIKey: cfg.GeocoderAPIKey, BaseURL: cfg.GeocoderURL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewGoogleGeocoder() error = %v", err)
	}
	forecast, err := client.NewPirateWeatherClient(client.Options{APIKey: cfg.ForecastAPIKey, BaseURL: cfg.ForecastURL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewPirateWeatherClient() error = %v", err)
	}

	var (
		responses cache.Cache = cache.NewInMemoryCache()
		cacheType             = "in_memory"
		cleanup               = func() {}
	)
	if cfg.CacheBackend == "memcached" {
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2)
		if err == nil && mc.Ping() == nil {
			responses, cacheType = mc, "memcached"
			cleanup = func() { _ = mc.Close() }
			t.Logf("Using Memcached cache at %s", cfg.MemcachedAddr)
		} else {
			t.Logf("Memcached not available, using in-memory cache")
		}
	}

	st := store.NewMemoryStore()
	cached := cache.NewCachedGeocoder(geocoder, responses, time.Hour, cacheType, logger)
	resolver := service.NewGeoResolver(cached, st, 200*time.Millisecond, logger)
	cities := service.NewGeoCache(resolver, st, service.DefaultExpansionPolicy(), logger)
	weather := service.NewWeatherCache(st, forecast, cities, service.WeatherConfig{Coalesce: true}, logger)
	return &IntegrationServices{Store: st, Cities: cities, Weather: weather}, cleanup
}
