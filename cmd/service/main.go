package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/city-weather-service/internal/cache"
	"github.com/kjstillabower/city-weather-service/internal/circuitbreaker"
	"github.com/kjstillabower/city-weather-service/internal/client"
	"github.com/kjstillabower/city-weather-service/internal/config"
	httphandler "github.com/kjstillabower/city-weather-service/internal/http"
	"github.com/kjstillabower/city-weather-service/internal/lifecycle"
	"github.com/kjstillabower/city-weather-service/internal/observability"
	"github.com/kjstillabower/city-weather-service/internal/service"
	"github.com/kjstillabower/city-weather-service/internal/store"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	openCtx, openCancel := context.WithTimeout(context.Background(), 10*time.Second)
	backend, err := store.Open(openCtx, store.Options{
		Backend:      cfg.StoreBackend,
		ValkeyAddr:   cfg.ValkeyAddr,
		ValkeyPrefix: cfg.ValkeyPrefix,
		PostgresDSN:  cfg.PostgresDSN,
	})
	openCancel()
	if err != nil {
		logger.Fatal("store", zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}
	st := store.NewInstrumented(backend, logger)
	logger.Info("store backend", zap.String("backend", cfg.StoreBackend))

	var breakers []*circuitbreaker.CircuitBreaker
	newBreaker := func(name string) *circuitbreaker.CircuitBreaker {
		cb := newUpstreamBreaker(cfg, name, logger)
		if cb != nil {
			breakers = append(breakers, cb)
		}
		return cb
	}

	geocoder, err := client.NewGoogleGeocoder(client.Options{
		APIKey:         cfg.GeocoderAPIKey,
		BaseURL:        cfg.GeocoderURL,
		Timeout:        cfg.GeocoderTimeout,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		Breaker:        newBreaker("geocoder"),
	})
	if err != nil {
		logger.Fatal("geocoder client", zap.Error(err))
	}
	forecast, err := client.NewPirateWeatherClient(client.Options{
		APIKey:         cfg.ForecastAPIKey,
		BaseURL:        cfg.ForecastURL,
		Timeout:        cfg.ForecastTimeout,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		Breaker:        newBreaker("forecast"),
	})
	if err != nil {
		logger.Fatal("forecast client", zap.Error(err))
	}

	var (
		lookups        client.Geocoder = geocoder
		memcacheCloser *cache.MemcachedCache
	)
	switch cfg.GeocodeCacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		lookups = cache.NewCachedGeocoder(geocoder, mc, cfg.GeocodeCacheTTL, "memcached", logger)
		logger.Info("geocode cache: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	case "in_memory":
		lookups = cache.NewCachedGeocoder(geocoder, cache.NewInMemoryCache(), cfg.GeocodeCacheTTL, "in_memory", logger)
		logger.Info("geocode cache: in_memory")
	default:
		logger.Info("geocode cache: none")
	}

	resolver := service.NewGeoResolver(lookups, st, cfg.GeocodeInterCallDelay, logger)
	cities := service.NewGeoCache(resolver, st, service.ExpansionPolicy{
		CoverageThreshold: cfg.CoverageThreshold,
		DegreeStep:        cfg.DegreeStep,
		SearchLimit:       cfg.SearchLimit,
	}, logger)
	weather := service.NewWeatherCache(st, forecast, cities, service.WeatherConfig{
		MaxAge:          cfg.WeatherMaxAge,
		MaxRefreshes:    cfg.WeatherMaxRefreshes,
		Coalesce:        cfg.CoalesceEnabled,
		CoalesceTimeout: cfg.CoalesceTimeout,
	}, logger)

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
		RateLimitBurst:       cfg.RateLimitBurst,
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
		StorePing:            st.Ping,
		Breakers:             breakers,
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(weather, cities, healthConfig, httphandler.NearbyConfig{
		DefaultCount:    cfg.NearbyDefaultCount,
		MaxCount:        cfg.NearbyMaxCount,
		DefaultRadiusKm: cfg.NearbyDefaultRadius,
	}, logger, limiter)

	observability.RegisterRateLimitGauges(cfg.OverloadWindow)
	if len(cfg.TrackedCities) > 0 {
		observability.SetTrackedCities(cfg.TrackedCities)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	lifecycle.SetReadyAfter(time.Now().Add(cfg.ReadyDelay))
	if cfg.WarmCache && len(cfg.TrackedCities) > 0 {
		warmer := cache.NewCacheWarmer(weather, logger, cfg.WarmConcurrency)
		warmCtx, warmCancel := context.WithTimeout(runCtx, 30*time.Second)
		if err := warmer.Warm(warmCtx, cfg.TrackedCities); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		warmCancel()
		if cfg.WarmInterval > 0 {
			go func() {
				if err := warmer.WarmPeriodic(runCtx, cfg.TrackedCities, cfg.WarmInterval); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("periodic cache warming stopped", zap.Error(err))
				}
			}()
		}
	}

	router := httphandler.NewRouter(handler, logger, httphandler.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
		TestingMode:    cfg.TestingMode,
	})
	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := st.Close(); err != nil {
		logger.Error("store close", zap.Error(err))
	}
	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// newUpstreamBreaker returns the breaker guarding one upstream, or nil when
// breakers are disabled. Transitions are exported as metrics and logged.
func newUpstreamBreaker(cfg *config.Config, name string, logger *zap.Logger) *circuitbreaker.CircuitBreaker {
	if !cfg.CircuitBreakerEnabled {
		return nil
	}
	cb := circuitbreaker.New(circuitbreaker.Config{
		Name:             name,
		FailureThreshold: cfg.CircuitBreakerFailureThreshold,
		SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
		OpenTimeout:      cfg.CircuitBreakerTimeout,
		IsFailure:        client.IsUpstreamFault,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			observability.CircuitBreakerTransitionsTotal.WithLabelValues(name, to.String()).Inc()
			observability.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn("circuit breaker transition",
				zap.String("upstream", name), zap.Stringer("from", from), zap.Stringer("to", to))
		},
	})
	observability.CircuitBreakerState.WithLabelValues(name).Set(float64(circuitbreaker.StateClosed))
	return cb
}
