package http

import (
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather-service/internal/observability"
)

// RouterConfig controls which middleware and routes NewRouter installs.
type RouterConfig struct {
	RequestTimeout time.Duration
	TestingMode    bool
}

// NewRouter wires h behind the standard middleware. Lookup routes are rate
// limited and bounded by RequestTimeout; /health and /metrics are not.
func NewRouter(h *Handler, logger *zap.Logger, cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler()).Methods("GET")

	api := router.NewRoute().Subrouter()
	api.Use(RateLimitMiddleware(h.rateLimiter))
	if cfg.RequestTimeout > 0 {
		api.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	api.HandleFunc("/weather", h.GetWeatherByAddress).Methods("GET").Queries("address", "{address}")
	api.HandleFunc("/weather/batch", h.PostWeatherBatch).Methods("POST")
	api.HandleFunc("/weather/{key}", h.GetWeatherByKey).Methods("GET")
	api.HandleFunc("/cities/{key}", h.GetCity).Methods("GET")
	api.HandleFunc("/cities/{key}/nearby", h.GetNearbyCities).Methods("GET")

	if cfg.TestingMode {
		logger.Warn("Testing mode enabled; /test endpoint exposed")
		router.HandleFunc("/test", h.GetTestStatus).Methods("GET")
		router.HandleFunc("/test/{action}", h.PostTestAction).Methods("POST")
	}
	return router
}
