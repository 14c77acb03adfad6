package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/city-weather-service/internal/circuitbreaker"
	"github.com/kjstillabower/city-weather-service/internal/client"
	"github.com/kjstillabower/city-weather-service/internal/geo"
	"github.com/kjstillabower/city-weather-service/internal/lifecycle"
	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/observability"
	"github.com/kjstillabower/city-weather-service/internal/service"
	"github.com/kjstillabower/city-weather-service/internal/traffic"
	"github.com/kjstillabower/city-weather-service/internal/validation"
)

// MaxBatchSize caps the number of keys or addresses in one batch request.
const MaxBatchSize = 50

// maxNearbyRadiusKm caps the radius accepted by the nearby endpoint.
const maxNearbyRadiusKm = 500

// HealthConfig holds lifecycle thresholds and dependency probes for the health handler.
type HealthConfig struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int
	RateLimitBurst       int // 0 when rate limiter disabled
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	// StorePing checks the key-value store.
	StorePing func(ctx context.Context) error
	// CachePing, when set, checks the geocode response cache (memcached).
	CachePing func() error
	// Breakers are reported per upstream; an open breaker marks the service degraded.
	Breakers []*circuitbreaker.CircuitBreaker
}

// NearbyConfig holds defaults and limits for GET /cities/{key}/nearby.
type NearbyConfig struct {
	DefaultCount    int
	MaxCount        int
	DefaultRadiusKm float64
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	weather          *service.WeatherCache
	cities           *service.GeoCache
	healthConfig     *HealthConfig
	nearby           NearbyConfig
	logger           *zap.Logger
	rateLimiter      *rate.Limiter
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(
	weather *service.WeatherCache,
	cities *service.GeoCache,
	healthConfig *HealthConfig,
	nearby NearbyConfig,
	logger *zap.Logger,
	rateLimiter *rate.Limiter,
) *Handler {
	if nearby.DefaultCount <= 0 {
		nearby.DefaultCount = 10
	}
	if nearby.MaxCount <= 0 {
		nearby.MaxCount = 20
	}
	if nearby.DefaultRadiusKm <= 0 {
		nearby.DefaultRadiusKm = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		weather:      weather,
		cities:       cities,
		healthConfig: healthConfig,
		nearby:       nearby,
		logger:       logger,
		rateLimiter:  rateLimiter,
	}
}

// GetWeatherByKey handles GET /weather/{key}.
func (h *Handler) GetWeatherByKey(w http.ResponseWriter, r *http.Request) {
	key, err := validation.ValidateCityKey(mux.Vars(r)["key"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY_KEY", err.Error())
		return
	}
	rec, err := h.weather.GetByKey(r.Context(), key)
	h.writeWeather(w, r, rec, err)
}

// GetWeatherByAddress handles GET /weather?address=.
func (h *Handler) GetWeatherByAddress(w http.ResponseWriter, r *http.Request) {
	address, err := validation.ValidateAddress(r.URL.Query().Get("address"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_ADDRESS", err.Error())
		return
	}
	rec, err := h.weather.GetByAddress(r.Context(), address)
	h.writeWeather(w, r, rec, err)
}

func (h *Handler) writeWeather(w http.ResponseWriter, r *http.Request, rec *models.CityWeatherRecord, err error) {
	if err != nil {
		traffic.RecordError()
		writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	if rec == nil {
		writeError(w, r, http.StatusNotFound, "CITY_NOT_FOUND", "no supported city matches the request")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type batchRequest struct {
	Keys      []string `json:"keys"`
	Addresses []string `json:"addresses"`
}

type batchResponse struct {
	Results map[string]*models.CityWeatherRecord `json:"results"`
	Failed  int                                  `json:"failed"`
}

// PostWeatherBatch handles POST /weather/batch with either {"keys": [...]}
// or {"addresses": [...]}. Items are served independently; malformed items and
// upstream failures are counted in "failed" rather than failing the request.
func (h *Handler) PostWeatherBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "request body must be JSON")
		return
	}
	if (len(req.Keys) == 0) == (len(req.Addresses) == 0) {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "exactly one of keys or addresses is required")
		return
	}
	if len(req.Keys)+len(req.Addresses) > MaxBatchSize {
		writeError(w, r, http.StatusBadRequest, "BATCH_TOO_LARGE", "at most "+strconv.Itoa(MaxBatchSize)+" items per batch")
		return
	}

	var (
		results map[string]*models.CityWeatherRecord
		err     error
		invalid int
	)
	if len(req.Keys) > 0 {
		keys := make([]string, 0, len(req.Keys))
		var rejected []string
		for _, k := range req.Keys {
			key, verr := validation.ValidateCityKey(k)
			if verr != nil {
				rejected = append(rejected, k)
				continue
			}
			keys = append(keys, key)
		}
		results, err = h.weather.GetBatchByKey(r.Context(), keys)
		// Malformed keys are reported like unknown ones.
		for _, k := range rejected {
			results[k] = nil
		}
		invalid = len(rejected)
	} else {
		addresses := make([]string, 0, len(req.Addresses))
		for _, a := range req.Addresses {
			address, verr := validation.ValidateAddress(a)
			if verr != nil {
				invalid++
				continue
			}
			addresses = append(addresses, address)
		}
		results, err = h.weather.GetBatchByAddress(r.Context(), addresses)
	}

	failed := countJoined(err) + invalid
	if failed > 0 {
		traffic.RecordError()
		observability.LoggerFromContext(r.Context(), h.logger).Warn("batch lookup partially failed",
			zap.Int("failed", failed), zap.Error(err))
	} else {
		traffic.RecordSuccess()
	}
	writeJSON(w, http.StatusOK, batchResponse{Results: results, Failed: failed})
}

// countJoined returns how many errors err joins (1 for a plain error).
func countJoined(err error) int {
	if err == nil {
		return 0
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return len(j.Unwrap())
	}
	return 1
}

// GetCity handles GET /cities/{key}.
func (h *Handler) GetCity(w http.ResponseWriter, r *http.Request) {
	key, err := validation.ValidateCityKey(mux.Vars(r)["key"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY_KEY", err.Error())
		return
	}
	rec, err := h.cities.GetByKey(r.Context(), key)
	if err != nil {
		traffic.RecordError()
		writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	if rec == nil {
		writeError(w, r, http.StatusNotFound, "CITY_NOT_FOUND", "unknown city "+key)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type nearbyCity struct {
	Key              string         `json:"key"`
	FormattedAddress string         `json:"formattedAddress"`
	Location         geo.Coordinate `json:"location"`
	DistanceKm       float64        `json:"distanceKm"`
}

type nearbyResponse struct {
	Key      string       `json:"key"`
	RadiusKm float64      `json:"radiusKm"`
	Count    int          `json:"count"`
	Cities   []nearbyCity `json:"cities"`
}

// GetNearbyCities handles GET /cities/{key}/nearby?count=&radius=.
func (h *Handler) GetNearbyCities(w http.ResponseWriter, r *http.Request) {
	key, err := validation.ValidateCityKey(mux.Vars(r)["key"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY_KEY", err.Error())
		return
	}
	count, radius, ok := h.parseNearby(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	center, err := h.cities.GetByKey(ctx, key)
	if err != nil {
		traffic.RecordError()
		writeServiceError(w, r, err)
		return
	}
	if center == nil {
		traffic.RecordSuccess()
		writeError(w, r, http.StatusNotFound, "CITY_NOT_FOUND", "unknown city "+key)
		return
	}
	found, err := h.cities.RadiusSearch(ctx, key, count, radius)
	if err != nil {
		traffic.RecordError()
		writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, nearbyResult(center, found, radius))
}

func (h *Handler) parseNearby(w http.ResponseWriter, r *http.Request) (count int, radius float64, ok bool) {
	q := r.URL.Query()
	count, radius = h.nearby.DefaultCount, h.nearby.DefaultRadiusKm
	if s := strings.TrimSpace(q.Get("count")); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > h.nearby.MaxCount {
			writeError(w, r, http.StatusBadRequest, "INVALID_COUNT", "count must be between 1 and "+strconv.Itoa(h.nearby.MaxCount))
			return 0, 0, false
		}
		count = n
	}
	if s := strings.TrimSpace(q.Get("radius")); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f <= 0 || f > maxNearbyRadiusKm {
			writeError(w, r, http.StatusBadRequest, "INVALID_RADIUS", "radius must be a positive number of km up to "+strconv.Itoa(maxNearbyRadiusKm))
			return 0, 0, false
		}
		radius = f
	}
	return count, radius, true
}

func nearbyResult(center *models.CityGeoRecord, found []geo.Candidates, radius float64) nearbyResponse {
	origin, _ := geo.ExtractCoordinate(center.GeoInfo)
	resp := nearbyResponse{Key: center.Key, RadiusKm: radius, Cities: make([]nearbyCity, 0, len(found))}
	for _, c := range found {
		loc, ok := geo.ExtractCoordinate(c)
		if !ok {
			continue
		}
		resp.Cities = append(resp.Cities, nearbyCity{
			Key:              geo.DeriveKey(c),
			FormattedAddress: c[0].FormattedAddress,
			Location:         loc,
			DistanceKm:       geo.HaversineKm(origin, loc),
		})
	}
	resp.Count = len(resp.Cities)
	return resp
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	checks     map[string]string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	writeJSON(w, result.statusCode, map[string]any{
		"status":    result.status,
		"service":   "city-weather-service",
		"version":   "dev",
		"checks":    result.checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > starting > store unreachable > overloaded > circuit open > error rate > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	checks := make(map[string]string)
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal", checks}
	}
	if !lifecycle.IsReady(time.Now()) {
		return healthResult{"starting", http.StatusServiceUnavailable, "warming", checks}
	}
	cfg := h.healthConfig
	if cfg == nil {
		return healthResult{"healthy", http.StatusOK, "", checks}
	}

	storeOK := true
	if cfg.StorePing != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		storeOK = cfg.StorePing(pingCtx) == nil
		cancel()
		checks["store"] = healthWord(storeOK)
	}
	if cfg.CachePing != nil {
		checks["geocodeCache"] = healthWord(cfg.CachePing() == nil)
	}
	breakerOpen := ""
	for _, cb := range cfg.Breakers {
		state := cb.State()
		checks[cb.Name()] = healthWord(state != circuitbreaker.StateOpen)
		if state == circuitbreaker.StateOpen && breakerOpen == "" {
			breakerOpen = cb.Name()
		}
	}

	if !storeOK {
		return healthResult{"degraded", http.StatusServiceUnavailable, "store_unreachable", checks}
	}
	if cfg.RateLimitRPS > 0 && cfg.OverloadWindow > 0 {
		threshold := float64(cfg.RateLimitRPS) * cfg.OverloadWindow.Seconds() * float64(cfg.OverloadThresholdPct) / 100
		if float64(traffic.RequestCount(cfg.OverloadWindow)) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold", checks}
		}
	}
	if breakerOpen != "" {
		return healthResult{"degraded", http.StatusServiceUnavailable, "circuit_open:" + breakerOpen, checks}
	}
	if cfg.DegradedWindow > 0 && cfg.DegradedErrorPct > 0 {
		errs, total := traffic.ErrorRate(cfg.DegradedWindow)
		if total > 0 && float64(errs)*100/float64(total) >= float64(cfg.DegradedErrorPct) {
			return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach", checks}
		}
	}
	return healthResult{"healthy", http.StatusOK, "", checks}
}

func healthWord(ok bool) string {
	if ok {
		return "healthy"
	}
	return "unhealthy"
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error body with the request's correlation ID.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationIDFromContext(r.Context()),
		},
	})
}

// writeServiceError maps service failures: deadlines to 504, upstream or
// store failures to 503, anything else to 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	category := client.CategorizeError(err)
	observability.HTTPErrorsTotal.WithLabelValues(string(category)).Inc()
	observability.LoggerFromContext(r.Context(), nil).Debug("request failed",
		zap.Error(err), zap.String("category", string(category)))

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "upstream did not respond in time")
	case errors.Is(err, service.ErrUpstreamUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "unable to fetch city or weather data")
	default:
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}
