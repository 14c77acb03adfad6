package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather-service/internal/client"
	"github.com/kjstillabower/city-weather-service/internal/geo"
	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/observability"
	"github.com/kjstillabower/city-weather-service/internal/store"
)

const (
	// DefaultMaxAge is how long a stored weather record stays fresh.
	DefaultMaxAge = time.Hour
	// DefaultMaxRefreshes bounds forecast fetches within one lookup.
	DefaultMaxRefreshes    = 1
	DefaultCoalesceTimeout = 10 * time.Second
)

// errRefreshExhausted is returned (wrapped in ErrUpstreamUnavailable) when a
// record is still missing or stale after the allowed refreshes.
var errRefreshExhausted = errors.New("weather record still missing or stale after refresh")

// WeatherConfig tunes WeatherCache. Zero values select the defaults.
type WeatherConfig struct {
	Clock           clockwork.Clock
	MaxAge          time.Duration
	MaxRefreshes    int
	Coalesce        bool
	CoalesceTimeout time.Duration
}

// WeatherCache serves per-city weather from the store and refreshes it from
// the forecast provider when it is missing or stale.
type WeatherCache struct {
	store        store.Store
	forecast     client.ForecastClient
	geo          *GeoCache
	clock        clockwork.Clock
	maxAge       int64
	maxRefreshes int
	coalescer    *refreshCoalescer
	logger       *zap.Logger
}

// NewWeatherCache creates a WeatherCache. geoCache resolves keys and
// addresses for the ByKey and ByAddress lookups.
func NewWeatherCache(st store.Store, forecast client.ForecastClient, geoCache *GeoCache, cfg WeatherConfig, logger *zap.Logger) *WeatherCache {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.MaxRefreshes <= 0 {
		cfg.MaxRefreshes = DefaultMaxRefreshes
	}
	if cfg.CoalesceTimeout <= 0 {
		cfg.CoalesceTimeout = DefaultCoalesceTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &WeatherCache{
		store:        st,
		forecast:     forecast,
		geo:          geoCache,
		clock:        cfg.Clock,
		maxAge:       int64(cfg.MaxAge / time.Second),
		maxRefreshes: cfg.MaxRefreshes,
		logger:       logger,
	}
	if cfg.Coalesce {
		w.coalescer = newRefreshCoalescer(cfg.CoalesceTimeout)
	}
	return w
}

// Get returns the weather for the city key at coord, fetching a new forecast
// when the stored record is missing or stale.
func (w *WeatherCache) Get(ctx context.Context, coord geo.Coordinate, key string) (*models.CityWeatherRecord, error) {
	logger := observability.LoggerFromContext(ctx, w.logger).With(zap.String("key", key))

	for refreshes := 0; ; refreshes++ {
		rec, state, err := w.read(ctx, key)
		if err != nil {
			return nil, err
		}
		observability.WeatherLookupsTotal.WithLabelValues(state).Inc()
		if state == "fresh" {
			logger.Debug("weather cache hit", zap.Int("refreshes", refreshes))
			return rec, nil
		}
		if refreshes >= w.maxRefreshes {
			logger.Warn("weather refresh exhausted", zap.String("state", state), zap.Int("refreshes", refreshes))
			return nil, unavailable("weather "+key, errRefreshExhausted)
		}
		logger.Info("refreshing weather", zap.String("state", state))
		if _, err := w.refresh(ctx, coord, key); err != nil {
			return nil, err
		}
	}
}

// read loads key and classifies it as fresh, stale or missing.
func (w *WeatherCache) read(ctx context.Context, key string) (*models.CityWeatherRecord, string, error) {
	var rec models.CityWeatherRecord
	err := w.store.Get(ctx, models.CollectionCityWeather, key, &rec)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, "missing", nil
	case err != nil:
		return nil, "", unavailable("read weather "+key, err)
	}
	if rec.IsStale(w.clock.Now().Unix(), w.maxAge) {
		return &rec, "stale", nil
	}
	return &rec, "fresh", nil
}

func (w *WeatherCache) refresh(ctx context.Context, coord geo.Coordinate, key string) (*models.CityWeatherRecord, error) {
	if w.coalescer == nil {
		return w.FetchAndStore(ctx, coord, key)
	}
	return w.coalescer.do(ctx, key, func(ctx context.Context) (*models.CityWeatherRecord, error) {
		return w.FetchAndStore(ctx, coord, key)
	})
}

// FetchAndStore fetches the forecast at coord, truncated to whole degrees,
// and stores it under key stamped with the current time.
func (w *WeatherCache) FetchAndStore(ctx context.Context, coord geo.Coordinate, key string) (*models.CityWeatherRecord, error) {
	forecast, err := w.forecast.Forecast(ctx, int(coord.Lat), int(coord.Lng))
	if err != nil {
		observability.WeatherRefreshesTotal.WithLabelValues("error").Inc()
		return nil, unavailable("fetch weather "+key, err)
	}

	rec := &models.CityWeatherRecord{
		Key:            key,
		LastUpdateTime: w.clock.Now().Unix(),
		LatLon:         coord,
		Currently:      forecast.Currently,
		Hourly:         forecast.Hourly,
		DailyThisWeek:  forecast.Daily,
	}
	if err := w.store.Put(ctx, models.CollectionCityWeather, key, rec); err != nil {
		observability.WeatherRefreshesTotal.WithLabelValues("error").Inc()
		return nil, unavailable("store weather "+key, err)
	}
	observability.WeatherRefreshesTotal.WithLabelValues("success").Inc()
	return rec, nil
}

// GetByKey returns the weather for a city key, or nil if the key does not
// resolve to a known city.
func (w *WeatherCache) GetByKey(ctx context.Context, key string) (*models.CityWeatherRecord, error) {
	rec, err := w.geo.GetByKey(ctx, key)
	if err != nil || rec == nil {
		return nil, err
	}
	return w.getForCity(ctx, rec)
}

// GetByAddress returns the weather for the city address resolves to, or nil
// if it does not resolve to a supported city.
func (w *WeatherCache) GetByAddress(ctx context.Context, address string) (*models.CityWeatherRecord, error) {
	rec, err := w.geo.Get(ctx, address)
	if err != nil || rec == nil {
		return nil, err
	}
	return w.getForCity(ctx, rec)
}

func (w *WeatherCache) getForCity(ctx context.Context, city *models.CityGeoRecord) (*models.CityWeatherRecord, error) {
	coord, ok := geo.ExtractCoordinate(city.GeoInfo)
	if !ok {
		return nil, nil
	}
	observability.RecordWeatherQuery(city.Key)
	return w.Get(ctx, coord, city.Key)
}

// GetBatchByKey looks up each key independently. Every key appears in the
// result, mapped to nil when it could not be served; failures are joined
// into the returned error.
func (w *WeatherCache) GetBatchByKey(ctx context.Context, keys []string) (map[string]*models.CityWeatherRecord, error) {
	out := make(map[string]*models.CityWeatherRecord, len(keys))
	var errs []error
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			out[key] = nil
			continue
		}
		rec, err := w.GetByKey(ctx, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		out[key] = rec
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return out, errors.Join(errs...)
}

// GetBatchByAddress looks up each address independently and keys the result
// by city. Addresses that fail or do not resolve are absent.
func (w *WeatherCache) GetBatchByAddress(ctx context.Context, addresses []string) (map[string]*models.CityWeatherRecord, error) {
	out := make(map[string]*models.CityWeatherRecord, len(addresses))
	var errs []error
	for _, address := range addresses {
		if ctx.Err() != nil {
			break
		}
		rec, err := w.GetByAddress(ctx, address)
		if err != nil {
			errs = append(errs, fmt.Errorf("%q: %w", address, err))
			continue
		}
		if rec != nil {
			out[rec.Key] = rec
		}
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return out, errors.Join(errs...)
}
