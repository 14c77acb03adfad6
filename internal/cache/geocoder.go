package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather-service/internal/client"
	"github.com/kjstillabower/city-weather-service/internal/geo"
	"github.com/kjstillabower/city-weather-service/internal/observability"
)

// CachedGeocoder serves repeated geocode queries from a Cache. Cache failures
// are logged and the query goes to the wrapped geocoder.
type CachedGeocoder struct {
	next      client.Geocoder
	cache     Cache
	ttl       time.Duration
	cacheType string
	logger    *zap.Logger
}

var _ client.Geocoder = (*CachedGeocoder)(nil)

// NewCachedGeocoder wraps next. cacheType labels metrics ("in_memory", "memcached").
func NewCachedGeocoder(next client.Geocoder, c Cache, ttl time.Duration, cacheType string, logger *zap.Logger) *CachedGeocoder {
	return &CachedGeocoder{next: next, cache: c, ttl: ttl, cacheType: cacheType, logger: logger}
}

func (g *CachedGeocoder) Geocode(ctx context.Context, address string) (geo.Candidates, error) {
	return g.lookup(ctx, forwardKey(address), func() (geo.Candidates, error) {
		return g.next.Geocode(ctx, address)
	})
}

func (g *CachedGeocoder) ReverseGeocode(ctx context.Context, c geo.Coordinate) (geo.Candidates, error) {
	return g.lookup(ctx, reverseKey(c), func() (geo.Candidates, error) {
		return g.next.ReverseGeocode(ctx, c)
	})
}

func (g *CachedGeocoder) lookup(ctx context.Context, key string, fetch func() (geo.Candidates, error)) (geo.Candidates, error) {
	logger := observability.LoggerFromContext(ctx, g.logger)

	cached, ok, err := g.cache.Get(ctx, key)
	switch {
	case err != nil:
		logger.Warn("geocode cache get failed", zap.String("key", key), zap.Error(err))
	case ok:
		observability.CacheHitsTotal.WithLabelValues(g.cacheType).Inc()
		logger.Debug("geocode cache hit", zap.String("key", key))
		return cached, nil
	}
	observability.CacheMissesTotal.WithLabelValues(g.cacheType).Inc()

	result, err := fetch()
	if err != nil {
		return nil, err
	}
	if err := g.cache.Set(ctx, key, result, g.ttl); err != nil {
		logger.Warn("geocode cache set failed", zap.String("key", key), zap.Error(err))
	}
	return result, nil
}

// forwardKey normalises an address so trivially different spellings share an entry.
func forwardKey(address string) string {
	return "fwd:" + strings.Join(strings.Fields(strings.ToLower(address)), " ")
}

func reverseKey(c geo.Coordinate) string {
	return "rev:" + strconv.FormatFloat(c.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(c.Lng, 'f', -1, 64)
}
