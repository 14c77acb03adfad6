package service

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/city-weather-service/internal/client"
	"github.com/kjstillabower/city-weather-service/internal/geo"
	"github.com/kjstillabower/city-weather-service/internal/observability"
	"github.com/kjstillabower/city-weather-service/internal/store"
)

// DefaultInterCallDelay paces reverse geocoding in batches.
const DefaultInterCallDelay = 200 * time.Millisecond

// GeoResolver turns addresses and coordinates into candidate lists and
// collapses batches of them into distinct cities.
type GeoResolver struct {
	geocoder client.Geocoder
	records  geoRecords
	pacer    *rate.Limiter
	logger   *zap.Logger
}

// NewGeoResolver creates a GeoResolver. Batch reverse lookups are spaced at
// least interCallDelay apart across all callers; zero disables pacing.
func NewGeoResolver(geocoder client.Geocoder, st store.Store, interCallDelay time.Duration, logger *zap.Logger) *GeoResolver {
	var pacer *rate.Limiter
	if interCallDelay > 0 {
		pacer = rate.NewLimiter(rate.Every(interCallDelay), 1)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeoResolver{geocoder: geocoder, records: geoRecords{store: st}, pacer: pacer, logger: logger}
}

// Forward geocodes address. An empty result means no match.
func (r *GeoResolver) Forward(ctx context.Context, address string) (geo.Candidates, error) {
	candidates, err := r.geocoder.Geocode(ctx, address)
	if err != nil {
		return nil, unavailable("forward geocode", err)
	}
	return candidates, nil
}

// Reverse geocodes c. An empty result means no match.
func (r *GeoResolver) Reverse(ctx context.Context, c geo.Coordinate) (geo.Candidates, error) {
	candidates, err := r.geocoder.ReverseGeocode(ctx, c)
	if err != nil {
		return nil, unavailable("reverse geocode "+c.String(), err)
	}
	return candidates, nil
}

// ResolveBatch reverse geocodes coords one at a time, in order, and returns
// the distinct valid cities among the results (see Dedup). The first upstream
// failure aborts the batch.
func (r *GeoResolver) ResolveBatch(ctx context.Context, coords []geo.Coordinate) ([]geo.Candidates, error) {
	logger := observability.LoggerFromContext(ctx, r.logger)
	start := time.Now()

	lists := make([]geo.Candidates, 0, len(coords))
	for _, c := range coords {
		if r.pacer != nil {
			if err := r.pacer.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, unavailable("pace reverse geocode", err)
			}
		}
		candidates, err := r.Reverse(ctx, c)
		if err != nil {
			return nil, err
		}
		lists = append(lists, candidates)
	}

	out, err := r.Dedup(ctx, lists)
	if err != nil {
		return nil, err
	}
	logger.Info("resolved coordinate batch",
		zap.Int("coordinates", len(coords)),
		zap.Int("cities", len(out)),
		zap.Duration("duration", time.Since(start)))
	return out, nil
}

// Dedup keeps the first valid candidate list for each city key, in input
// order, and stores every kept city as it goes.
func (r *GeoResolver) Dedup(ctx context.Context, lists []geo.Candidates) ([]geo.Candidates, error) {
	seen := make(map[string]struct{}, len(lists))
	out := make([]geo.Candidates, 0, len(lists))
	for _, candidates := range lists {
		if !geo.Validate(candidates) {
			continue
		}
		key := geo.DeriveKey(candidates)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, err := r.records.put(ctx, candidates); err != nil {
			return nil, err
		}
		out = append(out, candidates)
	}
	return out, nil
}
