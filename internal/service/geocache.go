package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather-service/internal/geo"
	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/observability"
	"github.com/kjstillabower/city-weather-service/internal/store"
)

// ExpansionPolicy controls when and how a radius search falls back to
// generating neighbouring cities.
type ExpansionPolicy struct {
	// CoverageThreshold is the fraction of the requested count that must
	// already be stored to skip expansion.
	CoverageThreshold float64
	DegreeStep        float64
	SearchLimit       int
}

// DefaultExpansionPolicy returns the stock policy: 70% coverage, 0.5 degree
// steps and at most 100 search results.
func DefaultExpansionPolicy() ExpansionPolicy {
	return ExpansionPolicy{CoverageThreshold: 0.70, DegreeStep: 0.5, SearchLimit: 100}
}

// minimumCovered is floor(desired * threshold). The epsilon absorbs float error
// so that e.g. 100 * 0.7 counts as 70.
func (p ExpansionPolicy) minimumCovered(desired int) int {
	return int(math.Floor(float64(desired)*p.CoverageThreshold + 1e-9))
}

// GeoCache is the read-through cache of city geo records.
type GeoCache struct {
	resolver *GeoResolver
	records  geoRecords
	policy   ExpansionPolicy
	logger   *zap.Logger
}

// NewGeoCache creates a GeoCache over st. resolver should write to the same store.
func NewGeoCache(resolver *GeoResolver, st store.Store, policy ExpansionPolicy, logger *zap.Logger) *GeoCache {
	def := DefaultExpansionPolicy()
	if policy.CoverageThreshold <= 0 {
		policy.CoverageThreshold = def.CoverageThreshold
	}
	if policy.DegreeStep <= 0 {
		policy.DegreeStep = def.DegreeStep
	}
	if policy.SearchLimit <= 0 {
		policy.SearchLimit = def.SearchLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeoCache{resolver: resolver, records: geoRecords{store: st}, policy: policy, logger: logger}
}

// Get returns the geo record for the city address resolves to, storing it on
// first sight. A nil record with a nil error means address is not a city in a
// supported country.
func (g *GeoCache) Get(ctx context.Context, address string) (*models.CityGeoRecord, error) {
	candidates, err := g.resolver.Forward(ctx, address)
	if err != nil {
		return nil, err
	}
	if !geo.Validate(candidates) {
		observability.GeoCacheLookupsTotal.WithLabelValues("invalid").Inc()
		observability.LoggerFromContext(ctx, g.logger).Debug("address is not a supported city", zap.String("address", address))
		return nil, nil
	}

	key := geo.DeriveKey(candidates)
	rec, err := g.records.get(ctx, key)
	switch {
	case err == nil:
		observability.GeoCacheLookupsTotal.WithLabelValues("hit").Inc()
		return rec, nil
	case errors.Is(err, store.ErrNotFound):
		observability.GeoCacheLookupsTotal.WithLabelValues("miss").Inc()
		return g.records.put(ctx, candidates)
	default:
		return nil, err
	}
}

// GetByKey returns the stored record for key. On a miss the key is geocoded
// as "<city>, <country>" and the result is stored only if it derives the same key.
func (g *GeoCache) GetByKey(ctx context.Context, key string) (*models.CityGeoRecord, error) {
	rec, err := g.records.get(ctx, key)
	if err == nil {
		observability.GeoCacheLookupsTotal.WithLabelValues("hit").Inc()
		return rec, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	observability.GeoCacheLookupsTotal.WithLabelValues("miss").Inc()

	candidates, err := g.resolver.Forward(ctx, geo.KeyQuery(key))
	if err != nil {
		return nil, err
	}
	if !geo.Validate(candidates) || geo.DeriveKey(candidates) != key {
		observability.LoggerFromContext(ctx, g.logger).Debug("city key does not resolve",
			zap.String("key", key), zap.String("derived", geo.DeriveKey(candidates)))
		return nil, nil
	}
	return g.records.put(ctx, candidates)
}

// Put validates candidates and upserts them. Invalid candidates are a no-op.
func (g *GeoCache) Put(ctx context.Context, candidates geo.Candidates) (*models.CityGeoRecord, error) {
	return g.records.put(ctx, candidates)
}

// RadiusSearch returns stored cities within radiusKm of the city key, nearest
// first. When fewer than the policy's share of desiredCount are stored,
// desiredCount coordinates around the city are reverse geocoded instead and
// the distinct cities among them are returned (and stored).
// A key that does not resolve yields nil.
func (g *GeoCache) RadiusSearch(ctx context.Context, key string, desiredCount int, radiusKm float64) ([]geo.Candidates, error) {
	logger := observability.LoggerFromContext(ctx, g.logger)

	center, err := g.GetByKey(ctx, key)
	if err != nil || center == nil {
		return nil, err
	}
	centerCoord, ok := geo.ExtractCoordinate(center.GeoInfo)
	if !ok {
		return nil, nil
	}

	q := store.NearQuery{
		Field:    models.GeoLocationField,
		Center:   centerCoord,
		RadiusKm: radiusKm,
		Limit:    g.policy.SearchLimit,
	}
	docs, err := g.records.store.NearSearch(ctx, models.CollectionCityGeo, q)
	if err != nil {
		return nil, unavailable("near search", err)
	}
	found, err := distinctCities(docs)
	if err != nil {
		return nil, err
	}
	observability.RadiusSearchResults.Observe(float64(len(found)))

	minimum := g.policy.minimumCovered(desiredCount)
	if len(found) >= minimum {
		logger.Debug("radius search covered",
			zap.String("key", key), zap.Int("found", len(found)), zap.Int("minimum", minimum))
		return found, nil
	}

	observability.SpatialExpansionsTotal.Inc()
	logger.Info("insufficient coverage, expanding",
		zap.String("key", key),
		zap.Int("found", len(found)),
		zap.Int("minimum", minimum),
		zap.Int("desired", desiredCount),
		zap.Stringer("query", q))
	coords := geo.Generate(centerCoord, desiredCount, g.policy.DegreeStep)
	return g.resolver.ResolveBatch(ctx, coords)
}

// distinctCities decodes near-search documents, keeping the first valid
// record per key.
func distinctCities(docs []json.RawMessage) ([]geo.Candidates, error) {
	seen := make(map[string]struct{}, len(docs))
	out := make([]geo.Candidates, 0, len(docs))
	for _, raw := range docs {
		var rec models.CityGeoRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode near search result: %w", err)
		}
		if !geo.Validate(rec.GeoInfo) {
			continue
		}
		key := geo.DeriveKey(rec.GeoInfo)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, rec.GeoInfo)
	}
	return out, nil
}
