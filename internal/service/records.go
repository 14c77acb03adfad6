package service

import (
	"context"
	"errors"

	"github.com/kjstillabower/city-weather-service/internal/geo"
	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/store"
)

// geoRecords reads and writes CityGeoRecords. GeoResolver and GeoCache share
// it so that both persist cities the same way.
type geoRecords struct {
	store store.Store
}

// get returns store.ErrNotFound unwrapped so callers can branch on it.
func (r geoRecords) get(ctx context.Context, key string) (*models.CityGeoRecord, error) {
	var rec models.CityGeoRecord
	if err := r.store.Get(ctx, models.CollectionCityGeo, key, &rec); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, unavailable("read geo record "+key, err)
	}
	if rec.Key == "" {
		rec.Key = key
	}
	return &rec, nil
}

// put validates candidates and upserts them under their derived key. Invalid
// candidates are ignored and yield a nil record.
func (r geoRecords) put(ctx context.Context, candidates geo.Candidates) (*models.CityGeoRecord, error) {
	if !geo.Validate(candidates) {
		return nil, nil
	}
	rec := models.CityGeoRecord{Key: geo.DeriveKey(candidates), GeoInfo: candidates}
	if err := r.store.Put(ctx, models.CollectionCityGeo, rec.Key, rec); err != nil {
		return nil, unavailable("store geo record "+rec.Key, err)
	}
	return &rec, nil
}
