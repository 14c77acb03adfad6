// Package store is the key-value document store the geo and weather caches
// read and write. Values are JSON documents grouped into collections; values
// that report a location are indexed for radius searches.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/kjstillabower/city-weather-service/internal/geo"
)

// ErrNotFound is returned by Get when the collection has no document under the key.
var ErrNotFound = errors.New("not found")

// Store is a collection/key document store with a radius query.
type Store interface {
	// Get decodes the document stored under collection/key into dst.
	Get(ctx context.Context, collection, key string, dst any) error
	// Put stores value under collection/key, replacing any existing document.
	Put(ctx context.Context, collection, key string, value any) error
	// NearSearch returns documents whose indexed location lies within the query
	// radius, nearest first, at most q.Limit of them.
	NearSearch(ctx context.Context, collection string, q NearQuery) ([]json.RawMessage, error)
	Ping(ctx context.Context) error
	Close() error
}

// Locatable is implemented by documents that carry a location. Put indexes
// such documents for NearSearch.
type Locatable interface {
	Location() (geo.Coordinate, bool)
}

// NearQuery selects documents within RadiusKm of Center.
type NearQuery struct {
	Field    string
	Center   geo.Coordinate
	RadiusKm float64
	Limit    int
}

// String renders the query in document-search syntax, e.g.
// value.geoInfo.geometry.location:NEAR:{lat:49.28 lng:-123.12 dist:50km}.
func (q NearQuery) String() string {
	return fmt.Sprintf("%s:NEAR:{lat:%s lng:%s dist:%skm}",
		q.Field,
		strconv.FormatFloat(q.Center.Lat, 'f', -1, 64),
		strconv.FormatFloat(q.Center.Lng, 'f', -1, 64),
		strconv.FormatFloat(q.RadiusKm, 'f', -1, 64),
	)
}

func (q NearQuery) validate() error {
	if !q.Center.Valid() {
		return fmt.Errorf("near query: invalid center %s", q.Center)
	}
	if q.RadiusKm < 0 {
		return fmt.Errorf("near query: negative radius %g", q.RadiusKm)
	}
	return nil
}

func locationOf(value any) (geo.Coordinate, bool) {
	l, ok := value.(Locatable)
	if !ok {
		return geo.Coordinate{}, false
	}
	return l.Location()
}

func decode(collection, key string, payload []byte, dst any) error {
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("decode %s/%s: %w", collection, key, err)
	}
	return nil
}
