package models

import (
	"testing"

	"github.com/kjstillabower/city-weather-service/internal/geo"
)

// TestCityWeatherRecord_IsStale verifies the strict staleness boundary.
func TestCityWeatherRecord_IsStale(t *testing.T) {
	const now = int64(1_700_000_000)
	tests := []struct {
		name    string
		updated int64
		want    bool
	}{
		{"just written", now, false},
		{"exactly one hour", now - 3600, false},
		{"one hour and a second", now - 3601, true},
		{"written in the future", now + 10, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := CityWeatherRecord{LastUpdateTime: tt.updated}
			if got := r.IsStale(now, 3600); got != tt.want {
				t.Errorf("IsStale() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCityGeoRecord_Location(t *testing.T) {
	r := CityGeoRecord{Key: "Vancouver_CA", GeoInfo: geo.Candidates{{
		Geometry: geo.Geometry{Location: geo.Coordinate{Lat: 49.28, Lng: -123.12}},
	}}}
	loc, ok := r.Location()
	if !ok || loc.Lat != 49.28 || loc.Lng != -123.12 {
		t.Errorf("Location() = %v, %v", loc, ok)
	}

	if _, ok := (CityGeoRecord{Key: "x"}).Location(); ok {
		t.Error("Location() on empty record should report false")
	}
}
