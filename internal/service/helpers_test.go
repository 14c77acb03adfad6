package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kjstillabower/city-weather-service/internal/geo"
	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/store"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

var (
	vancouverCoord = geo.Coordinate{Lat: 49.2827, Lng: -123.1207}
	seattleCoord   = geo.Coordinate{Lat: 47.6062, Lng: -122.3321}
)

// city builds a single-candidate geocoder result.
func city(name, countryLong, countryShort string, at geo.Coordinate) geo.Candidates {
	return geo.Candidates{{
		FormattedAddress: name + ", " + countryShort,
		AddressComponents: []geo.AddressComponent{
			{LongName: name, ShortName: name, Types: []string{geo.TypeLocality, "political"}},
			{LongName: countryLong, ShortName: countryShort, Types: []string{geo.TypeCountry, "political"}},
		},
		Geometry: geo.Geometry{Location: at},
	}}
}

func vancouver() geo.Candidates { return city("Vancouver", "Canada", "CA", vancouverCoord) }
func seattle() geo.Candidates   { return city("Seattle", "United States", "US", seattleCoord) }

type fakeGeocoder struct {
	mu           sync.Mutex
	forward      map[string]geo.Candidates
	reverse      func(geo.Coordinate) geo.Candidates
	err          error
	forwardCalls int
	reverseCalls int
}

func (f *fakeGeocoder) Geocode(_ context.Context, address string) (geo.Candidates, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwardCalls++
	if f.err != nil {
		return nil, f.err
	}
	if c, ok := f.forward[address]; ok {
		return c, nil
	}
	return geo.Candidates{}, nil
}

func (f *fakeGeocoder) ReverseGeocode(_ context.Context, c geo.Coordinate) (geo.Candidates, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverseCalls++
	if f.err != nil {
		return nil, f.err
	}
	if f.reverse == nil {
		return geo.Candidates{}, nil
	}
	return f.reverse(c), nil
}

func (f *fakeGeocoder) calls() (forward, reverse int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forwardCalls, f.reverseCalls
}

type forecastCall struct{ lat, lng int }

type fakeForecast struct {
	mu      sync.Mutex
	calls   []forecastCall
	failLat map[int]error
	n       atomic.Int32
	// started and release, when set, block each call until release is closed.
	started chan struct{}
	release chan struct{}
}

func (f *fakeForecast) Forecast(ctx context.Context, lat, lng int) (models.Forecast, error) {
	f.n.Add(1)
	f.mu.Lock()
	f.calls = append(f.calls, forecastCall{lat, lng})
	err := f.failLat[lat]
	f.mu.Unlock()

	if f.release != nil {
		if f.started != nil {
			select {
			case f.started <- struct{}{}:
			default:
			}
		}
		select {
		case <-f.release:
		case <-ctx.Done():
			return models.Forecast{}, ctx.Err()
		}
	}
	if err != nil {
		return models.Forecast{}, err
	}
	return models.Forecast{
		Latitude:  float64(lat),
		Longitude: float64(lng),
		Timezone:  "America/Vancouver",
		Currently: models.DataPoint{Summary: "Clear", Temperature: 18.5},
		Hourly:    models.DataBlock{Summary: "Clear all day"},
		Daily:     models.DataBlock{Summary: "Rain on Tuesday"},
	}, nil
}

func (f *fakeForecast) count() int { return int(f.n.Load()) }

// weatherDroppingStore acknowledges weather writes without keeping them.
type weatherDroppingStore struct {
	*store.MemoryStore
}

func (s weatherDroppingStore) Put(ctx context.Context, collection, key string, value any) error {
	if collection == models.CollectionCityWeather {
		return nil
	}
	return s.MemoryStore.Put(ctx, collection, key, value)
}

// brokenStore fails every operation.
type brokenStore struct{ store.Store }

var errStoreDown = errors.New("store down")

func (brokenStore) Get(context.Context, string, string, any) error { return errStoreDown }
func (brokenStore) Put(context.Context, string, string, any) error { return errStoreDown }

type fixture struct {
	store    *store.MemoryStore
	geocoder *fakeGeocoder
	forecast *fakeForecast
	clock    *clockwork.FakeClock
	resolver *GeoResolver
	geo      *GeoCache
	weather  *WeatherCache
}

func newFixture(cfg WeatherConfig) *fixture {
	f := &fixture{
		store: store.NewMemoryStore(),
		geocoder: &fakeGeocoder{forward: map[string]geo.Candidates{
			"Vancouver, BC": vancouver(),
			"Vancouver, CA": vancouver(),
			"Seattle, WA":   seattle(),
			"Seattle, US":   seattle(),
			"Paris, France": city("Paris", "France", "FR", geo.Coordinate{Lat: 48.8566, Lng: 2.3522}),
		}},
		forecast: &fakeForecast{},
		clock:    clockwork.NewFakeClockAt(testNow),
	}
	f.resolver = NewGeoResolver(f.geocoder, f.store, 0, nil)
	f.geo = NewGeoCache(f.resolver, f.store, DefaultExpansionPolicy(), nil)
	cfg.Clock = f.clock
	f.weather = NewWeatherCache(f.store, f.forecast, f.geo, cfg, nil)
	return f
}

func (f *fixture) putWeather(key string, lastUpdate int64) {
	rec := models.CityWeatherRecord{Key: key, LastUpdateTime: lastUpdate, LatLon: vancouverCoord}
	if err := f.store.Put(context.Background(), models.CollectionCityWeather, key, rec); err != nil {
		panic(fmt.Sprintf("seed weather: %v", err))
	}
}
