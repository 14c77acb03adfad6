package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kjstillabower/city-weather-service/internal/client"
	"github.com/kjstillabower/city-weather-service/internal/geo"
	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/store"
)

func TestGeoResolver_Dedup(t *testing.T) {
	st := store.NewMemoryStore()
	r := NewGeoResolver(&fakeGeocoder{}, st, 0, nil)

	vancouverEast := city("Vancouver", "Canada", "CA", geo.Coordinate{Lat: 49.26, Lng: -123.0})
	burnaby := city("Burnaby", "Canada", "CA", geo.Coordinate{Lat: 49.2488, Lng: -122.9805})
	lists := []geo.Candidates{
		vancouver(),
		{},
		city("Paris", "France", "FR", geo.Coordinate{Lat: 48.85, Lng: 2.35}),
		seattle(),
		vancouverEast,
		burnaby,
		seattle(),
	}

	got, err := r.Dedup(context.Background(), lists)
	if err != nil {
		t.Fatalf("Dedup() error = %v", err)
	}
	want := []string{"Vancouver_CA", "Seattle_US", "Burnaby_CA"}
	if len(got) != len(want) {
		t.Fatalf("len(Dedup()) = %d, want %d", len(got), len(want))
	}
	for i, k := range want {
		if gk := geo.DeriveKey(got[i]); gk != k {
			t.Errorf("Dedup()[%d] = %s, want %s", i, gk, k)
		}
	}
	if got[0][0].Geometry.Location != vancouverCoord {
		t.Errorf("kept later duplicate instead of first-seen Vancouver")
	}

	if n := st.Len(models.CollectionCityGeo); n != 3 {
		t.Errorf("stored geo records = %d, want 3", n)
	}
	var rec models.CityGeoRecord
	if err := st.Get(context.Background(), models.CollectionCityGeo, "Vancouver_CA", &rec); err != nil {
		t.Fatal(err)
	}
	if rec.GeoInfo[0].Geometry.Location != vancouverCoord {
		t.Errorf("stored Vancouver location = %+v, want first-seen", rec.GeoInfo[0].Geometry.Location)
	}
}

func TestGeoResolver_Dedup_StoreFailure(t *testing.T) {
	r := NewGeoResolver(&fakeGeocoder{}, brokenStore{}, 0, nil)
	_, err := r.Dedup(context.Background(), []geo.Candidates{vancouver()})
	if !errors.Is(err, ErrUpstreamUnavailable) || !errors.Is(err, errStoreDown) {
		t.Errorf("Dedup() error = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestGeoResolver_ResolveBatch_OrderAndPacing(t *testing.T) {
	gc := &fakeGeocoder{reverse: func(c geo.Coordinate) geo.Candidates {
		if c.Lat > 48 {
			return vancouver()
		}
		return seattle()
	}}
	const delay = 20 * time.Millisecond
	r := NewGeoResolver(gc, store.NewMemoryStore(), delay, nil)
	coords := []geo.Coordinate{seattleCoord, vancouverCoord, seattleCoord}

	start := time.Now()
	got, err := r.ResolveBatch(context.Background(), coords)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("ResolveBatch() error = %v", err)
	}
	if len(got) != 2 || geo.DeriveKey(got[0]) != "Seattle_US" || geo.DeriveKey(got[1]) != "Vancouver_CA" {
		t.Errorf("ResolveBatch() keys in wrong order: %v", got)
	}
	if _, reverse := gc.calls(); reverse != 3 {
		t.Errorf("reverse calls = %d, want 3", reverse)
	}
	if want := 2 * delay; elapsed < want-5*time.Millisecond {
		t.Errorf("batch took %v, want at least %v between calls", elapsed, want)
	}
}

func TestGeoResolver_ResolveBatch_FailureAborts(t *testing.T) {
	gc := &fakeGeocoder{err: client.ErrUpstreamFailure}
	r := NewGeoResolver(gc, store.NewMemoryStore(), 0, nil)

	_, err := r.ResolveBatch(context.Background(), []geo.Coordinate{vancouverCoord, seattleCoord})
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("ResolveBatch() error = %v, want ErrUpstreamUnavailable", err)
	}
	if _, reverse := gc.calls(); reverse != 1 {
		t.Errorf("reverse calls = %d, want 1", reverse)
	}
}

func TestGeoResolver_ResolveBatch_ContextDeadline(t *testing.T) {
	gc := &fakeGeocoder{reverse: func(geo.Coordinate) geo.Candidates { return vancouver() }}
	r := NewGeoResolver(gc, store.NewMemoryStore(), time.Second, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.ResolveBatch(ctx, []geo.Coordinate{vancouverCoord, seattleCoord, vancouverCoord})
	if err == nil {
		t.Fatal("ResolveBatch() error = nil, want pacing to exceed deadline")
	}
	if _, reverse := gc.calls(); reverse != 1 {
		t.Errorf("reverse calls = %d, want 1", reverse)
	}
}

func TestGeoResolver_ForwardEmpty(t *testing.T) {
	r := NewGeoResolver(&fakeGeocoder{}, store.NewMemoryStore(), 0, nil)
	got, err := r.Forward(context.Background(), "nowhere")
	if err != nil || len(got) != 0 {
		t.Errorf("Forward() = (%v, %v), want empty list", got, err)
	}
}
