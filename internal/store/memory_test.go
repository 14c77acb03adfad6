package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/kjstillabower/city-weather-service/internal/geo"
)

type placeDoc struct {
	Key string         `json:"key"`
	At  geo.Coordinate `json:"at"`
}

func (d placeDoc) Location() (geo.Coordinate, bool) { return d.At, true }

type plainDoc struct {
	Value string `json:"value"`
}

var (
	vancouver = geo.Coordinate{Lat: 49.2827, Lng: -123.1207}
	burnaby   = geo.Coordinate{Lat: 49.2488, Lng: -122.9805}
	seattle   = geo.Coordinate{Lat: 47.6062, Lng: -122.3321}
)

func TestMemoryStore_GetPut(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var got plainDoc
	if err := s.Get(ctx, "c", "missing", &got); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) err = %v, want ErrNotFound", err)
	}

	if err := s.Put(ctx, "c", "k", plainDoc{Value: "one"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Put(ctx, "c", "k", plainDoc{Value: "two"}); err != nil {
		t.Fatalf("Put() overwrite error = %v", err)
	}
	if err := s.Get(ctx, "c", "k", &got); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Value != "two" {
		t.Errorf("Get() = %q, want two", got.Value)
	}
	if n := s.Len("c"); n != 1 {
		t.Errorf("Len() = %d, want 1", n)
	}

	if err := s.Get(ctx, "other", "k", &got); !errors.Is(err, ErrNotFound) {
		t.Errorf("collections must be isolated, got err = %v", err)
	}
}

// TestMemoryStore_NearSearch verifies radius filtering, nearest-first order and the limit.
func TestMemoryStore_NearSearch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, d := range []placeDoc{
		{Key: "Seattle_US", At: seattle},
		{Key: "Burnaby_CA", At: burnaby},
		{Key: "Vancouver_CA", At: vancouver},
	} {
		if err := s.Put(ctx, "places", d.Key, d); err != nil {
			t.Fatalf("Put(%s) error = %v", d.Key, err)
		}
	}
	_ = s.Put(ctx, "places", "unlocated", plainDoc{Value: "x"})

	tests := []struct {
		name   string
		radius float64
		limit  int
		want   []string
	}{
		{"small radius", 50, 100, []string{"Vancouver_CA", "Burnaby_CA"}},
		{"large radius", 300, 100, []string{"Vancouver_CA", "Burnaby_CA", "Seattle_US"}},
		{"limit", 300, 1, []string{"Vancouver_CA"}},
		{"zero radius", 0, 100, []string{"Vancouver_CA"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := s.NearSearch(ctx, "places", NearQuery{Center: vancouver, RadiusKm: tt.radius, Limit: tt.limit})
			if err != nil {
				t.Fatalf("NearSearch() error = %v", err)
			}
			var keys []string
			for _, raw := range docs {
				var d placeDoc
				if err := json.Unmarshal(raw, &d); err != nil {
					t.Fatalf("unmarshal: %v", err)
				}
				keys = append(keys, d.Key)
			}
			if len(keys) != len(tt.want) {
				t.Fatalf("NearSearch() keys = %v, want %v", keys, tt.want)
			}
			for i := range keys {
				if keys[i] != tt.want[i] {
					t.Errorf("keys[%d] = %s, want %s", i, keys[i], tt.want[i])
				}
			}
		})
	}
}

func TestMemoryStore_NearSearch_InvalidCenter(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.NearSearch(context.Background(), "places", NearQuery{Center: geo.Coordinate{Lat: 100}, RadiusKm: 1})
	if err == nil {
		t.Error("NearSearch() with invalid center should fail")
	}
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewMemoryStore()
	if err := s.Put(ctx, "c", "k", plainDoc{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Put() err = %v, want context.Canceled", err)
	}
	if err := s.Ping(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Ping() err = %v, want context.Canceled", err)
	}
}

func TestNearQuery_String(t *testing.T) {
	q := NearQuery{
		Field:    "value.geoInfo.geometry.location",
		Center:   geo.Coordinate{Lat: 49.2827291, Lng: -123.1207375},
		RadiusKm: 50,
	}
	want := "value.geoInfo.geometry.location:NEAR:{lat:49.2827291 lng:-123.1207375 dist:50km}"
	if got := q.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
