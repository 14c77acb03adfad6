package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/valkey-io/valkey-go"
)

// Valkey's GEO index only accepts latitudes within the Web Mercator range.
const maxGeoLatitude = 85.05112878

// ValkeyStore keeps documents as JSON strings and indexes located documents in
// a per-collection GEO set.
type ValkeyStore struct {
	client valkey.Client
	prefix string
}

// NewValkeyStore wraps a connected client. Keys are namespaced under prefix.
func NewValkeyStore(client valkey.Client, prefix string) *ValkeyStore {
	if prefix == "" {
		prefix = "cityweather"
	}
	return &ValkeyStore{client: client, prefix: prefix}
}

// ValkeyOptions builds client options from an address or a redis:// / valkey:// URL.
func ValkeyOptions(addr string) (valkey.ClientOption, error) {
	if addr == "" {
		return valkey.ClientOption{}, fmt.Errorf("valkey address is required")
	}
	for _, scheme := range []string{"redis://", "rediss://", "valkey://", "valkeys://", "unix://"} {
		if strings.HasPrefix(addr, scheme) {
			return valkey.ParseURL(addr)
		}
	}
	return valkey.ClientOption{InitAddress: []string{addr}}, nil
}

func (s *ValkeyStore) Get(ctx context.Context, collection, key string, dst any) error {
	payload, err := s.client.Do(ctx, s.client.B().Get().Key(s.docKey(collection, key)).Build()).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return ErrNotFound
		}
		return fmt.Errorf("valkey get %s/%s: %w", collection, key, err)
	}
	return decode(collection, key, []byte(payload), dst)
}

func (s *ValkeyStore) Put(ctx context.Context, collection, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}

	cmds := []valkey.Completed{
		s.client.B().Set().Key(s.docKey(collection, key)).Value(string(payload)).Build(),
	}
	if loc, ok := locationOf(value); ok && loc.Lat >= -maxGeoLatitude && loc.Lat <= maxGeoLatitude {
		cmds = append(cmds, s.client.B().Geoadd().Key(s.geoKey(collection)).
			LongitudeLatitudeMember().LongitudeLatitudeMember(loc.Lng, loc.Lat, key).Build())
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("valkey put %s/%s: %w", collection, key, err)
		}
	}
	return nil
}

func (s *ValkeyStore) NearSearch(ctx context.Context, collection string, q NearQuery) ([]json.RawMessage, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	search := s.client.B().Geosearch().Key(s.geoKey(collection)).
		Fromlonlat(q.Center.Lng, q.Center.Lat).
		Byradius(q.RadiusKm).Km().
		Asc()
	var cmd valkey.Completed
	if q.Limit > 0 {
		cmd = search.Count(int64(q.Limit)).Build()
	} else {
		cmd = search.Build()
	}

	members, err := s.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("valkey geosearch %s: %w", collection, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = s.docKey(collection, m)
	}
	values, err := s.client.Do(ctx, s.client.B().Mget().Key(keys...).Build()).ToArray()
	if err != nil {
		return nil, fmt.Errorf("valkey mget %s: %w", collection, err)
	}

	out := make([]json.RawMessage, 0, len(values))
	for _, v := range values {
		payload, err := v.ToString()
		if err != nil {
			// index entry without a document; skip it
			if valkey.IsValkeyNil(err) {
				continue
			}
			return nil, fmt.Errorf("valkey mget %s: %w", collection, err)
		}
		out = append(out, json.RawMessage(payload))
	}
	return out, nil
}

func (s *ValkeyStore) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

func (s *ValkeyStore) Close() error {
	s.client.Close()
	return nil
}

func (s *ValkeyStore) docKey(collection, key string) string {
	return s.prefix + ":" + collection + ":" + key
}

func (s *ValkeyStore) geoKey(collection string) string {
	return s.prefix + ":" + collection + ":geo"
}
