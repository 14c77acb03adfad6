package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/kjstillabower/city-weather-service/internal/geo"
)

type memoryDoc struct {
	payload  []byte
	location geo.Coordinate
	located  bool
}

// MemoryStore is an in-process Store. Documents are kept as encoded JSON so
// callers never share memory with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]memoryDoc
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]map[string]memoryDoc)}
}

func (s *MemoryStore) Get(ctx context.Context, collection, key string, dst any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	doc, ok := s.collections[collection][key]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return decode(collection, key, doc.payload, dst)
}

func (s *MemoryStore) Put(ctx context.Context, collection, key string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	doc := memoryDoc{payload: payload}
	doc.location, doc.located = locationOf(value)

	s.mu.Lock()
	defer s.mu.Unlock()
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]memoryDoc)
		s.collections[collection] = docs
	}
	docs[key] = doc
	return nil
}

func (s *MemoryStore) NearSearch(ctx context.Context, collection string, q NearQuery) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := q.validate(); err != nil {
		return nil, err
	}

	type hit struct {
		key      string
		distance float64
		payload  []byte
	}
	var hits []hit
	s.mu.RLock()
	for key, doc := range s.collections[collection] {
		if !doc.located {
			continue
		}
		d := geo.HaversineKm(q.Center, doc.location)
		if d <= q.RadiusKm {
			hits = append(hits, hit{key: key, distance: d, payload: doc.payload})
		}
	}
	s.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].distance != hits[j].distance {
			return hits[i].distance < hits[j].distance
		}
		return hits[i].key < hits[j].key
	})
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}

	out := make([]json.RawMessage, len(hits))
	for i, h := range hits {
		out[i] = append(json.RawMessage(nil), h.payload...)
	}
	return out, nil
}

// Len returns the number of documents in collection.
func (s *MemoryStore) Len(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	return nil
}
