package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool is the subset of *pgxpool.Pool the store uses. pgxmock pools satisfy it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

const createDocumentsTable = `
	CREATE TABLE IF NOT EXISTS kv_documents (
		collection TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      JSONB NOT NULL,
		lat        DOUBLE PRECISION,
		lng        DOUBLE PRECISION,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (collection, key)
	)`

const createLocationIndex = `
	CREATE INDEX IF NOT EXISTS kv_documents_location_idx
		ON kv_documents (collection, lat, lng) WHERE lat IS NOT NULL`

// PostgresStore keeps documents as JSONB rows in kv_documents. Located
// documents also fill the lat/lng columns used by NearSearch.
type PostgresStore struct {
	pool Pool
}

// NewPostgresStore creates a PostgresStore on an existing pool.
func NewPostgresStore(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPostgres connects to dsn and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	s := NewPostgresStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the documents table and its location index.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range []string{createDocumentsTable, createLocationIndex} {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, collection, key string, dst any) error {
	sql := `SELECT value FROM kv_documents WHERE collection = $1 AND key = $2`
	var payload []byte
	if err := s.pool.QueryRow(ctx, sql, collection, key).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("postgres get %s/%s: %w", collection, key, err)
	}
	return decode(collection, key, payload, dst)
}

func (s *PostgresStore) Put(ctx context.Context, collection, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	var lat, lng *float64
	if loc, ok := locationOf(value); ok {
		lat, lng = &loc.Lat, &loc.Lng
	}

	sql := `
		INSERT INTO kv_documents (collection, key, value, lat, lng, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (collection, key) DO UPDATE SET
			value = EXCLUDED.value,
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			updated_at = now()
	`
	if _, err := s.pool.Exec(ctx, sql, collection, key, payload, lat, lng); err != nil {
		return fmt.Errorf("postgres put %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *PostgresStore) NearSearch(ctx context.Context, collection string, q NearQuery) ([]json.RawMessage, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	sql := `
		SELECT value FROM (
			SELECT key, value,
				2 * 6371 * asin(least(1, sqrt(
					power(sin(radians(lat - $2) / 2), 2) +
					cos(radians($2)) * cos(radians(lat)) * power(sin(radians(lng - $3) / 2), 2)
				))) AS distance_km
			FROM kv_documents
			WHERE collection = $1 AND lat IS NOT NULL
		) d
		WHERE distance_km <= $4
		ORDER BY distance_km, key
		LIMIT $5
	`
	rows, err := s.pool.Query(ctx, sql, collection, q.Center.Lat, q.Center.Lng, q.RadiusKm, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres near search %s: %w", collection, err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("postgres near search %s: scan: %w", collection, err)
		}
		out = append(out, json.RawMessage(payload))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres near search %s: %w", collection, err)
	}
	return out, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
