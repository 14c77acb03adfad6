package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool() error = %v", err)
	}
	t.Cleanup(mock.Close)
	return NewPostgresStore(mock), mock
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS kv_documents").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS kv_documents_location_idx").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresStore_Get(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT value FROM kv_documents").
		WithArgs("cityweather", "Vancouver_CA").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow([]byte(`{"value":"cached"}`)))

	var got plainDoc
	if err := s.Get(context.Background(), "cityweather", "Vancouver_CA", &got); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Value != "cached" {
		t.Errorf("Get() = %q, want cached", got.Value)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresStore_Get_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT value FROM kv_documents").
		WithArgs("cityweather", "Nowhere_US").
		WillReturnError(pgx.ErrNoRows)

	var got plainDoc
	err := s.Get(context.Background(), "cityweather", "Nowhere_US", &got)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() err = %v, want ErrNotFound", err)
	}
}

func TestPostgresStore_Get_Error(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT value FROM kv_documents").
		WillReturnError(fmt.Errorf("connection refused"))

	var got plainDoc
	err := s.Get(context.Background(), "cityweather", "Vancouver_CA", &got)
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() err = %v, want connection error", err)
	}
}

func TestPostgresStore_Put(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO kv_documents").
		WithArgs("citygeoinfo", "Vancouver_CA", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := s.Put(context.Background(), "citygeoinfo", "Vancouver_CA", placeDoc{Key: "Vancouver_CA", At: vancouver}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresStore_Put_Error(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO kv_documents").WillReturnError(fmt.Errorf("disk full"))

	if err := s.Put(context.Background(), "cityweather", "k", plainDoc{}); err == nil {
		t.Error("Put() should return the exec error")
	}
}

func TestPostgresStore_NearSearch(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("FROM kv_documents").
		WithArgs("citygeoinfo", vancouver.Lat, vancouver.Lng, 50.0, 100).
		WillReturnRows(pgxmock.NewRows([]string{"value"}).
			AddRow([]byte(`{"key":"Vancouver_CA"}`)).
			AddRow([]byte(`{"key":"Burnaby_CA"}`)))

	docs, err := s.NearSearch(context.Background(), "citygeoinfo", NearQuery{Center: vancouver, RadiusKm: 50})
	if err != nil {
		t.Fatalf("NearSearch() error = %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("NearSearch() returned %d docs, want 2", len(docs))
	}
	var first placeDoc
	if err := json.Unmarshal(docs[0], &first); err != nil || first.Key != "Vancouver_CA" {
		t.Errorf("first doc = %+v (err %v), want Vancouver_CA", first, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
