package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather-service/internal/observability"
)

// Instrumented wraps a Store with latency metrics, error counters and debug logs.
type Instrumented struct {
	next   Store
	logger *zap.Logger
}

// NewInstrumented wraps next. logger is used when the request context carries none.
func NewInstrumented(next Store, logger *zap.Logger) *Instrumented {
	return &Instrumented{next: next, logger: logger}
}

func (s *Instrumented) Get(ctx context.Context, collection, key string, dst any) error {
	start := time.Now()
	err := s.next.Get(ctx, collection, key, dst)
	s.observe(ctx, "get", collection, start, err, zap.String("key", key))
	return err
}

func (s *Instrumented) Put(ctx context.Context, collection, key string, value any) error {
	start := time.Now()
	err := s.next.Put(ctx, collection, key, value)
	s.observe(ctx, "put", collection, start, err, zap.String("key", key))
	return err
}

func (s *Instrumented) NearSearch(ctx context.Context, collection string, q NearQuery) ([]json.RawMessage, error) {
	start := time.Now()
	docs, err := s.next.NearSearch(ctx, collection, q)
	s.observe(ctx, "near_search", collection, start, err,
		zap.Stringer("query", q), zap.Int("results", len(docs)))
	return docs, err
}

func (s *Instrumented) Ping(ctx context.Context) error {
	return s.next.Ping(ctx)
}

func (s *Instrumented) Close() error {
	return s.next.Close()
}

func (s *Instrumented) observe(ctx context.Context, op, collection string, start time.Time, err error, fields ...zap.Field) {
	elapsed := time.Since(start)
	observability.StoreOperationDuration.WithLabelValues(op, collection).Observe(elapsed.Seconds())

	logger := observability.LoggerFromContext(ctx, s.logger)
	fields = append(fields, zap.String("collection", collection), zap.Duration("duration", elapsed))
	switch {
	case err == nil:
		logger.Debug("store "+op, fields...)
	case errors.Is(err, ErrNotFound):
		logger.Debug("store "+op+" not found", fields...)
	default:
		observability.StoreErrorsTotal.WithLabelValues(op, collection).Inc()
		logger.Warn("store "+op+" failed", append(fields, zap.Error(err))...)
	}
}
