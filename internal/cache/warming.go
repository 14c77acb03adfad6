package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/observability"
)

// WeatherFetcher is implemented by the service layer's weather cache. Taking
// an interface here keeps cache free of a dependency on service.
type WeatherFetcher interface {
	GetByKey(ctx context.Context, key string) (*models.CityWeatherRecord, error)
}

// CacheWarmer keeps the weather of configured cities fresh by looking them up
// through the weather cache, which refreshes stale or missing entries.
type CacheWarmer struct {
	fetcher     WeatherFetcher
	logger      *zap.Logger
	concurrency int
}

// NewCacheWarmer creates a CacheWarmer. concurrency <= 1 warms sequentially.
func NewCacheWarmer(fetcher WeatherFetcher, logger *zap.Logger, concurrency int) *CacheWarmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &CacheWarmer{fetcher: fetcher, logger: logger, concurrency: concurrency}
}

// Warm looks up every key. Unknown keys are reported as errors. All keys are
// attempted; the returned error joins every failure.
func (w *CacheWarmer) Warm(ctx context.Context, keys []string) error {
	start := time.Now()
	w.logger.Info("warming cache", zap.Int("cities", len(keys)), zap.Int("concurrency", w.concurrency))

	errs := make([]error, len(keys))
	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for i, key := range keys {
		g.Go(func() error {
			rec, err := w.fetcher.GetByKey(ctx, key)
			switch {
			case err != nil:
				errs[i] = fmt.Errorf("warm %s: %w", key, err)
			case rec == nil:
				errs[i] = fmt.Errorf("warm %s: unknown city", key)
			}
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	failed := 0
	for _, e := range errs {
		if e != nil {
			failed++
		}
	}
	w.logger.Info("cache warming complete",
		zap.Int("cities", len(keys)),
		zap.Int("errors", failed),
		zap.Float64("duration_seconds", time.Since(start).Seconds()))
	if err != nil {
		observability.CacheWarmingTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("cache warming: %w", err)
	}
	observability.CacheWarmingTotal.WithLabelValues("success").Inc()
	return nil
}

// WarmPeriodic runs an initial Warm, then warms again every interval until ctx is done.
func (w *CacheWarmer) WarmPeriodic(ctx context.Context, keys []string, interval time.Duration) error {
	if err := w.Warm(ctx, keys); err != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, keys); err != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
