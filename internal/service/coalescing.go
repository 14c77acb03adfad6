package service

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/observability"
)

// refreshCoalescer collapses concurrent refreshes of the same city into one
// forecast call. The shared call runs detached from any single caller's
// cancellation, bounded by timeout.
type refreshCoalescer struct {
	group   singleflight.Group
	timeout time.Duration
}

func newRefreshCoalescer(timeout time.Duration) *refreshCoalescer {
	return &refreshCoalescer{timeout: timeout}
}

// do runs fn for key unless a call for key is already in flight, in which
// case it waits for that call's result. A caller whose ctx ends stops waiting
// without cancelling the shared call.
func (c *refreshCoalescer) do(ctx context.Context, key string, fn func(context.Context) (*models.CityWeatherRecord, error)) (*models.CityWeatherRecord, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return fn(callCtx)
	})

	select {
	case res := <-ch:
		if res.Shared {
			observability.WeatherRefreshesCoalescedTotal.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		rec, _ := res.Val.(*models.CityWeatherRecord)
		return rec, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
