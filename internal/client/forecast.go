package client

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/observability"
)

// ForecastClient fetches the forecast for whole-degree coordinates.
type ForecastClient interface {
	Forecast(ctx context.Context, lat, lng int) (models.Forecast, error)
}

// PirateWeatherClient talks to a Dark Sky compatible forecast API
// (GET {base}/{apiKey}/{lat},{lng}).
type PirateWeatherClient struct {
	requester
}

// NewPirateWeatherClient returns a forecast client for opts.BaseURL,
// e.g. https://api.pirateweather.net/forecast.
func NewPirateWeatherClient(opts Options) (*PirateWeatherClient, error) {
	if err := validateAPIKey(opts.APIKey); err != nil {
		return nil, err
	}
	if _, err := url.Parse(opts.BaseURL); err != nil || opts.BaseURL == "" {
		return nil, fmt.Errorf("invalid forecast URL %q", opts.BaseURL)
	}
	return &PirateWeatherClient{requester{upstream: "forecast", opts: opts.withDefaults()}}, nil
}

// Forecast returns current, hourly and daily conditions at lat,lng.
func (c *PirateWeatherClient) Forecast(ctx context.Context, lat, lng int) (models.Forecast, error) {
	rawURL := c.forecastURL(lat, lng)

	var out models.Forecast
	err := c.call(ctx, func(ctx context.Context) error {
		start := time.Now()
		var resp models.Forecast
		code, err := c.getJSON(ctx, rawURL, &resp)
		status := statusLabel(code, err)
		observability.ForecastAPICallsTotal.WithLabelValues(status).Inc()
		observability.ForecastAPIDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	if err != nil {
		return models.Forecast{}, fmt.Errorf("forecast %d,%d: %w", lat, lng, err)
	}
	return out, nil
}

func (c *PirateWeatherClient) forecastURL(lat, lng int) string {
	base := strings.TrimRight(c.opts.BaseURL, "/")
	return base + "/" + url.PathEscape(c.opts.APIKey) + "/" +
		strconv.Itoa(lat) + "," + strconv.Itoa(lng) + "?exclude=minutely,alerts,flags"
}
