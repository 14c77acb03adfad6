package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/kjstillabower/city-weather-service/internal/geo"
	"github.com/kjstillabower/city-weather-service/internal/observability"
)

// Geocoder resolves addresses and coordinates into candidate lists. An empty
// list with a nil error means the provider found no match.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (geo.Candidates, error)
	ReverseGeocode(ctx context.Context, c geo.Coordinate) (geo.Candidates, error)
}

// Google Geocoding API response statuses.
const (
	geocodeStatusOK             = "OK"
	geocodeStatusZeroResults    = "ZERO_RESULTS"
	geocodeStatusOverQueryLimit = "OVER_QUERY_LIMIT"
	geocodeStatusOverDailyLimit = "OVER_DAILY_LIMIT"
	geocodeStatusRequestDenied  = "REQUEST_DENIED"
	geocodeStatusInvalidRequest = "INVALID_REQUEST"
)

// GoogleGeocoder talks to the Google Geocoding JSON API.
type GoogleGeocoder struct {
	requester
}

// NewGoogleGeocoder returns a geocoder for the JSON endpoint at opts.BaseURL,
// e.g. https://maps.googleapis.com/maps/api/geocode/json.
func NewGoogleGeocoder(opts Options) (*GoogleGeocoder, error) {
	if err := validateAPIKey(opts.APIKey); err != nil {
		return nil, err
	}
	if _, err := url.Parse(opts.BaseURL); err != nil || opts.BaseURL == "" {
		return nil, fmt.Errorf("invalid geocoder URL %q", opts.BaseURL)
	}
	return &GoogleGeocoder{requester{upstream: "geocoder", opts: opts.withDefaults()}}, nil
}

type geocodeResponse struct {
	Status       string         `json:"status"`
	ErrorMessage string         `json:"error_message"`
	Results      geo.Candidates `json:"results"`
}

// Geocode forward-geocodes a free-form address.
func (g *GoogleGeocoder) Geocode(ctx context.Context, address string) (geo.Candidates, error) {
	params := url.Values{}
	params.Set("address", address)
	return g.lookup(ctx, "forward", params)
}

// ReverseGeocode resolves a coordinate into the addresses around it.
func (g *GoogleGeocoder) ReverseGeocode(ctx context.Context, c geo.Coordinate) (geo.Candidates, error) {
	params := url.Values{}
	params.Set("latlng", strconv.FormatFloat(c.Lat, 'f', -1, 64)+","+strconv.FormatFloat(c.Lng, 'f', -1, 64))
	return g.lookup(ctx, "reverse", params)
}

func (g *GoogleGeocoder) lookup(ctx context.Context, operation string, params url.Values) (geo.Candidates, error) {
	params.Set("key", g.opts.APIKey)
	u, err := url.Parse(g.opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid geocoder URL: %w", err)
	}
	u.RawQuery = params.Encode()

	var out geo.Candidates
	err = g.call(ctx, func(ctx context.Context) error {
		start := time.Now()
		var resp geocodeResponse
		code, err := g.getJSON(ctx, u.String(), &resp)
		if err == nil {
			err = statusFromGeocode(resp)
		}
		observability.GeocodeAPICallsTotal.WithLabelValues(operation, statusLabel(code, err)).Inc()
		observability.GeocodeAPIDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
		if err != nil {
			return err
		}
		out = resp.Results
		return nil
	})
	// A rejected or unknown query is a no-match, like ZERO_RESULTS.
	if errors.Is(err, ErrLocationNotFound) {
		return geo.Candidates{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("geocode %s: %w", operation, err)
	}
	if out == nil {
		out = geo.Candidates{}
	}
	return out, nil
}

// statusFromGeocode maps the in-body status of a 200 response to an error.
// No-match statuses are not errors.
func statusFromGeocode(resp geocodeResponse) error {
	switch resp.Status {
	case geocodeStatusOK, geocodeStatusZeroResults, geocodeStatusInvalidRequest:
		return nil
	case geocodeStatusOverQueryLimit, geocodeStatusOverDailyLimit:
		return fmt.Errorf("%w: %s", ErrRateLimited, resp.Status)
	case geocodeStatusRequestDenied:
		return fmt.Errorf("%w: %s", ErrInvalidAPIKey, resp.ErrorMessage)
	default:
		return fmt.Errorf("%w: geocoder status %q", ErrUpstreamFailure, resp.Status)
	}
}
