package service

import (
	"errors"
	"fmt"
)

// ErrUpstreamUnavailable marks failures of the geocoder, the forecast provider
// or the store. It is distinct from an invalid address, which yields a nil
// result and no error.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// unavailable wraps err so that both ErrUpstreamUnavailable and err match errors.Is.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUpstreamUnavailable, err)
}
