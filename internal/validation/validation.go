package validation

import (
	"errors"
	"strings"
	"unicode"
)

// Address and city key limits, in runes.
const (
	MaxAddressLength = 200
	MaxCityKeyLength = 120
)

var (
	// ErrAddressEmpty is returned when an address is empty or whitespace-only after trim.
	ErrAddressEmpty = errors.New("address is required")
	// ErrAddressTooLong is returned when an address exceeds MaxAddressLength.
	ErrAddressTooLong = errors.New("address too long")
	// ErrAddressInvalidChars is returned when an address contains disallowed characters.
	ErrAddressInvalidChars = errors.New("address contains invalid characters")

	// ErrCityKeyInvalid is returned for keys not shaped like "<city>_<country code>".
	ErrCityKeyInvalid = errors.New("city key must look like City_CC")
)

// ValidateAddress trims the input, enforces MaxAddressLength and restricts it to
// letters, digits, spaces and the punctuation found in postal addresses.
// Returns the trimmed string.
func ValidateAddress(input string) (string, error) {
	s := strings.TrimSpace(input)
	n := len([]rune(s))
	if n == 0 {
		return "", ErrAddressEmpty
	}
	if n > MaxAddressLength {
		return "", ErrAddressTooLong
	}
	for _, c := range s {
		if !isAddressRune(c) {
			return "", ErrAddressInvalidChars
		}
	}
	return s, nil
}

func isAddressRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.', '\'', '#':
		return true
	}
	return false
}

// ValidateCityKey checks that key is "<city>_<country code>": a non-empty city
// of address characters, an underscore, and a two-letter upper-case country code.
func ValidateCityKey(input string) (string, error) {
	key := strings.TrimSpace(input)
	if key == "" || len([]rune(key)) > MaxCityKeyLength {
		return "", ErrCityKeyInvalid
	}
	i := strings.LastIndex(key, "_")
	if i <= 0 {
		return "", ErrCityKeyInvalid
	}
	city, country := key[:i], key[i+1:]
	if strings.TrimSpace(city) == "" || !isCountryCode(country) {
		return "", ErrCityKeyInvalid
	}
	for _, c := range city {
		if c != '_' && !isAddressRune(c) {
			return "", ErrCityKeyInvalid
		}
	}
	return key, nil
}

func isCountryCode(s string) bool {
	if len(s) != 2 {
		return false
	}
	for _, c := range s {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}
