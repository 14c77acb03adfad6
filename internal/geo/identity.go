package geo

import "strings"

// Component type tags used for city identity.
const (
	TypeLocality = "locality"
	TypeCountry  = "country"
)

// acceptedCountries holds the country long names a city may belong to.
var acceptedCountries = map[string]struct{}{
	"Canada":        {},
	"United States": {},
}

// Validate reports whether candidates describe a city in a supported country.
// Only the first candidate is inspected. Every country-typed component must name
// a supported country, and both a locality and a country component must be present.
func Validate(candidates Candidates) bool {
	if len(candidates) == 0 {
		return false
	}
	components := candidates[0].AddressComponents
	if len(components) == 0 {
		return false
	}
	var hasLocality, hasCountry bool
	for _, comp := range components {
		switch comp.Type() {
		case TypeCountry:
			if _, ok := acceptedCountries[comp.LongName]; !ok {
				return false
			}
			hasCountry = true
		case TypeLocality:
			hasLocality = true
		}
	}
	return hasLocality && hasCountry
}

// DeriveKey returns the city identity key "<locality long name>_<country short name>"
// built from the first locality and first country component of the first candidate.
// Callers must Validate first; for invalid input the result is a degenerate key.
func DeriveKey(candidates Candidates) string {
	if len(candidates) == 0 {
		return "_"
	}
	var city, country string
	var cityFound, countryFound bool
	for _, comp := range candidates[0].AddressComponents {
		switch comp.Type() {
		case TypeLocality:
			if !cityFound {
				city, cityFound = comp.LongName, true
			}
		case TypeCountry:
			if !countryFound {
				country, countryFound = comp.ShortName, true
			}
		}
	}
	return city + "_" + country
}

// ExtractCoordinate returns the location of the first candidate when the candidates
// validate as a city.
func ExtractCoordinate(candidates Candidates) (Coordinate, bool) {
	if !Validate(candidates) {
		return Coordinate{}, false
	}
	loc := candidates[0].Geometry.Location
	if !loc.Valid() {
		return Coordinate{}, false
	}
	return loc, true
}

// KeyQuery turns an identity key into a forward-geocode query, e.g. "Vancouver_CA"
// becomes "Vancouver, CA". The split happens at the last underscore so city names
// containing underscores survive.
func KeyQuery(key string) string {
	i := strings.LastIndex(key, "_")
	if i < 0 {
		return strings.TrimSpace(key)
	}
	city := strings.TrimSpace(key[:i])
	country := strings.TrimSpace(key[i+1:])
	switch {
	case city == "":
		return country
	case country == "":
		return city
	}
	return city + ", " + country
}
