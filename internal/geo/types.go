package geo

import "fmt"

// Coordinate is an immutable latitude/longitude pair in decimal degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate lies within [-90,90] x [-180,180].
func (c Coordinate) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%g,%g", c.Lat, c.Lng)
}

// AddressComponent is one component of a geocoder result. The first entry in
// Types is the component's type tag.
type AddressComponent struct {
	LongName  string   `json:"long_name"`
	ShortName string   `json:"short_name"`
	Types     []string `json:"types"`
}

// Type returns the component's type tag, or "" when the geocoder sent none.
func (c AddressComponent) Type() string {
	if len(c.Types) == 0 {
		return ""
	}
	return c.Types[0]
}

// Geometry carries the location of a geocoder result.
type Geometry struct {
	Location Coordinate `json:"location"`
}

// AddressCandidate is one geocoder result.
type AddressCandidate struct {
	FormattedAddress  string             `json:"formatted_address,omitempty"`
	AddressComponents []AddressComponent `json:"address_components"`
	Geometry          Geometry           `json:"geometry"`
}

// Candidates is the ordered result of a single geocode query. An empty list means no match.
type Candidates []AddressCandidate
