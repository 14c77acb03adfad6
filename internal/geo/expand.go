package geo

// Generate returns up to count distinct coordinates around center, center first.
// Coordinates are expanded breadth-first: each one already in the result, oldest
// first, contributes its four neighbours one step away (north, south, east, west
// in that order) until count entries exist. Duplicates are compared by exact value.
//
// Expansion ends early when no unexpanded coordinate remains or after 4*count
// coordinates were expanded, so degenerate steps (e.g. 0) return a short result.
func Generate(center Coordinate, count int, step float64) []Coordinate {
	if count <= 0 {
		return nil
	}
	out := make([]Coordinate, 0, count)
	out = append(out, center)
	seen := map[Coordinate]struct{}{center: {}}

	maxExpansions := 4 * count
	for i := 0; i < len(out) && i < maxExpansions; i++ {
		c := out[i]
		neighbours := [4]Coordinate{
			Shift(c, step, 0),
			Shift(c, -step, 0),
			Shift(c, 0, step),
			Shift(c, 0, -step),
		}
		for _, n := range neighbours {
			if len(out) >= count {
				return out
			}
			if _, dup := seen[n]; dup {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	return out
}

// Shift offsets c by dLat and dLng degrees.
//
// Crossing a pole reflects the latitude (180-lat or -180-lat) and moves the
// longitude half a turn. Longitude overflow past ±180 is corrected by a half
// turn as well (not modulo 360); see DESIGN.md.
func Shift(c Coordinate, dLat, dLng float64) Coordinate {
	lat := c.Lat + dLat
	lng := c.Lng
	switch {
	case lat > 90:
		lat = 180 - lat
		lng = flipLongitude(lng)
	case lat < -90:
		lat = -180 - lat
		lng = flipLongitude(lng)
	}

	lng += dLng
	switch {
	case lng > 180:
		lng -= 180
	case lng < -180:
		lng += 180
	}
	return Coordinate{Lat: lat, Lng: lng}
}

func flipLongitude(lng float64) float64 {
	if lng > 0 {
		return lng - 180
	}
	return lng + 180
}
