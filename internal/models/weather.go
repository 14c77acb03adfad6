package models

import "github.com/kjstillabower/city-weather-service/internal/geo"

// Store collection names.
const (
	CollectionCityGeo     = "citygeoinfo"
	CollectionCityWeather = "cityweather"
)

// DataPoint is a single forecast observation in the Dark Sky wire format.
type DataPoint struct {
	Time                int64   `json:"time"`
	Summary             string  `json:"summary,omitempty"`
	Icon                string  `json:"icon,omitempty"`
	Temperature         float64 `json:"temperature,omitempty"`
	ApparentTemperature float64 `json:"apparentTemperature,omitempty"`
	TemperatureHigh     float64 `json:"temperatureHigh,omitempty"`
	TemperatureLow      float64 `json:"temperatureLow,omitempty"`
	Humidity            float64 `json:"humidity,omitempty"`
	WindSpeed           float64 `json:"windSpeed,omitempty"`
	PrecipProbability   float64 `json:"precipProbability,omitempty"`
	PrecipIntensity     float64 `json:"precipIntensity,omitempty"`
	Pressure            float64 `json:"pressure,omitempty"`
	CloudCover          float64 `json:"cloudCover,omitempty"`
}

// DataBlock is a summarised series of DataPoints.
type DataBlock struct {
	Summary string      `json:"summary,omitempty"`
	Icon    string      `json:"icon,omitempty"`
	Data    []DataPoint `json:"data"`
}

// Forecast is the weather provider payload.
type Forecast struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timezone  string    `json:"timezone,omitempty"`
	Currently DataPoint `json:"currently"`
	Hourly    DataBlock `json:"hourly"`
	Daily     DataBlock `json:"daily"`
}

// CityWeatherRecord is the cached weather for one city, stored in the
// cityweather collection under the city key.
type CityWeatherRecord struct {
	Key            string         `json:"key"`
	LastUpdateTime int64          `json:"last_update_time"`
	LatLon         geo.Coordinate `json:"latLon"`
	Currently      DataPoint      `json:"currently"`
	Hourly         DataBlock      `json:"hourly"`
	DailyThisWeek  DataBlock      `json:"daily_this_week"`
}

// IsStale reports whether the record is older than maxAgeSeconds at now (unix seconds).
// A record exactly maxAgeSeconds old is still fresh.
func (r CityWeatherRecord) IsStale(now, maxAgeSeconds int64) bool {
	return now-r.LastUpdateTime > maxAgeSeconds
}

// CityGeoRecord is the cached geocoder result for one city, stored in the
// citygeoinfo collection under the city key.
type CityGeoRecord struct {
	Key     string         `json:"key"`
	GeoInfo geo.Candidates `json:"geoInfo"`
}

// Location implements store.Locatable so the record is indexed for near searches.
func (r CityGeoRecord) Location() (geo.Coordinate, bool) {
	if len(r.GeoInfo) == 0 {
		return geo.Coordinate{}, false
	}
	loc := r.GeoInfo[0].Geometry.Location
	return loc, loc.Valid()
}

// GeoLocationField is the document path of a city's location inside a stored CityGeoRecord.
const GeoLocationField = "value.geoInfo.geometry.location"
