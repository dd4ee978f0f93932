package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Coordinate is a WGS84 latitude/longitude pair in degrees
type Coordinate struct {
	Latitude  float64 `json:"latitude" yaml:"latitude" mapstructure:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude" mapstructure:"longitude"`
}

// String formats the coordinate the way the forecast API expects it: "lat,lon"
func (c Coordinate) String() string {
	return strconv.FormatFloat(c.Latitude, 'f', -1, 64) + "," + strconv.FormatFloat(c.Longitude, 'f', -1, 64)
}

// Validate checks the coordinate lies within WGS84 bounds
func (c Coordinate) Validate() error {
	if c.Latitude < -90 || c.Latitude > 90 {
		return &ValidationError{
			Field:   "latitude",
			Value:   strconv.FormatFloat(c.Latitude, 'f', -1, 64),
			Message: "latitude must be between -90 and 90",
		}
	}
	if c.Longitude < -180 || c.Longitude > 180 {
		return &ValidationError{
			Field:   "longitude",
			Value:   strconv.FormatFloat(c.Longitude, 'f', -1, 64),
			Message: "longitude must be between -180 and 180",
		}
	}
	return nil
}

// ParseCoordinate parses a "lat,lon" pair
func ParseCoordinate(s string) (Coordinate, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return Coordinate{}, &ValidationError{
			Field:   "coordinate",
			Value:   s,
			Message: "invalid coordinate format, expected lat,lon",
		}
	}

	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return Coordinate{}, &ValidationError{Field: "latitude", Value: parts[0], Message: "invalid latitude"}
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Coordinate{}, &ValidationError{Field: "longitude", Value: parts[1], Message: "invalid longitude"}
	}

	c := Coordinate{Latitude: lat, Longitude: lon}
	if err := c.Validate(); err != nil {
		return Coordinate{}, err
	}
	return c, nil
}

// ParseCoordinates parses a list of "lat,lon" pairs separated by ';'.
// Empty entries are ignored.
func ParseCoordinates(s string) ([]Coordinate, error) {
	var coords []Coordinate
	for _, part := range strings.Split(s, ";") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		c, err := ParseCoordinate(part)
		if err != nil {
			return nil, err
		}
		coords = append(coords, c)
	}
	return coords, nil
}

// Observation is one hourly forecast sample for a coordinate.
// (Latitude, Longitude, ForecastTime) identifies it; no two stored records share that key.
type Observation struct {
	Latitude     float64   `json:"latitude" db:"latitude"`
	Longitude    float64   `json:"longitude" db:"longitude"`
	Temperature  float64   `json:"temperature" db:"temperature"`
	WindSpeed    float64   `json:"wind_speed" db:"wind_speed"`
	ForecastTime time.Time `json:"forecast_time" db:"forecast_time"`
}

// Key returns the natural identity of the observation
func (o Observation) Key() ObservationKey {
	return ObservationKey{
		Latitude:     o.Latitude,
		Longitude:    o.Longitude,
		ForecastTime: o.ForecastTime.UTC(),
	}
}

// Coordinate returns the location the observation was fetched for
func (o Observation) Coordinate() Coordinate {
	return Coordinate{Latitude: o.Latitude, Longitude: o.Longitude}
}

// ObservationKey is the dedup key. Coordinates compare exactly.
type ObservationKey struct {
	Latitude     float64
	Longitude    float64
	ForecastTime time.Time
}

func (k ObservationKey) String() string {
	return fmt.Sprintf("%s@%s", Coordinate{k.Latitude, k.Longitude}, k.ForecastTime.Format(time.RFC3339))
}

// WeatherRecord is the persisted form of an Observation.
// Created only when no record with the same key exists; never updated or deleted.
type WeatherRecord struct {
	ID           int64     `json:"id" db:"id"`
	Latitude     float64   `json:"latitude" db:"latitude"`
	Longitude    float64   `json:"longitude" db:"longitude"`
	Geolocation  string    `json:"geolocation" db:"geolocation"` // WKT, e.g. POINT(-97.42 25.86)
	Temperature  float64   `json:"temperature" db:"temperature"`
	WindSpeed    float64   `json:"wind_speed" db:"wind_speed"`
	ForecastTime time.Time `json:"forecast_time" db:"forecast_time"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// NewWeatherRecord derives the persisted form, including the geolocation point
func NewWeatherRecord(o Observation) *WeatherRecord {
	return &WeatherRecord{
		Latitude:     o.Latitude,
		Longitude:    o.Longitude,
		Geolocation:  PointWKT(o.Longitude, o.Latitude),
		Temperature:  o.Temperature,
		WindSpeed:    o.WindSpeed,
		ForecastTime: o.ForecastTime.UTC(),
	}
}

// PointWKT renders a point in x (longitude), y (latitude) order
func PointWKT(lon, lat float64) string {
	return "POINT(" + strconv.FormatFloat(lon, 'f', -1, 64) + " " + strconv.FormatFloat(lat, 'f', -1, 64) + ")"
}

// ValidationError represents a data validation error
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// IsTransient returns false as validation errors are permanent
func (e *ValidationError) IsTransient() bool {
	return false
}
