package services

import (
	"context"
	"strconv"
	"time"

	"forecast-collector/internal/models"
	"forecast-collector/internal/repository"
	"forecast-collector/pkg/logging"
	"forecast-collector/pkg/metrics"
)

// ForecastQuery selects stored forecasts for the read API
type ForecastQuery struct {
	Near     *models.Coordinate
	RadiusKm float64
	Start    *time.Time
	End      *time.Time
	Limit    int
	Offset   int
}

// WeatherService handles read access to stored forecasts
type WeatherService struct {
	repo    repository.WeatherRepository
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewWeatherService creates a new weather service
func NewWeatherService(repo repository.WeatherRepository, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *WeatherService {
	return &WeatherService{
		repo:    repo,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// GetForecasts returns one page of stored forecasts and the total match count
func (s *WeatherService) GetForecasts(ctx context.Context, q ForecastQuery) ([]*models.WeatherRecord, int, error) {
	if q.Near != nil {
		if err := q.Near.Validate(); err != nil {
			return nil, 0, err
		}
	}
	if q.RadiusKm < 0 {
		return nil, 0, &models.ValidationError{Field: "radius_km", Value: strconv.FormatFloat(q.RadiusKm, 'f', -1, 64), Message: "radius_km must not be negative"}
	}
	if q.Start != nil && q.End != nil && q.End.Before(*q.Start) {
		return nil, 0, &models.ValidationError{Field: "end", Value: q.End.Format(time.RFC3339), Message: "end must not be before start"}
	}

	filter := repository.RecordFilter{
		Near:         q.Near,
		RadiusMeters: q.RadiusKm * 1000,
		StartTime:    q.Start,
		EndTime:      q.End,
		Limit:        q.Limit,
		Offset:       q.Offset,
	}

	records, total, err := s.repo.GetRecords(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	s.logger.Debug(ctx, "[SERVICE_GET_FORECASTS] Forecasts retrieved", logging.Fields{
		"returned": len(records),
		"total":    total,
	})

	return records, total, nil
}

// ForecastExists reports whether a forecast for this exact point and hour is stored
func (s *WeatherService) ForecastExists(ctx context.Context, coord models.Coordinate, forecastTime time.Time) (bool, error) {
	if err := coord.Validate(); err != nil {
		return false, err
	}
	return s.repo.RecordExists(ctx, coord.Longitude, coord.Latitude, forecastTime)
}

// HealthCheck checks the backing store
func (s *WeatherService) HealthCheck(ctx context.Context) error {
	return s.repo.HealthCheck(ctx)
}
