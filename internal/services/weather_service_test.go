package services

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forecast-collector/internal/models"
	"forecast-collector/internal/repository"
	"forecast-collector/pkg/logging"
	"forecast-collector/pkg/metrics"
)

type stubRepository struct {
	repository.WeatherRepository
	lastFilter repository.RecordFilter
	records    []*models.WeatherRecord
	exists     bool
	existsArgs []interface{}
}

func (s *stubRepository) GetRecords(ctx context.Context, filter repository.RecordFilter) ([]*models.WeatherRecord, int, error) {
	s.lastFilter = filter
	return s.records, len(s.records), nil
}

func (s *stubRepository) RecordExists(ctx context.Context, lon, lat float64, forecastTime time.Time) (bool, error) {
	s.existsArgs = []interface{}{lon, lat, forecastTime}
	return s.exists, nil
}

func newWeatherService(repo repository.WeatherRepository) *WeatherService {
	return NewWeatherService(repo, logging.NewNop(), metrics.NewCollectorWithRegistry("test", prometheus.NewRegistry()))
}

func TestWeatherService_GetForecasts(t *testing.T) {
	repo := &stubRepository{records: []*models.WeatherRecord{{ID: 1}}}
	svc := newWeatherService(repo)

	start := time.Date(2024, 12, 12, 0, 0, 0, 0, time.UTC)
	records, total, err := svc.GetForecasts(context.Background(), ForecastQuery{
		Near:     &brownsville,
		RadiusKm: 2.5,
		Start:    &start,
		Limit:    50,
		Offset:   100,
	})
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, 1, total)

	assert.Equal(t, 2500.0, repo.lastFilter.RadiusMeters)
	assert.Equal(t, &brownsville, repo.lastFilter.Near)
	assert.Equal(t, &start, repo.lastFilter.StartTime)
	assert.Nil(t, repo.lastFilter.EndTime)
	assert.Equal(t, 50, repo.lastFilter.Limit)
	assert.Equal(t, 100, repo.lastFilter.Offset)
}

func TestWeatherService_GetForecasts_Validation(t *testing.T) {
	start := time.Date(2024, 12, 12, 0, 0, 0, 0, time.UTC)
	before := start.Add(-time.Hour)

	tests := []struct {
		name  string
		query ForecastQuery
		field string
	}{
		{name: "latitude out of range", query: ForecastQuery{Near: &models.Coordinate{Latitude: 91}}, field: "latitude"},
		{name: "negative radius", query: ForecastQuery{RadiusKm: -1}, field: "radius_km"},
		{name: "end before start", query: ForecastQuery{Start: &start, End: &before}, field: "end"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newWeatherService(&stubRepository{})

			_, _, err := svc.GetForecasts(context.Background(), tt.query)
			var vErr *models.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestWeatherService_ForecastExists(t *testing.T) {
	repo := &stubRepository{exists: true}
	svc := newWeatherService(repo)
	forecastTime := time.Date(2024, 12, 12, 0, 0, 0, 0, time.UTC)

	found, err := svc.ForecastExists(context.Background(), brownsville, forecastTime)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []interface{}{-97.42, 25.86, forecastTime}, repo.existsArgs, "longitude goes first")

	_, err = svc.ForecastExists(context.Background(), models.Coordinate{Longitude: 200}, forecastTime)
	assert.Error(t, err)
}
