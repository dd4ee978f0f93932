package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forecast-collector/internal/models"
	"forecast-collector/internal/repository"
	"forecast-collector/internal/services"
	"forecast-collector/pkg/logging"
	"forecast-collector/pkg/metrics"
)

type fakeRepository struct {
	records   []*models.WeatherRecord
	total     int
	filter    repository.RecordFilter
	exists    bool
	err       error
	healthErr error
}

func (f *fakeRepository) SaveObservations(ctx context.Context, observations []models.Observation) (int, error) {
	return 0, errors.New("read-only")
}

func (f *fakeRepository) RecordExists(ctx context.Context, lon, lat float64, forecastTime time.Time) (bool, error) {
	return f.exists, f.err
}

func (f *fakeRepository) GetRecords(ctx context.Context, filter repository.RecordFilter) ([]*models.WeatherRecord, int, error) {
	f.filter = filter
	return f.records, f.total, f.err
}

func (f *fakeRepository) HealthCheck(ctx context.Context) error {
	return f.healthErr
}

func newTestRouter(repo repository.WeatherRepository) (http.Handler, *metrics.Collector) {
	collector := metrics.NewCollectorWithRegistry("test", prometheus.NewRegistry())
	logger := logging.NewNop()

	svc := services.NewWeatherService(repo, logger, collector)
	handler := NewWeatherHandler(svc, logger, collector)

	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	RegisterDocsRoutes(router)
	router.Use(RequestLogging(logger))
	return router, collector
}

func serve(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGetForecasts(t *testing.T) {
	forecastTime := time.Date(2024, 12, 12, 0, 0, 0, 0, time.UTC)
	repo := &fakeRepository{
		records: []*models.WeatherRecord{
			models.NewWeatherRecord(models.Observation{
				Latitude: 25.86, Longitude: -97.42, Temperature: 15, WindSpeed: 5, ForecastTime: forecastTime,
			}),
		},
		total: 51,
	}
	router, collector := newTestRouter(repo)

	rec := serve(t, router, "/api/forecasts?lat=25.86&lon=-97.42&radius_km=10&start=2024-12-12T00:00:00Z&page=3&limit=25")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	var body struct {
		Data       []models.WeatherRecord `json:"data"`
		Total      int                    `json:"total"`
		Page       int                    `json:"page"`
		Limit      int                    `json:"limit"`
		TotalPages int                    `json:"total_pages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 51, body.Total)
	assert.Equal(t, 3, body.Page)
	assert.Equal(t, 25, body.Limit)
	assert.Equal(t, 3, body.TotalPages)
	require.Len(t, body.Data, 1)
	assert.Equal(t, "POINT(-97.42 25.86)", body.Data[0].Geolocation)

	assert.Equal(t, 50, repo.filter.Offset)
	assert.Equal(t, 25, repo.filter.Limit)
	assert.Equal(t, 10000.0, repo.filter.RadiusMeters)
	require.NotNil(t, repo.filter.StartTime)
	assert.True(t, forecastTime.Equal(*repo.filter.StartTime))

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.APIRequestsTotal.WithLabelValues("/api/forecasts", "GET", "200")))
}

func TestGetForecasts_Defaults(t *testing.T) {
	repo := &fakeRepository{}
	router, _ := newTestRouter(repo)

	rec := serve(t, router, "/api/forecasts?limit=5000")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, defaultLimit, repo.filter.Limit)
	assert.Equal(t, 0, repo.filter.Offset)
	assert.Nil(t, repo.filter.Near)
	assert.JSONEq(t, `{"data":[],"total":0,"page":1,"limit":100,"total_pages":0}`, rec.Body.String())
}

func TestGetForecasts_BadRequest(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{name: "latitude not a number", query: "lat=north&lon=-97.42"},
		{name: "longitude missing", query: "lat=25.86"},
		{name: "latitude out of range", query: "lat=95&lon=-97.42"},
		{name: "radius without point", query: "radius_km=5"},
		{name: "negative radius", query: "lat=25.86&lon=-97.42&radius_km=-1"},
		{name: "bad start", query: "start=2024-12-12"},
		{name: "end before start", query: "start=2024-12-12T00:00:00Z&end=2024-12-11T00:00:00Z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _ := newTestRouter(&fakeRepository{})

			rec := serve(t, router, "/api/forecasts?"+tt.query)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, http.StatusBadRequest, body.Code)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestGetForecasts_RepositoryError(t *testing.T) {
	router, collector := newTestRouter(&fakeRepository{err: errors.New("connection reset")})

	rec := serve(t, router, "/api/forecasts")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.APIErrorsTotal.WithLabelValues("internal_error", "/api/forecasts")))
}

func TestForecastExists(t *testing.T) {
	router, _ := newTestRouter(&fakeRepository{exists: true})

	rec := serve(t, router, "/api/forecasts/exists?lat=25.86&lon=-97.42&time=2024-12-11T18:00:00-06:00")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"latitude":25.86,"longitude":-97.42,"forecast_time":"2024-12-12T00:00:00Z","exists":true}`, rec.Body.String())
}

func TestForecastExists_BadRequest(t *testing.T) {
	router, _ := newTestRouter(&fakeRepository{})

	for _, target := range []string{
		"/api/forecasts/exists?lat=25.86&lon=-97.42",
		"/api/forecasts/exists?lon=-97.42&time=2024-12-12T00:00:00Z",
		"/api/forecasts/exists?lat=25.86&lon=-197.42&time=2024-12-12T00:00:00Z",
	} {
		rec := serve(t, router, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestHealthCheck(t *testing.T) {
	router, _ := newTestRouter(&fakeRepository{})
	rec := serve(t, router, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	router, _ = newTestRouter(&fakeRepository{healthErr: errors.New("down")})
	rec = serve(t, router, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body["status"])
}

func TestRequestLogging_KeepsIncomingID(t *testing.T) {
	router, _ := newTestRouter(&fakeRepository{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
}

func TestOpenAPISpec(t *testing.T) {
	router, _ := newTestRouter(&fakeRepository{})
	rec := serve(t, router, "/api/docs/openapi.json")
	require.Equal(t, http.StatusOK, rec.Code)

	var spec map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &spec))
	paths, ok := spec["paths"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, paths, "/api/forecasts")
	assert.Contains(t, paths, "/api/forecasts/exists")
}

func TestDocsPage(t *testing.T) {
	router, _ := newTestRouter(&fakeRepository{})
	rec := serve(t, router, "/api/docs")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "openapi.json")
	assert.Contains(t, rec.Body.String(), "<title>Forecast Collector API</title>")
}
