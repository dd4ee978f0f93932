package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"forecast-collector/internal/forecast"
	"forecast-collector/internal/models"
	"forecast-collector/internal/repository"
	"forecast-collector/pkg/database"
	"forecast-collector/pkg/logging"
	"forecast-collector/pkg/metrics"
)

var (
	brownsville = models.Coordinate{Latitude: 25.86, Longitude: -97.42}
	northWest   = models.Coordinate{Latitude: 25.9, Longitude: -97.52}
	northEast   = models.Coordinate{Latitude: 25.94, Longitude: -97.44}
)

type fetchResponse struct {
	result forecast.Result
	err    error
}

type fakeFetcher struct {
	responses map[models.Coordinate]fetchResponse
	calls     []models.Coordinate
	onFetch   func()
}

func (f *fakeFetcher) Fetch(ctx context.Context, coord models.Coordinate) (forecast.Result, error) {
	f.calls = append(f.calls, coord)
	if f.onFetch != nil {
		f.onFetch()
	}
	resp, ok := f.responses[coord]
	if !ok {
		return forecast.Result{Observations: []models.Observation{}}, nil
	}
	return resp.result, resp.err
}

// memorySaver deduplicates on the observation key like the database does
type memorySaver struct {
	stored  map[models.ObservationKey]models.Observation
	batches [][]models.Observation
	failFor map[models.Coordinate]error
}

func newMemorySaver() *memorySaver {
	return &memorySaver{
		stored:  make(map[models.ObservationKey]models.Observation),
		failFor: make(map[models.Coordinate]error),
	}
}

func (m *memorySaver) SaveObservations(ctx context.Context, observations []models.Observation) (int, error) {
	m.batches = append(m.batches, observations)
	if len(observations) == 0 {
		return 0, nil
	}
	if err, ok := m.failFor[observations[0].Coordinate()]; ok {
		return 0, err
	}

	saved := 0
	for _, obs := range observations {
		if _, ok := m.stored[obs.Key()]; ok {
			continue
		}
		m.stored[obs.Key()] = obs
		saved++
	}
	return saved, nil
}

func forecastFor(coord models.Coordinate, hours int) forecast.Result {
	base := time.Date(2024, 12, 12, 0, 0, 0, 0, time.UTC)
	observations := make([]models.Observation, 0, hours)
	for h := 0; h < hours; h++ {
		observations = append(observations, models.Observation{
			Latitude:     coord.Latitude,
			Longitude:    coord.Longitude,
			Temperature:  15,
			WindSpeed:    5,
			ForecastTime: base.Add(time.Duration(h) * time.Hour),
		})
	}
	return forecast.Result{Observations: observations}
}

func newTestService(t *testing.T, fetcher forecast.Fetcher, saver ObservationSaver, pacing time.Duration) (*CollectionService, *observer.ObservedLogs, *metrics.Collector) {
	t.Helper()

	core, logs := observer.New(zapcore.DebugLevel)
	collector := metrics.NewCollectorWithRegistry("test", prometheus.NewRegistry())

	svc := NewCollectionService(fetcher, saver, pacing, logging.NewFromCore(core), collector)
	svc.newRunID = func() string { return "run-1" }
	return svc, logs, collector
}

func TestCollectAll_EndToEnd(t *testing.T) {
	fetcher := &fakeFetcher{responses: map[models.Coordinate]fetchResponse{
		brownsville: {result: forecastFor(brownsville, 1)},
	}}
	saver := newMemorySaver()
	svc, _, _ := newTestService(t, fetcher, saver, 0)

	first := svc.CollectAll(context.Background(), []models.Coordinate{brownsville})
	require.Len(t, first.Locations, 1)
	assert.Equal(t, 1, first.Locations[0].Saved)
	assert.True(t, first.Locations[0].Stored())

	second := svc.CollectAll(context.Background(), []models.Coordinate{brownsville})
	require.Len(t, second.Locations, 1)
	assert.Equal(t, 0, second.Locations[0].Saved)
	assert.False(t, second.Locations[0].Stored())
	assert.Equal(t, 1, second.SuccessfulLocations)

	assert.Len(t, saver.stored, 1)
}

func TestCollectAll_IsolatesPerLocationFailures(t *testing.T) {
	fetcher := &fakeFetcher{responses: map[models.Coordinate]fetchResponse{
		brownsville: {result: forecastFor(brownsville, 3)},
		northWest:   {result: forecast.Result{}, err: &forecast.ResponseError{Path: "data"}},
		northEast:   {result: forecastFor(northEast, 2)},
	}}
	saver := newMemorySaver()
	saver.failFor[northEast] = &database.ConnectError{Attempts: 5, Err: errors.New("connection refused")}

	svc, logs, collector := newTestService(t, fetcher, saver, 0)

	result := svc.CollectAll(context.Background(), []models.Coordinate{brownsville, northWest, northEast})

	assert.Equal(t, []models.Coordinate{brownsville, northWest, northEast}, fetcher.calls, "every location visited in order")
	assert.Equal(t, "run-1", result.RunID)
	assert.Equal(t, 3, result.TotalLocations)
	assert.Equal(t, 1, result.SuccessfulLocations)
	assert.Equal(t, 2, result.FailedLocations)
	assert.Equal(t, 5, result.RecordsFetched)
	assert.Equal(t, 3, result.RecordsSaved)
	assert.False(t, result.Aborted)
	require.Len(t, result.Errors, 2)

	var respErr *forecast.ResponseError
	assert.ErrorAs(t, result.Locations[1].Err, &respErr)
	assert.Contains(t, result.Locations[2].Err.Error(), "save failed")

	assert.False(t, result.Locations[1].Transient(), "a malformed response will not fix itself")
	assert.True(t, result.Locations[2].Transient(), "the database may be back on the next run")
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.LocationFailuresTotal.WithLabelValues("fetch", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.LocationFailuresTotal.WithLabelValues("save", "true")))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.LastSuccessfulRunStamp))

	assert.Equal(t, 1, logs.FilterMessageSnippet("[COLLECT_FETCH_ERROR]").Len())
	saveErrors := logs.FilterMessageSnippet("[COLLECT_SAVE_ERROR]")
	require.Equal(t, 1, saveErrors.Len())
	assert.Equal(t, map[string]interface{}{
		"latitude":  northEast.Latitude,
		"longitude": northEast.Longitude,
		"fetched":   2,
		"transient": true,
	}, saveErrors.All()[0].ContextMap()["fields"])
}

func TestCollectAll_RequestFailureIsNotSaved(t *testing.T) {
	requestErr := &forecast.RequestError{StatusCode: 503}
	fetcher := &fakeFetcher{responses: map[models.Coordinate]fetchResponse{
		brownsville: {result: forecast.Result{Observations: []models.Observation{}, Err: requestErr}},
		northWest:   {result: forecastFor(northWest, 1)},
	}}
	saver := newMemorySaver()
	svc, _, collector := newTestService(t, fetcher, saver, 0)

	result := svc.CollectAll(context.Background(), []models.Coordinate{brownsville, northWest})

	require.Len(t, result.Locations, 2)
	assert.ErrorIs(t, result.Locations[0].FetchErr, requestErr)
	assert.Nil(t, result.Locations[0].Err)
	assert.False(t, result.Locations[0].Stored())
	assert.True(t, result.Locations[1].Stored())

	assert.Len(t, saver.batches, 1, "failed fetch is not passed to the saver")
	assert.True(t, result.Locations[0].Transient())
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.LocationFailuresTotal.WithLabelValues("request", "true")))
}

func TestCollectAll_MissingAPIKeyStopsRun(t *testing.T) {
	missing := forecast.Result{Observations: []models.Observation{}, Err: forecast.ErrMissingAPIKey}
	fetcher := &fakeFetcher{responses: map[models.Coordinate]fetchResponse{
		brownsville: {result: missing},
		northWest:   {result: missing},
	}}
	svc, logs, _ := newTestService(t, fetcher, newMemorySaver(), 0)

	result := svc.CollectAll(context.Background(), []models.Coordinate{brownsville, northWest})

	assert.True(t, result.Aborted)
	assert.Len(t, fetcher.calls, 1)
	assert.Equal(t, 1, logs.FilterMessageSnippet("[COLLECT_ABORT]").Len())
}

func TestCollectAll_PacesBetweenLocations(t *testing.T) {
	fetcher := &fakeFetcher{}
	svc, _, _ := newTestService(t, fetcher, newMemorySaver(), 100*time.Millisecond)

	start := time.Now()
	result := svc.CollectAll(context.Background(), []models.Coordinate{brownsville, northWest, northEast})
	elapsed := time.Since(start)

	assert.Equal(t, 3, result.SuccessfulLocations)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond, "two pauses for three locations")
	assert.Less(t, elapsed, 300*time.Millisecond, "no pause after the last location")
}

func TestCollectAll_CancelDuringPacing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetcher := &fakeFetcher{onFetch: cancel}
	svc, _, _ := newTestService(t, fetcher, newMemorySaver(), time.Hour)

	result := svc.CollectAll(ctx, []models.Coordinate{brownsville, northWest})

	assert.True(t, result.Aborted)
	assert.Len(t, fetcher.calls, 1)
	assert.Len(t, result.Locations, 1)
}

func TestCollectAll_TagsLogsWithRunID(t *testing.T) {
	fetcher := &fakeFetcher{responses: map[models.Coordinate]fetchResponse{
		brownsville: {result: forecastFor(brownsville, 1)},
	}}
	svc, logs, collector := newTestService(t, fetcher, newMemorySaver(), 0)

	svc.CollectAll(context.Background(), []models.Coordinate{brownsville})

	entries := logs.All()
	require.NotEmpty(t, entries)
	for _, entry := range entries {
		assert.Equal(t, "run-1", entry.ContextMap()["run_id"], entry.Message)
	}
	assert.Greater(t, testutil.ToFloat64(collector.LastSuccessfulRunStamp), 0.0)
}

func TestLocationResult_Stored(t *testing.T) {
	tests := []struct {
		name   string
		result LocationResult
		stored bool
		failed bool
	}{
		{name: "new records", result: LocationResult{Fetched: 3, Saved: 2}, stored: true},
		{name: "up to date", result: LocationResult{Fetched: 3}, stored: false},
		{name: "fetch failed", result: LocationResult{FetchErr: errors.New("timeout")}, failed: true},
		{name: "save failed", result: LocationResult{Fetched: 3, Err: errors.New("rollback")}, failed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.Stored(); got != tt.stored {
				t.Errorf("Stored() = %v, want %v", got, tt.stored)
			}
			if got := tt.result.Failed(); got != tt.failed {
				t.Errorf("Failed() = %v, want %v", got, tt.failed)
			}
		})
	}
}

func TestLocationResult_Transient(t *testing.T) {
	tests := []struct {
		name   string
		result LocationResult
		want   bool
	}{
		{name: "rate limited", result: LocationResult{FetchErr: &forecast.RequestError{StatusCode: 429}}, want: true},
		{name: "rejected request", result: LocationResult{FetchErr: &forecast.RequestError{StatusCode: 400}}, want: false},
		{name: "missing api key", result: LocationResult{FetchErr: forecast.ErrMissingAPIKey}, want: false},
		{name: "malformed response", result: LocationResult{Err: fmt.Errorf("fetch failed: %w", &forecast.ResponseError{Path: "data"})}, want: false},
		{name: "database down", result: LocationResult{Err: fmt.Errorf("save failed: %w", &database.ConnectError{Attempts: 5})}, want: true},
		{name: "concurrent writer", result: LocationResult{Err: fmt.Errorf("save failed: %w", &repository.DuplicateRecordError{})}, want: true},
		{name: "invalid data", result: LocationResult{Err: &models.ValidationError{Field: "latitude"}}, want: false},
		{name: "unclassified", result: LocationResult{Err: errors.New("rollback")}, want: false},
		{name: "no failure", result: LocationResult{Fetched: 3}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.Transient())
		})
	}
}
