package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"forecast-collector/internal/forecast"
	"forecast-collector/internal/models"
	"forecast-collector/pkg/logging"
	"forecast-collector/pkg/metrics"
)

// DefaultPacing is the pause between two locations of a run
const DefaultPacing = 2 * time.Second

// ObservationSaver persists a batch and reports how many records were new
type ObservationSaver interface {
	SaveObservations(ctx context.Context, observations []models.Observation) (int, error)
}

// CollectionService runs the fetch, deduplicate and persist pipeline
type CollectionService struct {
	fetcher  forecast.Fetcher
	saver    ObservationSaver
	logger   *logging.StructuredLogger
	metrics  *metrics.Collector
	pacing   time.Duration
	newRunID func() string
}

// LocationResult is the outcome for one coordinate of a run
type LocationResult struct {
	Coordinate models.Coordinate
	Fetched    int
	Saved      int
	// FetchErr is set when the API request failed; the location then had no data.
	FetchErr error
	// Err is set when the response was malformed or the batch save failed.
	Err error
}

// Stored reports whether the run inserted anything for this location
func (r LocationResult) Stored() bool {
	return r.Saved > 0
}

// Failed reports whether the location hit any error
func (r LocationResult) Failed() bool {
	return r.FetchErr != nil || r.Err != nil
}

// Transient reports whether the failure may clear up on a later run
func (r LocationResult) Transient() bool {
	if r.Err != nil {
		return isTransient(r.Err)
	}
	return isTransient(r.FetchErr)
}

// transientError is implemented by the forecast, database and repository errors
type transientError interface {
	IsTransient() bool
}

func isTransient(err error) bool {
	var te transientError
	return errors.As(err, &te) && te.IsTransient()
}

// CollectionResult contains run statistics
type CollectionResult struct {
	RunID               string
	TotalLocations      int
	SuccessfulLocations int
	FailedLocations     int
	RecordsFetched      int
	RecordsSaved        int
	Duration            time.Duration
	Locations           []LocationResult
	Errors              []string
	// Aborted is set when the run stopped before visiting every location.
	Aborted bool
}

// NewCollectionService creates a new collection service. A zero or negative
// pacing disables the pause between locations.
func NewCollectionService(fetcher forecast.Fetcher, saver ObservationSaver, pacing time.Duration, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *CollectionService {
	return &CollectionService{
		fetcher:  fetcher,
		saver:    saver,
		logger:   logger,
		metrics:  metricsCollector,
		pacing:   pacing,
		newRunID: uuid.NewString,
	}
}

// CollectAll processes the coordinates one at a time, in order. A failure on
// one coordinate is recorded and the run moves on to the next. The run stops
// early only when ctx is cancelled or no API key is configured.
func (s *CollectionService) CollectAll(ctx context.Context, coords []models.Coordinate) *CollectionResult {
	startTime := time.Now()

	result := &CollectionResult{
		RunID:          s.newRunID(),
		TotalLocations: len(coords),
		Locations:      make([]LocationResult, 0, len(coords)),
		Errors:         make([]string, 0),
	}
	ctx = logging.WithRunID(ctx, result.RunID)

	s.logger.Info(ctx, "[COLLECT_START] Starting collection run", logging.Fields{
		"locations": len(coords),
		"pacing":    s.pacing.String(),
	})

	for i, coord := range coords {
		if i > 0 {
			if err := s.pace(ctx); err != nil {
				result.Aborted = true
				s.logger.Warn(ctx, "[COLLECT_CANCELLED] Run cancelled between locations", logging.Fields{
					"processed": i,
					"remaining": len(coords) - i,
				})
				break
			}
		}

		loc := s.collectLocation(ctx, coord)
		result.Locations = append(result.Locations, loc)
		result.RecordsFetched += loc.Fetched
		result.RecordsSaved += loc.Saved

		if !loc.Failed() {
			result.SuccessfulLocations++
			continue
		}

		result.FailedLocations++
		if loc.Err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", coord, loc.Err))
		} else {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", coord, loc.FetchErr))
		}

		if errors.Is(loc.FetchErr, forecast.ErrMissingAPIKey) {
			result.Aborted = true
			s.logger.Error(ctx, "[COLLECT_ABORT] No API key configured, skipping remaining locations", logging.Fields{
				"remaining": len(coords) - i - 1,
			}, loc.FetchErr)
			break
		}
	}

	result.Duration = time.Since(startTime)
	s.metrics.CollectionDuration.Observe(result.Duration.Seconds())
	if result.FailedLocations == 0 && !result.Aborted {
		s.metrics.LastSuccessfulRunStamp.SetToCurrentTime()
	}

	s.logger.Info(ctx, "[COLLECT_COMPLETE] Collection run completed", logging.Fields{
		"total_locations":      result.TotalLocations,
		"successful_locations": result.SuccessfulLocations,
		"failed_locations":     result.FailedLocations,
		"records_fetched":      result.RecordsFetched,
		"records_saved":        result.RecordsSaved,
		"aborted":              result.Aborted,
		"duration_seconds":     result.Duration.Seconds(),
	})

	return result
}

// collectLocation fetches one coordinate and saves what came back
func (s *CollectionService) collectLocation(ctx context.Context, coord models.Coordinate) LocationResult {
	loc := LocationResult{Coordinate: coord}
	log := s.logger.WithFields(logging.Fields{
		"latitude":  coord.Latitude,
		"longitude": coord.Longitude,
	})

	fetched, err := s.fetcher.Fetch(ctx, coord)
	if err != nil {
		loc.Err = fmt.Errorf("fetch failed: %w", err)
		s.metrics.RecordLocationFailure("fetch", loc.Transient())
		log.Error(ctx, "[COLLECT_FETCH_ERROR] Forecast could not be read", logging.Fields{
			"transient": loc.Transient(),
		}, err)
		return loc
	}

	// The fetcher has already logged request failures.
	if fetched.Failed() {
		loc.FetchErr = fetched.Err
		s.metrics.RecordLocationFailure("request", loc.Transient())
		return loc
	}
	loc.Fetched = len(fetched.Observations)

	saved, err := s.saver.SaveObservations(ctx, fetched.Observations)
	if err != nil {
		loc.Err = fmt.Errorf("save failed: %w", err)
		s.metrics.RecordLocationFailure("save", loc.Transient())
		log.Error(ctx, "[COLLECT_SAVE_ERROR] Batch was not saved", logging.Fields{
			"fetched":   loc.Fetched,
			"transient": loc.Transient(),
		}, err)
		return loc
	}
	loc.Saved = saved

	log.Info(ctx, "[COLLECT_LOCATION] Location processed", logging.Fields{
		"fetched": loc.Fetched,
		"saved":   loc.Saved,
		"stored":  loc.Stored(),
	})

	return loc
}

// pace waits between locations as a courtesy to the API
func (s *CollectionService) pace(ctx context.Context) error {
	if s.pacing <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(s.pacing)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
