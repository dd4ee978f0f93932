package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"forecast-collector/internal/models"
	"forecast-collector/pkg/database"
	"forecast-collector/pkg/logging"
	"forecast-collector/pkg/metrics"
)

const (
	existsQuery = `
		SELECT EXISTS(
			SELECT 1 FROM weather_data
			WHERE geolocation = ST_SetSRID(ST_Point($1, $2), 4326) AND forecast_time = $3
		)
	`

	insertQuery = `
		INSERT INTO weather_data (geolocation, temperature, wind_speed, forecast_time)
		VALUES (ST_SetSRID(ST_Point($1, $2), 4326), $3, $4, $5)
	`

	uniqueViolation = "23505"
)

// WeatherRepository provides data access for weather records
type WeatherRepository interface {
	// SaveObservations inserts the observations that are not stored yet and
	// returns how many were inserted. The batch is all-or-nothing.
	SaveObservations(ctx context.Context, observations []models.Observation) (int, error)

	// RecordExists reports whether a record with this location and forecast time is stored.
	RecordExists(ctx context.Context, lon, lat float64, forecastTime time.Time) (bool, error)

	// GetRecords retrieves weather records with filtering and pagination
	GetRecords(ctx context.Context, filter RecordFilter) ([]*models.WeatherRecord, int, error)

	HealthCheck(ctx context.Context) error
}

// RecordFilter defines filters for querying weather records
type RecordFilter struct {
	// Near restricts results to records within RadiusMeters of the point.
	// A zero radius matches the exact point only.
	Near         *models.Coordinate
	RadiusMeters float64
	StartTime    *time.Time
	EndTime      *time.Time
	Limit        int
	Offset       int
}

// queryExecer is satisfied by *sqlx.Tx and *sqlx.Conn
type queryExecer interface {
	sqlx.QueryerContext
	sqlx.ExecerContext
}

// weatherRepository implements WeatherRepository
type weatherRepository struct {
	db      *database.PostgresDB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewWeatherRepository creates a new weather repository
func NewWeatherRepository(db *database.PostgresDB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) WeatherRepository {
	return &weatherRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// SaveObservations checks and inserts each observation, in input order, inside
// one transaction on one connection, and commits once. An empty batch returns
// immediately without touching the database. Any failure rolls the whole batch
// back and reports zero saved.
func (r *weatherRepository) SaveObservations(ctx context.Context, observations []models.Observation) (saved int, err error) {
	if len(observations) == 0 {
		return 0, nil
	}

	timer := time.Now()
	defer func() {
		duration := time.Since(timer)
		r.metrics.BatchDuration.Observe(duration.Seconds())
		if err != nil {
			r.metrics.BatchFailuresTotal.Inc()
		}
		r.logger.Debug(ctx, "[REPO_BATCH_SAVE] Batch save finished", logging.Fields{
			"location":    observations[0].Coordinate().String(),
			"count":       len(observations),
			"saved":       saved,
			"failed":      err != nil,
			"duration_ms": duration.Milliseconds(),
		})
	}()

	conn, err := r.db.Connect(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		r.db.RecordError("transaction_begin_error")
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	// No-op once committed.
	defer tx.Rollback()

	inserted := 0
	for _, obs := range observations {
		found, err := r.exists(ctx, tx, obs.Longitude, obs.Latitude, obs.ForecastTime)
		if err != nil {
			return 0, err
		}
		if found {
			continue
		}

		if err := r.insert(ctx, tx, obs); err != nil {
			return 0, err
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		r.db.RecordError("transaction_commit_error")
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.metrics.RecordsSavedTotal.Add(float64(inserted))
	r.metrics.RecordsSkippedTotal.Add(float64(len(observations) - inserted))

	return inserted, nil
}

// RecordExists runs a one-off existence check on the pool. It does not go
// through Connect, so an unavailable database fails fast instead of retrying.
func (r *weatherRepository) RecordExists(ctx context.Context, lon, lat float64, forecastTime time.Time) (bool, error) {
	return r.exists(ctx, r.db.DB(), lon, lat, forecastTime)
}

// exists matches the point and the timestamp exactly; there is no tolerance on
// the coordinates, so callers must pass the values the fetcher produced.
func (r *weatherRepository) exists(ctx context.Context, q queryExecer, lon, lat float64, forecastTime time.Time) (bool, error) {
	start := time.Now()
	defer r.db.ObserveQuery("record_exists", start)

	var found bool
	if err := sqlx.GetContext(ctx, q, &found, existsQuery, lon, lat, forecastTime.UTC()); err != nil {
		r.db.RecordError("query_error")
		return false, fmt.Errorf("failed to check record existence: %w", err)
	}

	return found, nil
}

func (r *weatherRepository) insert(ctx context.Context, q queryExecer, obs models.Observation) error {
	start := time.Now()
	defer r.db.ObserveQuery("insert_record", start)

	_, err := q.ExecContext(ctx, insertQuery,
		obs.Longitude,
		obs.Latitude,
		obs.Temperature,
		obs.WindSpeed,
		obs.ForecastTime.UTC(),
	)
	if err != nil {
		r.db.RecordError("exec_error")

		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return &DuplicateRecordError{Key: obs.Key(), Err: err}
		}
		return fmt.Errorf("failed to insert record: %w", err)
	}

	return nil
}

// GetRecords retrieves weather records with filtering and pagination
func (r *weatherRepository) GetRecords(ctx context.Context, filter RecordFilter) ([]*models.WeatherRecord, int, error) {
	// Build query with filters
	where := " WHERE 1=1"
	args := []interface{}{}
	argNum := 1

	if filter.Near != nil {
		point := fmt.Sprintf("ST_SetSRID(ST_Point($%d, $%d), 4326)", argNum, argNum+1)
		args = append(args, filter.Near.Longitude, filter.Near.Latitude)
		argNum += 2

		if filter.RadiusMeters > 0 {
			where += fmt.Sprintf(" AND ST_DWithin(geolocation::geography, %s::geography, $%d)", point, argNum)
			args = append(args, filter.RadiusMeters)
			argNum++
		} else {
			where += " AND geolocation = " + point
		}
	}

	if filter.StartTime != nil {
		where += fmt.Sprintf(" AND forecast_time >= $%d", argNum)
		args = append(args, filter.StartTime.UTC())
		argNum++
	}

	if filter.EndTime != nil {
		where += fmt.Sprintf(" AND forecast_time <= $%d", argNum)
		args = append(args, filter.EndTime.UTC())
		argNum++
	}

	// Get total count
	var totalCount int
	err := r.db.GetContext(ctx, "count_records", &totalCount, "SELECT COUNT(*) FROM weather_data"+where, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count records: %w", err)
	}

	query := `
		SELECT id,
		       ST_Y(geolocation) AS latitude,
		       ST_X(geolocation) AS longitude,
		       temperature, wind_speed, forecast_time, created_at
		FROM weather_data` + where

	// Add ordering and pagination
	query += " ORDER BY forecast_time, id"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argNum, argNum+1)
	args = append(args, filter.Limit, filter.Offset)

	var rows []recordRow
	err = r.db.SelectContext(ctx, "get_records", &rows, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get records: %w", err)
	}

	records := make([]*models.WeatherRecord, 0, len(rows))
	for _, row := range rows {
		rec := models.NewWeatherRecord(row.Observation)
		rec.ID = row.ID
		rec.CreatedAt = row.CreatedAt
		records = append(records, rec)
	}

	return records, totalCount, nil
}

// recordRow is one stored row; the geolocation text is derived from the point
type recordRow struct {
	ID int64 `db:"id"`
	models.Observation
	CreatedAt time.Time `db:"created_at"`
}

// HealthCheck performs a repository health check
func (r *weatherRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// DuplicateRecordError is returned when the unique index rejects an insert,
// which means another writer stored the same key concurrently.
type DuplicateRecordError struct {
	Key models.ObservationKey
	Err error
}

func (e *DuplicateRecordError) Error() string {
	return fmt.Sprintf("weather record already exists: %s", e.Key)
}

func (e *DuplicateRecordError) Unwrap() error {
	return e.Err
}

// IsTransient reports true: a rerun will see the record and skip it
func (e *DuplicateRecordError) IsTransient() bool {
	return true
}
