package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"forecast-collector/pkg/logging"
	"forecast-collector/pkg/metrics"
)

const (
	// DefaultMaxRetries bounds connection attempts per batch
	DefaultMaxRetries = 5
	// DefaultRetryBackoff is the constant delay between connection attempts
	DefaultRetryBackoff = 5 * time.Second
)

// Config holds database connection configuration
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// MaxRetries is the total number of connection attempts before Connect gives up.
	MaxRetries int
	// RetryBackoff is the fixed wait between attempts.
	RetryBackoff time.Duration
	// ConnectTimeout bounds a single attempt; zero means no bound.
	ConnectTimeout time.Duration
}

// DSN returns a lib/pq key/value connection string
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Database,
		c.SSLMode,
	)
}

// URL returns a postgres:// connection URL for URL-based tools such as golang-migrate
func (c *Config) URL() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		c.Database,
		sslmode,
	)
}

// ConnectError is returned once every connection attempt has failed
type ConnectError struct {
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to database after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// IsTransient reports true: the database may come back on a later run
func (e *ConnectError) IsTransient() bool {
	return true
}

// DialFunc acquires a single connection
type DialFunc func(ctx context.Context) (*sqlx.Conn, error)

// Option customizes a PostgresDB
type Option func(*PostgresDB)

// WithDialer replaces the function used to acquire connections
func WithDialer(dial DialFunc) Option {
	return func(p *PostgresDB) {
		p.dial = dial
	}
}

// PostgresDB wraps sqlx.DB with monitoring and metrics
type PostgresDB struct {
	db      *sqlx.DB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	config  *Config
	dial    DialFunc

	stop      chan struct{}
	closeOnce sync.Once
}

// NewPostgresDB opens the connection pool. No connection is made until Connect
// or a query needs one, so a database that is still starting does not fail startup.
func NewPostgresDB(cfg *Config, logger *logging.StructuredLogger, metricsCollector *metrics.Collector, opts ...Option) (*PostgresDB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	logger.Info(context.Background(), "[DB_INIT] PostgreSQL pool configured", logging.Fields{
		"host":              cfg.Host,
		"port":              cfg.Port,
		"database":          cfg.Database,
		"max_open_conns":    cfg.MaxOpenConns,
		"max_idle_conns":    cfg.MaxIdleConns,
		"conn_max_lifetime": cfg.ConnMaxLifetime.String(),
		"max_retries":       cfg.MaxRetries,
		"retry_backoff":     cfg.RetryBackoff.String(),
	})

	pgDB := NewFromDB(db, cfg, logger, metricsCollector, opts...)

	// Start monitoring connection pool
	go pgDB.monitorConnectionPool()

	return pgDB, nil
}

// NewFromDB wraps an already opened pool. Used by tests with go-sqlmock.
func NewFromDB(db *sqlx.DB, cfg *Config, logger *logging.StructuredLogger, metricsCollector *metrics.Collector, opts ...Option) *PostgresDB {
	p := &PostgresDB{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
		config:  cfg,
		stop:    make(chan struct{}),
	}
	p.dial = p.dialConn
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Close stops pool monitoring and closes the pool
func (p *PostgresDB) Close() error {
	p.closeOnce.Do(func() { close(p.stop) })
	p.logger.Info(context.Background(), "[DB_CLOSE] Closing database connection", logging.Fields{
		"database": p.config.Database,
	})
	return p.db.Close()
}

// DB returns the underlying sqlx.DB instance
func (p *PostgresDB) DB() *sqlx.DB {
	return p.db
}

// Connect acquires one dedicated connection, retrying with a constant backoff.
// At most MaxRetries attempts are made; the caller must Close the connection.
func (p *PostgresDB) Connect(ctx context.Context) (*sqlx.Conn, error) {
	maxAttempts := p.config.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var (
		conn     *sqlx.Conn
		attempts int
	)

	operation := func() error {
		attempts++
		c, err := p.dial(ctx)
		p.metrics.RecordConnectAttempt(err == nil)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	notify := func(err error, wait time.Duration) {
		p.logger.Warn(ctx, "[DB_CONNECT_RETRY] Database not ready, retrying", logging.Fields{
			"attempt":      attempts,
			"max_attempts": maxAttempts,
			"wait":         wait.String(),
			"error":        err.Error(),
		})
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.config.RetryBackoff), uint64(maxAttempts-1)),
		ctx,
	)

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		p.metrics.RecordDBError("connect_error")
		p.logger.Error(ctx, "[DB_CONNECT_ERROR] Giving up on database connection", logging.Fields{
			"attempts": attempts,
		}, err)
		return nil, &ConnectError{Attempts: attempts, Err: err}
	}

	if attempts > 1 {
		p.logger.Info(ctx, "[DB_CONNECT] Connection established after retry", logging.Fields{
			"attempts": attempts,
		})
	}

	return conn, nil
}

// dialConn takes a connection from the pool and verifies it is alive
func (p *PostgresDB) dialConn(ctx context.Context) (*sqlx.Conn, error) {
	dialCtx := ctx
	if p.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, p.config.ConnectTimeout)
		defer cancel()
	}

	conn, err := p.db.Connx(dialCtx)
	if err != nil {
		return nil, err
	}

	if err := conn.PingContext(dialCtx); err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}

// ObserveQuery records the duration of a query run outside the helpers below
func (p *PostgresDB) ObserveQuery(queryType string, start time.Time) {
	p.metrics.DBQueryDuration.WithLabelValues(queryType).Observe(time.Since(start).Seconds())
}

// RecordError counts a database error by type
func (p *PostgresDB) RecordError(errorType string) {
	p.metrics.RecordDBError(errorType)
}

// ExecContext executes a command with context and metrics
func (p *PostgresDB) ExecContext(ctx context.Context, queryType, query string, args ...interface{}) (sql.Result, error) {
	timer := time.Now()
	defer func() {
		duration := time.Since(timer)
		p.metrics.DBQueryDuration.WithLabelValues(queryType).Observe(duration.Seconds())

		p.logger.Debug(ctx, "[DB_EXEC] Command executed", logging.Fields{
			"query_type":  queryType,
			"duration_ms": duration.Milliseconds(),
		})
	}()

	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		p.metrics.RecordDBError("exec_error")
		p.logger.Error(ctx, "[DB_EXEC_ERROR] Command failed", logging.Fields{
			"query_type": queryType,
		}, err)
		return nil, err
	}

	return result, nil
}

// GetContext executes a query that returns a single row
func (p *PostgresDB) GetContext(ctx context.Context, queryType string, dest interface{}, query string, args ...interface{}) error {
	timer := time.Now()
	defer p.ObserveQuery(queryType, timer)

	err := p.db.GetContext(ctx, dest, query, args...)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		p.metrics.RecordDBError("get_error")
		p.logger.Error(ctx, "[DB_GET_ERROR] Get query failed", logging.Fields{
			"query_type": queryType,
		}, err)
	}

	return err
}

// SelectContext executes a query that returns multiple rows
func (p *PostgresDB) SelectContext(ctx context.Context, queryType string, dest interface{}, query string, args ...interface{}) error {
	timer := time.Now()
	defer p.ObserveQuery(queryType, timer)

	err := p.db.SelectContext(ctx, dest, query, args...)
	if err != nil {
		p.metrics.RecordDBError("select_error")
		p.logger.Error(ctx, "[DB_SELECT_ERROR] Select query failed", logging.Fields{
			"query_type": queryType,
		}, err)
		return err
	}

	return nil
}

// monitorConnectionPool periodically updates connection pool metrics
func (p *PostgresDB) monitorConnectionPool() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}

		stats := p.db.Stats()

		p.metrics.UpdateDBConnectionPool(
			stats.InUse,
			stats.Idle,
			stats.OpenConnections,
		)

		if p.config.MaxOpenConns <= 0 {
			continue
		}

		// Log warning if connection pool is near capacity
		utilization := float64(stats.InUse) / float64(p.config.MaxOpenConns)
		if utilization > 0.8 {
			p.logger.Warn(context.Background(), "[DB_POOL_WARNING] Connection pool utilization high", logging.Fields{
				"in_use":      stats.InUse,
				"idle":        stats.Idle,
				"total":       stats.OpenConnections,
				"max_open":    p.config.MaxOpenConns,
				"utilization": fmt.Sprintf("%.2f%%", utilization*100),
			})
		}
	}
}

// HealthCheck performs a database health check
func (p *PostgresDB) HealthCheck(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := p.db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}
