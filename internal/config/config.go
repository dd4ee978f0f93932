// Package config loads the collector and API configuration from the
// environment, an optional .env file and an optional YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"forecast-collector/internal/forecast"
	"forecast-collector/internal/models"
	"forecast-collector/pkg/database"
)

// ConfigFileEnv names the optional YAML config file
const ConfigFileEnv = "FORECAST_CONFIG_FILE"

// DefaultLocations is the grid around Brownsville, TX the collector tracks
// when none is configured.
var DefaultLocations = []models.Coordinate{
	{Latitude: 25.8600, Longitude: -97.4200},
	{Latitude: 25.9000, Longitude: -97.5200},
	{Latitude: 25.9000, Longitude: -97.4800},
	{Latitude: 25.9000, Longitude: -97.4400},
	{Latitude: 25.9000, Longitude: -97.4000},
	{Latitude: 25.9200, Longitude: -97.3800},
	{Latitude: 25.9400, Longitude: -97.5400},
	{Latitude: 25.9400, Longitude: -97.5200},
	{Latitude: 25.9400, Longitude: -97.4800},
	{Latitude: 25.9400, Longitude: -97.4400},
}

// ErrMissingAPIKey is returned by Validate when TOMORROW_API_KEY is unset
var ErrMissingAPIKey = forecast.ErrMissingAPIKey

// Config aggregates all configuration sections
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Forecast    ForecastConfig    `mapstructure:"forecast" yaml:"forecast"`
	Persistence PersistenceConfig `mapstructure:"persistence" yaml:"persistence"`
	Collector   CollectorConfig   `mapstructure:"collector" yaml:"collector"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// DatabaseConfig holds PostgreSQL connection details
type DatabaseConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Database        string        `mapstructure:"name" yaml:"name"`
	SSLMode         string        `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// ForecastConfig configures the tomorrow.io client and the tracked locations
type ForecastConfig struct {
	APIKey     string              `mapstructure:"api_key" yaml:"api_key"`
	BaseURL    string              `mapstructure:"base_url" yaml:"base_url"`
	Timeout    time.Duration       `mapstructure:"timeout" yaml:"timeout"`
	WindowDays int                 `mapstructure:"window_days" yaml:"window_days"`
	Locations  []models.Coordinate `mapstructure:"locations" yaml:"locations"`
	// LocationList is the "lat,lon;lat,lon" form; it replaces Locations when set.
	LocationList string `mapstructure:"location_list" yaml:"location_list"`
}

// PersistenceConfig bounds the per-batch connection retry
type PersistenceConfig struct {
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	Backoff    time.Duration `mapstructure:"backoff" yaml:"backoff"`
}

// CollectorConfig controls the periodic runner
type CollectorConfig struct {
	Pacing      time.Duration `mapstructure:"pacing" yaml:"pacing"`
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
	RunOnce     bool          `mapstructure:"run_once" yaml:"run_once"`
	MetricsAddr string        `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

// ServerConfig holds read API server settings
type ServerConfig struct {
	Host         string        `mapstructure:"host" yaml:"host"`
	Port         int           `mapstructure:"port" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// LoggingConfig selects level and encoding
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

var envBindings = [][2]string{
	{"database.host", "DB_HOST"},
	{"database.port", "DB_PORT"},
	{"database.user", "DB_USER"},
	{"database.password", "DB_PASSWORD"},
	{"database.name", "DB_NAME"},
	{"database.ssl_mode", "DB_SSL_MODE"},
	{"database.max_open_conns", "DB_MAX_OPEN_CONNS"},
	{"database.max_idle_conns", "DB_MAX_IDLE_CONNS"},
	{"database.conn_max_lifetime", "DB_CONN_MAX_LIFETIME"},
	{"database.conn_max_idle_time", "DB_CONN_MAX_IDLE_TIME"},
	{"database.connect_timeout", "DB_CONNECT_TIMEOUT"},
	{"forecast.api_key", "TOMORROW_API_KEY"},
	{"forecast.base_url", "TOMORROW_BASE_URL"},
	{"forecast.timeout", "FORECAST_HTTP_TIMEOUT"},
	{"forecast.window_days", "FORECAST_WINDOW_DAYS"},
	{"forecast.location_list", "FORECAST_LOCATIONS"},
	{"persistence.max_retries", "DB_MAX_RETRIES"},
	{"persistence.backoff", "DB_RETRY_BACKOFF"},
	{"collector.pacing", "COLLECTOR_PACING"},
	{"collector.interval", "COLLECTOR_INTERVAL"},
	{"collector.run_once", "COLLECTOR_RUN_ONCE"},
	{"collector.metrics_addr", "COLLECTOR_METRICS_ADDR"},
	{"server.host", "SERVER_HOST"},
	{"server.port", "SERVER_PORT"},
	{"server.read_timeout", "SERVER_READ_TIMEOUT"},
	{"server.write_timeout", "SERVER_WRITE_TIMEOUT"},
	{"server.idle_timeout", "SERVER_IDLE_TIMEOUT"},
	{"logging.level", "LOG_LEVEL"},
	{"logging.format", "LOG_FORMAT"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "postgres")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "tomorrow")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 5)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.conn_max_idle_time", "5m")
	v.SetDefault("database.connect_timeout", "10s")

	v.SetDefault("forecast.base_url", forecast.DefaultBaseURL)
	v.SetDefault("forecast.timeout", "30s")
	v.SetDefault("forecast.window_days", 5)

	v.SetDefault("persistence.max_retries", database.DefaultMaxRetries)
	v.SetDefault("persistence.backoff", database.DefaultRetryBackoff.String())

	v.SetDefault("collector.pacing", "2s")
	v.SetDefault("collector.interval", "1h")
	v.SetDefault("collector.run_once", false)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// LoadConfig loads .env (if present), then the YAML file named by
// FORECAST_CONFIG_FILE (if set), then environment variables.
func LoadConfig() (*Config, error) {
	return Load(os.Getenv(ConfigFileEnv))
}

// Load is LoadConfig with an explicit YAML path; an empty path skips the file
func Load(path string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	// Explicit bindings only: FORECAST_LOCATIONS must not shadow the
	// structured forecast.locations key.
	for _, b := range envBindings {
		if err := v.BindEnv(b[0], b[1]); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", b[1], err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if cfg.Forecast.LocationList != "" {
		locations, err := models.ParseCoordinates(cfg.Forecast.LocationList)
		if err != nil {
			return nil, fmt.Errorf("invalid FORECAST_LOCATIONS: %w", err)
		}
		cfg.Forecast.Locations = locations
	}
	if len(cfg.Forecast.Locations) == 0 {
		cfg.Forecast.Locations = append([]models.Coordinate(nil), DefaultLocations...)
	}

	return &cfg, nil
}

// ValidateDatabase checks the settings every binary needs
func (c *Config) ValidateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Database.Port)
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Persistence.MaxRetries < 1 {
		return fmt.Errorf("persistence max retries must be at least 1, got %d", c.Persistence.MaxRetries)
	}
	if c.Persistence.Backoff < 0 {
		return fmt.Errorf("persistence backoff must not be negative")
	}
	return nil
}

// Validate checks everything the collector needs, including the API key
func (c *Config) Validate() error {
	if err := c.ValidateDatabase(); err != nil {
		return err
	}
	if c.Forecast.APIKey == "" {
		return ErrMissingAPIKey
	}
	if c.Forecast.WindowDays < 1 {
		return fmt.Errorf("forecast window must be at least 1 day, got %d", c.Forecast.WindowDays)
	}
	for i, loc := range c.Forecast.Locations {
		if err := loc.Validate(); err != nil {
			return fmt.Errorf("location %d (%s): %w", i, loc, err)
		}
	}
	if c.Collector.Pacing < 0 {
		return fmt.Errorf("collector pacing must not be negative")
	}
	if !c.Collector.RunOnce && c.Collector.Interval <= 0 {
		return fmt.Errorf("collector interval must be positive")
	}
	return nil
}

// DatabaseConfig converts to the pkg/database connection settings
func (c *Config) DatabaseConfig() *database.Config {
	return &database.Config{
		Host:            c.Database.Host,
		Port:            c.Database.Port,
		User:            c.Database.User,
		Password:        c.Database.Password,
		Database:        c.Database.Database,
		SSLMode:         c.Database.SSLMode,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
		ConnMaxIdleTime: c.Database.ConnMaxIdleTime,
		ConnectTimeout:  c.Database.ConnectTimeout,
		MaxRetries:      c.Persistence.MaxRetries,
		RetryBackoff:    c.Persistence.Backoff,
	}
}

// ForecastClientConfig converts to the forecast client settings
func (c *Config) ForecastClientConfig() forecast.Config {
	return forecast.Config{
		APIKey:  c.Forecast.APIKey,
		BaseURL: c.Forecast.BaseURL,
		Window:  time.Duration(c.Forecast.WindowDays) * 24 * time.Hour,
		Timeout: c.Forecast.Timeout,
	}
}
