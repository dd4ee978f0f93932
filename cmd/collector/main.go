package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"forecast-collector/internal/config"
	"forecast-collector/internal/forecast"
	"forecast-collector/internal/repository"
	"forecast-collector/internal/scheduler"
	"forecast-collector/internal/services"
	"forecast-collector/pkg/database"
	"forecast-collector/pkg/logging"
	"forecast-collector/pkg/metrics"
)

const version = "1.0.0"

func main() {
	configFile := flag.StringP("config", "c", os.Getenv(config.ConfigFileEnv), "optional YAML configuration file")
	once := flag.Bool("once", false, "run a single collection pass and exit")
	interval := flag.Duration("interval", 0, "time between collection runs (overrides COLLECTOR_INTERVAL)")
	metricsAddr := flag.String("metrics-addr", "", "serve /metrics on this address (overrides COLLECTOR_METRICS_ADDR)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *once {
		cfg.Collector.RunOnce = true
	}
	if *interval > 0 {
		cfg.Collector.Interval = *interval
	}
	if *metricsAddr != "" {
		cfg.Collector.MetricsAddr = *metricsAddr
	}

	logger := newLogger(cfg)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Without a credential no location can be fetched, so do no work at all.
	if err := cfg.Validate(); err != nil {
		logger.Error(ctx, "[STARTUP_ERROR] Invalid configuration", logging.Fields{}, err)
		os.Exit(1)
	}

	logger.Info(ctx, "[COLLECTOR_START] Starting forecast collector", logging.Fields{
		"version":     version,
		"log_level":   logging.ParseLevel(cfg.Logging.Level).String(),
		"locations":   len(cfg.Forecast.Locations),
		"run_once":    cfg.Collector.RunOnce,
		"interval":    cfg.Collector.Interval.String(),
		"pacing":      cfg.Collector.Pacing.String(),
		"max_retries": cfg.Persistence.MaxRetries,
		"backoff":     cfg.Persistence.Backoff.String(),
		"db_host":     cfg.Database.Host,
		"db_name":     cfg.Database.Database,
	})

	metricsCollector := metrics.NewCollector("forecast_collector")

	db, err := database.NewPostgresDB(cfg.DatabaseConfig(), logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[STARTUP_ERROR] Failed to open database pool", logging.Fields{}, err)
	}
	defer db.Close()

	weatherRepo := repository.NewWeatherRepository(db, logger, metricsCollector)
	client := forecast.NewClient(cfg.ForecastClientConfig(), logger, metricsCollector)
	collectionService := services.NewCollectionService(client, weatherRepo, cfg.Collector.Pacing, logger, metricsCollector)

	sched := scheduler.New(collectionService, cfg.Forecast.Locations, cfg.Collector.Interval, logger)

	var metricsServer *http.Server
	if cfg.Collector.MetricsAddr != "" {
		metricsServer = startMetricsServer(ctx, cfg.Collector.MetricsAddr, logger)
	}

	if cfg.Collector.RunOnce {
		result := sched.RunOnce(ctx)
		if result != nil {
			printSummary(result)
		}
	} else {
		if err := sched.Start(ctx); err != nil {
			logger.Fatal(ctx, "[STARTUP_ERROR] Failed to start scheduler", logging.Fields{}, err)
		}
		<-ctx.Done()
		logger.Info(context.Background(), "[SHUTDOWN] Stopping collector...", logging.Fields{})
		sched.Stop()
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error(context.Background(), "[SHUTDOWN_ERROR] Metrics server forced to shutdown", logging.Fields{}, err)
		}
	}

	logger.Info(context.Background(), "[COLLECTOR_STOP] Collector stopped", logging.Fields{})
}

func newLogger(cfg *config.Config) *logging.StructuredLogger {
	level := logging.ParseLevel(cfg.Logging.Level)
	if cfg.Logging.Format == "console" {
		return logging.NewDevelopmentLogger("forecast-collector", version, level)
	}
	return logging.NewStructuredLogger("forecast-collector", version, level)
}

func startMetricsServer(ctx context.Context, addr string, logger *logging.StructuredLogger) *http.Server {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info(ctx, "[METRICS_START] Metrics endpoint listening", logging.Fields{
			"address": addr,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "[METRICS_ERROR] Metrics server failed", logging.Fields{}, err)
		}
	}()

	return server
}

func printSummary(result *services.CollectionResult) {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("COLLECTION COMPLETE")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Run ID:               %s\n", result.RunID)
	fmt.Printf("Locations:            %d\n", result.TotalLocations)
	fmt.Printf("Successful Locations: %d\n", result.SuccessfulLocations)
	fmt.Printf("Failed Locations:     %d\n", result.FailedLocations)
	fmt.Printf("Records Fetched:      %d\n", result.RecordsFetched)
	fmt.Printf("Records Saved:        %d\n", result.RecordsSaved)
	fmt.Printf("Duration:             %v\n", result.Duration)

	for _, loc := range result.Locations {
		status := "ok"
		if loc.Failed() {
			status = "failed"
			if loc.Transient() {
				status = "failed (transient)"
			}
		}
		fmt.Printf("  %-20s fetched=%-4d saved=%-4d stored=%-5t %s\n", loc.Coordinate, loc.Fetched, loc.Saved, loc.Stored(), status)
	}

	if len(result.Errors) > 0 {
		fmt.Printf("\nErrors (%d):\n", len(result.Errors))
		for i, errMsg := range result.Errors {
			if i < 10 {
				fmt.Printf("  - %s\n", errMsg)
			}
		}
		if len(result.Errors) > 10 {
			fmt.Printf("  ... and %d more errors\n", len(result.Errors)-10)
		}
	}
}
