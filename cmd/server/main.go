package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"forecast-collector/internal/config"
	"forecast-collector/internal/handlers"
	"forecast-collector/internal/repository"
	"forecast-collector/internal/services"
	"forecast-collector/pkg/database"
	"forecast-collector/pkg/logging"
	"forecast-collector/pkg/metrics"
)

const version = "1.0.0"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.ValidateDatabase(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logLevel := logging.ParseLevel(cfg.Logging.Level)
	var logger *logging.StructuredLogger
	if cfg.Logging.Format == "console" {
		logger = logging.NewDevelopmentLogger("forecast-api", version, logLevel)
	} else {
		logger = logging.NewStructuredLogger("forecast-api", version, logLevel)
	}
	defer logger.Sync()

	ctx := context.Background()
	logger.Info(ctx, "[STARTUP] Starting forecast API server", logging.Fields{
		"version":     version,
		"log_level":   logLevel.String(),
		"server_host": cfg.Server.Host,
		"server_port": cfg.Server.Port,
		"db_host":     cfg.Database.Host,
		"db_name":     cfg.Database.Database,
	})

	metricsCollector := metrics.NewCollector("forecast_api")

	db, err := database.NewPostgresDB(cfg.DatabaseConfig(), logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[STARTUP_ERROR] Failed to connect to database", logging.Fields{}, err)
	}
	defer db.Close()

	weatherRepo := repository.NewWeatherRepository(db, logger, metricsCollector)
	weatherService := services.NewWeatherService(weatherRepo, logger, metricsCollector)
	weatherHandler := handlers.NewWeatherHandler(weatherService, logger, metricsCollector)

	router := mux.NewRouter()
	router.Use(handlers.RequestLogging(logger))

	weatherHandler.RegisterRoutes(router)
	handlers.RegisterDocsRoutes(router)
	router.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info(ctx, "[SERVER_START] HTTP server listening", logging.Fields{
			"address": server.Addr,
		})

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "[SERVER_ERROR] Server failed", logging.Fields{}, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "[SHUTDOWN] Shutting down server...", logging.Fields{})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "[SHUTDOWN_ERROR] Server forced to shutdown", logging.Fields{}, err)
	}

	logger.Info(ctx, "[SHUTDOWN_COMPLETE] Server stopped", logging.Fields{})
}
