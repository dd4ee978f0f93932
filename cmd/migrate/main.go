package main

import (
	"context"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"forecast-collector/internal/config"
	"forecast-collector/pkg/database"
	"forecast-collector/pkg/logging"
)

func main() {
	direction := flag.StringP("direction", "d", "up", "Migration direction: up or down")
	flag.Parse()

	dir := database.Direction(*direction)
	if dir != database.Up && dir != database.Down {
		fmt.Fprintf(os.Stderr, "Unknown migration direction %q (want up or down)\n", *direction)
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.ValidateDatabase(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewDevelopmentLogger("forecast-migrate", "1.0.0", logging.ParseLevel(cfg.Logging.Level))
	defer logger.Sync()

	if err := database.Migrate(context.Background(), cfg.DatabaseConfig().URL(), dir, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to execute migration: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Migration completed successfully")
}
