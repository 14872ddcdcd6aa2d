package cmd

import (
	"fmt"

	"github.com/skeinlabs/skein/db"
	"github.com/skeinlabs/skein/internal/config"
	"github.com/skeinlabs/skein/internal/log"
)

// runMigrate applies pending database migrations and exits. Serve runs
// migrations on startup too; this command covers deploy pipelines that
// migrate before rolling the server.
func runMigrate() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Database.URL == "" {
		return config.ErrMissingDatabaseURL
	}

	logger := log.New(log.Config{
		Level: log.ParseLevel(cfg.Log.Level),
		JSON:  cfg.Log.JSON,
	})

	if err := db.Migrate(cfg.Database.URL, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("migrations applied")
	return nil
}
