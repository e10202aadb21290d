// Package di provides dependency injection for database connections.
package di

import (
	"fmt"
	"path/filepath"

	"github.com/aristath/allocator/internal/config"
	"github.com/aristath/allocator/internal/database"
	"github.com/rs/zerolog"
)

// InitializeDatabases opens the price store and applies its schema
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	// prices.db - refetchable market data (daily closes, market caps, sync runs)
	pricesDB, err := database.New(database.Config{
		Path: filepath.Join(cfg.DataDir, "prices.db"),
		Name: "prices",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize prices database: %w", err)
	}

	if err := pricesDB.Migrate(); err != nil {
		pricesDB.Close()
		return nil, fmt.Errorf("failed to migrate prices database: %w", err)
	}
	container.PricesDB = pricesDB

	log.Info().Str("path", pricesDB.Path()).Msg("Database initialized")
	return container, nil
}
