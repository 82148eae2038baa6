package main

import (
	"errors"

	"bypassd/internal/config"
	"bypassd/internal/db"
)

// runMigrate applies goose migrations; direction is up (default), down or status
func runMigrate(cfg config.Config, direction string) error {
	if cfg.Database.URL == "" {
		return errors.New("database.url is not set (BYPASSD_DATABASE_URL or DATABASE_URL)")
	}
	return db.Migrate(cfg.Database.URL, direction)
}
