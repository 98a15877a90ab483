package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/config"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/repo"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openDB(cfg.Storage)
			if err != nil {
				return err
			}
			defer closeDB(db)
			if err := repo.AutoMigrate(db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", cfg.Storage.Driver)
			return nil
		},
	}
}

// openDB opens the configured store with query tracing enabled.
func openDB(sc config.StorageConfig) (*gorm.DB, error) {
	target := sc.Path
	if sc.Driver == repo.DriverMySQL {
		target = sc.DSN
	}
	db, err := repo.Open(sc.Driver, target)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", sc.Driver, err)
	}
	if err := repo.EnableTracing(db); err != nil {
		closeDB(db)
		return nil, fmt.Errorf("enable db tracing: %w", err)
	}
	return db, nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
