package gorm

import (
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: performances
		{
			ID: "001_performances",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Performance{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("performances")
			},
		},

		// Migration 002: sample chunks
		{
			ID: "002_performance_chunks",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&PerformanceChunk{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("performance_chunks")
			},
		},
	})

	if err := m.Migrate(); err != nil {
		return fmt.Errorf("run gormigrate migrations: %w", err)
	}

	return nil
}
