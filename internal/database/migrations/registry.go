// Package migrations provides database migration management for tvarr-fleet.
package migrations

import (
	"github.com/jmylchreest/tvarr-fleet/internal/models"
	"gorm.io/gorm"
)

// AllMigrations returns all registered migrations in order.
func AllMigrations() []Migration {
	return []Migration{
		migration001Schema(),
	}
}

// migration001Schema creates the files table using GORM AutoMigrate. The
// Registry's worker table is in-memory only and never migrated.
func migration001Schema() Migration {
	return Migration{
		Version:     "001",
		Description: "Create the files table",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.FileRecord{})
		},
		Down: func(tx *gorm.DB) error {
			if tx.Migrator().HasTable("files") {
				return tx.Migrator().DropTable(&models.FileRecord{})
			}
			return nil
		},
	}
}
