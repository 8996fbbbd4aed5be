package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/cellsync/internal/rows"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillEmptyFields     = "2026-09-14_backfill_empty_fields_json"
	migrationClampNonPositiveVersion = "2026-09-28_clamp_non_positive_versions"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillEmptyFields, apply: backfillEmptyFields},
		{name: migrationClampNonPositiveVersion, apply: clampNonPositiveVersions},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillEmptyFields turns blank field payloads into an empty JSON object so rows decode.
func backfillEmptyFields(db *gorm.DB) error {
	return db.Model(&rows.RowRecord{}).
		Where("fields_json = ''").
		Update("fields_json", "{}").Error
}

// clampNonPositiveVersions lifts rows written before the version floor to version 1.
func clampNonPositiveVersions(db *gorm.DB) error {
	return db.Model(&rows.RowRecord{}).
		Where("version < 1").
		Update("version", 1).Error
}
