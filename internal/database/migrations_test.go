package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/cellsync/internal/rows"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsRepairsLegacyRows(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&rows.RowRecord{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := rows.RowRecord{
		TableID:          "tasks",
		RowID:            "R1",
		Version:          1,
		FieldsJSON:       "",
		CreatedAtSeconds: 1700000000,
		UpdatedAtSeconds: 1700000000,
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert row: %v", err)
	}
	if err := database.Model(&rows.RowRecord{}).Where("row_id = ?", "R1").Update("version", 0).Error; err != nil {
		testContext.Fatalf("failed to zero version: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored rows.RowRecord
	if err := database.Where("table_id = ? AND row_id = ?", legacy.TableID, legacy.RowID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload row: %v", err)
	}
	if stored.FieldsJSON != "{}" {
		testContext.Fatalf("expected empty fields to be backfilled, got %q", stored.FieldsJSON)
	}
	if stored.Version != 1 {
		testContext.Fatalf("expected version to be clamped, got %d", stored.Version)
	}

	for _, name := range []string{migrationBackfillEmptyFields, migrationClampNonPositiveVersion} {
		var record migrationRecord
		if err := database.Where("name = ?", name).Take(&record).Error; err != nil {
			testContext.Fatalf("expected migration record %s to be created: %v", name, err)
		}
		if record.AppliedAtSeconds == 0 {
			testContext.Fatalf("expected migration timestamp to be set")
		}
	}
}

func TestOpenSQLiteMigratesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "cellsync.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"table_rows", "row_changes", "collaborators", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}
	if err := Migrate(database, nil); err != nil {
		testContext.Fatalf("expected migrations to be idempotent: %v", err)
	}
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
