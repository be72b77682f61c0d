package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/inboxsync/internal/mutation"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/presence"
)

func openMigrationDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&mutation.JournalEntry{}, &presence.StatusRecord{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func TestApplyMigrationsRepairsLegacyRows(testContext *testing.T) {
	database := openMigrationDatabase(testContext)

	entry := mutation.JournalEntry{
		EntryID:          "entry-1",
		Operation:        string(mutation.OperationEdit),
		EntityTable:      "messages",
		EntityID:         "m1",
		Status:           string(mutation.StatusSent),
		CreatedAtSeconds: 1717200000,
	}
	if err := database.Create(&entry).Error; err != nil {
		testContext.Fatalf("failed to insert journal entry: %v", err)
	}
	expiry := int64(1717200000000)
	rows := []presence.StatusRecord{
		{KeyKind: "conversation", KeyID: "c1", IsTyping: true, UpdatedAtSeconds: 1},
		{KeyKind: "conversation", KeyID: "c2", IsTyping: true, TypingExpiresAtMs: &expiry, UpdatedAtSeconds: 1},
	}
	if err := database.Create(&rows).Error; err != nil {
		testContext.Fatalf("failed to insert presence rows: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored mutation.JournalEntry
	if err := database.Where("entry_id = ?", entry.EntryID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload journal entry: %v", err)
	}
	if stored.UpdatedAtSeconds != entry.CreatedAtSeconds {
		testContext.Fatalf("expected updated_at_s to be backfilled, got %d", stored.UpdatedAtSeconds)
	}

	var orphan, expiring presence.StatusRecord
	if err := database.Where("key_id = ?", "c1").Take(&orphan).Error; err != nil {
		testContext.Fatalf("failed to reload c1: %v", err)
	}
	if err := database.Where("key_id = ?", "c2").Take(&expiring).Error; err != nil {
		testContext.Fatalf("failed to reload c2: %v", err)
	}
	if orphan.IsTyping {
		testContext.Fatalf("expected orphan typing flag to be cleared")
	}
	if !expiring.IsTyping {
		testContext.Fatalf("expected typing flag with expiry to be kept")
	}

	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migration records: %v", err)
	}
	if count != int64(len(migrationDefinitions())) {
		testContext.Fatalf("expected %d migration records, got %d", len(migrationDefinitions()), count)
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database := openMigrationDatabase(testContext)
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("first run: %v", err)
	}

	entry := mutation.JournalEntry{
		EntryID:          "entry-2",
		Operation:        string(mutation.OperationPin),
		EntityTable:      "messages",
		EntityID:         "m2",
		Status:           string(mutation.StatusPending),
		CreatedAtSeconds: 1717200000,
	}
	if err := database.Create(&entry).Error; err != nil {
		testContext.Fatalf("failed to insert journal entry: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("second run: %v", err)
	}
	var stored mutation.JournalEntry
	if err := database.Where("entry_id = ?", entry.EntryID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload journal entry: %v", err)
	}
	if stored.UpdatedAtSeconds != 0 {
		testContext.Fatalf("expected applied migration to be skipped, got %d", stored.UpdatedAtSeconds)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "inbox.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("open sqlite: %v", err)
	}
	for _, table := range []string{"mutation_journal", "presence_status", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
