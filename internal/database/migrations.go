package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/inboxsync/internal/mutation"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/presence"
)

const (
	migrationBackfillJournalUpdatedAt = "2024-06-01_backfill_journal_updated_at"
	migrationClearOrphanTyping        = "2024-06-14_clear_orphan_typing_flags"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func migrationDefinitions() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationBackfillJournalUpdatedAt, apply: backfillJournalUpdatedAt},
		{name: migrationClearOrphanTyping, apply: clearOrphanTypingFlags},
	}
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrationDefinitions() {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
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

// Early journal rows were written without an update timestamp.
func backfillJournalUpdatedAt(db *gorm.DB) error {
	return db.Model(&mutation.JournalEntry{}).
		Where("updated_at_s = 0").
		Update("updated_at_s", gorm.Expr("created_at_s")).Error
}

// A typing flag without an expiry would never reset.
func clearOrphanTypingFlags(db *gorm.DB) error {
	return db.Model(&presence.StatusRecord{}).
		Where("is_typing = ? AND typing_expires_at_ms IS NULL", true).
		Update("is_typing", false).Error
}
