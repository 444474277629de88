package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillMessageUsernames = "2025-06-14_backfill_message_usernames"

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
		{name: migrationBackfillMessageUsernames, apply: backfillMessageUsernames},
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

// backfillMessageUsernames fills usernames on messages stored without one,
// using the display name recorded for the author. Existing snapshots are
// left untouched.
func backfillMessageUsernames(db *gorm.DB) error {
	return db.Exec(`UPDATE messages
SET username = (
	SELECT user_identities.user_display_name FROM user_identities
	WHERE user_identities.user_id = messages.user_id
)
WHERE (username IS NULL OR username = '')
AND EXISTS (
	SELECT 1 FROM user_identities
	WHERE user_identities.user_id = messages.user_id
	AND user_identities.user_display_name <> ''
)`).Error
}
