package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/northbridgehq/coauthor/backend/internal/collab"
	"github.com/northbridgehq/coauthor/backend/internal/locks"
)

const (
	migrationClearOrphanedLocks    = "2026-07-12_clear_orphaned_soft_locks"
	migrationDeactivateLegacyRooms = "2026-08-02_deactivate_sessions_without_roster"
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
		{name: migrationClearOrphanedLocks, apply: clearOrphanedLocks},
		{name: migrationDeactivateLegacyRooms, apply: deactivateSessionsWithoutRoster},
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

// Locks written before heartbeats existed have no heartbeat timestamp and
// can never expire on their own.
func clearOrphanedLocks(db *gorm.DB) error {
	return db.Where("heartbeat_s = 0").Delete(&locks.SoftLock{}).Error
}

// Sessions that lost their roster rows in earlier deployments stay active
// forever and block new sessions on the same document.
func deactivateSessionsWithoutRoster(db *gorm.DB) error {
	return db.Model(&collab.Session{}).
		Where("active = ? AND code NOT IN (SELECT DISTINCT session_code FROM collaborators)", true).
		Update("active", false).Error
}
