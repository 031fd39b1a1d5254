package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/boards"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillCardUpdatedBy = "2026-09-14_backfill_card_updated_by"
	migrationPurgeOrphanedCards    = "2026-09-21_purge_orphaned_cards"
	migrationPurgeOrphanedStars    = "2026-09-21_purge_orphaned_stars"
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

var migrations = []migrationDefinition{
	{name: migrationBackfillCardUpdatedBy, apply: backfillCardUpdatedBy},
	{name: migrationPurgeOrphanedCards, apply: purgeOrphanedCards},
	{name: migrationPurgeOrphanedStars, apply: purgeOrphanedStars},
}

// applyMigrations runs each named data migration once, recording it in
// db_migrations inside the same transaction as the change.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Cards written before edits were attributed carry an empty updated_by.
func backfillCardUpdatedBy(db *gorm.DB) error {
	return db.Model(&boards.Card{}).
		Where("updated_by = ''").
		Update("updated_by", gorm.Expr("created_by")).Error
}

func purgeOrphanedCards(db *gorm.DB) error {
	return db.Where("board_id NOT IN (?)", db.Model(&boards.Board{}).Select("board_id")).
		Delete(&boards.Card{}).Error
}

func purgeOrphanedStars(db *gorm.DB) error {
	return db.Where("board_id NOT IN (?)", db.Model(&boards.Board{}).Select("board_id")).
		Delete(&boards.BoardStar{}).Error
}
