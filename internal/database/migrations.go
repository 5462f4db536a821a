package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/glsync/internal/ledger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillLastCycleCompleted = "2024-03-11_backfill_last_update_cycle_completed_at"
	migrationBackfillChangesetProvider  = "2024-04-02_backfill_changeset_record_provider"
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
		{name: migrationBackfillLastCycleCompleted, apply: backfillLastCycleCompleted},
		{name: migrationBackfillChangesetProvider, apply: backfillChangesetProvider},
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

// backfillLastCycleCompleted gives orgs without a completed cycle the epoch so the periodic
// sweep picks them up first.
func backfillLastCycleCompleted(db *gorm.DB) error {
	return db.Model(&ledger.Org{}).
		Where("last_update_cycle_completed_at IS NULL").
		Update("last_update_cycle_completed_at", time.Unix(0, 0).UTC()).Error
}

// backfillChangesetProvider copies the org provider onto history records written without one.
func backfillChangesetProvider(db *gorm.DB) error {
	return db.Model(&ledger.ChangesetRecord{}).
		Where("provider = ''").
		Update("provider", db.Model(&ledger.Org{}).Select("provider").Where("orgs.org_id = changeset_records.org_id")).Error
}
