package database

import (
	"errors"
	"time"

	"github.com/perimetra/fieldsync/internal/record"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationResetInterruptedSyncing = "2026-04-02_reset_interrupted_syncing_records"
	migrationBackfillQueueParentIDs  = "2026-06-17_backfill_queue_parent_ids"
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
		{name: migrationResetInterruptedSyncing, apply: resetInterruptedSyncingRecords},
		{name: migrationBackfillQueueParentIDs, apply: backfillQueueParentIDs},
	}

	for _, migration := range migrations {
		var applied migrationRecord
		err := db.Where("name = ?", migration.name).Take(&applied).Error
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

// resetInterruptedSyncingRecords repairs databases written by builds that
// persisted the syncing status across shutdown. A record stuck at syncing has
// no matching in-flight dispatch after a restart.
func resetInterruptedSyncingRecords(db *gorm.DB) error {
	return db.Model(&record.Record{}).
		Where("sync_status = ?", string(record.SyncStatusSyncing)).
		Update("sync_status", string(record.SyncStatusPending)).Error
}

// backfillQueueParentIDs fills parent references on queue items written by
// builds that did not store them. Descendant sweeps walk queue_items.parent_id
// and skip rows where it is empty.
func backfillQueueParentIDs(db *gorm.DB) error {
	const backfill = `
UPDATE queue_items
SET parent_id = COALESCE((SELECT parent_id FROM records WHERE records.id = queue_items.entity_id), '')
WHERE parent_id = ''`
	return db.Exec(backfill).Error
}
