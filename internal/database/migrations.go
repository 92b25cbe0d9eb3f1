package database

import (
	"errors"
	"time"

	"github.com/AlexMercedCoder/mylocalnotes/internal/notes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeRootParent   = "2026-10-01_normalize_root_parent_sentinel"
	migrationBackfillBlockPosition = "2026-10-01_backfill_block_positions"

	legacyRootSentinel = "ROOT"
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
		{name: migrationNormalizeRootParent, apply: normalizeRootParent},
		{name: migrationBackfillBlockPosition, apply: backfillBlockPositions},
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

// normalizeRootParent rewrites pages stored under the old string sentinel so
// that the root is always a NULL parent.
func normalizeRootParent(db *gorm.DB) error {
	return db.Model(&notes.Page{}).
		Where("parent_id = ? OR parent_id = ''", legacyRootSentinel).
		Update("parent_id", gorm.Expr("NULL")).Error
}

type blockGroup struct {
	WorkspaceID string `gorm:"column:workspace_id"`
	PageID      string `gorm:"column:parent_id"`
}

// backfillBlockPositions orders blocks written before positions existed by
// creation time within their page.
func backfillBlockPositions(db *gorm.DB) error {
	var groups []blockGroup
	err := db.Model(&notes.BlockRecord{}).
		Select("workspace_id, parent_id").
		Group("workspace_id, parent_id").
		Having("MAX(position) = 0 AND COUNT(*) > 1").
		Scan(&groups).Error
	if err != nil {
		return err
	}

	for _, group := range groups {
		var blocks []notes.BlockRecord
		err := db.Where("workspace_id = ? AND parent_id = ?", group.WorkspaceID, group.PageID).
			Order("created_at_ms ASC, id ASC").
			Find(&blocks).Error
		if err != nil {
			return err
		}
		for index, block := range blocks {
			err := db.Model(&notes.BlockRecord{}).
				Where("id = ?", block.ID).
				Update("position", index).Error
			if err != nil {
				return err
			}
		}
	}
	return nil
}
