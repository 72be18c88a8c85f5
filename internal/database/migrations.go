package database

import (
	"errors"
	"time"

	"github.com/converso-app/converso/backend/internal/forum"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRepairEmptyReactionSets = "2026-06-12_repair_empty_reaction_sets"

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
		{name: migrationRepairEmptyReactionSets, apply: repairEmptyReactionSets},
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

// repairEmptyReactionSets rewrites reaction payloads written before empty
// sets were pruned on encode, restoring the no-empty-set invariant for rows
// that predate it.
func repairEmptyReactionSets(db *gorm.DB) error {
	var posts []forum.Post
	if err := db.Where("reactions_json LIKE ?", "%[]%").Find(&posts).Error; err != nil {
		return err
	}
	for _, post := range posts {
		reactions, err := forum.ParseReactions(post.ReactionsJSON)
		if err != nil {
			continue
		}
		encoded, err := reactions.Encode()
		if err != nil {
			continue
		}
		if encoded == post.ReactionsJSON {
			continue
		}
		if err := db.Model(&forum.Post{}).
			Where("post_id = ?", post.PostID).
			Update("reactions_json", encoded).Error; err != nil {
			return err
		}
	}
	return nil
}
