package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/lowkey/internal/chat"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeConversationPairs = "2026-10-18_normalize_conversation_pairs"

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
		{name: migrationNormalizeConversationPairs, apply: normalizeConversationPairs},
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

// normalizeConversationPairs rewrites rows stored with the higher id first.
// When the ordered pair already exists, the reversed row's messages move to
// it and the reversed row is dropped. A fresh database has nothing to repair.
func normalizeConversationPairs(tx *gorm.DB) error {
	if !tx.Migrator().HasTable(&chat.Conversation{}) {
		return nil
	}
	hasMessages := tx.Migrator().HasTable(&chat.Message{})

	var reversed []chat.Conversation
	if err := tx.Where("user_low_id > user_high_id").Find(&reversed).Error; err != nil {
		return err
	}

	for _, conversation := range reversed {
		low, high := conversation.UserHighID, conversation.UserLowID

		var canonical chat.Conversation
		err := tx.Where("user_low_id = ? AND user_high_id = ?", low, high).Take(&canonical).Error
		switch {
		case err == nil:
			if hasMessages {
				if err := tx.Model(&chat.Message{}).
					Where("conversation_id = ?", conversation.ConversationID).
					Update("conversation_id", canonical.ConversationID).Error; err != nil {
					return err
				}
			}
			if err := tx.Where("conversation_id = ?", conversation.ConversationID).
				Delete(&chat.Conversation{}).Error; err != nil {
				return err
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Model(&chat.Conversation{}).
				Where("conversation_id = ?", conversation.ConversationID).
				Updates(map[string]any{"user_low_id": low, "user_high_id": high}).Error; err != nil {
				return err
			}
		default:
			return err
		}
	}
	return nil
}
