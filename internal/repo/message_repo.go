// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message
// model, including the system notices the state machine inserts on handoff
// transitions.
package repo

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-handoff-backend/internal/domain"
)

// CreateMessage inserts a message into a dialog. The db handle may be a
// transaction; the state machine passes its row-locked tx so the system
// notice lands atomically with the transition.
func CreateMessage(db *gorm.DB, dialogID, role, content string) (*domain.Message, error) {
	m := &domain.Message{
		ID:        uuid.NewString(),
		DialogID:  dialogID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.Create(m).Error; err != nil {
		return nil, err
	}
	return m, nil
}

// CountMessages returns the number of messages in a dialog.
func CountMessages(db *gorm.DB, dialogID string) (int64, error) {
	var total int64
	err := db.Model(&domain.Message{}).
		Where("dialog_id = ?", dialogID).
		Count(&total).Error
	return total, err
}

// ListMessagesPage returns a page of messages in creation order.
func ListMessagesPage(db *gorm.DB, dialogID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.Where("dialog_id = ?", dialogID).
		Order("created_at asc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
