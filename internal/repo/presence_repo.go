// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// OperatorPresence model.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-handoff-backend/internal/domain"
)

// UpsertPresence inserts or refreshes an operator presence row. Capacity and
// name are only overwritten when the caller supplies them (nil leaves the
// stored value untouched); the heartbeat timestamp and status always are.
func UpsertPresence(ctx context.Context, db *gorm.DB, operatorID, status string, name *string, capacity *int, now time.Time) (*domain.OperatorPresence, error) {
	p := &domain.OperatorPresence{
		OperatorID:    operatorID,
		Status:        status,
		LastHeartbeat: now,
	}
	cols := []string{"status", "last_heartbeat", "updated_at"}
	if name != nil {
		p.Name = *name
		cols = append(cols, "name")
	}
	if capacity != nil {
		p.MaxChatCapacity = *capacity
		cols = append(cols, "max_chat_capacity")
	}
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "operator_id"}},
		DoUpdates: clause.AssignmentColumns(cols),
	}).Create(p).Error
	if err != nil {
		return nil, err
	}
	// Re-read so callers see the merged row (counters, prior capacity).
	return GetPresence(ctx, db, operatorID)
}

// GetPresence fetches a presence row, or ErrNotFound.
func GetPresence(ctx context.Context, db *gorm.DB, operatorID string) (*domain.OperatorPresence, error) {
	var p domain.OperatorPresence
	err := db.WithContext(ctx).Where("operator_id = ?", operatorID).First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPresenceForUpdate fetches a presence row with a row lock. Must run
// inside a transaction. The state machine always locks the dialog row first
// and the presence row second; keeping that order everywhere is what rules
// out lock-order deadlocks.
func GetPresenceForUpdate(ctx context.Context, tx *gorm.DB, operatorID string) (*domain.OperatorPresence, error) {
	var p domain.OperatorPresence
	err := lockForUpdate(tx.WithContext(ctx)).Where("operator_id = ?", operatorID).First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// AdjustActiveChats shifts an operator's cached active chat count by delta,
// flooring at zero. Runs against whatever handle it is given so the caller
// can keep it inside the takeover/release transaction.
func AdjustActiveChats(ctx context.Context, tx *gorm.DB, operatorID string, delta int) error {
	return tx.WithContext(ctx).
		Model(&domain.OperatorPresence{}).
		Where("operator_id = ?", operatorID).
		Update("active_chat_count", gorm.Expr("MAX(active_chat_count + ?, 0)", delta)).Error
}

// SetActiveChats overwrites the cached counter (reconciliation path).
func SetActiveChats(ctx context.Context, db *gorm.DB, operatorID string, count int) error {
	return db.WithContext(ctx).
		Model(&domain.OperatorPresence{}).
		Where("operator_id = ?", operatorID).
		Update("active_chat_count", count).Error
}

// MarkStaleOffline flips every presence row whose heartbeat is older than
// cutoff to offline and returns how many rows changed. The background sweep
// calls this so crashed operator clients stop holding capacity.
func MarkStaleOffline(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.OperatorPresence{}).
		Where("status <> ? AND last_heartbeat < ?", domain.PresenceOffline, cutoff).
		Update("status", domain.PresenceOffline)
	return res.RowsAffected, res.Error
}

// ListPresence returns all presence rows, online first, then by operator id.
func ListPresence(ctx context.Context, db *gorm.DB) ([]domain.OperatorPresence, error) {
	var out []domain.OperatorPresence
	err := db.WithContext(ctx).
		Order("status asc").
		Order("operator_id asc").
		Find(&out).Error
	return out, err
}
