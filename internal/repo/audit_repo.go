// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the append-only
// HandoffAudit ledger.
//
// Audit rows are written inside the same transaction as the state mutation
// they record, and are never updated or deleted afterwards.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-handoff-backend/internal/domain"
)

// AppendAudit inserts a transition row with the next per-dialog sequence
// number. Callers must invoke it inside the row-locked transaction that
// performs the transition, which also serializes the seq computation.
func AppendAudit(ctx context.Context, tx *gorm.DB, entry *domain.HandoffAudit) (*domain.HandoffAudit, error) {
	var maxSeq int64
	err := tx.WithContext(ctx).
		Model(&domain.HandoffAudit{}).
		Where("dialog_id = ?", entry.DialogID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&maxSeq).Error
	if err != nil {
		return nil, err
	}

	entry.ID = uuid.NewString()
	entry.Seq = maxSeq + 1
	entry.CreatedAt = time.Now().UTC()
	if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

// CountRecentRequests returns how many transitions into REQUESTED were
// recorded for dialogID since the cutoff. The state machine uses this for
// the rolling per-dialog request rate limit; counting audit rows makes the
// limit correct across horizontally scaled instances.
func CountRecentRequests(ctx context.Context, db *gorm.DB, dialogID string, since time.Time) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.HandoffAudit{}).
		Where("dialog_id = ? AND to_status = ? AND created_at >= ?", dialogID, domain.HandoffRequested, since).
		Count(&n).Error
	return n, err
}

// CountAudit returns the total number of audit rows for a dialog.
func CountAudit(ctx context.Context, db *gorm.DB, dialogID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.HandoffAudit{}).
		Where("dialog_id = ?", dialogID).
		Count(&n).Error
	return n, err
}

// ListAuditPage returns a page of audit rows for a dialog in seq order.
func ListAuditPage(ctx context.Context, db *gorm.DB, dialogID string, offset, limit int) ([]domain.HandoffAudit, error) {
	var out []domain.HandoffAudit
	err := db.WithContext(ctx).
		Where("dialog_id = ?", dialogID).
		Order("seq asc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
