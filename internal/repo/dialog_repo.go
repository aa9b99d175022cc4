// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Dialog
// model and its handoff fields.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition. State-transition legality is enforced
// by services.HandoffService, which calls GetDialogForUpdate inside a
// transaction so that concurrent mutations serialize on the dialog row.
//
// Error semantics:
//   - When a dialog is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-handoff-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateDialog inserts a new Dialog owned by assistantID with handoff fields
// at their defaults (status "none"). The dialog ID is a randomly generated
// UUID and CreatedAt is set to UTC.
func CreateDialog(ctx context.Context, db *gorm.DB, assistantID string) (*domain.Dialog, error) {
	d := &domain.Dialog{
		ID:            uuid.NewString(),
		AssistantID:   assistantID,
		HandoffStatus: domain.HandoffNone,
		CreatedAt:     time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(d).Error; err != nil {
		return nil, err
	}
	return d, nil
}

// GetDialog fetches a single dialog by ID, or ErrNotFound if missing.
func GetDialog(ctx context.Context, db *gorm.DB, id string) (*domain.Dialog, error) {
	var d domain.Dialog
	err := db.WithContext(ctx).Where("id = ?", id).First(&d).Error
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDialogForUpdate fetches a dialog with a row lock. Must be called inside
// a transaction; the lock is held until the transaction commits, which is
// what keeps two concurrent takeovers from both observing REQUESTED.
func GetDialogForUpdate(ctx context.Context, tx *gorm.DB, id string) (*domain.Dialog, error) {
	var d domain.Dialog
	err := lockForUpdate(tx.WithContext(ctx)).Where("id = ?", id).First(&d).Error
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// SaveDialogHandoff persists the handoff-relevant columns of a dialog. It is
// intentionally a full-column update of the handoff subset so that clearing
// an assignment (nil operator) is written correctly.
func SaveDialogHandoff(ctx context.Context, tx *gorm.DB, d *domain.Dialog) error {
	return tx.WithContext(ctx).
		Model(&domain.Dialog{}).
		Where("id = ?", d.ID).
		Select("handoff_status", "requested_at", "started_at", "resolved_at",
			"reason", "request_id", "is_taken_over", "assigned_operator_id", "last_operator_id").
		Updates(d).Error
}

// ListRequestedDialogs returns all dialogs currently in REQUESTED status,
// ordered by request time ascending (oldest waiting first). This is the
// operator queue source.
func ListRequestedDialogs(ctx context.Context, db *gorm.DB) ([]domain.Dialog, error) {
	var out []domain.Dialog
	err := db.WithContext(ctx).
		Where("handoff_status = ?", domain.HandoffRequested).
		Order("requested_at asc").
		Find(&out).Error
	return out, err
}

// QueuePosition returns the 1-based position of dialogID among REQUESTED
// dialogs ordered by request time, or 0 when the dialog is not queued.
func QueuePosition(ctx context.Context, db *gorm.DB, dialogID string) (int, error) {
	d, err := GetDialog(ctx, db, dialogID)
	if err != nil {
		return 0, err
	}
	if d.HandoffStatus != domain.HandoffRequested || d.RequestedAt == nil {
		return 0, nil
	}
	var ahead int64
	err = db.WithContext(ctx).
		Model(&domain.Dialog{}).
		Where("handoff_status = ? AND requested_at < ?", domain.HandoffRequested, d.RequestedAt).
		Count(&ahead).Error
	if err != nil {
		return 0, err
	}
	return int(ahead) + 1, nil
}

// CountAssignedActive returns the number of dialogs currently ACTIVE and
// assigned to operatorID. Used to reconcile cached presence counters.
func CountAssignedActive(ctx context.Context, db *gorm.DB, operatorID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Dialog{}).
		Where("handoff_status = ? AND assigned_operator_id = ?", domain.HandoffActive, operatorID).
		Count(&n).Error
	return n, err
}
