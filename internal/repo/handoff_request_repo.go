// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the
// HandoffRequest ledger used to implement safe-retry semantics for the
// request operation: (dialog_id, request_id) is unique, so a replayed
// request finds the stored row and is served without re-running side
// effects.
package repo

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-handoff-backend/internal/domain"
)

// ErrDuplicate indicates that a handoff-request record already exists for
// the given (dialog_id, request_id) tuple.
var ErrDuplicate = errors.New("duplicate")

// GetHandoffRequest returns the stored record for (dialogID, requestID), or
// ErrNotFound.
func GetHandoffRequest(ctx context.Context, db *gorm.DB, dialogID, requestID string) (*domain.HandoffRequest, error) {
	if strings.TrimSpace(requestID) == "" {
		return nil, ErrNotFound
	}
	var rec domain.HandoffRequest
	err := db.WithContext(ctx).
		Where("dialog_id = ? AND request_id = ?", dialogID, requestID).
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateHandoffRequest inserts a record and returns ErrDuplicate on unique
// violation.
func CreateHandoffRequest(ctx context.Context, db *gorm.DB, dialogID, requestID, status string) (*domain.HandoffRequest, error) {
	rec := &domain.HandoffRequest{
		ID:        uuid.NewString(),
		DialogID:  dialogID,
		RequestID: requestID,
		Status:    status,
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
		low := strings.ToLower(err.Error())
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(low, "unique constraint failed") ||
			strings.Contains(low, "constraint failed: unique") {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}
