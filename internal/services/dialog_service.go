// Package services – DialogService
//
// This file implements dialog lifecycle reads and writes that sit outside the
// state machine: creating dialogs, fetching them, and serving the paginated
// audit and message listings the admin console reads.
package services

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-handoff-backend/internal/domain"
	"github.com/tbourn/go-handoff-backend/internal/stream"
)

// DialogStore defines the dialog persistence contract required by
// DialogService.
type DialogStore interface {
	CreateDialog(ctx context.Context, db *gorm.DB, assistantID string) (*domain.Dialog, error)
	GetDialog(ctx context.Context, db *gorm.DB, id string) (*domain.Dialog, error)
}

// AuditLog reads the append-only transition ledger.
type AuditLog interface {
	CountAudit(ctx context.Context, db *gorm.DB, dialogID string) (int64, error)
	ListAuditPage(ctx context.Context, db *gorm.DB, dialogID string, offset, limit int) ([]domain.HandoffAudit, error)
}

// MessageLog reads and appends the per-dialog chat transcript.
type MessageLog interface {
	CreateMessage(db *gorm.DB, dialogID, role, content string) (*domain.Message, error)
	CountMessages(db *gorm.DB, dialogID string) (int64, error)
	ListMessagesPage(db *gorm.DB, dialogID string, offset, limit int) ([]domain.Message, error)
}

// DialogService provides dialog CRUD and transcript reads/writes.
type DialogService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB

	Dialogs  DialogStore
	Audit    AuditLog
	Messages MessageLog

	// Events is the stream write path for message:new fan-out.
	Events stream.Publisher
}

// NewDialogService constructs a DialogService.
func NewDialogService(db *gorm.DB, dialogs DialogStore, audit AuditLog, messages MessageLog, events stream.Publisher) *DialogService {
	return &DialogService{DB: db, Dialogs: dialogs, Audit: audit, Messages: messages, Events: events}
}

// Create starts a new dialog for the given assistant.
func (s *DialogService) Create(ctx context.Context, assistantID string) (*domain.Dialog, error) {
	return s.Dialogs.CreateDialog(ctx, s.DB, assistantID)
}

// Get fetches a dialog by id.
func (s *DialogService) Get(ctx context.Context, id string) (*domain.Dialog, error) {
	d, err := s.Dialogs.GetDialog(ctx, s.DB, id)
	if err != nil {
		return nil, mapNotFound(err, ErrDialogNotFound)
	}
	return d, nil
}

// PostMessage appends an utterance to the dialog transcript and fans it out
// as a message:new event. Operator messages flow through here while a handoff
// is active; user messages flow through here always.
func (s *DialogService) PostMessage(ctx context.Context, dialogID, role, content string) (*domain.Message, error) {
	switch role {
	case domain.RoleUser, domain.RoleAssistant, domain.RoleOperator, domain.RoleSystem:
	default:
		return nil, ErrInvalidRole
	}
	if _, err := s.Dialogs.GetDialog(ctx, s.DB, dialogID); err != nil {
		return nil, mapNotFound(err, ErrDialogNotFound)
	}

	m, err := s.Messages.CreateMessage(s.DB.WithContext(ctx), dialogID, role, content)
	if err != nil {
		return nil, err
	}
	if s.Events != nil {
		// Fan-out failures do not fail the write; clients catch up via replay.
		_, _ = s.Events.PublishEvent(ctx, stream.TypeMessageNew, dialogID, map[string]string{
			"message_id": m.ID,
			"role":       m.Role,
			"content":    m.Content,
		})
	}
	return m, nil
}

// ListAuditPage returns one page of a dialog's audit trail plus the total
// count. The dialog must exist; listing audit for an unknown dialog is
// NotFound, not an empty page.
func (s *DialogService) ListAuditPage(ctx context.Context, dialogID string, page, pageSize int) ([]domain.HandoffAudit, int64, error) {
	if _, err := s.Dialogs.GetDialog(ctx, s.DB, dialogID); err != nil {
		return nil, 0, mapNotFound(err, ErrDialogNotFound)
	}
	total, err := s.Audit.CountAudit(ctx, s.DB, dialogID)
	if err != nil {
		return nil, 0, err
	}
	items, err := s.Audit.ListAuditPage(ctx, s.DB, dialogID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ListMessagesPage returns one page of a dialog's transcript plus the total
// count.
func (s *DialogService) ListMessagesPage(ctx context.Context, dialogID string, page, pageSize int) ([]domain.Message, int64, error) {
	if _, err := s.Dialogs.GetDialog(ctx, s.DB, dialogID); err != nil {
		return nil, 0, mapNotFound(err, ErrDialogNotFound)
	}
	total, err := s.Messages.CountMessages(s.DB.WithContext(ctx), dialogID)
	if err != nil {
		return nil, 0, err
	}
	items, err := s.Messages.ListMessagesPage(s.DB.WithContext(ctx), dialogID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}
