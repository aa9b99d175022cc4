// Package services – HandoffService
//
// This file implements the handoff state machine. It owns every mutation of a
// dialog's handoff fields: transition legality, the per-dialog request rate
// limit, idempotent request replay, the append-only audit trail, and the
// system chat messages end users see during a handoff. All mutations run in a
// transaction that locks the dialog row first (and the operator presence row
// second, when one is involved), so concurrent calls serialize at the
// database and the capacity check cannot race the increment.
//
// Service-level errors (ErrNotRequested, ErrOperatorUnavailable, ...) are
// returned for predictable cases so handlers can map them to HTTP results
// consistently.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-handoff-backend/internal/config"
	"github.com/tbourn/go-handoff-backend/internal/domain"
	"github.com/tbourn/go-handoff-backend/internal/repo"
	"github.com/tbourn/go-handoff-backend/internal/stream"
)

// System chat messages inserted on transitions, atomically with the
// transition itself.
const (
	msgOperatorWillRespond = "An operator will respond shortly."
	msgConnectedToOperator = "You are connected to an operator."
)

// Clock abstracts time for the service layer so tests can pin it.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Notifier delivers out-of-band operator notifications (email, IM, broker).
// Implementations must be safe for concurrent use. The service invokes it
// asynchronously and best-effort: failures are logged, never surfaced.
type Notifier interface {
	HandoffRequested(ctx context.Context, dialogID, reason, lastUserText string)
	HandoffResolved(ctx context.Context, dialogID, operatorID string)
}

// DialogRepo defines the dialog persistence contract required by
// HandoffService.
type DialogRepo interface {
	// GetDialog fetches a dialog by ID.
	GetDialog(ctx context.Context, db *gorm.DB, id string) (*domain.Dialog, error)

	// GetDialogForUpdate fetches a dialog under a row lock; must run inside
	// a transaction.
	GetDialogForUpdate(ctx context.Context, tx *gorm.DB, id string) (*domain.Dialog, error)

	// SaveDialogHandoff persists the handoff columns of a dialog.
	SaveDialogHandoff(ctx context.Context, tx *gorm.DB, d *domain.Dialog) error

	// ListRequestedDialogs returns dialogs waiting for an operator, oldest
	// request first.
	ListRequestedDialogs(ctx context.Context, db *gorm.DB) ([]domain.Dialog, error)

	// QueuePosition returns the 1-based queue position of a requested
	// dialog, 0 if it is not queued.
	QueuePosition(ctx context.Context, db *gorm.DB, dialogID string) (int, error)
}

// PresenceLockRepo is the subset of presence persistence the state machine
// needs inside its transactions.
type PresenceLockRepo interface {
	// GetPresence fetches a presence row.
	GetPresence(ctx context.Context, db *gorm.DB, operatorID string) (*domain.OperatorPresence, error)

	// GetPresenceForUpdate fetches a presence row under a row lock; always
	// called after the dialog row is locked.
	GetPresenceForUpdate(ctx context.Context, tx *gorm.DB, operatorID string) (*domain.OperatorPresence, error)

	// AdjustActiveChats shifts the cached active chat counter, flooring at
	// zero.
	AdjustActiveChats(ctx context.Context, tx *gorm.DB, operatorID string, delta int) error
}

// AuditRepo defines the append-only transition ledger contract.
type AuditRepo interface {
	AppendAudit(ctx context.Context, tx *gorm.DB, entry *domain.HandoffAudit) (*domain.HandoffAudit, error)
	CountRecentRequests(ctx context.Context, db *gorm.DB, dialogID string, since time.Time) (int64, error)
}

// MessageRepo writes the system chat messages tied to transitions.
type MessageRepo interface {
	CreateMessage(db *gorm.DB, dialogID, role, content string) (*domain.Message, error)
}

// RequestLedger is the idempotency store for the request operation.
type RequestLedger interface {
	GetHandoffRequest(ctx context.Context, db *gorm.DB, dialogID, requestID string) (*domain.HandoffRequest, error)
	CreateHandoffRequest(ctx context.Context, db *gorm.DB, dialogID, requestID, status string) (*domain.HandoffRequest, error)
}

// AssignedManager identifies the operator holding an active handoff.
type AssignedManager struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// HandoffStatus is the external view of a dialog's handoff state.
type HandoffStatus struct {
	DialogID        string           `json:"dialog_id"`
	Status          string           `json:"status"`
	AssignedManager *AssignedManager `json:"assigned_manager,omitempty"`

	RequestedAt *time.Time `json:"requested_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`

	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	QueuePosition        int `json:"queue_position,omitempty"`
	EstimatedWaitMinutes int `json:"estimated_wait_minutes,omitempty"`
}

// QueueItem is one waiting dialog in the operator queue.
type QueueItem struct {
	DialogID             string    `json:"dialog_id"`
	AssistantID          string    `json:"assistant_id"`
	Reason               string    `json:"reason,omitempty"`
	RequestedAt          time.Time `json:"requested_at"`
	WaitingSeconds       int       `json:"waiting_seconds"`
	Priority             int       `json:"priority"`
	Position             int       `json:"position"`
	EstimatedWaitMinutes int       `json:"estimated_wait_minutes"`
}

// HandoffService owns per-dialog handoff state.
type HandoffService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB

	Dialogs  DialogRepo
	Presence PresenceLockRepo
	Audit    AuditRepo
	Messages MessageRepo
	Ledger   RequestLedger

	// Events is the single write path for stream events.
	Events stream.Publisher
	// Notifier receives best-effort out-of-band notifications.
	Notifier Notifier
	Clock    Clock

	Cfg         config.HandoffConfig
	PresenceCfg config.PresenceConfig

	Log zerolog.Logger
}

// NewHandoffService constructs a HandoffService with the production clock.
func NewHandoffService(
	db *gorm.DB,
	dialogs DialogRepo,
	presence PresenceLockRepo,
	audit AuditRepo,
	messages MessageRepo,
	ledger RequestLedger,
	events stream.Publisher,
	notifier Notifier,
	cfg config.HandoffConfig,
	presenceCfg config.PresenceConfig,
	lg zerolog.Logger,
) *HandoffService {
	return &HandoffService{
		DB:          db,
		Dialogs:     dialogs,
		Presence:    presence,
		Audit:       audit,
		Messages:    messages,
		Ledger:      ledger,
		Events:      events,
		Notifier:    notifier,
		Clock:       SystemClock{},
		Cfg:         cfg,
		PresenceCfg: presenceCfg,
		Log:         lg,
	}
}

// withTx runs fn in a transaction bounded by the configured lock wait, so a
// call that cannot acquire its row lock fails fast instead of queueing.
func (s *HandoffService) withTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s.Cfg.LockWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Cfg.LockWait)
		defer cancel()
	}
	return s.DB.WithContext(ctx).Transaction(fn)
}

// Request transitions a dialog into REQUESTED. Legal from NONE, RELEASED and
// CANCELLED. A replay with a previously seen (dialog_id, request_id) returns
// the stored outcome without re-running side effects; a fresh request while
// already REQUESTED only bumps the dialog timestamp. ACTIVE yields
// ErrAlreadyActive. The rolling per-dialog window caps transitions into
// REQUESTED; exceeding it yields ErrRateLimited.
func (s *HandoffService) Request(ctx context.Context, dialogID, reason, requestID, lastUserText string) (*HandoffStatus, error) {
	// Idempotency check before any mutation.
	if requestID != "" {
		if _, err := s.Ledger.GetHandoffRequest(ctx, s.DB, dialogID, requestID); err == nil {
			return s.Status(ctx, dialogID)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}

	now := s.Clock.Now()
	var transitioned bool
	err := s.withTx(ctx, func(tx *gorm.DB) error {
		d, err := s.Dialogs.GetDialogForUpdate(ctx, tx, dialogID)
		if err != nil {
			return mapNotFound(err, ErrDialogNotFound)
		}

		switch d.HandoffStatus {
		case domain.HandoffActive:
			return ErrAlreadyActive

		case domain.HandoffRequested:
			// Already waiting: bump the timestamp, record the request id so
			// its replay stays idempotent, change nothing else.
			if err := s.Dialogs.SaveDialogHandoff(ctx, tx, d); err != nil {
				return err
			}
			return s.recordRequestID(ctx, tx, dialogID, requestID)

		default: // none, released, cancelled
			n, err := s.Audit.CountRecentRequests(ctx, tx, dialogID, now.Add(-s.Cfg.RequestWindow))
			if err != nil {
				return err
			}
			if n >= int64(s.Cfg.RequestMax) {
				return ErrRateLimited
			}

			from := d.HandoffStatus
			d.HandoffStatus = domain.HandoffRequested
			d.RequestedAt = &now
			d.StartedAt = nil
			d.ResolvedAt = nil
			d.Reason = reason
			d.RequestID = requestID
			d.IsTakenOver = false
			d.AssignedOperatorID = nil
			if err := s.Dialogs.SaveDialogHandoff(ctx, tx, d); err != nil {
				return err
			}

			if _, err := s.Audit.AppendAudit(ctx, tx, &domain.HandoffAudit{
				DialogID:   dialogID,
				FromStatus: from,
				ToStatus:   domain.HandoffRequested,
				Reason:     reason,
				RequestID:  requestID,
				Metadata:   metaJSON(map[string]string{"last_user_text": lastUserText}),
			}); err != nil {
				return err
			}
			if _, err := s.Messages.CreateMessage(tx, dialogID, domain.RoleSystem, msgOperatorWillRespond); err != nil {
				return err
			}
			if err := s.recordRequestID(ctx, tx, dialogID, requestID); err != nil {
				return err
			}
			transitioned = true
			return nil
		}
	})
	if err != nil {
		return nil, err
	}

	if transitioned {
		s.publish(ctx, stream.TypeHandoffRequested, dialogID, map[string]string{
			"reason":     reason,
			"request_id": requestID,
		})
		if s.Notifier != nil {
			go s.Notifier.HandoffRequested(context.WithoutCancel(ctx), dialogID, reason, lastUserText)
		}
	}
	return s.Status(ctx, dialogID)
}

// recordRequestID stores the idempotency row; a concurrent duplicate insert
// is fine because the stored outcome is what a replay serves anyway.
func (s *HandoffService) recordRequestID(ctx context.Context, tx *gorm.DB, dialogID, requestID string) error {
	if requestID == "" {
		return nil
	}
	_, err := s.Ledger.CreateHandoffRequest(ctx, tx, dialogID, requestID, domain.HandoffRequested)
	if errors.Is(err, repo.ErrDuplicate) {
		return nil
	}
	return err
}

// Takeover assigns the dialog to operatorID. Legal only from REQUESTED. The
// dialog row is locked before the presence row (fixed order), and the
// availability check and counter increment commit atomically with the state
// change, so two concurrent takeovers cannot both succeed and a full
// operator cannot exceed capacity.
func (s *HandoffService) Takeover(ctx context.Context, dialogID, operatorID string) (*HandoffStatus, error) {
	now := s.Clock.Now()
	var operatorName string
	err := s.withTx(ctx, func(tx *gorm.DB) error {
		d, err := s.Dialogs.GetDialogForUpdate(ctx, tx, dialogID)
		if err != nil {
			return mapNotFound(err, ErrDialogNotFound)
		}
		if d.HandoffStatus != domain.HandoffRequested {
			return ErrNotRequested
		}

		p, err := s.Presence.GetPresenceForUpdate(ctx, tx, operatorID)
		if err != nil {
			return mapNotFound(err, ErrOperatorNotFound)
		}
		if !available(p, now, s.PresenceCfg.Staleness) {
			return ErrOperatorUnavailable
		}
		operatorName = p.Name

		d.HandoffStatus = domain.HandoffActive
		d.StartedAt = &now
		d.IsTakenOver = true
		d.AssignedOperatorID = &operatorID
		d.LastOperatorID = &operatorID
		if err := s.Dialogs.SaveDialogHandoff(ctx, tx, d); err != nil {
			return err
		}
		if err := s.Presence.AdjustActiveChats(ctx, tx, operatorID, +1); err != nil {
			return err
		}
		if _, err := s.Audit.AppendAudit(ctx, tx, &domain.HandoffAudit{
			DialogID:   dialogID,
			FromStatus: domain.HandoffRequested,
			ToStatus:   domain.HandoffActive,
			OperatorID: &operatorID,
		}); err != nil {
			return err
		}
		_, err = s.Messages.CreateMessage(tx, dialogID, domain.RoleSystem, msgConnectedToOperator)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, stream.TypeHandoffStarted, dialogID, map[string]string{
		"operator_id":   operatorID,
		"operator_name": operatorName,
	})
	return s.Status(ctx, dialogID)
}

// Release returns the dialog to automated handling. Legal only from ACTIVE
// and only by the assigned operator. The assignment is cleared but
// last_operator_id survives as the queryable last-handled-by field.
func (s *HandoffService) Release(ctx context.Context, dialogID, operatorID string) (*HandoffStatus, error) {
	now := s.Clock.Now()
	err := s.withTx(ctx, func(tx *gorm.DB) error {
		d, err := s.Dialogs.GetDialogForUpdate(ctx, tx, dialogID)
		if err != nil {
			return mapNotFound(err, ErrDialogNotFound)
		}
		if d.HandoffStatus != domain.HandoffActive {
			return ErrNotActive
		}
		if d.AssignedOperatorID == nil || *d.AssignedOperatorID != operatorID {
			return ErrWrongOperator
		}

		d.HandoffStatus = domain.HandoffReleased
		d.ResolvedAt = &now
		d.IsTakenOver = false
		d.AssignedOperatorID = nil
		if err := s.Dialogs.SaveDialogHandoff(ctx, tx, d); err != nil {
			return err
		}
		if err := s.Presence.AdjustActiveChats(ctx, tx, operatorID, -1); err != nil {
			return err
		}
		_, err = s.Audit.AppendAudit(ctx, tx, &domain.HandoffAudit{
			DialogID:   dialogID,
			FromStatus: domain.HandoffActive,
			ToStatus:   domain.HandoffReleased,
			OperatorID: &operatorID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, stream.TypeHandoffReleased, dialogID, map[string]string{
		"operator_id": operatorID,
	})
	if s.Notifier != nil {
		go s.Notifier.HandoffResolved(context.WithoutCancel(ctx), dialogID, operatorID)
	}
	return s.Status(ctx, dialogID)
}

// Cancel withdraws a pending handoff request. Legal only from REQUESTED.
func (s *HandoffService) Cancel(ctx context.Context, dialogID string) (*HandoffStatus, error) {
	now := s.Clock.Now()
	err := s.withTx(ctx, func(tx *gorm.DB) error {
		d, err := s.Dialogs.GetDialogForUpdate(ctx, tx, dialogID)
		if err != nil {
			return mapNotFound(err, ErrDialogNotFound)
		}
		if d.HandoffStatus != domain.HandoffRequested {
			return ErrNotRequested
		}

		d.HandoffStatus = domain.HandoffCancelled
		d.ResolvedAt = &now
		d.IsTakenOver = false
		if err := s.Dialogs.SaveDialogHandoff(ctx, tx, d); err != nil {
			return err
		}
		_, err = s.Audit.AppendAudit(ctx, tx, &domain.HandoffAudit{
			DialogID:   dialogID,
			FromStatus: domain.HandoffRequested,
			ToStatus:   domain.HandoffCancelled,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, stream.TypeHandoffCancelled, dialogID, nil)
	return s.Status(ctx, dialogID)
}

// ForceReset is the privileged escape hatch: it drives the dialog back to
// NONE from any state. If a handoff was active, the assigned operator's slot
// is freed. The audit row always names the admin who forced it.
func (s *HandoffService) ForceReset(ctx context.Context, dialogID, adminID string) (*HandoffStatus, error) {
	err := s.withTx(ctx, func(tx *gorm.DB) error {
		d, err := s.Dialogs.GetDialogForUpdate(ctx, tx, dialogID)
		if err != nil {
			return mapNotFound(err, ErrDialogNotFound)
		}

		from := d.HandoffStatus
		var freed *string
		if from == domain.HandoffActive && d.AssignedOperatorID != nil {
			freed = d.AssignedOperatorID
		}

		d.HandoffStatus = domain.HandoffNone
		d.RequestedAt = nil
		d.StartedAt = nil
		d.ResolvedAt = nil
		d.Reason = ""
		d.RequestID = ""
		d.IsTakenOver = false
		d.AssignedOperatorID = nil
		if err := s.Dialogs.SaveDialogHandoff(ctx, tx, d); err != nil {
			return err
		}
		if freed != nil {
			if err := s.Presence.AdjustActiveChats(ctx, tx, *freed, -1); err != nil {
				return err
			}
		}
		_, err = s.Audit.AppendAudit(ctx, tx, &domain.HandoffAudit{
			DialogID:   dialogID,
			FromStatus: from,
			ToStatus:   domain.HandoffNone,
			Metadata:   metaJSON(map[string]string{"forced_by": adminID}),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, stream.TypeHandoffCancelled, dialogID, map[string]string{
		"forced_by": adminID,
	})
	return s.Status(ctx, dialogID)
}

// Status returns the external view of a dialog's handoff state, including
// queue position and a rough wait estimate while REQUESTED.
func (s *HandoffService) Status(ctx context.Context, dialogID string) (*HandoffStatus, error) {
	d, err := s.Dialogs.GetDialog(ctx, s.DB, dialogID)
	if err != nil {
		return nil, mapNotFound(err, ErrDialogNotFound)
	}

	st := &HandoffStatus{
		DialogID:    d.ID,
		Status:      d.HandoffStatus,
		RequestedAt: d.RequestedAt,
		StartedAt:   d.StartedAt,
		ResolvedAt:  d.ResolvedAt,
		Reason:      d.Reason,
		RequestID:   d.RequestID,
	}

	if d.AssignedOperatorID != nil {
		mgr := &AssignedManager{ID: *d.AssignedOperatorID}
		if p, perr := s.Presence.GetPresence(ctx, s.DB, *d.AssignedOperatorID); perr == nil {
			mgr.Name = p.Name
		}
		st.AssignedManager = mgr
	}

	if d.HandoffStatus == domain.HandoffRequested {
		pos, err := s.Dialogs.QueuePosition(ctx, s.DB, dialogID)
		if err != nil {
			return nil, err
		}
		st.QueuePosition = pos
		st.EstimatedWaitMinutes = pos * int(s.Cfg.QueueEstimatePerSlot/time.Minute)
	}
	return st, nil
}

// Queue returns the waiting dialogs ordered for operator pickup: dialogs
// that have waited past the priority threshold come first, then request time
// within each priority band.
func (s *HandoffService) Queue(ctx context.Context) ([]QueueItem, error) {
	dialogs, err := s.Dialogs.ListRequestedDialogs(ctx, s.DB)
	if err != nil {
		return nil, err
	}

	now := s.Clock.Now()
	items := make([]QueueItem, 0, len(dialogs))
	for _, d := range dialogs {
		requestedAt := d.CreatedAt
		if d.RequestedAt != nil {
			requestedAt = *d.RequestedAt
		}
		waited := now.Sub(requestedAt)
		priority := 0
		if waited >= s.Cfg.QueuePriorityAfter {
			priority = 1
		}
		items = append(items, QueueItem{
			DialogID:       d.ID,
			AssistantID:    d.AssistantID,
			Reason:         d.Reason,
			RequestedAt:    requestedAt,
			WaitingSeconds: int(waited / time.Second),
			Priority:       priority,
		})
	}

	// ListRequestedDialogs is already oldest-first, so a stable partition by
	// priority preserves request order within each band.
	ordered := make([]QueueItem, 0, len(items))
	for _, it := range items {
		if it.Priority > 0 {
			ordered = append(ordered, it)
		}
	}
	for _, it := range items {
		if it.Priority == 0 {
			ordered = append(ordered, it)
		}
	}
	perSlot := int(s.Cfg.QueueEstimatePerSlot / time.Minute)
	for i := range ordered {
		ordered[i].Position = i + 1
		ordered[i].EstimatedWaitMinutes = (i + 1) * perSlot
	}
	return ordered, nil
}

// publish appends and fans out an event; failures are logged because the
// committed transition must not be rolled back by a delivery problem.
func (s *HandoffService) publish(ctx context.Context, typ, dialogID string, payload any) {
	if s.Events == nil {
		return
	}
	if _, err := s.Events.PublishEvent(ctx, typ, dialogID, payload); err != nil {
		s.Log.Error().Err(err).
			Str("dialog_id", dialogID).
			Str("event_type", typ).
			Msg("failed to publish handoff event")
	}
}

// available reports whether an operator can accept another chat right now.
func available(p *domain.OperatorPresence, now time.Time, staleness time.Duration) bool {
	if p.Status != domain.PresenceOnline {
		return false
	}
	if now.Sub(p.LastHeartbeat) > staleness {
		return false
	}
	return p.ActiveChatCount < p.MaxChatCapacity
}

func mapNotFound(err, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

func metaJSON(m map[string]string) string {
	for k, v := range m {
		if v == "" {
			delete(m, k)
		}
	}
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}
