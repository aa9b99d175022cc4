// Package services – PresenceService
//
// This file implements the operator presence tracker: heartbeat ingestion,
// availability checks, the periodic stale-presence sweep, and reconciliation
// of the cached active-chat counter against the dialogs actually assigned.
package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-handoff-backend/internal/config"
	"github.com/tbourn/go-handoff-backend/internal/domain"
)

// PresenceRepo defines the presence persistence contract required by
// PresenceService.
type PresenceRepo interface {
	UpsertPresence(ctx context.Context, db *gorm.DB, operatorID, status string, name *string, capacity *int, now time.Time) (*domain.OperatorPresence, error)
	GetPresence(ctx context.Context, db *gorm.DB, operatorID string) (*domain.OperatorPresence, error)
	SetActiveChats(ctx context.Context, db *gorm.DB, operatorID string, count int) error
	MarkStaleOffline(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)
	ListPresence(ctx context.Context, db *gorm.DB) ([]domain.OperatorPresence, error)
}

// ActiveAssignmentCounter counts the dialogs currently assigned to an
// operator; the reconciliation path uses it as the source of truth.
type ActiveAssignmentCounter interface {
	CountAssignedActive(ctx context.Context, db *gorm.DB, operatorID string) (int64, error)
}

// PresenceInfo is the external view of an operator's presence.
type PresenceInfo struct {
	OperatorID      string    `json:"operator_id"`
	Name            string    `json:"name,omitempty"`
	Status          string    `json:"status"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	ActiveChatCount int       `json:"active_chat_count"`
	MaxChatCapacity int       `json:"max_chat_capacity"`
	Available       bool      `json:"available"`
}

// PresenceService tracks operator availability.
type PresenceService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB

	Repo    PresenceRepo
	Dialogs ActiveAssignmentCounter
	Clock   Clock

	Cfg config.PresenceConfig
	Log zerolog.Logger
}

// NewPresenceService constructs a PresenceService with the production clock.
func NewPresenceService(db *gorm.DB, r PresenceRepo, dialogs ActiveAssignmentCounter, cfg config.PresenceConfig, lg zerolog.Logger) *PresenceService {
	return &PresenceService{
		DB:      db,
		Repo:    r,
		Dialogs: dialogs,
		Clock:   SystemClock{},
		Cfg:     cfg,
		Log:     lg,
	}
}

// Heartbeat upserts the operator's presence, refreshing last_heartbeat and
// status and, when provided, the display name and chat capacity. Operator
// clients call this on a fixed interval; missing several beats gets the row
// swept offline.
func (s *PresenceService) Heartbeat(ctx context.Context, operatorID, status string, name *string, capacity *int) (*PresenceInfo, error) {
	switch status {
	case domain.PresenceOnline, domain.PresenceAway, domain.PresenceOffline:
	case "":
		status = domain.PresenceOnline
	default:
		return nil, ErrInvalidStatus
	}
	if capacity != nil && *capacity < 1 {
		c := s.Cfg.DefaultCapacity
		capacity = &c
	}

	now := s.Clock.Now()
	p, err := s.Repo.UpsertPresence(ctx, s.DB, operatorID, status, name, capacity, now)
	if err != nil {
		return nil, err
	}
	return s.info(p, now), nil
}

// Availability reports whether the operator can take another chat: online,
// fresh heartbeat, spare capacity.
func (s *PresenceService) Availability(ctx context.Context, operatorID string) (bool, error) {
	p, err := s.Repo.GetPresence(ctx, s.DB, operatorID)
	if err != nil {
		return false, mapNotFound(err, ErrOperatorNotFound)
	}
	return available(p, s.Clock.Now(), s.Cfg.Staleness), nil
}

// Get returns the external presence view for one operator.
func (s *PresenceService) Get(ctx context.Context, operatorID string) (*PresenceInfo, error) {
	p, err := s.Repo.GetPresence(ctx, s.DB, operatorID)
	if err != nil {
		return nil, mapNotFound(err, ErrOperatorNotFound)
	}
	return s.info(p, s.Clock.Now()), nil
}

// List returns the presence view for every known operator.
func (s *PresenceService) List(ctx context.Context) ([]PresenceInfo, error) {
	rows, err := s.Repo.ListPresence(ctx, s.DB)
	if err != nil {
		return nil, err
	}
	now := s.Clock.Now()
	out := make([]PresenceInfo, 0, len(rows))
	for i := range rows {
		out = append(out, *s.info(&rows[i], now))
	}
	return out, nil
}

// AutoOfflineSweep flips presences with stale heartbeats to offline so
// crashed operator clients stop holding capacity. Returns how many rows were
// flipped; intended to run on a ticker.
func (s *PresenceService) AutoOfflineSweep(ctx context.Context) (int64, error) {
	cutoff := s.Clock.Now().Add(-s.Cfg.Staleness)
	n, err := s.Repo.MarkStaleOffline(ctx, s.DB, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.Log.Info().Int64("flipped", n).Msg("swept stale operator presences offline")
	}
	return n, nil
}

// SyncActiveChats reconciles the cached active-chat counter against the
// number of dialogs actually assigned to the operator. The cached counter
// can drift after crashes or forced resets; assignments in the dialogs table
// are authoritative.
func (s *PresenceService) SyncActiveChats(ctx context.Context, operatorID string) (int, error) {
	if _, err := s.Repo.GetPresence(ctx, s.DB, operatorID); err != nil {
		return 0, mapNotFound(err, ErrOperatorNotFound)
	}
	n, err := s.Dialogs.CountAssignedActive(ctx, s.DB, operatorID)
	if err != nil {
		return 0, err
	}
	if err := s.Repo.SetActiveChats(ctx, s.DB, operatorID, int(n)); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *PresenceService) info(p *domain.OperatorPresence, now time.Time) *PresenceInfo {
	return &PresenceInfo{
		OperatorID:      p.OperatorID,
		Name:            p.Name,
		Status:          p.Status,
		LastHeartbeat:   p.LastHeartbeat,
		ActiveChatCount: p.ActiveChatCount,
		MaxChatCapacity: p.MaxChatCapacity,
		Available:       available(p, now, s.Cfg.Staleness),
	}
}
