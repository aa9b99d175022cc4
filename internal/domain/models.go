// Package domain defines the persistence models for dialogs, operator
// presence, handoff audit entries, and chat messages. These types are mapped
// with GORM and form the core data layer of the handoff backend.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Handoff status values for Dialog.HandoffStatus. RELEASED and CANCELLED may
// re-enter REQUESTED on a fresh request; every other transition is validated
// by the state machine under the dialog row lock.
const (
	HandoffNone      = "none"
	HandoffRequested = "requested"
	HandoffActive    = "active"
	HandoffReleased  = "released"
	HandoffCancelled = "cancelled"
)

// Operator presence status values.
const (
	PresenceOnline  = "online"
	PresenceAway    = "away"
	PresenceOffline = "offline"
)

// Dialog represents a conversation session between an end user and either the
// automated responder or a human operator. Only the handoff-relevant subset is
// modeled here; message content lives in Message.
//
// Handoff fields are mutated exclusively by the state machine inside a
// row-locked transaction. IsTakenOver is the derived flag the automated
// responder checks before answering.
type Dialog struct {
	ID            string `json:"id"             gorm:"type:char(36);primaryKey"`
	AssistantID   string `json:"assistant_id"   gorm:"type:varchar(64);not null;index:idx_assistant_dialogs"`
	HandoffStatus string `json:"handoff_status" gorm:"type:varchar(16);not null;default:'none';index;check:handoff_status IN ('none','requested','active','released','cancelled')"`

	RequestedAt *time.Time `json:"requested_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`

	Reason      string `json:"reason,omitempty"     gorm:"type:varchar(255)"`
	RequestID   string `json:"request_id,omitempty" gorm:"type:varchar(200);index"`
	IsTakenOver bool   `json:"is_taken_over"        gorm:"not null;default:false"`

	// AssignedOperatorID is set while a handoff is ACTIVE. LastOperatorID
	// survives release so "who handled this last" stays queryable without
	// walking the audit log.
	AssignedOperatorID *string `json:"assigned_operator_id,omitempty" gorm:"type:varchar(64);index"`
	LastOperatorID     *string `json:"last_operator_id,omitempty"     gorm:"type:varchar(64)"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for Dialog.
func (Dialog) TableName() string { return "dialogs" }

// OperatorPresence tracks an operator's availability and chat load.
//
// Invariant: while Status is "online", ActiveChatCount never exceeds
// MaxChatCapacity; the capacity check and the increment happen in the same
// transaction as the takeover that consumes the slot.
type OperatorPresence struct {
	OperatorID      string    `json:"operator_id"       gorm:"type:varchar(64);primaryKey"`
	Name            string    `json:"name"              gorm:"type:varchar(128)"`
	Status          string    `json:"status"            gorm:"type:varchar(16);not null;default:'offline';check:status IN ('online','away','offline')"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	ActiveChatCount int       `json:"active_chat_count" gorm:"not null;default:0"`
	MaxChatCapacity int       `json:"max_chat_capacity" gorm:"not null;default:3"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TableName returns the database table name for OperatorPresence.
func (OperatorPresence) TableName() string { return "operator_presence" }

// HandoffAudit is the append-only transition ledger. Rows are created inside
// the same transaction as the state mutation and never updated or deleted.
//
// Seq is monotonic per dialog and doubles as a cheap ordering key for audit
// listings.
type HandoffAudit struct {
	ID         string  `json:"id"          gorm:"type:char(36);primaryKey"`
	DialogID   string  `json:"dialog_id"   gorm:"type:char(36);not null;index:idx_dialog_audit,priority:1"`
	Seq        int64   `json:"seq"         gorm:"not null;index:idx_dialog_audit,priority:2"`
	FromStatus string  `json:"from_status" gorm:"type:varchar(16);not null"`
	ToStatus   string  `json:"to_status"   gorm:"type:varchar(16);not null"`
	OperatorID *string `json:"operator_id,omitempty" gorm:"type:varchar(64)"`
	Reason     string  `json:"reason,omitempty"      gorm:"type:varchar(255)"`
	RequestID  string  `json:"request_id,omitempty"  gorm:"type:varchar(200)"`
	Metadata   string  `json:"metadata,omitempty"    gorm:"type:text"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for HandoffAudit.
func (HandoffAudit) TableName() string { return "handoff_audit" }

// Message roles. System messages are the transition notices shown to the end
// user ("An operator will respond shortly."), inserted atomically with the
// transition that caused them.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleOperator  = "operator"
	RoleSystem    = "system"
)

// Message represents a single utterance within a dialog.
type Message struct {
	ID       string `json:"id"        gorm:"type:char(36);primaryKey"`
	DialogID string `json:"dialog_id" gorm:"type:char(36);not null;index:idx_dialog_msgs,priority:1"`
	Role     string `json:"role"      gorm:"type:varchar(16);not null;check:role IN ('user','assistant','operator','system')"`
	Content  string `json:"content"   gorm:"type:text;not null"`

	CreatedAt time.Time      `json:"created_at" gorm:"index:idx_dialog_msgs,priority:2"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	// Dialog is the parent conversation. Messages are cascade-deleted if
	// their dialog is removed.
	Dialog Dialog `json:"-" gorm:"foreignKey:DialogID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// HandoffRequest records the outcome of a processed handoff request, keyed by
// (dialog_id, request_id). It is how a replayed request returns the original
// result without re-running side effects: the unique index makes the second
// insert fail, and the stored row is served instead.
type HandoffRequest struct {
	ID        string    `gorm:"type:char(36);primaryKey"`
	DialogID  string    `gorm:"type:char(36);not null;uniqueIndex:ux_dialog_request,priority:1"`
	RequestID string    `gorm:"type:varchar(200);not null;uniqueIndex:ux_dialog_request,priority:2"`
	Status    string    `gorm:"type:varchar(16);not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// TableName implements the GORM tabler interface.
func (HandoffRequest) TableName() string { return "handoff_requests" }
