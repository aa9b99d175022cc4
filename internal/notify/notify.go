// Package notify delivers out-of-band handoff notifications to operator
// channels (email, IM bridges) through a message broker. Notifications are
// best-effort: the state machine fires them asynchronously and a failure is
// only ever logged.
package notify

import (
	"context"
	"time"
)

// Notification is the broker envelope for a handoff event.
type Notification struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	DialogID   string    `json:"dialog_id"`
	OperatorID string    `json:"operator_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	UserText   string    `json:"user_text,omitempty"`
	At         time.Time `json:"at"`
}

// Notification kinds, used as the routing-key suffix.
const (
	KindRequested = "requested"
	KindResolved  = "resolved"
)

// Noop satisfies services.Notifier when no broker is configured.
type Noop struct{}

// HandoffRequested does nothing.
func (Noop) HandoffRequested(ctx context.Context, dialogID, reason, lastUserText string) {}

// HandoffResolved does nothing.
func (Noop) HandoffResolved(ctx context.Context, dialogID, operatorID string) {}
