// Package stream implements the per-dialog event log and the cross-process
// event bus.
//
// Every handoff transition and chat event becomes a StreamEvent with an
// opaque, strictly increasing per-dialog id. The Store keeps a bounded,
// replayable log per dialog; the Bus fans events out to every server
// instance subscribed to the dialog so any instance can deliver to its
// locally connected clients. Ordering is total per dialog and undefined
// across dialogs.
package stream

import (
	"encoding/json"
	"time"
)

// Event types carried on the wire. Heartbeats are comment-only lines on the
// SSE transport and carry no id; they are not events.
const (
	TypeHandoffRequested = "handoff_requested"
	TypeHandoffStarted   = "handoff_started"
	TypeHandoffReleased  = "handoff_released"
	TypeHandoffCancelled = "handoff_cancelled"
	TypeMessageNew       = "message:new"
	TypeTypingStart      = "typing_start"
	TypeTypingStop       = "typing_stop"
)

// Event is a single entry in a dialog's ordered event log.
//
// ID is opaque to clients but strictly increasing per dialog; clients hand
// it back as their replay cursor. Payload is type-specific JSON.
type Event struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	DialogID string          `json:"dialog_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	At       time.Time       `json:"at"`
}

// New builds an unsequenced event (empty ID) with the payload marshalled to
// JSON. Store.Append assigns the id.
func New(typ, dialogID string, payload any) (Event, error) {
	ev := Event{
		Type:     typ,
		DialogID: dialogID,
		At:       time.Now().UTC(),
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, err
		}
		ev.Payload = b
	}
	return ev, nil
}

// Encode serializes an event for transport.
func (e Event) Encode() ([]byte, error) { return json.Marshal(e) }

// Decode parses a transported event.
func Decode(b []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(b, &ev)
	return ev, err
}
