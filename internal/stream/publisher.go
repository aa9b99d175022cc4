package stream

import (
	"context"

	"github.com/rs/zerolog"
)

// Publisher is the single write path for dialog events: append to the
// durable log first (which assigns the id), then fan out on the bus.
// Services depend on this interface rather than on Store and Bus directly.
type Publisher interface {
	PublishEvent(ctx context.Context, typ, dialogID string, payload any) (Event, error)
}

// LogPublisher implements Publisher over a Store and a Bus.
type LogPublisher struct {
	store Store
	bus   Bus
	lg    zerolog.Logger
}

func NewLogPublisher(store Store, bus Bus, lg zerolog.Logger) *LogPublisher {
	return &LogPublisher{store: store, bus: bus, lg: lg}
}

// PublishEvent appends the event and broadcasts it. A bus failure is logged
// but does not fail the call: the event is durable in the log and clients
// recover it via replay on reconnect.
func (p *LogPublisher) PublishEvent(ctx context.Context, typ, dialogID string, payload any) (Event, error) {
	ev, err := New(typ, dialogID, payload)
	if err != nil {
		return Event{}, err
	}
	ev, err = p.store.Append(ctx, ev)
	if err != nil {
		return Event{}, err
	}
	if err := p.bus.Publish(ctx, ev); err != nil {
		p.lg.Error().Err(err).
			Str("dialog_id", dialogID).
			Str("event_type", typ).
			Msg("event fan-out failed; clients will catch up via replay")
	}
	return ev, nil
}
